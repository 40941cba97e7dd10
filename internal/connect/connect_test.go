package connect

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/providerline/internal/convflow"
)

type fakePresigner struct {
	url string
	err error
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &v4.PresignedHTTPRequest{URL: f.url}, nil
}

func TestLink_NormalPhoneBuildsWaMeURL(t *testing.T) {
	link, ok := Link("5215512345678@c.us")
	require.True(t, ok)
	assert.Equal(t, "https://wa.me/5215512345678", link)
}

func TestLink_PlusPrefixStripped(t *testing.T) {
	link, ok := Link("+5215512345678")
	require.True(t, ok)
	assert.Equal(t, "https://wa.me/5215512345678", link)
}

func TestLink_LidHandleReturnsNoLink(t *testing.T) {
	_, ok := Link("998877@lid")
	assert.False(t, ok)
}

func TestResolvePhotoURL_EmptyReturnsNoPhoto(t *testing.T) {
	b := New(nil, "photos", "", nil)
	_, ok := b.ResolvePhotoURL(context.Background(), "")
	assert.False(t, ok)
}

func TestResolvePhotoURL_NonStorageValueUsedAsIs(t *testing.T) {
	b := New(nil, "photos", "", nil)
	url, ok := b.ResolvePhotoURL(context.Background(), "https://cdn.example.com/ana.jpg")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/ana.jpg", url)
}

func TestResolvePhotoURL_PrefersSignedURL(t *testing.T) {
	presigner := &fakePresigner{url: "https://signed.example.com/ana.jpg?sig=abc"}
	b := New(presigner, "photos", "https://public.example.com", nil)

	url, ok := b.ResolvePhotoURL(context.Background(), "storage/v1/object/public/photos/ana.jpg")
	require.True(t, ok)
	assert.Equal(t, "https://signed.example.com/ana.jpg?sig=abc", url)
}

func TestResolvePhotoURL_FallsBackToPublicWhenSignFails(t *testing.T) {
	presigner := &fakePresigner{err: assertError("presign failed")}
	b := New(presigner, "photos", "https://public.example.com", nil)

	url, ok := b.ResolvePhotoURL(context.Background(), "storage/v1/object/public/photos/ana.jpg")
	require.True(t, ok)
	assert.Equal(t, "https://public.example.com/storage/v1/object/public/photos/ana.jpg", url)
}

func TestResolvePhotoURL_FallsBackToRawValueWhenNoPresignerOrBase(t *testing.T) {
	b := New(nil, "photos", "", nil)
	url, ok := b.ResolvePhotoURL(context.Background(), "admin/providers/image/ana.jpg")
	require.True(t, ok)
	assert.Equal(t, "admin/providers/image/ana.jpg", url)
}

func TestBuild_IncludesMediaWhenPhotoResolves(t *testing.T) {
	presigner := &fakePresigner{url: "https://signed.example.com/ana.jpg"}
	b := New(presigner, "photos", "", nil)

	provider := convflow.ProviderSummary{
		FullName:     "Ana",
		RealPhone:    "+5215512345678",
		FacePhotoURL: "storage/v1/object/public/photos/ana.jpg",
	}
	msg := b.Build(context.Background(), provider)

	assert.Contains(t, msg.Text, "Proveedor asignado: Ana.")
	assert.Contains(t, msg.Text, "https://wa.me/5215512345678")
	assert.Equal(t, "https://signed.example.com/ana.jpg", msg.MediaURL)
	assert.Equal(t, "image", msg.MediaType)
	assert.Equal(t, msg.Text, msg.MediaCaption)
}

func TestBuild_OmitsMediaWhenNoPhoto(t *testing.T) {
	b := New(nil, "photos", "", nil)
	provider := convflow.ProviderSummary{FullName: "Ana", RealPhone: "+5215512345678"}
	msg := b.Build(context.Background(), provider)

	assert.Empty(t, msg.MediaURL)
	assert.Contains(t, msg.Text, "Foto no disponible")
}

func TestBuild_LidOnlyPhoneHasNoLink(t *testing.T) {
	b := New(nil, "photos", "", nil)
	provider := convflow.ProviderSummary{FullName: "Ana", Phone: "998877@lid"}
	msg := b.Build(context.Background(), provider)

	assert.NotContains(t, msg.Text, "wa.me")
	assert.Contains(t, msg.Text, "Nos pondremos en contacto")
}

type assertError string

func (e assertError) Error() string { return string(e) }
