// Package connect builds the connection handoff message sent once a
// customer picks a provider: a click-to-chat wa.me link plus a best-effort
// resolved photo URL (signed URL, else a URL under the public base, else
// the stored value itself). The photo is omitted only when the provider
// has no stored photo value.
package connect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/pkg/logging"
)

const defaultSignedURLExpiry = 6 * time.Hour

var storagePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`storage/v1/object/public/([^/]+)/(.+)$`),
	regexp.MustCompile(`storage/v1/object/sign/([^/]+)/([^?]+)`),
	regexp.MustCompile(`admin/providers/image/(.+)$`),
}

// Presigner is the subset of the S3 presign client the builder depends on.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Builder is the Connection Message Builder described in the spec's
// component K.
type Builder struct {
	presigner   Presigner
	bucket      string
	publicBase  string
	signedTTL   time.Duration
	logger      *logging.Logger
}

func New(presigner Presigner, bucket, publicBase string, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Builder{presigner: presigner, bucket: bucket, publicBase: publicBase, signedTTL: defaultSignedURLExpiry, logger: logger}
}

// Link builds the click-to-chat wa.me link for a provider's contact phone.
// @lid-form phones have no dialable number and produce no link.
func Link(phone string) (link string, ok bool) {
	if strings.HasSuffix(phone, "@lid") {
		return "", false
	}
	digits := strings.TrimSuffix(phone, "@c.us")
	digits = strings.TrimPrefix(digits, "+")
	if digits == "" {
		return "", false
	}
	return fmt.Sprintf("https://wa.me/%s", digits), true
}

// contactPhone selects real_phone if present, else phone.
func contactPhone(p convflow.ProviderSummary) string {
	if p.RealPhone != "" {
		return p.RealPhone
	}
	return p.Phone
}

// ResolvePhotoURL resolves a stored photo value. A value without a
// recognized storage path marker is returned unchanged. Otherwise it tries,
// in order: a signed URL from the object store, a URL constructed under the
// configured public base, and finally the stored value unchanged. Only an
// empty value yields no photo.
func (b *Builder) ResolvePhotoURL(ctx context.Context, rawPhotoValue string) (string, bool) {
	if strings.TrimSpace(rawPhotoValue) == "" {
		return "", false
	}

	bucket, key, found := extractStoragePath(rawPhotoValue)
	if !found {
		// Not a recognized storage path marker: treat the raw value as
		// already being a usable URL.
		return rawPhotoValue, true
	}
	if bucket == "" {
		bucket = b.bucket
	}

	if b.presigner != nil {
		if url, err := b.presignURL(ctx, bucket, key); err == nil && url != "" {
			return url, true
		} else if err != nil {
			b.logger.Warn("connect: signed url failed, falling back", "error", err.Error())
		}
	}

	if b.publicBase != "" {
		return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", strings.TrimSuffix(b.publicBase, "/"), bucket, key), true
	}

	return rawPhotoValue, true
}

func (b *Builder) presignURL(ctx context.Context, bucket, key string) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = b.signedTTL
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func extractStoragePath(raw string) (bucket, key string, found bool) {
	for _, pattern := range storagePathPatterns {
		match := pattern.FindStringSubmatch(raw)
		if match == nil {
			continue
		}
		if len(match) == 3 {
			return match[1], match[2], true
		}
		return "", match[1], true
	}
	return "", "", false
}

// Message is the assembled outbound connection handoff.
type Message struct {
	Text         string
	MediaURL     string
	MediaType    string
	MediaCaption string
}

// Build assembles the four-line connection message for a chosen provider.
func (b *Builder) Build(ctx context.Context, chosen convflow.ProviderSummary) Message {
	var lines []string
	lines = append(lines, fmt.Sprintf("Proveedor asignado: %s.", chosen.FullName))

	photoURL, hasPhoto := "", false
	if chosen.FacePhotoURL != "" {
		photoURL, hasPhoto = b.ResolvePhotoURL(ctx, chosen.FacePhotoURL)
	}
	if hasPhoto {
		lines = append(lines, "Foto del proveedor adjunta.")
	} else {
		lines = append(lines, "Foto no disponible por el momento.")
	}

	phone := contactPhone(chosen)
	if link, ok := Link(phone); ok {
		lines = append(lines, fmt.Sprintf("Puedes escribirle directamente aquí: %s", link))
	} else {
		lines = append(lines, "Nos pondremos en contacto para coordinar directamente.")
	}

	lines = append(lines, "El proveedor se comunicará contigo para coordinar los detalles del servicio.")
	text := strings.Join(lines, "\n")

	msg := Message{Text: text}
	if hasPhoto {
		msg.MediaURL = photoURL
		msg.MediaType = "image"
		msg.MediaCaption = text
	}
	return msg
}
