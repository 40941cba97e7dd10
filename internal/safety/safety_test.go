package safety

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/providerline/internal/llm"
)

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.LLMRequest) (llm.LLMResponse, error) {
	if f.err != nil {
		return llm.LLMResponse{}, f.err
	}
	return llm.LLMResponse{Text: f.text}, nil
}

func newTestGate(t *testing.T, responseText string) (*Gate, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := New(redisClient, &fakeLLM{text: responseText}, llm.NewLimiter(4), "test-model", 5*time.Second, nil)
	return gate, redisClient
}

func TestClassify_Valid(t *testing.T) {
	gate, _ := newTestGate(t, `{"is_valid":true,"category":"valid","reason":"ok"}`)
	msg, banned, err := gate.Classify(context.Background(), "+5215512345678", "necesito un plomero")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Empty(t, msg)
}

func TestClassify_NonsenseReturnsReformulation(t *testing.T) {
	gate, _ := newTestGate(t, `{"is_valid":false,"category":"nonsense","reason":"gibberish"}`)
	msg, banned, err := gate.Classify(context.Background(), "+5215512345678", "asdkjhaskjdh")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.NotEmpty(t, msg)
}

func TestClassify_FirstIllegalWarns(t *testing.T) {
	gate, _ := newTestGate(t, `{"is_valid":false,"category":"illegal","reason":"bad"}`)
	phone := "+5215512345678"
	msg, banned, err := gate.Classify(context.Background(), phone, "texto")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Contains(t, msg, "infracción")
}

func TestClassify_SecondIllegalBans(t *testing.T) {
	gate, redisClient := newTestGate(t, `{"is_valid":false,"category":"illegal","reason":"bad"}`)
	phone := "+5215512345678"

	counter := WarningCounter{Count: 1, LastWarningAt: time.Now(), LastOffense: "illegal"}
	data, err := json.Marshal(counter)
	require.NoError(t, err)
	require.NoError(t, redisClient.Set(context.Background(), warningsKey(phone), data, warningTTL).Err())

	msg, banned, err := gate.Classify(context.Background(), phone, "texto")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Contains(t, msg, "bloqueado")

	isBanned, err := gate.IsBanned(context.Background(), phone)
	require.NoError(t, err)
	assert.True(t, isBanned)
}

func TestIsBanned_NoBanRecord(t *testing.T) {
	gate, _ := newTestGate(t, "")
	banned, err := gate.IsBanned(context.Background(), "+5215512345678")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestIsBanned_ExpiredBanIsNotBanned(t *testing.T) {
	gate, redisClient := newTestGate(t, "")
	phone := "+5215512345678"
	ban := Ban{BannedAt: time.Now().Add(-20 * time.Minute), Reason: "illegal", ExpiresAt: time.Now().Add(-5 * time.Minute)}
	data, err := json.Marshal(ban)
	require.NoError(t, err)
	require.NoError(t, redisClient.Set(context.Background(), banKey(phone), data, banTTL).Err())

	banned, err := gate.IsBanned(context.Background(), phone)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestClassify_LLMUnavailableFailsOpen(t *testing.T) {
	gate, _ := newTestGate(t, "")
	gate.llm = &fakeLLM{err: assertError{"timeout"}}

	msg, banned, err := gate.Classify(context.Background(), "+5215512345678", "texto")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Empty(t, msg)
}

type assertError struct{ s string }

func (e assertError) Error() string { return e.s }
