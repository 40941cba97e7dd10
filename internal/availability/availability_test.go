package availability

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/transport"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failFor  map[string]bool
}

func (f *fakeSender) SendReply(ctx context.Context, toPhone string, msg transport.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[toPhone] {
		return assertError("send failed")
	}
	f.sent = append(f.sent, toPhone)
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

func newTestCoordinator(t *testing.T, sender transport.Sender, cfg Config) (*Coordinator, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(redisClient, sender, cfg, nil), redisClient
}

func TestRun_EmptyCandidatesNoSendNoWrite(t *testing.T) {
	sender := &fakeSender{}
	coord, _ := newTestCoordinator(t, sender, DefaultConfig())

	result, err := coord.Run(context.Background(), "seed", "plumber", "Mexico City", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.Empty(t, result.Responded)
	assert.False(t, result.TimedOut)
	assert.Empty(t, sender.sent)
}

func TestRun_SkipsLidOnlyCandidates(t *testing.T) {
	sender := &fakeSender{}
	cfg := Config{TTL: time.Second, Timeout: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond}
	coord, _ := newTestCoordinator(t, sender, cfg)

	candidates := []convflow.ProviderSummary{
		{ID: "p1", Phone: "1234@lid"},
	}
	result, err := coord.Run(context.Background(), "seed", "plumber", "", candidates)
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.Empty(t, sender.sent)
}

func TestRun_AcceptanceArrivesInObservedOrder(t *testing.T) {
	sender := &fakeSender{}
	cfg := Config{TTL: time.Second, Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond}
	coord, redisClient := newTestCoordinator(t, sender, cfg)

	candidates := []convflow.ProviderSummary{
		{ID: "p2", RealPhone: "+5215511111111", Rating: 4.5},
		{ID: "p3", RealPhone: "+5215522222222", Rating: 4.8},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		keys, _ := redisClient.Keys(context.Background(), "availability:request:*:provider:5215522222222").Result()
		require.Len(t, keys, 1)
		reqID := extractReqID(keys[0])
		require.NoError(t, coord.AcceptProbe(context.Background(), reqID, "5215522222222", true))

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, coord.AcceptProbe(context.Background(), reqID, "5215511111111", true))
	}()

	result, err := coord.Run(context.Background(), "seed", "plumber", "Mexico City", candidates)
	<-done
	require.NoError(t, err)
	require.Len(t, result.Accepted, 2)
	assert.Equal(t, "p3", result.Accepted[0].ID)
	assert.Equal(t, "p2", result.Accepted[1].ID)
}

func TestRun_TimeoutWithZeroAcceptorsReturnsEmptyAccepted(t *testing.T) {
	sender := &fakeSender{}
	cfg := Config{TTL: time.Second, Timeout: 60 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	coord, _ := newTestCoordinator(t, sender, cfg)

	candidates := []convflow.ProviderSummary{
		{ID: "p1", RealPhone: "+5215511111111"},
	}
	result, err := coord.Run(context.Background(), "seed", "plumber", "", candidates)
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.True(t, result.TimedOut)
}

func TestRun_SendFailureMarksFailedToSendAndContinues(t *testing.T) {
	phone := "5215511111111"
	sender := &fakeSender{failFor: map[string]bool{phone: true}}
	cfg := Config{TTL: time.Second, Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	coord, _ := newTestCoordinator(t, sender, cfg)

	candidates := []convflow.ProviderSummary{{ID: "p1", RealPhone: "+" + phone}}
	result, err := coord.Run(context.Background(), "seed", "plumber", "", candidates)
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.False(t, result.TimedOut)
}

func TestRun_CancellationStopsPollingEarly(t *testing.T) {
	sender := &fakeSender{}
	cfg := Config{TTL: time.Second, Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}
	coord, _ := newTestCoordinator(t, sender, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	candidates := []convflow.ProviderSummary{{ID: "p1", RealPhone: "+5215511111111"}}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := coord.Run(ctx, "seed", "plumber", "", candidates)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Empty(t, result.Accepted)
}

func extractReqID(key string) string {
	rest := strings.TrimPrefix(key, "availability:request:")
	return rest[:strings.Index(rest, ":provider:")]
}
