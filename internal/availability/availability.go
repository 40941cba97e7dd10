// Package availability implements the Availability Coordinator: given a set
// of candidate providers, dispatch an availability prompt to each over the
// transport, poll their probe records for a bounded window, and return
// acceptors in arrival order. This is the other CORE component alongside
// the state machine: it owns the only long-lived background task in the
// system.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/transport"
	"github.com/example/providerline/pkg/logging"
)

type ProbeStatus string

const (
	StatusPending       ProbeStatus = "pending"
	StatusAccepted      ProbeStatus = "accepted"
	StatusRejected      ProbeStatus = "rejected"
	StatusFailedToSend  ProbeStatus = "failed_to_send"
)

// Probe is the transient K/V entry keyed by (req_id, provider_phone).
type Probe struct {
	Status      ProbeStatus             `json:"status"`
	Code        string                  `json:"code"`
	Candidate   convflow.ProviderSummary `json:"candidate"`
	RequestedAt time.Time               `json:"requested_at"`
	RespondedAt *time.Time              `json:"responded_at,omitempty"`
}

// Responded is a single observed probe outcome, in arrival order.
type Responded struct {
	Phone  string
	Status ProbeStatus
	At     time.Time
}

// Result is the coordinator's output.
type Result struct {
	Accepted  []convflow.ProviderSummary
	Responded []Responded
	TimedOut  bool
}

// reqIDCounter guarantees global uniqueness of req_id even when two probes
// are dispatched within the same millisecond (spec's design note on
// req_id uniqueness).
var reqIDCounter uint64

// Config holds the tunable timings, all with spec defaults.
type Config struct {
	TTL          time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:          120 * time.Second,
		Timeout:      45 * time.Second,
		PollInterval: time.Second,
	}
}

// Coordinator is the Availability Coordinator described in the spec's
// component J.
type Coordinator struct {
	redis  *redis.Client
	sender transport.Sender
	logger *logging.Logger
	cfg    Config
}

func New(redisClient *redis.Client, sender transport.Sender, cfg Config, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{redis: redisClient, sender: sender, cfg: cfg, logger: logger}
}

func probeKey(reqID, phone string) string {
	return fmt.Sprintf("availability:request:%s:provider:%s", reqID, phone)
}

func pendingKey(phone string) string {
	return fmt.Sprintf("availability:provider:%s:pending", phone)
}

// normalizePhone strips messaging-JID suffixes and a leading "+" so a
// candidate's contactable number can be used as a map key consistently.
func normalizePhone(phone string) string {
	phone = strings.TrimSuffix(phone, "@c.us")
	phone = strings.TrimSuffix(phone, "@lid")
	phone = strings.TrimSuffix(phone, "@s.whatsapp.net")
	phone = strings.TrimPrefix(phone, "+")
	return phone
}

// contactablePhone returns the phone to dial for a candidate: real_phone if
// present, else phone. Candidates whose only phone is an @lid handle (no
// dialable real_phone) are skipped entirely by Run.
func contactablePhone(candidate convflow.ProviderSummary) (phone string, dialable bool) {
	if candidate.RealPhone != "" {
		return normalizePhone(candidate.RealPhone), true
	}
	if candidate.Phone != "" && !strings.HasSuffix(candidate.Phone, "@lid") {
		return normalizePhone(candidate.Phone), true
	}
	return "", false
}

func newReqID(seed string) string {
	n := atomic.AddUint64(&reqIDCounter, 1)
	return fmt.Sprintf("%s-%d-%d", seed, time.Now().UnixMilli(), n)
}

func codeFromReqID(reqID string) string {
	upper := strings.ToUpper(strings.ReplaceAll(reqID, "-", ""))
	if len(upper) <= 6 {
		return upper
	}
	return upper[len(upper)-6:]
}

// Run dispatches availability prompts to every dialable candidate, polls
// for responses until the deadline or all are resolved, and returns the
// acceptors in arrival order.
//
// An empty candidate list returns an empty result without any transport
// send or K/V write.
func (c *Coordinator) Run(ctx context.Context, reqIDSeed, service, city string, candidates []convflow.ProviderSummary) (Result, error) {
	if len(candidates) == 0 {
		return Result{Accepted: []convflow.ProviderSummary{}, Responded: []Responded{}}, nil
	}

	reqID := newReqID(reqIDSeed)
	code := codeFromReqID(reqID)

	type pendingEntry struct {
		phone     string
		candidate convflow.ProviderSummary
	}
	pending := make([]pendingEntry, 0, len(candidates))

	for _, candidate := range candidates {
		phone, dialable := contactablePhone(candidate)
		if !dialable {
			continue
		}

		probe := Probe{Status: StatusPending, Code: code, Candidate: candidate, RequestedAt: time.Now()}
		if err := c.writeProbe(ctx, reqID, phone, probe); err != nil {
			c.logger.Warn("availability: failed to write probe", "phone", phone, "error", err.Error())
			continue
		}
		if err := c.appendPending(ctx, phone, reqID); err != nil {
			c.logger.Warn("availability: failed to append pending", "phone", phone, "error", err.Error())
		}

		message := availabilityPrompt(service, city, code)
		if err := c.sender.SendReply(ctx, phone, transport.WithButtons(message, "1", "2")); err != nil {
			probe.Status = StatusFailedToSend
			if writeErr := c.writeProbe(ctx, reqID, phone, probe); writeErr != nil {
				c.logger.Warn("availability: failed to mark failed_to_send", "phone", phone, "error", writeErr.Error())
			}
			continue
		}

		pending = append(pending, pendingEntry{phone: phone, candidate: candidate})
	}

	result := Result{Accepted: []convflow.ProviderSummary{}, Responded: []Responded{}}
	if len(pending) == 0 {
		c.cleanupPending(ctx, reqID, candidates)
		return result, nil
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	remaining := make(map[string]pendingEntry, len(pending))
	for _, p := range pending {
		remaining[p.phone] = p
	}

	for len(remaining) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			c.cleanupPending(ctx, reqID, candidates)
			return result, nil
		default:
		}

		for _, p := range pending {
			entry, stillPending := remaining[p.phone]
			if !stillPending {
				continue
			}
			probe, err := c.readProbe(ctx, reqID, entry.phone)
			if err != nil {
				continue
			}
			if probe.Status == StatusPending {
				continue
			}

			respondedAt := time.Now()
			if probe.RespondedAt != nil {
				respondedAt = *probe.RespondedAt
			}
			result.Responded = append(result.Responded, Responded{Phone: entry.phone, Status: probe.Status, At: respondedAt})
			if probe.Status == StatusAccepted {
				result.Accepted = append(result.Accepted, entry.candidate)
			}
			delete(remaining, entry.phone)
		}

		if len(remaining) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			c.cleanupPending(ctx, reqID, candidates)
			return result, nil
		case <-time.After(c.cfg.PollInterval):
		}
	}

	if len(remaining) > 0 {
		result.TimedOut = true
	}

	c.cleanupPending(ctx, reqID, candidates)
	return result, nil
}

func availabilityPrompt(service, city, code string) string {
	if city != "" {
		return fmt.Sprintf("Tienes una solicitud de servicio de *%s* en *%s* (código %s). ¿Puedes atenderla ahora? Responde 1 (sí) o 2 (no).", service, city, code)
	}
	return fmt.Sprintf("Tienes una solicitud de servicio de *%s* (código %s). ¿Puedes atenderla ahora? Responde 1 (sí) o 2 (no).", service, code)
}

func (c *Coordinator) writeProbe(ctx context.Context, reqID, phone string, probe Probe) error {
	data, err := json.Marshal(probe)
	if err != nil {
		return err
	}
	ttl := c.cfg.TTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return c.redis.Set(ctx, probeKey(reqID, phone), data, ttl).Err()
}

func (c *Coordinator) readProbe(ctx context.Context, reqID, phone string) (Probe, error) {
	data, err := c.redis.Get(ctx, probeKey(reqID, phone)).Bytes()
	if err != nil {
		return Probe{}, err
	}
	var probe Probe
	if err := json.Unmarshal(data, &probe); err != nil {
		return Probe{}, err
	}
	return probe, nil
}

func (c *Coordinator) appendPending(ctx context.Context, phone, reqID string) error {
	key := pendingKey(phone)
	if err := c.redis.RPush(ctx, key, reqID).Err(); err != nil {
		return err
	}
	ttl := c.cfg.TTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return c.redis.Expire(ctx, key, ttl).Err()
}

// cleanupPending deterministically removes req_id from every candidate's
// pending list after the run concludes, whether by deadline, full
// resolution, or cancellation.
func (c *Coordinator) cleanupPending(ctx context.Context, reqID string, candidates []convflow.ProviderSummary) {
	ctx = context.WithoutCancel(ctx)
	for _, candidate := range candidates {
		phone, dialable := contactablePhone(candidate)
		if !dialable {
			continue
		}
		if err := c.redis.LRem(ctx, pendingKey(phone), 0, reqID).Err(); err != nil {
			c.logger.Warn("availability: cleanup failed", "phone", phone, "error", err.Error())
		}
	}
}

// AcceptProbe marks the probe for (req_id, phone) as accepted. This is the
// write path used by the provider-side response ingress, an external
// collaborator to the coordinator itself, but implemented here because it
// shares the probe schema.
func (c *Coordinator) AcceptProbe(ctx context.Context, reqID, phone string, accept bool) error {
	probe, err := c.readProbe(ctx, reqID, phone)
	if err != nil {
		return fmt.Errorf("availability: read probe for response: %w", err)
	}
	if probe.Status != StatusPending {
		return nil
	}
	now := time.Now()
	probe.RespondedAt = &now
	if accept {
		probe.Status = StatusAccepted
	} else {
		probe.Status = StatusRejected
	}
	return c.writeProbe(ctx, reqID, phone, probe)
}
