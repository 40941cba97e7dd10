// Package safety implements the content safety gate: an LLM classification
// of inbound text into {valid, illegal, inappropriate, nonsense, false},
// backed by a per-phone warning counter that escalates to a temporary ban
// on a second offense within its window.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/providerline/internal/llm"
	"github.com/example/providerline/internal/messages"
	"github.com/example/providerline/pkg/logging"
)

const (
	warningTTL = 900 * time.Second
	banTTL     = 900 * time.Second

	categoryValid         = "valid"
	categoryIllegal       = "illegal"
	categoryInappropriate = "inappropriate"
	categoryNonsense      = "nonsense"
	categoryFalse         = "false"
)

const classifySystemPrompt = `You classify inbound messages for a services marketplace chat. Respond with strict JSON only:
{"is_valid": bool, "category": "valid"|"illegal"|"inappropriate"|"nonsense"|"false", "reason": string}
"illegal" covers requests for illegal services or activity. "inappropriate" covers harassment, hate, or sexual content.
"nonsense" covers gibberish. "false" covers messages making false claims that can't be evaluated as a service need.
Anything else describing a real service need, even vaguely, is "valid".`

// WarningCounter is the per-phone content-safety strike record.
type WarningCounter struct {
	Count         int       `json:"count"`
	LastWarningAt time.Time `json:"last_warning_at"`
	LastOffense   string    `json:"last_offense"`
}

// Ban is a temporary per-phone block.
type Ban struct {
	BannedAt  time.Time `json:"banned_at"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

type classification struct {
	IsValid  bool   `json:"is_valid"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Gate is the content safety gate described in the spec's component C.
type Gate struct {
	redis   *redis.Client
	llm     llm.Client
	limiter *llm.Limiter
	model   string
	timeout time.Duration
	logger  *logging.Logger
}

func New(redisClient *redis.Client, llmClient llm.Client, limiter *llm.Limiter, model string, timeout time.Duration, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{redis: redisClient, llm: llmClient, limiter: limiter, model: model, timeout: timeout, logger: logger}
}

func banKey(phone string) string     { return fmt.Sprintf("ban:%s", phone) }
func warningsKey(phone string) string { return fmt.Sprintf("warnings:%s", phone) }

// IsBanned reports whether phone currently has a live ban. Callers must
// check this before Classify so that banned users never reach the LLM.
func (g *Gate) IsBanned(ctx context.Context, phone string) (bool, error) {
	data, err := g.redis.Get(ctx, banKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("safety: check ban: %w", err)
	}
	var ban Ban
	if err := json.Unmarshal(data, &ban); err != nil {
		return false, fmt.Errorf("safety: decode ban: %w", err)
	}
	return time.Now().Before(ban.ExpiresAt), nil
}

// Classify runs the fixed classification prompt against text and returns
// either a reply message to send (warning, ban, or reformulation request)
// or empty string when the content is valid. bannedNow reports whether this
// call just escalated the phone into a ban.
//
// If the LLM is unavailable, the gate fails open: (\"\", false, nil).
func (g *Gate) Classify(ctx context.Context, phone, text string) (message string, bannedNow bool, err error) {
	release, acquireErr := g.limiter.Acquire(ctx)
	if acquireErr != nil {
		return "", false, nil
	}
	defer release()

	result, classifyErr := llm.ClassifyJSON[classification](ctx, g.llm, g.model, classifySystemPrompt, text, g.timeout)
	if classifyErr != nil {
		g.logger.Warn("safety: classification failed, failing open", "phone", phone, "error", classifyErr.Error())
		return "", false, nil
	}

	switch result.Category {
	case categoryValid:
		return "", false, nil
	case categoryNonsense, categoryFalse:
		return messages.SafetyReformulation, false, nil
	case categoryIllegal, categoryInappropriate:
		return g.escalate(ctx, phone, result.Category)
	default:
		// Unrecognized category: treat conservatively as valid to avoid
		// blocking legitimate traffic on a model quirk.
		return "", false, nil
	}
}

func (g *Gate) escalate(ctx context.Context, phone, offense string) (string, bool, error) {
	data, err := g.redis.Get(ctx, warningsKey(phone)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("safety: read warning counter: %w", err)
	}

	if errors.Is(err, redis.Nil) {
		counter := WarningCounter{Count: 1, LastWarningAt: time.Now(), LastOffense: offense}
		encoded, marshalErr := json.Marshal(counter)
		if marshalErr != nil {
			return "", false, fmt.Errorf("safety: encode warning counter: %w", marshalErr)
		}
		if err := g.redis.Set(ctx, warningsKey(phone), encoded, warningTTL).Err(); err != nil {
			return "", false, fmt.Errorf("safety: write warning counter: %w", err)
		}
		return messages.SafetyWarning, false, nil
	}

	var counter WarningCounter
	if err := json.Unmarshal(data, &counter); err != nil {
		return "", false, fmt.Errorf("safety: decode warning counter: %w", err)
	}

	now := time.Now()
	ban := Ban{BannedAt: now, Reason: offense, ExpiresAt: now.Add(15 * time.Minute)}
	encoded, err := json.Marshal(ban)
	if err != nil {
		return "", false, fmt.Errorf("safety: encode ban: %w", err)
	}
	if err := g.redis.Set(ctx, banKey(phone), encoded, banTTL).Err(); err != nil {
		return "", false, fmt.Errorf("safety: write ban: %w", err)
	}
	return messages.BanMessage(ban.ExpiresAt), true, nil
}
