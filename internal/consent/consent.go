// Package consent implements the two-message consent dialog and the
// append-only ConsentRecord audit trail gating access to the rest of the
// conversation.
package consent

import (
	"context"
	"time"

	"github.com/example/providerline/internal/llm"
	"github.com/example/providerline/internal/normalize"
	"github.com/example/providerline/pkg/logging"
)

// Response is the outcome of a consent decision.
type Response string

const (
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
)

// UserType distinguishes whose consent a record tracks.
type UserType string

const (
	UserTypeCustomer UserType = "customer"
	UserTypeProvider UserType = "provider"
)

// Record is an immutable audit entry, append-only.
type Record struct {
	UserID    string         `json:"user_id"`
	UserType  UserType       `json:"user_type"`
	Response  Response       `json:"response"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recorder appends consent decisions to the audit log. The storage backend
// is an external collaborator; the service only shapes the record.
type Recorder interface {
	Append(ctx context.Context, record Record) error
}

// Outcome is the result of parsing an inbound reply to the consent prompt.
type Outcome int

const (
	OutcomeAmbiguous Outcome = iota
	OutcomeAccepted
	OutcomeDeclined
)

var affirmative = map[string]bool{
	"1": true, "si": true, "s": true, "yes": true, "y": true,
	"acepto": true, "aceptar": true, "de acuerdo": true, "claro": true,
	"ok": true, "okay": true,
}

var negative = map[string]bool{
	"2": true, "no": true, "n": true, "rechazo": true, "rechazar": true,
	"declino": true, "paso": true,
}

// ParseReply classifies a free-text reply to the consent prompt as
// accept/decline/ambiguous. Accepts raw "1"/"2", the literal option text,
// and locale variants of yes/no. A multi-word reply is decided only when
// every word is a yes word, a no word, or "gracias", and the yes/no words
// all agree ("Sí, acepto", "no gracias").
func ParseReply(selectedOption, text string) Outcome {
	candidate := normalize.Normalize(selectedOption)
	if candidate == "" {
		candidate = normalize.Normalize(text)
	}
	if affirmative[candidate] {
		return OutcomeAccepted
	}
	if negative[candidate] {
		return OutcomeDeclined
	}
	yes, no := false, false
	for _, token := range normalize.Tokens(candidate) {
		switch {
		case affirmative[token]:
			yes = true
		case negative[token]:
			no = true
		case token != "gracias":
			return OutcomeAmbiguous
		}
	}
	if yes && !no {
		return OutcomeAccepted
	} else if no && !yes {
		return OutcomeDeclined
	}
	return OutcomeAmbiguous
}

// PromptLines are the two canonical messages enumerating data usage and the
// numeric selector, sent when a customer has not yet decided.
var PromptLines = []string{
	"Antes de continuar, necesitamos tu autorización para compartir tu número con proveedores de servicio que puedan atenderte. Tu información no se usará para ningún otro fin.",
	"Responde *1* para aceptar o *2* para rechazar.",
}

const DeclinedMessage = "Entendido. Sin tu autorización no podemos conectarte con un proveedor."

// Service runs the consent flow: prompt, parse, accept/decline.
type Service struct {
	recorder Recorder
	llm      llm.Client
	limiter  *llm.Limiter
	model    string
	timeout  time.Duration
	logger   *logging.Logger
}

// New builds a consent service. llmClient and limiter may be nil, in which
// case ClassifyReply never consults the LLM and behaves exactly like the
// static ParseReply classifier.
func New(recorder Recorder, llmClient llm.Client, limiter *llm.Limiter, model string, timeout time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{recorder: recorder, llm: llmClient, limiter: limiter, model: model, timeout: timeout, logger: logger}
}

type replyJudgment struct {
	Outcome string `json:"outcome"`
}

const replyClassifyPrompt = `A user was asked to authorize sharing their phone number with a service
provider and to reply with 1 (yes) or 2 (no). Their reply didn't match either option literally.
Decide whether their free-text reply means yes, no, or is genuinely unclear. Respond with strict
JSON only: {"outcome": "accept"|"decline"|"ambiguous"}.`

// ClassifyReply classifies a reply to the consent prompt. It tries the
// static affirmative/negative sets first; only on a miss, and only when an
// LLM client is configured, does it fall back to an LLM judgment per
// spec §4.G's "free-text yes/no interpreted by a dedicated classifier."
func (s *Service) ClassifyReply(ctx context.Context, selectedOption, text string) Outcome {
	if outcome := ParseReply(selectedOption, text); outcome != OutcomeAmbiguous {
		return outcome
	}
	if s.llm == nil || s.limiter == nil || normalize.Normalize(text) == "" {
		return OutcomeAmbiguous
	}

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return OutcomeAmbiguous
	}
	defer release()

	judgment, err := llm.ClassifyJSON[replyJudgment](ctx, s.llm, s.model, replyClassifyPrompt, text, s.timeout)
	if err != nil {
		s.logger.Warn("consent: llm reply classification failed", "error", err.Error())
		return OutcomeAmbiguous
	}
	switch judgment.Outcome {
	case "accept":
		return OutcomeAccepted
	case "decline":
		return OutcomeDeclined
	default:
		return OutcomeAmbiguous
	}
}

// Accept appends an accepted ConsentRecord for userID with metadata derived
// from the inbound payload.
func (s *Service) Accept(ctx context.Context, userID string, userType UserType, metadata map[string]any) error {
	return s.recorder.Append(ctx, Record{
		UserID:    userID,
		UserType:  userType,
		Response:  ResponseAccepted,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
}

// Decline appends a declined ConsentRecord for userID.
func (s *Service) Decline(ctx context.Context, userID string, userType UserType, metadata map[string]any) error {
	return s.recorder.Append(ctx, Record{
		UserID:    userID,
		UserType:  userType,
		Response:  ResponseDeclined,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
}
