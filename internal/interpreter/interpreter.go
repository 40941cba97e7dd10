// Package interpreter turns free-text inbound messages into a canonical
// profession and city plus a semantic judgment of whether the text
// expresses a need ("my pipe leaks") rather than a bare profession label
// ("plumber"). The catalog direct match always wins; the LLM is consulted
// only when the catalog misses.
package interpreter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/providerline/internal/llm"
	"github.com/example/providerline/internal/normalize"
	"github.com/example/providerline/pkg/logging"
)

// Catalog is the subset of catalog.Catalog the interpreter depends on.
type Catalog interface {
	ResolveProfession(ctx context.Context, text string) (string, bool)
	ResolveCity(ctx context.Context, text string) (string, bool)
	AllCanonicalProfessions(ctx context.Context) []string
	AllCanonicalCities(ctx context.Context) []string
}

type Interpreter struct {
	catalog Catalog
	llm     llm.Client
	limiter *llm.Limiter
	model   string
	timeout time.Duration
	logger  *logging.Logger
}

func New(catalog Catalog, llmClient llm.Client, limiter *llm.Limiter, model string, timeout time.Duration, logger *logging.Logger) *Interpreter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Interpreter{catalog: catalog, llm: llmClient, limiter: limiter, model: model, timeout: timeout, logger: logger}
}

type professionGuess struct {
	Profession string `json:"profession"`
}

const professionPrompt = `A user is looking for a service provider. Given their message, name the MOST SPECIFIC
service profession that matches, in the same language as the user. Never generalize to a broader
category (for example "public procurement bid documents" must not become "consultant"). Respond
with strict JSON only: {"profession": string}. If no identifiable profession applies, use an empty string.`

// ExtractProfession resolves text to a canonical profession. It tries the
// catalog first; on a miss it asks the LLM for the most specific service
// name and re-resolves that answer against the catalog one more time.
// Returned canonicals always exist in the catalog.
func (i *Interpreter) ExtractProfession(ctx context.Context, text string) (string, bool) {
	if canonical, ok := i.catalog.ResolveProfession(ctx, text); ok {
		return canonical, true
	}

	release, err := i.limiter.Acquire(ctx)
	if err != nil {
		return "", false
	}
	defer release()

	guess, err := llm.ClassifyJSON[professionGuess](ctx, i.llm, i.model, professionPrompt, text, i.timeout)
	if err != nil {
		i.logger.Warn("interpreter: profession extraction failed", "error", err.Error())
		return "", false
	}
	if strings.TrimSpace(guess.Profession) == "" {
		return "", false
	}

	return i.catalog.ResolveProfession(ctx, guess.Profession)
}

type cityGuess struct {
	City string `json:"city"`
}

// ExtractCity resolves text to a canonical city. It tries the catalog
// first; on a miss it asks the LLM to pick from the allowed canonical city
// list and rejects anything the LLM returns that falls outside it.
func (i *Interpreter) ExtractCity(ctx context.Context, text string) (string, bool) {
	if canonical, ok := i.catalog.ResolveCity(ctx, text); ok {
		return canonical, true
	}

	release, err := i.limiter.Acquire(ctx)
	if err != nil {
		return "", false
	}
	defer release()

	prompt := fmt.Sprintf(`A user mentioned a location when looking for a service provider. The ONLY valid cities
are: %s. If the user's text clearly refers to one of these cities (including misspellings or
abbreviations), respond with strict JSON: {"city": "<exact canonical name from the list>"}. If it
does not match any of them, respond with {"city": ""}.`, strings.Join(i.catalog.AllCanonicalCities(ctx), ", "))

	guess, err := llm.ClassifyJSON[cityGuess](ctx, i.llm, i.model, prompt, text, i.timeout)
	if err != nil {
		i.logger.Warn("interpreter: city extraction failed", "error", err.Error())
		return "", false
	}
	if strings.TrimSpace(guess.City) == "" {
		return "", false
	}

	return i.catalog.ResolveCity(ctx, guess.City)
}

type needJudgment struct {
	IsNeed bool `json:"is_need"`
}

const needPrompt = `Decide whether the user's message describes a NEED or PROBLEM ("my pipe is leaking",
"I need someone to fix my roof") as opposed to a bare profession label ("plumber", "electrician").
Respond with strict JSON only: {"is_need": bool}.`

// IsNeedOrProblem classifies text as expressing a need/problem rather than
// a bare profession label. Fails open to true when the LLM is unavailable,
// except empty/whitespace input, which is always false.
func (i *Interpreter) IsNeedOrProblem(ctx context.Context, text string) bool {
	if normalize.Normalize(text) == "" {
		return false
	}

	release, err := i.limiter.Acquire(ctx)
	if err != nil {
		return true
	}
	defer release()

	judgment, err := llm.ClassifyJSON[needJudgment](ctx, i.llm, i.model, needPrompt, text, i.timeout)
	if err != nil {
		i.logger.Warn("interpreter: need classification failed, failing open", "error", err.Error())
		return true
	}
	return judgment.IsNeed
}
