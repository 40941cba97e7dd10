package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/providerline/internal/llm"
)

const testLLMTimeout = 5 * time.Second

type fakeCatalog struct {
	professions map[string]string
	cities      map[string]string
}

func (f *fakeCatalog) ResolveProfession(ctx context.Context, text string) (string, bool) {
	v, ok := f.professions[text]
	return v, ok
}

func (f *fakeCatalog) ResolveCity(ctx context.Context, text string) (string, bool) {
	v, ok := f.cities[text]
	return v, ok
}

func (f *fakeCatalog) AllCanonicalProfessions(ctx context.Context) []string {
	out := make([]string, 0, len(f.professions))
	for _, v := range f.professions {
		out = append(out, v)
	}
	return out
}

func (f *fakeCatalog) AllCanonicalCities(ctx context.Context) []string {
	out := make([]string, 0, len(f.cities))
	for _, v := range f.cities {
		out = append(out, v)
	}
	return out
}

type fakeLLM struct {
	text string
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.LLMRequest) (llm.LLMResponse, error) {
	return llm.LLMResponse{Text: f.text}, nil
}

func TestExtractProfession_CatalogDirectMatchWins(t *testing.T) {
	cat := &fakeCatalog{professions: map[string]string{"plomero": "plumber"}}
	interp := New(cat, &fakeLLM{}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	got, ok := interp.ExtractProfession(context.Background(), "plomero")
	require.True(t, ok)
	assert.Equal(t, "plumber", got)
}

func TestExtractProfession_FallsBackToLLMOnMiss(t *testing.T) {
	cat := &fakeCatalog{professions: map[string]string{"electricista": "electrician"}}
	interp := New(cat, &fakeLLM{text: `{"profession":"electricista"}`}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	got, ok := interp.ExtractProfession(context.Background(), "se me fue la luz")
	require.True(t, ok)
	assert.Equal(t, "electrician", got)
}

func TestExtractProfession_LLMAnswerNotInCatalogFails(t *testing.T) {
	cat := &fakeCatalog{professions: map[string]string{}}
	interp := New(cat, &fakeLLM{text: `{"profession":"astronaut"}`}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	_, ok := interp.ExtractProfession(context.Background(), "anything")
	assert.False(t, ok)
}

func TestExtractCity_CatalogDirectMatchWins(t *testing.T) {
	cat := &fakeCatalog{cities: map[string]string{"cdmx": "Mexico City"}}
	interp := New(cat, &fakeLLM{}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	got, ok := interp.ExtractCity(context.Background(), "cdmx")
	require.True(t, ok)
	assert.Equal(t, "Mexico City", got)
}

func TestIsNeedOrProblem_EmptyInputIsAlwaysFalse(t *testing.T) {
	cat := &fakeCatalog{}
	interp := New(cat, &fakeLLM{text: `{"is_need":true}`}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	assert.False(t, interp.IsNeedOrProblem(context.Background(), "   "))
}

func TestIsNeedOrProblem_UsesLLMJudgment(t *testing.T) {
	cat := &fakeCatalog{}
	interp := New(cat, &fakeLLM{text: `{"is_need":true}`}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	assert.True(t, interp.IsNeedOrProblem(context.Background(), "se me rompio el caño"))
}

type erroringLLM struct{}

func (erroringLLM) Complete(ctx context.Context, req llm.LLMRequest) (llm.LLMResponse, error) {
	return llm.LLMResponse{}, assertError("down")
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestIsNeedOrProblem_FailsOpenOnLLMError(t *testing.T) {
	cat := &fakeCatalog{}
	interp := New(cat, erroringLLM{}, llm.NewLimiter(2), "test-model", testLLMTimeout, nil)

	assert.True(t, interp.IsNeedOrProblem(context.Background(), "algo que no es vacio"))
}
