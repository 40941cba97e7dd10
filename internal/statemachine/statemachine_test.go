package statemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/providerline/internal/availability"
	"github.com/example/providerline/internal/connect"
	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/transport"
)

type fakeCatalog struct {
	cities map[string]string
}

func (f *fakeCatalog) ResolveCity(ctx context.Context, text string) (string, bool) {
	c, ok := f.cities[text]
	return c, ok
}

type fakeInterpreter struct {
	profession    string
	professionOK  bool
	needOrProblem bool
}

func (f *fakeInterpreter) ExtractProfession(ctx context.Context, text string) (string, bool) {
	return f.profession, f.professionOK
}

func (f *fakeInterpreter) IsNeedOrProblem(ctx context.Context, text string) bool {
	return f.needOrProblem
}

type fakeSearcher struct {
	results []convflow.ProviderSummary
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, profession, city string, limit int) ([]convflow.ProviderSummary, error) {
	return f.results, f.err
}

type fakeAvailability struct {
	result availability.Result
	err    error
}

func (f *fakeAvailability) Run(ctx context.Context, reqIDSeed, service, city string, candidates []convflow.ProviderSummary) (availability.Result, error) {
	return f.result, f.err
}

type fakeConnect struct{}

func (fakeConnect) Build(ctx context.Context, chosen convflow.ProviderSummary) connect.Message {
	return connect.Message{Text: "Proveedor asignado: " + chosen.FullName}
}

type fakeFlowStore struct {
	mu    sync.Mutex
	flows map[string]*convflow.Flow
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{flows: make(map[string]*convflow.Flow)}
}

func (s *fakeFlowStore) Load(ctx context.Context, phone string) (*convflow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[phone]; ok {
		return f, nil
	}
	return convflow.NewEmpty(phone), nil
}

func (s *fakeFlowStore) Store(ctx context.Context, flow *convflow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[phone(flow)] = flow
	return nil
}

func phone(f *convflow.Flow) string { return f.Phone }

type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Outbound
}

func (f *fakeSender) SendReply(ctx context.Context, toPhone string, msg transport.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func newTestMachine(catalog Catalog, interp Interpreter, searcher Searcher, avail AvailabilityCoordinator, flows FlowStore, sender transport.Sender) *Machine {
	return New(catalog, interp, searcher, avail, fakeConnect{}, flows, sender, Config{MaxConfirmAttempts: 2}, nil)
}

func TestAwaitingService_RejectsGreeting(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingService

	out, err := m.Dispatch(context.Background(), flow, Input{Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingService, flow.State)
	require.Len(t, out, 1)
}

func TestAwaitingService_RejectsShortInput(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingService

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "12"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingService, flow.State)
}

func TestAwaitingService_BareProfessionRejected(t *testing.T) {
	interp := &fakeInterpreter{profession: "plomero", professionOK: true, needOrProblem: false}
	m := newTestMachine(&fakeCatalog{}, interp, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingService

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "plomero"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingService, flow.State)
}

func TestAwaitingService_ValidNeedAdvancesToConfirm(t *testing.T) {
	interp := &fakeInterpreter{profession: "plomero", professionOK: true, needOrProblem: true}
	m := newTestMachine(&fakeCatalog{}, interp, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingService

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "tengo una fuga en el bano"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateConfirmService, flow.State)
	assert.Equal(t, "plomero", flow.ServiceCandidate)
}

func TestConfirmService_AcceptWithoutCityGoesToAwaitingCity(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateConfirmService
	flow.ServiceCandidate = "plomero"

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "1"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingCity, flow.State)
	assert.Equal(t, "plomero", flow.Service)
	assert.True(t, flow.ServiceCapturedAfterConsent)
}

func TestConfirmService_DeclineReturnsToAwaitingService(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateConfirmService
	flow.ServiceCandidate = "plomero"

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "2"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingService, flow.State)
	assert.Empty(t, flow.ServiceCandidate)
}

func TestAwaitingCity_UnknownCityStays(t *testing.T) {
	m := newTestMachine(&fakeCatalog{cities: map[string]string{}}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingCity

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "Nowhereville"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingCity, flow.State)
}

func TestAwaitingCity_KnownCityDispatchesBackgroundSearch(t *testing.T) {
	flows := newFakeFlowStore()
	sender := &fakeSender{}
	avail := &fakeAvailability{result: availability.Result{Accepted: []convflow.ProviderSummary{{ID: "p1", FullName: "Ana"}}}}
	m := newTestMachine(&fakeCatalog{cities: map[string]string{"quito": "Quito"}}, &fakeInterpreter{}, &fakeSearcher{}, avail, flows, sender)
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateAwaitingCity
	flow.Service = "plomero"

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "quito"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateSearching, flow.State)
	assert.True(t, flow.SearchDispatched)

	require.Eventually(t, func() bool {
		stored, _ := flows.Load(context.Background(), "+1")
		return stored.State == convflow.StatePresentingResults
	}, time.Second, 5*time.Millisecond)
}

func TestPresentingResults_OutOfRangeStaysAndRerenders(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StatePresentingResults
	flow.Providers = []convflow.ProviderSummary{{ID: "p1", FullName: "Ana"}}

	out, err := m.Dispatch(context.Background(), flow, Input{Text: "9"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StatePresentingResults, flow.State)
	require.Len(t, out, 1)
}

func TestPresentingResults_ValidSelectionGoesToDetail(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StatePresentingResults
	flow.Providers = []convflow.ProviderSummary{{ID: "p1", FullName: "Ana"}}

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "1"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateViewingProviderDetail, flow.State)
	require.NotNil(t, flow.ProviderDetailIdx)
	assert.Equal(t, 0, *flow.ProviderDetailIdx)
}

func TestViewingProviderDetail_SelectBuildsConnectionMessage(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateViewingProviderDetail
	flow.Providers = []convflow.ProviderSummary{{ID: "p1", FullName: "Ana"}}
	idx := 0
	flow.ProviderDetailIdx = &idx

	out, err := m.Dispatch(context.Background(), flow, Input{Text: "1"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateConfirmNewSearch, flow.State)
	require.NotNil(t, flow.ChosenProvider)
	assert.Equal(t, "p1", flow.ChosenProvider.ID)
	assert.Contains(t, out[0].Response, "Ana")
}

func TestViewingProviderDetail_BackReturnsToList(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateViewingProviderDetail
	flow.Providers = []convflow.ProviderSummary{{ID: "p1", FullName: "Ana"}}
	idx := 0
	flow.ProviderDetailIdx = &idx

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "2"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StatePresentingResults, flow.State)
	assert.Nil(t, flow.ProviderDetailIdx)
}

func TestConfirmNewSearch_AutoResetsAfterMaxAttempts(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateConfirmNewSearch

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "xyz"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateConfirmNewSearch, flow.State)
	assert.Equal(t, 1, flow.ConfirmAttempts)

	_, err = m.Dispatch(context.Background(), flow, Input{Text: "xyz"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingService, flow.State)
	assert.Equal(t, 0, flow.ConfirmAttempts)
}

func TestConfirmNewSearch_OptionOneGoesToAwaitingCity(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeInterpreter{}, &fakeSearcher{}, &fakeAvailability{}, newFakeFlowStore(), &fakeSender{})
	flow := convflow.NewEmpty("+1")
	flow.State = convflow.StateConfirmNewSearch
	flow.City = "Quito"
	flow.CityConfirmed = true

	_, err := m.Dispatch(context.Background(), flow, Input{Text: "1"})
	require.NoError(t, err)
	assert.Equal(t, convflow.StateAwaitingCity, flow.State)
	assert.Empty(t, flow.City)
}

func TestValidTransition_ForbiddenIsRejected(t *testing.T) {
	assert.False(t, ValidTransition(convflow.StateAwaitingService, convflow.StateViewingProviderDetail))
	assert.True(t, ValidTransition(convflow.StateAwaitingService, convflow.StateSearching))
	assert.True(t, ValidTransition(convflow.StateAwaitingService, convflow.StateAwaitingService))
}

func TestValidTransition_ErrorStateOnlyReturnsToAwaitingService(t *testing.T) {
	// Checks the transition table Dispatch consults before every state
	// write: ERROR may only move back to AWAITING_SERVICE. No handler is
	// dispatched here.
	assert.True(t, ValidTransition(convflow.StateError, convflow.StateAwaitingService))
	assert.False(t, ValidTransition(convflow.StateError, convflow.StateSearching))
}
