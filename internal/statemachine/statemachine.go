// Package statemachine is the CORE dispatch table driving the conversation:
// one handler per ConversationFlow state, a fixed table of legal
// transitions, and the fire-and-forget background task that runs Provider
// Search and the Availability Coordinator after SEARCHING is entered.
package statemachine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/providerline/internal/availability"
	"github.com/example/providerline/internal/connect"
	"github.com/example/providerline/internal/consent"
	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/messages"
	"github.com/example/providerline/internal/normalize"
	"github.com/example/providerline/internal/transport"
	"github.com/example/providerline/pkg/logging"
)

const searchResultLimit = 20
const maxPresentedResults = 5

// allowedTransitions is the spec's exact transition table. AWAITING_CONSENT
// is included for the router's benefit even though this package never
// dispatches a handler for it.
var allowedTransitions = map[convflow.State]map[convflow.State]bool{
	convflow.StateAwaitingConsent: set(convflow.StateAwaitingService, convflow.StateAwaitingCity, convflow.StateAwaitingConsent),
	convflow.StateAwaitingService: set(convflow.StateConfirmService, convflow.StateAwaitingCity, convflow.StateSearching, convflow.StateError, convflow.StateAwaitingService),
	convflow.StateConfirmService:  set(convflow.StateAwaitingService, convflow.StateAwaitingCity, convflow.StateSearching),
	convflow.StateAwaitingCity:    set(convflow.StateSearching, convflow.StateAwaitingService),
	convflow.StateSearching:       set(convflow.StatePresentingResults, convflow.StateConfirmNewSearch, convflow.StateAwaitingService, convflow.StateError),
	convflow.StatePresentingResults: set(convflow.StateViewingProviderDetail, convflow.StateConfirmNewSearch, convflow.StateAwaitingService),
	convflow.StateViewingProviderDetail: set(convflow.StatePresentingResults, convflow.StateConfirmNewSearch, convflow.StateAwaitingService),
	convflow.StateConfirmNewSearch: set(convflow.StateAwaitingCity, convflow.StateAwaitingService),
	convflow.StateError:          set(convflow.StateAwaitingService),
}

func set(states ...convflow.State) map[convflow.State]bool {
	m := make(map[convflow.State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// ValidTransition reports whether from → to is a legal transition, staying
// in the same state always being legal.
func ValidTransition(from, to convflow.State) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// Input is the normalized-shape turn payload the handlers see.
type Input struct {
	Text           string
	SelectedOption string
}

func (in Input) choice() string {
	if in.SelectedOption != "" {
		return normalize.Normalize(in.SelectedOption)
	}
	return normalize.Normalize(in.Text)
}

// Catalog is the subset of the service catalog the state machine needs.
type Catalog interface {
	ResolveCity(ctx context.Context, text string) (string, bool)
}

// Interpreter is the subset of the need interpreter the state machine needs.
type Interpreter interface {
	ExtractProfession(ctx context.Context, text string) (string, bool)
	IsNeedOrProblem(ctx context.Context, text string) bool
}

// Searcher is the subset of Provider Search the state machine needs.
type Searcher interface {
	Search(ctx context.Context, profession, city string, limit int) ([]convflow.ProviderSummary, error)
}

// AvailabilityCoordinator is the subset of the Availability Coordinator the
// state machine needs.
type AvailabilityCoordinator interface {
	Run(ctx context.Context, reqIDSeed, service, city string, candidates []convflow.ProviderSummary) (availability.Result, error)
}

// ConnectBuilder is the subset of the Connection Message Builder the state
// machine needs.
type ConnectBuilder interface {
	Build(ctx context.Context, chosen convflow.ProviderSummary) connect.Message
}

// FlowStore is the subset of the conversation repository the background
// search task needs to re-read and persist the flow after the per-phone
// lock held during the triggering turn has already been released.
type FlowStore interface {
	Load(ctx context.Context, phone string) (*convflow.Flow, error)
	Store(ctx context.Context, flow *convflow.Flow) error
}

// MetricsSink is the subset of internal/observability/metrics the machine
// reports turn and transition outcomes to. Optional: Machine skips every
// observer call while no sink is attached.
type MetricsSink interface {
	ObserveInboundTurn(state string)
	ObserveTransition(from, to, outcome string)
	ObserveAvailability(outcome string, waitSeconds float64)
}

var greetings = map[string]bool{
	"hola": true, "buenas": true, "buenos dias": true, "buenas tardes": true,
	"buenas noches": true, "hey": true, "hi": true, "hello": true,
}

// Machine wires the per-state handlers together with the background search
// task. Construct one per process; it is safe for concurrent use across
// phones (per-phone serialization is the router's responsibility).
type Machine struct {
	catalog      Catalog
	interpreter  Interpreter
	searcher     Searcher
	availability AvailabilityCoordinator
	connect      ConnectBuilder
	flows        FlowStore
	sender       transport.Sender
	logger       *logging.Logger
	metrics      MetricsSink

	maxConfirmAttempts int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type Config struct {
	MaxConfirmAttempts int
}

func New(catalog Catalog, interpreter Interpreter, searcher Searcher, coordinator AvailabilityCoordinator, connectBuilder ConnectBuilder, flows FlowStore, sender transport.Sender, cfg Config, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Default()
	}
	maxAttempts := cfg.MaxConfirmAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Machine{
		catalog:            catalog,
		interpreter:        interpreter,
		searcher:           searcher,
		availability:       coordinator,
		connect:            connectBuilder,
		flows:              flows,
		sender:             sender,
		logger:             logger,
		maxConfirmAttempts: maxAttempts,
		cancels:            make(map[string]context.CancelFunc),
	}
}

// SetMetrics attaches a metrics sink after construction; wiring is optional
// and every observer call is a no-op until this is called.
func (m *Machine) SetMetrics(sink MetricsSink) {
	m.metrics = sink
}

// CancelBackground stops the in-flight background search task for phone, if
// any. The router calls this when a reset keyword is matched regardless of
// current state.
func (m *Machine) CancelBackground(phone string) {
	m.mu.Lock()
	cancel, ok := m.cancels[phone]
	delete(m.cancels, phone)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Dispatch runs the handler for flow.State, mutates flow in place, and
// returns the synchronous reply. A forbidden target state is rewritten to
// ERROR and logged rather than propagated as a panic-prone invariant
// violation. On entering SEARCHING the flow is stored before the background
// search task starts, so the task reloads the committed state.
func (m *Machine) Dispatch(ctx context.Context, flow *convflow.Flow, in Input) ([]transport.Outbound, error) {
	from := flow.State
	if m.metrics != nil {
		m.metrics.ObserveInboundTurn(string(from))
	}
	target, outbound, err := m.handle(ctx, flow, in)
	if err != nil {
		return nil, err
	}

	if !ValidTransition(from, target) {
		m.logger.Error("statemachine: invalid transition", "phone", flow.Phone, "from", string(from), "to", string(target))
		if m.metrics != nil {
			m.metrics.ObserveTransition(string(from), string(target), "rejected")
		}
		flow.State = convflow.StateError
		return []transport.Outbound{transport.Text(messages.ErrorRecovery)}, nil
	}
	if m.metrics != nil {
		m.metrics.ObserveTransition(string(from), string(target), "ok")
	}

	flow.State = target
	if target == convflow.StateSearching && from != target && !flow.SearchDispatched {
		flow.SearchDispatched = true
		committed := *flow
		if err := m.flows.Store(ctx, &committed); err != nil {
			m.logger.Warn("statemachine: store flow before background search failed", "phone", flow.Phone, "error", err.Error())
		}
		m.DispatchBackgroundSearch(flow)
	}
	return outbound, nil
}

func (m *Machine) handle(ctx context.Context, flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	switch flow.State {
	case convflow.StateAwaitingService:
		return m.handleAwaitingService(ctx, flow, in)
	case convflow.StateConfirmService:
		return m.handleConfirmService(ctx, flow, in)
	case convflow.StateAwaitingCity:
		return m.handleAwaitingCity(ctx, flow, in)
	case convflow.StateSearching:
		return m.handleSearching(flow)
	case convflow.StatePresentingResults:
		return m.handlePresentingResults(flow, in)
	case convflow.StateViewingProviderDetail:
		return m.handleViewingProviderDetail(ctx, flow, in)
	case convflow.StateConfirmNewSearch:
		return m.handleConfirmNewSearch(flow, in)
	case convflow.StateError:
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.ErrorRecovery), transport.Text(messages.InitialServicePrompt)}, nil
	default:
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, nil
	}
}

func isRejectedShortInput(text string) bool {
	normalized := normalize.Normalize(text)
	if greetings[normalized] {
		return true
	}
	if isAllDigits(normalized) {
		return true
	}
	tokens := normalize.Tokens(text)
	if len(normalized) <= 3 && len(tokens) < 2 {
		return true
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (m *Machine) handleAwaitingService(ctx context.Context, flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	if isRejectedShortInput(in.Text) {
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, nil
	}

	profession, ok := m.interpreter.ExtractProfession(ctx, in.Text)
	if !ok || profession == "" {
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.ServiceRejected)}, nil
	}
	if !m.interpreter.IsNeedOrProblem(ctx, in.Text) {
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.ServiceRejected)}, nil
	}

	flow.ServiceCandidate = profession
	confirmMsg := fmt.Sprintf("Entiendo que necesitas *%s*. ¿Confirmas? Responde 1 (sí) o 2 (no).", profession)
	return convflow.StateConfirmService, []transport.Outbound{transport.WithButtons(confirmMsg, "1", "2")}, nil
}

func (m *Machine) handleConfirmService(ctx context.Context, flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	switch consent.ParseReply(in.SelectedOption, in.Text) {
	case consent.OutcomeAccepted:
		flow.Service = flow.ServiceCandidate
		flow.ServiceCandidate = ""
		flow.ServiceCapturedAfterConsent = true
		if flow.CityConfirmed && flow.City != "" {
			return convflow.StateSearching, []transport.Outbound{transport.Text(messages.SearchingAck)}, nil
		}
		return convflow.StateAwaitingCity, []transport.Outbound{transport.Text(messages.AskCity)}, nil
	case consent.OutcomeDeclined:
		flow.ServiceCandidate = ""
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, nil
	default:
		return convflow.StateConfirmService, []transport.Outbound{transport.Text(messages.ConfirmServiceAmbiguous)}, nil
	}
}

func (m *Machine) handleAwaitingCity(ctx context.Context, flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	city, ok := m.catalog.ResolveCity(ctx, in.Text)
	if !ok {
		return convflow.StateAwaitingCity, []transport.Outbound{transport.Text(messages.CityNotRecognized)}, nil
	}
	flow.City = city
	flow.CityConfirmed = true
	return convflow.StateSearching, []transport.Outbound{transport.Text(messages.SearchingAck)}, nil
}

// handleSearching covers the synchronous path: an inbound message that
// arrives while the background task from an earlier turn is still running.
// The dispatch flag prevents relaunching it.
func (m *Machine) handleSearching(flow *convflow.Flow) (convflow.State, []transport.Outbound, error) {
	return convflow.StateSearching, []transport.Outbound{transport.Text(messages.SearchingAck)}, nil
}

func (m *Machine) handlePresentingResults(flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	choice := in.choice()
	max := maxPresentedResults
	if len(flow.Providers) < max {
		max = len(flow.Providers)
	}
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= max {
		idx := n - 1
		flow.ProviderDetailIdx = &idx
		p := flow.Providers[idx]
		return convflow.StateViewingProviderDetail, []transport.Outbound{transport.WithButtons(messages.ProviderDetail(p.FullName, p.Profession, p.ExperienceYears, p.Rating), "1", "2", "3")}, nil
	}
	if choice == "0" {
		return convflow.StateConfirmNewSearch, []transport.Outbound{transport.WithButtons(messages.ConfirmNewSearchMenu, "1", "2", "3")}, nil
	}
	return convflow.StatePresentingResults, renderResultsList(flow)
}

func renderResultsList(flow *convflow.Flow) []transport.Outbound {
	max := maxPresentedResults
	if len(flow.Providers) < max {
		max = len(flow.Providers)
	}
	var sb strings.Builder
	sb.WriteString(messages.ProviderListHeader(max))
	for i := 0; i < max; i++ {
		sb.WriteString("\n")
		sb.WriteString(messages.ProviderLine(i+1, flow.Providers[i].FullName, flow.Providers[i].Rating))
	}
	return []transport.Outbound{transport.Text(sb.String())}
}

func (m *Machine) handleViewingProviderDetail(ctx context.Context, flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	switch in.choice() {
	case "1":
		if flow.ProviderDetailIdx == nil || *flow.ProviderDetailIdx < 0 || *flow.ProviderDetailIdx >= len(flow.Providers) {
			flow.ProviderDetailIdx = nil
			return convflow.StatePresentingResults, renderResultsList(flow), nil
		}
		chosen := flow.Providers[*flow.ProviderDetailIdx]
		flow.ChosenProvider = &chosen
		flow.ProviderDetailIdx = nil
		built := m.connect.Build(ctx, chosen)
		out := transport.Outbound{Response: built.Text}
		if built.MediaURL != "" {
			out.MediaURL = built.MediaURL
			out.MediaType = built.MediaType
			out.MediaCaption = built.MediaCaption
		}
		return convflow.StateConfirmNewSearch, []transport.Outbound{out, transport.WithButtons(messages.ConfirmNewSearchMenu, "1", "2", "3")}, nil
	case "2":
		flow.ProviderDetailIdx = nil
		return convflow.StatePresentingResults, append([]transport.Outbound{transport.Text(messages.ProviderDetailBack)}, renderResultsList(flow)...), nil
	case "3":
		flow.ClearServiceContext()
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.ProviderDetailExit)}, nil
	default:
		p := flow.Providers[*flow.ProviderDetailIdx]
		return convflow.StateViewingProviderDetail, []transport.Outbound{transport.WithButtons(messages.ProviderDetail(p.FullName, p.Profession, p.ExperienceYears, p.Rating), "1", "2", "3")}, nil
	}
}

func (m *Machine) handleConfirmNewSearch(flow *convflow.Flow, in Input) (convflow.State, []transport.Outbound, error) {
	switch in.choice() {
	case "1":
		flow.ConfirmAttempts = 0
		flow.City = ""
		flow.CityConfirmed = false
		flow.SearchDispatched = false
		return convflow.StateAwaitingCity, []transport.Outbound{transport.Text(messages.AskCity)}, nil
	case "2":
		flow.ConfirmAttempts = 0
		flow.ClearServiceContext()
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, nil
	case "3":
		flow.ConfirmAttempts = 0
		flow.ClearServiceContext()
		return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, nil
	default:
		flow.ConfirmAttempts++
		if flow.ConfirmAttempts >= m.maxConfirmAttempts {
			flow.ConfirmAttempts = 0
			flow.ClearServiceContext()
			return convflow.StateAwaitingService, []transport.Outbound{transport.Text(messages.ConfirmNewSearchAutoReset), transport.Text(messages.InitialServicePrompt)}, nil
		}
		return convflow.StateConfirmNewSearch, []transport.Outbound{transport.Text(messages.ConfirmNewSearchInvalid)}, nil
	}
}

// DispatchBackgroundSearch launches the fire-and-forget Provider Search +
// Availability Coordinator task for a flow that just entered SEARCHING. The
// caller must have already persisted flow.SearchDispatched = true under the
// per-phone lock; this guards against relaunching on a subsequent turn.
func (m *Machine) DispatchBackgroundSearch(flow *convflow.Flow) {
	phone := flow.Phone
	service := flow.Service
	city := flow.City

	bgCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[phone] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.cancels, phone)
			m.mu.Unlock()
			cancel()
		}()
		m.runSearchTask(bgCtx, phone, service, city)
	}()
}

func (m *Machine) runSearchTask(ctx context.Context, phone, service, city string) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	candidates, err := m.searcher.Search(ctx, service, city, searchResultLimit)
	if err != nil {
		m.logger.Error("statemachine: background search failed", "phone", phone, "error", err.Error())
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	waitStart := time.Now()
	result, err := m.availability.Run(ctx, phone, service, city, candidates)
	waitSeconds := time.Since(waitStart).Seconds()
	if err != nil {
		m.logger.Error("statemachine: background availability run failed", "phone", phone, "error", err.Error())
		if m.metrics != nil {
			m.metrics.ObserveAvailability("error", waitSeconds)
		}
		return
	}
	if m.metrics != nil {
		outcome := "declined"
		switch {
		case len(result.Accepted) > 0:
			outcome = "accepted"
		case result.TimedOut:
			outcome = "timeout"
		}
		m.metrics.ObserveAvailability(outcome, waitSeconds)
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	flow, err := m.flows.Load(ctx, phone)
	if err != nil {
		m.logger.Error("statemachine: background flow reload failed", "phone", phone, "error", err.Error())
		return
	}
	if flow.State != convflow.StateSearching {
		// The conversation moved on (reset, or a concurrent duplicate
		// dispatch already landed a result) while this task was running.
		return
	}

	var outbound []transport.Outbound
	if len(result.Accepted) == 0 {
		flow.State = convflow.StateConfirmNewSearch
		outbound = []transport.Outbound{transport.Text(messages.NoProvidersAvailable), transport.WithButtons(messages.ConfirmNewSearchMenu, "1", "2", "3")}
	} else {
		flow.State = convflow.StatePresentingResults
		flow.Providers = result.Accepted
		outbound = renderResultsList(flow)
	}

	if err := m.flows.Store(ctx, flow); err != nil {
		m.logger.Error("statemachine: background flow store failed", "phone", phone, "error", err.Error())
		return
	}

	for _, msg := range outbound {
		if err := m.sender.SendReply(ctx, phone, msg); err != nil {
			m.logger.Warn("statemachine: background notify send failed", "phone", phone, "error", err.Error())
		}
	}
}
