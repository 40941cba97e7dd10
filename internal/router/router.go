// Package router implements the Message Router & Pre-Router: per-phone
// serialization, ban short-circuit, content safety classification, consent
// gating, customer/flow sync, city detection, reset-keyword handling, and
// dispatch into the state machine.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/providerline/internal/consent"
	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/customers"
	"github.com/example/providerline/internal/messages"
	"github.com/example/providerline/internal/normalize"
	"github.com/example/providerline/internal/statemachine"
	"github.com/example/providerline/internal/transport"
	"github.com/example/providerline/pkg/logging"
)

// ErrMissingFromNumber is returned when the inbound payload has no
// from_number; the caller should drop the message without a reply.
var ErrMissingFromNumber = errors.New("router: missing from_number")

var resetKeywords = map[string]bool{
	"reset": true, "restart": true, "reiniciar": true, "start": true,
	"new": true, "nuevo": true, "nueva busqueda": true, "empezar de nuevo": true,
}

// CustomerRepo is the subset of the Customer Repository the router needs.
type CustomerRepo interface {
	GetOrCreate(ctx context.Context, phone string, name, city *string) (*customers.Customer, error)
	FindByPhone(ctx context.Context, phone string) (*customers.Customer, error)
	UpdateCity(ctx context.Context, id, city string) error
	ClearCity(ctx context.Context, id string) error
	ClearConsent(ctx context.Context, id string) error
	SetConsent(ctx context.Context, id string, accepted bool) error
}

// FlowRepo is the subset of the Conversation Repository the router needs.
type FlowRepo interface {
	Load(ctx context.Context, phone string) (*convflow.Flow, error)
	Store(ctx context.Context, flow *convflow.Flow) error
	Reset(ctx context.Context, phone string) error
}

// SafetyGate is the subset of the Content Safety Gate the router needs.
type SafetyGate interface {
	IsBanned(ctx context.Context, phone string) (bool, error)
	Classify(ctx context.Context, phone, text string) (message string, bannedNow bool, err error)
}

// Catalog is the subset of the service catalog the router needs for
// out-of-band city detection (step 5 of the pre-router sequence).
type Catalog interface {
	ResolveCity(ctx context.Context, text string) (string, bool)
}

// Dispatcher is the subset of the state machine the router needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, flow *convflow.Flow, in statemachine.Input) ([]transport.Outbound, error)
	CancelBackground(phone string)
}

type Config struct {
	SessionTimeout time.Duration
}

// Router is the Message Router & Pre-Router described in the spec's
// component L.
type Router struct {
	customers CustomerRepo
	flows     FlowRepo
	safety    SafetyGate
	catalog   Catalog
	consent   *consent.Service
	machine   Dispatcher
	logger    *logging.Logger

	sessionTimeout time.Duration

	locks sync.Map // phone -> *sync.Mutex
}

func New(customerRepo CustomerRepo, flowRepo FlowRepo, safetyGate SafetyGate, catalog Catalog, consentSvc *consent.Service, machine Dispatcher, cfg Config, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Router{
		customers:      customerRepo,
		flows:          flowRepo,
		safety:         safetyGate,
		catalog:        catalog,
		consent:        consentSvc,
		machine:        machine,
		logger:         logger,
		sessionTimeout: timeout,
	}
}

func (r *Router) lockFor(phone string) *sync.Mutex {
	lockAny, _ := r.locks.LoadOrStore(phone, &sync.Mutex{})
	return lockAny.(*sync.Mutex)
}

// HandleInbound runs the full pre-router sequence and dispatches to the
// state machine. A nil, nil return means the inbound was silently dropped
// (an active ban, or a redelivery of the flow's last processed message id).
func (r *Router) HandleInbound(ctx context.Context, in transport.Inbound) ([]transport.Outbound, error) {
	if in.FromNumber == "" {
		return nil, ErrMissingFromNumber
	}
	phone := in.FromNumber

	lock := r.lockFor(phone)
	lock.Lock()
	defer lock.Unlock()

	banned, err := r.safety.IsBanned(ctx, phone)
	if err != nil {
		r.logger.Warn("router: ban check failed", "phone", phone, "error", err.Error())
	}
	if banned {
		return nil, nil
	}

	text := in.Content

	if text != "" {
		if safetyMsg, bannedNow, safetyErr := r.safety.Classify(ctx, phone, text); safetyErr != nil {
			r.logger.Warn("router: safety classification failed", "phone", phone, "error", safetyErr.Error())
		} else if safetyMsg != "" {
			if bannedNow {
				r.machine.CancelBackground(phone)
			}
			return []transport.Outbound{transport.Text(safetyMsg)}, nil
		}
	}

	existingCustomer, findErr := r.customers.FindByPhone(ctx, phone)
	customerExists := findErr == nil
	if findErr != nil && !errors.Is(findErr, customers.ErrNotFound) {
		r.logger.Warn("router: find customer failed", "phone", phone, "error", findErr.Error())
	}

	customer, flow, err := r.loadOrCreateCustomerAndFlow(ctx, phone, customerExists, existingCustomer)
	if err != nil {
		return []transport.Outbound{transport.Text(messages.TryAgain)}, nil
	}

	if in.ID != "" && in.ID == flow.LastMessageID {
		// Redelivery of an already-processed message within the flow TTL
		// window: avoid a duplicate ConsentRecord or Availability probe.
		return nil, nil
	}
	if in.ID != "" {
		flow.LastMessageID = in.ID
	}

	if !flow.HasConsent {
		outbound, handled, err := r.runConsentStep(ctx, customer, flow, in)
		if err != nil {
			return []transport.Outbound{transport.Text(messages.TryAgain)}, nil
		}
		if handled {
			flow.LastSeenAtPrev = flow.LastSeenAt
			flow.LastSeenAt = time.Now()
			if err := r.flows.Store(ctx, flow); err != nil {
				r.logger.Warn("router: store flow after consent step failed", "phone", phone, "error", err.Error())
			}
			return outbound, nil
		}
	}

	r.syncCustomerIntoFlow(customer, flow)

	if city, ok := r.catalog.ResolveCity(ctx, text); ok && city != flow.City {
		flow.City = city
		flow.CityConfirmed = true
		if customer != nil {
			if err := r.customers.UpdateCity(ctx, customer.ID, city); err != nil {
				r.logger.Warn("router: update customer city failed", "phone", phone, "error", err.Error())
			}
		}
	}

	if resetKeywords[normalize.Normalize(text)] {
		return r.handleReset(ctx, customer, flow), nil
	}

	if r.inactivityExpired(flow) {
		return r.handleInactivityReset(ctx, flow), nil
	}

	outbound, dispatchErr := r.machine.Dispatch(ctx, flow, statemachine.Input{Text: in.Content, SelectedOption: in.SelectedOption})
	flow.LastSeenAtPrev = flow.LastSeenAt
	flow.LastSeenAt = time.Now()
	if dispatchErr != nil {
		r.logger.Error("router: dispatch failed", "phone", phone, "error", dispatchErr.Error())
		outbound = []transport.Outbound{transport.Text(messages.TryAgain)}
	}

	if err := r.flows.Store(ctx, flow); err != nil {
		r.logger.Warn("router: store flow failed", "phone", phone, "error", err.Error())
	}

	return outbound, nil
}

func (r *Router) loadOrCreateCustomerAndFlow(ctx context.Context, phone string, customerExists bool, existingCustomer *customers.Customer) (*customers.Customer, *convflow.Flow, error) {
	var customer *customers.Customer
	if customerExists {
		customer = existingCustomer
	} else {
		created, err := r.customers.GetOrCreate(ctx, phone, nil, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("router: get or create customer: %w", err)
		}
		customer = created
	}

	flow, err := r.flows.Load(ctx, phone)
	if err != nil {
		return nil, nil, fmt.Errorf("router: load flow: %w", err)
	}
	return customer, flow, nil
}

// runConsentStep implements pre-router step 3. handled is true when the
// reply is the full response for this turn (no further dispatch needed).
func (r *Router) runConsentStep(ctx context.Context, customer *customers.Customer, flow *convflow.Flow, in transport.Inbound) (outbound []transport.Outbound, handled bool, err error) {
	if customer == nil {
		return []transport.Outbound{transport.Text(consent.PromptLines[0]), transport.Text(consent.PromptLines[1])}, true, nil
	}

	switch r.consent.ClassifyReply(ctx, in.SelectedOption, in.Content) {
	case consent.OutcomeAccepted:
		if err := r.consent.Accept(ctx, customer.ID, consent.UserTypeCustomer, consentMetadata(in)); err != nil {
			return nil, false, err
		}
		if err := r.customers.SetConsent(ctx, customer.ID, true); err != nil {
			return nil, false, err
		}
		flow.HasConsent = true
		flow.ClearServiceContext()
		if customer.City != "" && customer.CityConfirmedAt != nil {
			flow.City = customer.City
			flow.CityConfirmed = true
			flow.State = convflow.StateAwaitingService
			return []transport.Outbound{transport.Text(messages.InitialServicePrompt)}, true, nil
		}
		flow.State = convflow.StateAwaitingCity
		return []transport.Outbound{transport.Text(messages.AskCity)}, true, nil
	case consent.OutcomeDeclined:
		if err := r.consent.Decline(ctx, customer.ID, consent.UserTypeCustomer, consentMetadata(in)); err != nil {
			return nil, false, err
		}
		return []transport.Outbound{transport.Text(consent.DeclinedMessage)}, true, nil
	default:
		return []transport.Outbound{transport.Text(consent.PromptLines[0]), transport.Text(consent.PromptLines[1])}, true, nil
	}
}

func consentMetadata(in transport.Inbound) map[string]any {
	return map[string]any{
		"message_id":   in.ID,
		"raw_text":     in.Content,
		"message_type": in.MessageType,
		"timestamp":    in.Timestamp,
	}
}

// syncCustomerIntoFlow implements pre-router step 4.
func (r *Router) syncCustomerIntoFlow(customer *customers.Customer, flow *convflow.Flow) {
	if customer == nil {
		return
	}
	if flow.CustomerID == "" {
		flow.CustomerID = customer.ID
	}
	if !flow.HasConsent && customer.HasConsent {
		flow.HasConsent = true
	}
	if flow.City == "" && customer.City != "" {
		flow.City = customer.City
		if customer.CityConfirmedAt != nil {
			flow.CityConfirmed = true
		}
	}
}

func (r *Router) inactivityExpired(flow *convflow.Flow) bool {
	if flow.LastSeenAtPrev.IsZero() {
		return false
	}
	return time.Since(flow.LastSeenAtPrev) > r.sessionTimeout
}

func (r *Router) handleInactivityReset(ctx context.Context, flow *convflow.Flow) []transport.Outbound {
	r.machine.CancelBackground(flow.Phone)
	phone, customerID, hadConsent, city, cityConfirmed := flow.Phone, flow.CustomerID, flow.HasConsent, flow.City, flow.CityConfirmed
	*flow = *convflow.NewEmpty(phone)
	flow.CustomerID = customerID
	flow.HasConsent = hadConsent
	flow.City = city
	flow.CityConfirmed = cityConfirmed
	flow.State = convflow.StateAwaitingService
	if err := r.flows.Store(ctx, flow); err != nil {
		r.logger.Warn("router: store flow after inactivity reset failed", "phone", phone, "error", err.Error())
	}
	return []transport.Outbound{transport.Text(messages.SessionRestarted), transport.Text(messages.InitialServicePrompt)}
}

func (r *Router) handleReset(ctx context.Context, customer *customers.Customer, flow *convflow.Flow) []transport.Outbound {
	r.machine.CancelBackground(flow.Phone)
	if customer != nil {
		if err := r.customers.ClearCity(ctx, customer.ID); err != nil {
			r.logger.Warn("router: clear customer city on reset failed", "phone", flow.Phone, "error", err.Error())
		}
		if err := r.customers.ClearConsent(ctx, customer.ID); err != nil {
			r.logger.Warn("router: clear customer consent on reset failed", "phone", flow.Phone, "error", err.Error())
		}
	}
	if err := r.flows.Reset(ctx, flow.Phone); err != nil {
		r.logger.Warn("router: reset flow failed", "phone", flow.Phone, "error", err.Error())
	}
	*flow = *convflow.NewEmpty(flow.Phone)
	return []transport.Outbound{transport.Text(messages.ResetAck), transport.Text(messages.InitialServicePrompt)}
}
