// Package convflow is the per-phone conversation repository: a typed,
// schema-validated ConversationFlow record stored in Redis with a TTL,
// refreshed on every write and deleted on reset or hard failure.
package convflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is one of the nine conversation states. Unknown strings loaded from
// storage collapse to StateAwaitingService.
type State string

const (
	StateAwaitingConsent        State = "AWAITING_CONSENT"
	StateAwaitingService        State = "AWAITING_SERVICE"
	StateConfirmService         State = "CONFIRM_SERVICE"
	StateAwaitingCity           State = "AWAITING_CITY"
	StateSearching              State = "SEARCHING"
	StatePresentingResults      State = "PRESENTING_RESULTS"
	StateViewingProviderDetail  State = "VIEWING_PROVIDER_DETAIL"
	StateConfirmNewSearch       State = "CONFIRM_NEW_SEARCH"
	StateError                  State = "ERROR"
)

var validStates = map[State]bool{
	StateAwaitingConsent:       true,
	StateAwaitingService:       true,
	StateConfirmService:        true,
	StateAwaitingCity:          true,
	StateSearching:             true,
	StatePresentingResults:     true,
	StateViewingProviderDetail: true,
	StateConfirmNewSearch:      true,
	StateError:                 true,
}

// ProviderSummary mirrors the read-only search/presentation record; it is
// duplicated here (rather than imported from internal/providers) to keep
// the stored flow schema independent of the search package's internals.
type ProviderSummary struct {
	ID              string   `json:"id"`
	Phone           string   `json:"phone"`
	RealPhone       string   `json:"real_phone,omitempty"`
	FullName        string   `json:"full_name"`
	City            string   `json:"city"`
	Profession      string   `json:"profession"`
	Services        []string `json:"services,omitempty"`
	Rating          float64  `json:"rating"`
	ExperienceYears int      `json:"experience_years"`
	FacePhotoURL    string   `json:"face_photo_url,omitempty"`
	SocialMediaURL  string   `json:"social_media_url,omitempty"`
	SocialMediaType string   `json:"social_media_type,omitempty"`
	Available       bool     `json:"available"`
	Verified        bool     `json:"verified"`
}

// Flow is the per-phone mutable dialog state.
type Flow struct {
	Phone                       string            `json:"phone"`
	State                       State             `json:"state"`
	Service                     string            `json:"service,omitempty"`
	ServiceCandidate            string            `json:"service_candidate,omitempty"`
	ServiceFull                 string            `json:"service_full,omitempty"`
	City                        string            `json:"city,omitempty"`
	CityConfirmed               bool              `json:"city_confirmed"`
	Providers                   []ProviderSummary `json:"providers,omitempty"`
	ProviderDetailIdx           *int              `json:"provider_detail_idx,omitempty"`
	ChosenProvider              *ProviderSummary  `json:"chosen_provider,omitempty"`
	HasConsent                  bool              `json:"has_consent"`
	CustomerID                  string            `json:"customer_id,omitempty"`
	LastSeenAt                  time.Time         `json:"last_seen_at"`
	LastSeenAtPrev              time.Time         `json:"last_seen_at_prev"`
	ServiceCapturedAfterConsent bool              `json:"service_captured_after_consent"`
	ConfirmAttempts             int               `json:"confirm_attempts"`
	SearchDispatched            bool              `json:"search_dispatched"`
	LastMessageID               string            `json:"last_message_id,omitempty"`
}

// NewEmpty returns a fresh flow for a phone that has never been seen.
func NewEmpty(phone string) *Flow {
	now := time.Now()
	return &Flow{
		Phone:          phone,
		State:          StateAwaitingConsent,
		LastSeenAt:     now,
		LastSeenAtPrev: now,
	}
}

// ClearServiceContext wipes service/provider fields, used on consent
// acceptance and on reset keyword handling.
func (f *Flow) ClearServiceContext() {
	f.Service = ""
	f.ServiceCandidate = ""
	f.ServiceFull = ""
	f.Providers = nil
	f.ProviderDetailIdx = nil
	f.ChosenProvider = nil
	f.ServiceCapturedAfterConsent = false
	f.SearchDispatched = false
	f.ConfirmAttempts = 0
}

func flowKey(phone string) string { return fmt.Sprintf("flow:%s", phone) }

// Repository is the Conversation Repository described in the spec's
// component E.
type Repository struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRepository(redisClient *redis.Client, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 86400 * time.Second
	}
	return &Repository{redis: redisClient, ttl: ttl}
}

// Load returns the stored flow for phone, or a new empty one if absent.
// Unknown state strings and missing fields are normalized to safe defaults
// so a legacy or corrupt record never panics a handler.
func (r *Repository) Load(ctx context.Context, phone string) (*Flow, error) {
	data, err := r.redis.Get(ctx, flowKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewEmpty(phone), nil
	}
	if err != nil {
		return nil, fmt.Errorf("convflow: load: %w", err)
	}

	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		// Corrupt entry: reset rather than propagate a panic-prone record.
		return NewEmpty(phone), nil
	}
	flow.validate(phone)
	return &flow, nil
}

func (f *Flow) validate(phone string) {
	if f.Phone == "" {
		f.Phone = phone
	}
	if !validStates[f.State] {
		f.State = StateAwaitingService
	}
	if f.State == StateViewingProviderDetail {
		if f.ProviderDetailIdx == nil || *f.ProviderDetailIdx < 0 || *f.ProviderDetailIdx >= len(f.Providers) {
			f.State = StatePresentingResults
			f.ProviderDetailIdx = nil
		}
	}
	if f.State == StateSearching && f.Service == "" {
		f.State = StateAwaitingService
	}
	if f.State != StateAwaitingConsent && !f.HasConsent {
		f.HasConsent = true
	}
	if f.LastSeenAt.IsZero() {
		f.LastSeenAt = time.Now()
	}
	if f.LastSeenAtPrev.IsZero() {
		f.LastSeenAtPrev = f.LastSeenAt
	}
}

// Store overwrites the record for flow.Phone and refreshes the TTL.
func (r *Repository) Store(ctx context.Context, flow *Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("convflow: marshal: %w", err)
	}
	if err := r.redis.Set(ctx, flowKey(flow.Phone), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("convflow: store: %w", err)
	}
	return nil
}

// Reset deletes the record for phone.
func (r *Repository) Reset(ctx context.Context, phone string) error {
	if err := r.redis.Del(ctx, flowKey(phone)).Err(); err != nil {
		return fmt.Errorf("convflow: reset: %w", err)
	}
	return nil
}
