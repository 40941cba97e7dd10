// Package providers implements the relational provider search: validated
// inputs, synonym-expanded OR matching across profession and the
// denormalized services text, verified-only, city-filtered, rating-ranked.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/example/providerline/internal/convflow"
)

var sqlInjectionChars = []string{";", "'", "\"", "--", "/*", "*/", "\\", "\x00", "|", "="}

// ErrInvalidInput is returned when profession/city/limit fail validation.
type ErrInvalidInput struct{ Reason string }

func (e ErrInvalidInput) Error() string { return fmt.Sprintf("providers: invalid input: %s", e.Reason) }

func validateSearchTerm(field, value string) error {
	if len(value) < 2 || len(value) > 100 {
		return ErrInvalidInput{Reason: fmt.Sprintf("%s must be 2..100 characters", field)}
	}
	for _, bad := range sqlInjectionChars {
		if strings.Contains(value, bad) {
			return ErrInvalidInput{Reason: fmt.Sprintf("%s contains disallowed characters", field)}
		}
	}
	if isNumericOnly(value) {
		return ErrInvalidInput{Reason: fmt.Sprintf("%s cannot be numeric-only", field)}
	}
	return nil
}

func isNumericOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SynonymExpander returns the synonym set for a canonical profession,
// including the canonical itself.
type SynonymExpander interface {
	ExpandProfession(ctx context.Context, canonical string) []string
}

// PgxPool is the narrow pgx surface the search depends on.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Searcher is the Provider Search component described in the spec's
// component I.
type Searcher struct {
	pool     PgxPool
	synonyms SynonymExpander
}

func NewSearcher(pool PgxPool, synonyms SynonymExpander) *Searcher {
	return &Searcher{pool: pool, synonyms: synonyms}
}

// Search resolves (profession, city) into a ranked candidate list. City may
// be empty to search all cities. Limit defaults to 20 if 0; any other value
// outside [1,100] is rejected with ErrInvalidInput.
func (s *Searcher) Search(ctx context.Context, profession, city string, limit int) ([]convflow.ProviderSummary, error) {
	if err := validateSearchTerm("profession", profession); err != nil {
		return nil, err
	}
	if city != "" {
		if err := validateSearchTerm("city", city); err != nil {
			return nil, err
		}
	}
	if limit == 0 {
		limit = 20
	}
	if limit < 1 || limit > 100 {
		return nil, ErrInvalidInput{Reason: "limit must be in [1,100]"}
	}

	terms := []string{profession}
	if s.synonyms != nil {
		if expanded := s.synonyms.ExpandProfession(ctx, profession); len(expanded) > 0 {
			terms = expanded
		}
	}

	clauses := make([]string, 0, len(terms)*2)
	args := make([]any, 0, len(terms)*2+2)
	argN := 1
	for _, term := range terms {
		clauses = append(clauses,
			fmt.Sprintf("profession ILIKE $%d", argN),
			fmt.Sprintf("services ILIKE $%d", argN+1),
		)
		args = append(args, "%"+term+"%", "%"+term+"%")
		argN += 2
	}

	query := fmt.Sprintf(`
		SELECT id, phone, real_phone, full_name, city, profession, services,
		       rating, available, verified, experience_years,
		       face_photo_url, social_media_url, social_media_type
		FROM providers
		WHERE verified = true AND (%s)`, strings.Join(clauses, " OR "))

	if city != "" {
		query += fmt.Sprintf(" AND city ILIKE $%d", argN)
		args = append(args, "%"+city+"%")
		argN++
	}

	query += fmt.Sprintf(" ORDER BY rating DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("providers: search query: %w", err)
	}
	defer rows.Close()

	var results []convflow.ProviderSummary
	for rows.Next() {
		var (
			p                                             convflow.ProviderSummary
			realPhone, servicesRaw                        *string
			facePhotoURL, socialMediaURL, socialMediaType *string
		)
		if err := rows.Scan(
			&p.ID, &p.Phone, &realPhone, &p.FullName, &p.City, &p.Profession, &servicesRaw,
			&p.Rating, &p.Available, &p.Verified, &p.ExperienceYears,
			&facePhotoURL, &socialMediaURL, &socialMediaType,
		); err != nil {
			return nil, fmt.Errorf("providers: scan row: %w", err)
		}
		if realPhone != nil {
			p.RealPhone = *realPhone
		}
		if servicesRaw != nil {
			p.Services = strings.Split(*servicesRaw, ",")
		}
		if facePhotoURL != nil {
			p.FacePhotoURL = *facePhotoURL
		}
		if socialMediaURL != nil {
			p.SocialMediaURL = *socialMediaURL
		}
		if socialMediaType != nil {
			p.SocialMediaType = *socialMediaType
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("providers: row iteration: %w", err)
	}
	return results, nil
}
