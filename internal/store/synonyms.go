package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PgxPool is the narrow pgx surface the synonym loader depends on.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SynonymStore implements internal/catalog.Store against the
// service_synonyms and city_synonyms tables.
type SynonymStore struct {
	pool PgxPool
}

func NewSynonymStore(pool PgxPool) *SynonymStore {
	return &SynonymStore{pool: pool}
}

// LoadProfessionSynonyms returns active canonical_profession -> [synonyms].
func (s *SynonymStore) LoadProfessionSynonyms(ctx context.Context) (map[string][]string, error) {
	return s.load(ctx, `SELECT canonical_profession, synonym FROM service_synonyms WHERE active = true`)
}

// LoadCitySynonyms returns active canonical_city -> [synonyms].
func (s *SynonymStore) LoadCitySynonyms(ctx context.Context) (map[string][]string, error) {
	return s.load(ctx, `SELECT canonical_city, synonym FROM city_synonyms WHERE active = true`)
}

func (s *SynonymStore) load(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: load synonyms: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var canonical, synonym string
		if err := rows.Scan(&canonical, &synonym); err != nil {
			return nil, fmt.Errorf("store: scan synonym row: %w", err)
		}
		out[canonical] = append(out[canonical], synonym)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate synonym rows: %w", err)
	}
	return out, nil
}
