// Package catalog maintains the canonical profession <-> synonym mapping
// and canonical city <-> synonym mapping used to resolve free-text need
// descriptions into the values the provider search query understands.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/providerline/internal/normalize"
	"github.com/example/providerline/pkg/logging"
)

const (
	redisKey   = "service_synonyms:catalog"
	defaultTTL = 3600 * time.Second
)

// snapshot is the atomically-swapped, fully built catalog state. Readers
// never observe a half-built reverse map: refresh builds a new snapshot off
// to the side and only then stores it.
type snapshot struct {
	// professionSynonymToCanonical maps a normalized synonym (including the
	// canonical name itself) to its canonical profession.
	professionSynonymToCanonical map[string]string
	canonicalProfessions         []string

	// citySynonymToCanonical maps a normalized synonym (including the
	// canonical name itself) to its canonical city.
	citySynonymToCanonical map[string]string
	canonicalCities        []string

	builtAt time.Time
}

func (s *snapshot) marshal() ([]byte, error) {
	return json.Marshal(struct {
		ProfessionSynonymToCanonical map[string]string `json:"profession_synonym_to_canonical"`
		CanonicalProfessions         []string          `json:"canonical_professions"`
		CitySynonymToCanonical       map[string]string `json:"city_synonym_to_canonical"`
		CanonicalCities              []string          `json:"canonical_cities"`
		BuiltAt                      time.Time         `json:"built_at"`
	}{
		ProfessionSynonymToCanonical: s.professionSynonymToCanonical,
		CanonicalProfessions:         s.canonicalProfessions,
		CitySynonymToCanonical:       s.citySynonymToCanonical,
		CanonicalCities:              s.canonicalCities,
		BuiltAt:                      s.builtAt,
	})
}

func unmarshalSnapshot(data []byte) (*snapshot, error) {
	var wire struct {
		ProfessionSynonymToCanonical map[string]string `json:"profession_synonym_to_canonical"`
		CanonicalProfessions         []string          `json:"canonical_professions"`
		CitySynonymToCanonical       map[string]string `json:"city_synonym_to_canonical"`
		CanonicalCities              []string          `json:"canonical_cities"`
		BuiltAt                      time.Time         `json:"built_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &snapshot{
		professionSynonymToCanonical: wire.ProfessionSynonymToCanonical,
		canonicalProfessions:         wire.CanonicalProfessions,
		citySynonymToCanonical:       wire.CitySynonymToCanonical,
		canonicalCities:              wire.CanonicalCities,
		builtAt:                      wire.BuiltAt,
	}, nil
}

// Store loads raw (canonical, synonym) rows from the relational source of
// truth. The catalog package only reads; admin writes are an external
// collaborator per the spec's scope.
type Store interface {
	LoadProfessionSynonyms(ctx context.Context) (map[string][]string, error)
	LoadCitySynonyms(ctx context.Context) (map[string][]string, error)
}

// Catalog resolves free-text profession/city mentions to canonical values,
// backed by a process-local snapshot, an optional shared Redis snapshot,
// and the relational store as ultimate source of truth.
type Catalog struct {
	store  Store
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger

	mu   sync.RWMutex
	snap *snapshot
}

func New(store Store, redisClient *redis.Client, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Default()
	}
	return &Catalog{store: store, redis: redisClient, ttl: defaultTTL, logger: logger}
}

// ResolveProfession normalizes text, does an exact reverse-map lookup, and
// falls back to a containment check in either direction. Returns "", false
// on no match.
func (c *Catalog) ResolveProfession(ctx context.Context, text string) (string, bool) {
	snap := c.current(ctx)
	if snap == nil {
		return "", false
	}

	normalized := normalize.Normalize(text)
	if normalized == "" {
		return "", false
	}
	if canonical, ok := snap.professionSynonymToCanonical[normalized]; ok {
		return canonical, true
	}

	for synonym, canonical := range snap.professionSynonymToCanonical {
		if normalize.ContainsEither(normalized, synonym) {
			return canonical, true
		}
	}
	return "", false
}

// ResolveCity normalizes text and checks equality against the union of city
// canonicals and synonyms.
func (c *Catalog) ResolveCity(ctx context.Context, text string) (string, bool) {
	snap := c.current(ctx)
	if snap == nil {
		return "", false
	}
	normalized := normalize.Normalize(text)
	if normalized == "" {
		return "", false
	}
	canonical, ok := snap.citySynonymToCanonical[normalized]
	return canonical, ok
}

// AllCanonicalProfessions returns the full set of canonical profession
// names currently known to the catalog.
func (c *Catalog) AllCanonicalProfessions(ctx context.Context) []string {
	snap := c.current(ctx)
	if snap == nil {
		return nil
	}
	out := make([]string, len(snap.canonicalProfessions))
	copy(out, snap.canonicalProfessions)
	return out
}

// AllCanonicalCities returns the full set of canonical city names the
// interpreter is allowed to resolve free text into.
func (c *Catalog) AllCanonicalCities(ctx context.Context) []string {
	snap := c.current(ctx)
	if snap == nil {
		return nil
	}
	out := make([]string, len(snap.canonicalCities))
	copy(out, snap.canonicalCities)
	return out
}

// ExpandProfession returns every known synonym (including canonical itself)
// that resolves to canonical, for use as OR-matched search terms. Order is
// unspecified. Returns nil if canonical is unknown to the catalog.
func (c *Catalog) ExpandProfession(ctx context.Context, canonical string) []string {
	snap := c.current(ctx)
	if snap == nil {
		return nil
	}
	var out []string
	for synonym, resolved := range snap.professionSynonymToCanonical {
		if resolved == canonical {
			out = append(out, synonym)
		}
	}
	return out
}

// Refresh forces a reload from the relational store, builds a new snapshot
// off to the side, and swaps it in atomically, resetting the TTL clock and
// the shared Redis snapshot.
func (c *Catalog) Refresh(ctx context.Context) error {
	snap, err := c.buildFromStore(ctx)
	if err != nil {
		return fmt.Errorf("catalog: refresh: %w", err)
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if c.redis != nil {
		if data, err := snap.marshal(); err == nil {
			if err := c.redis.Set(ctx, redisKey, data, c.ttl).Err(); err != nil {
				c.logger.Warn("catalog: failed to persist shared snapshot", "error", err.Error())
			}
		}
	}
	return nil
}

// current returns a usable snapshot: the in-memory one if still fresh,
// otherwise the shared Redis snapshot, otherwise a rebuild from the store,
// otherwise (fail-open) whatever stale in-memory snapshot is left, even if
// nil.
func (c *Catalog) current(ctx context.Context) *snapshot {
	c.mu.RLock()
	snap := c.snap
	fresh := snap != nil && time.Since(snap.builtAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return snap
	}

	if c.redis != nil {
		if data, err := c.redis.Get(ctx, redisKey).Bytes(); err == nil {
			if shared, err := unmarshalSnapshot(data); err == nil {
				c.mu.Lock()
				c.snap = shared
				c.mu.Unlock()
				return shared
			}
		}
	}

	if built, err := c.buildFromStore(ctx); err == nil {
		c.mu.Lock()
		c.snap = built
		c.mu.Unlock()
		return built
	}

	// Both shared snapshot and store unreachable: fail open to whatever
	// stale snapshot remains, or nil if the catalog never loaded.
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Catalog) buildFromStore(ctx context.Context) (*snapshot, error) {
	professions, err := c.store.LoadProfessionSynonyms(ctx)
	if err != nil {
		return nil, err
	}
	cities, err := c.store.LoadCitySynonyms(ctx)
	if err != nil {
		return nil, err
	}

	professionMap := make(map[string]string, len(professions)*3)
	canonicals := make([]string, 0, len(professions))
	for canonical, synonyms := range professions {
		normCanonical := normalize.Normalize(canonical)
		if normCanonical == "" {
			continue
		}
		canonicals = append(canonicals, canonical)
		professionMap[normCanonical] = canonical
		for _, syn := range synonyms {
			if n := normalize.Normalize(syn); n != "" {
				professionMap[n] = canonical
			}
		}
	}

	cityMap := make(map[string]string, len(cities)*3)
	cityCanonicals := make([]string, 0, len(cities))
	for canonical, synonyms := range cities {
		normCanonical := normalize.Normalize(canonical)
		if normCanonical == "" {
			continue
		}
		cityCanonicals = append(cityCanonicals, canonical)
		cityMap[normCanonical] = canonical
		for _, syn := range synonyms {
			if n := normalize.Normalize(syn); n != "" {
				cityMap[n] = canonical
			}
		}
	}

	return &snapshot{
		professionSynonymToCanonical: professionMap,
		canonicalProfessions:         canonicals,
		citySynonymToCanonical:       cityMap,
		canonicalCities:              cityCanonicals,
		builtAt:                      time.Now(),
	}, nil
}
