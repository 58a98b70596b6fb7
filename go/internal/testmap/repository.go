// Package testmap loads the hierarchical part/section/item structure a
// session navigates over. Maps are authored outside this system and read
// here as immutable definitions.
package testmap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rgoulet/examd/go/internal/models"
)

// ErrNotFound is returned when a test map does not exist.
var ErrNotFound = errors.New("test map not found")

// Repository loads test maps from Postgres with an in-process cache.
// Definitions are immutable once published, so cached entries never expire.
type Repository struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*models.TestMap
}

// NewRepository creates a test map repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:    db,
		cache: make(map[string]*models.TestMap),
	}
}

// TestMap returns the map for the given test, from cache when possible.
func (r *Repository) TestMap(ctx context.Context, testID string) (*models.TestMap, error) {
	r.mu.RLock()
	if cached, ok := r.cache[testID]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	var definition []byte
	query := `SELECT definition FROM test_maps WHERE test_id = $1`
	if err := r.db.QueryRowContext(ctx, query, testID).Scan(&definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("test %s: %w", testID, ErrNotFound)
		}
		return nil, fmt.Errorf("load test map %s: %w", testID, err)
	}

	testMap := &models.TestMap{}
	if err := json.Unmarshal(definition, testMap); err != nil {
		return nil, fmt.Errorf("decode test map %s: %w", testID, err)
	}

	r.mu.Lock()
	r.cache[testID] = testMap
	r.mu.Unlock()
	return testMap, nil
}

// Store writes a test map definition, used by fixtures and imports.
func (r *Repository) Store(ctx context.Context, testMap *models.TestMap) error {
	definition, err := json.Marshal(testMap)
	if err != nil {
		return fmt.Errorf("encode test map %s: %w", testMap.TestID, err)
	}
	query := `
		INSERT INTO test_maps (test_id, definition, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (test_id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, testMap.TestID, definition); err != nil {
		return fmt.Errorf("store test map %s: %w", testMap.TestID, err)
	}

	r.mu.Lock()
	r.cache[testMap.TestID] = testMap
	r.mu.Unlock()
	return nil
}

// StaticSource serves maps from memory, used by tests and single-test
// deployments.
type StaticSource struct {
	maps map[string]*models.TestMap
}

// NewStaticSource creates a source over the given maps.
func NewStaticSource(maps ...*models.TestMap) *StaticSource {
	s := &StaticSource{maps: make(map[string]*models.TestMap, len(maps))}
	for _, m := range maps {
		s.maps[m.TestID] = m
	}
	return s
}

// TestMap returns the map for the given test.
func (s *StaticSource) TestMap(_ context.Context, testID string) (*models.TestMap, error) {
	m, ok := s.maps[testID]
	if !ok {
		return nil, fmt.Errorf("test %s: %w", testID, ErrNotFound)
	}
	return m, nil
}
