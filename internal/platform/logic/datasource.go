package logic

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataSource reads one category of clinical facts. Read returns an entry
// for every cohort member, with an empty Result when nothing matched.
type DataSource interface {
	Name() string
	HasKey(key string) bool
	Keys() []string
	Read(ctx context.Context, ec *EvalContext, cohort []uuid.UUID, c *Criteria) (map[uuid.UUID]Result, error)
	DefaultTTL() time.Duration
}

// KeyTyper is implemented by sources that know the datatype of each key.
type KeyTyper interface {
	KeyDatatype(key string) Datatype
}

// OperatorSupport is implemented by sources that compile only part of the
// operator set. Unsupported operators are applied by the evaluator.
type OperatorSupport interface {
	Supports(op Operator) bool
}

func supports(src DataSource, op Operator) bool {
	if s, ok := src.(OperatorSupport); ok {
		return s.Supports(op)
	}
	return true
}

// SourceRegistry holds the data sources by case-insensitive name.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]DataSource
}

// NewSourceRegistry creates a registry holding the given sources.
func NewSourceRegistry(sources ...DataSource) *SourceRegistry {
	r := &SourceRegistry{sources: make(map[string]DataSource)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a data source.
func (r *SourceRegistry) Register(s DataSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToLower(s.Name())] = s
}

// Get looks up a data source by name.
func (r *SourceRegistry) Get(name string) (DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[strings.ToLower(name)]
	return s, ok
}

// List returns all data sources sorted by name.
func (r *SourceRegistry) List() []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataSource, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
