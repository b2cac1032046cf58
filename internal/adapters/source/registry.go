package source

import (
	"errors"
	"fmt"
	"sort"

	"github.com/selivandex/market-etl/internal/adapters/config"
)

// ErrUnknownSource is returned when no adapter is registered under an id
var ErrUnknownSource = errors.New("unknown source")

// Registry maps source ids to adapters
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates registry, rejecting duplicate ids
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if s.ID() == "" {
			return nil, fmt.Errorf("source id is empty")
		}
		if _, exists := r.sources[s.ID()]; exists {
			return nil, fmt.Errorf("duplicate source id %q", s.ID())
		}
		r.sources[s.ID()] = s
	}
	return r, nil
}

// NewRegistryFromConfig builds the registry of enabled providers
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	var sources []Source
	if cfg.CoinGecko.Enabled {
		sources = append(sources, NewCoinGecko(cfg.CoinGecko))
	}
	if cfg.CoinPaprika.Enabled {
		sources = append(sources, NewCoinPaprika(cfg.CoinPaprika))
	}
	return NewRegistry(sources...)
}

// Get returns the adapter for id
func (r *Registry) Get(id string) (Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// Lookup returns the adapter for id or ErrUnknownSource
func (r *Registry) Lookup(id string) (Source, error) {
	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return s, nil
}

// IDs returns registered ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns adapters ordered by id
func (r *Registry) All() []Source {
	ids := r.IDs()
	out := make([]Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sources[id])
	}
	return out
}
