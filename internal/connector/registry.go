package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

// Registry holds connectors in registration order.
type Registry struct {
	mu         sync.RWMutex
	connectors []Connector
	names      map[string]struct{}
}

// NewRegistry registers cs in order.
func NewRegistry(cs ...Connector) (*Registry, error) {
	r := &Registry{names: make(map[string]struct{})}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends c. Declared capabilities must be backed by the matching
// optional interface.
func (r *Registry) Register(c Connector) error {
	if c == nil {
		return errors.New("connector is nil")
	}
	name := c.Name()
	if name == "" {
		return errors.New("connector name is required")
	}
	if err := checkCapabilities(c); err != nil {
		return fmt.Errorf("connector %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names == nil {
		r.names = make(map[string]struct{})
	}
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("connector %s already registered", name)
	}
	r.names[name] = struct{}{}
	r.connectors = append(r.connectors, c)
	return nil
}

// Resolve returns the first registered connector that owns rawURL.
func (r *Registry) Resolve(rawURL string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connectors {
		if c.OwnsURL(rawURL) {
			return c, nil
		}
	}
	return nil, &crawler.UnresolvedConnectorError{URL: rawURL, Available: r.namesLocked()}
}

// Names lists registered connector names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c.Name())
	}
	return out
}

func checkCapabilities(c Connector) error {
	caps := c.Capabilities()
	if caps.Has(CapRangeLinks) {
		if _, ok := c.(RangeGenerator); !ok {
			return errors.New("declares range-links without GenerateRangeLinks")
		}
	}
	if caps.Has(CapChapterListURL) {
		if _, ok := c.(ChapterListResolver); !ok {
			return errors.New("declares chapter-list-url without ResolveChapterListURL")
		}
	}
	if caps.Has(CapCleanup) {
		if _, ok := c.(DocumentCleaner); !ok {
			return errors.New("declares cleanup without CleanupDocument")
		}
	}
	return nil
}
