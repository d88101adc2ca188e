package logic

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
	"github.com/danmuck/beaconctl/internal/record"
)

// Registry stores implementations by id.
type Registry struct {
	mu    sync.RWMutex
	items map[identity.Address]Implementation
}

// NewRegistry creates an empty implementation registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[identity.Address]Implementation)}
}

// ValidateMetadata checks required metadata fields and that the declared
// layout is backed by the record struct.
func ValidateMetadata(meta Metadata) error {
	if meta.ID.IsNull() {
		return fmt.Errorf("%w: id is required", ErrInvalidImplementation)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidImplementation)
	}
	if meta.Version == 0 {
		return fmt.Errorf("%w: version is required", ErrInvalidImplementation)
	}
	if err := meta.Layout.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImplementation, err)
	}
	if err := record.Check(meta.Layout); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImplementation, err)
	}
	return nil
}

// Probe is the sanity check applied before an implementation is accepted:
// it must expose the core capability set.
func Probe(impl Implementation) error {
	if impl == nil {
		return fmt.Errorf("%w: nil implementation", ErrInvalidImplementation)
	}
	meta := impl.Metadata()
	for _, op := range CoreOperations {
		if !HasOperation(impl, op) {
			return fmt.Errorf("%w: %s v%d does not handle %s", ErrInvalidImplementation, meta.Name, meta.Version, op)
		}
	}
	return nil
}

// Register adds an implementation. Its layout must be append-only relative
// to every lower-versioned implementation already registered, and a prefix
// of every higher-versioned one.
func (r *Registry) Register(impl Implementation) error {
	if impl == nil {
		return fmt.Errorf("%w: nil implementation", ErrInvalidImplementation)
	}
	meta := impl.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	if err := Probe(impl); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrImplementationExists, meta.ID)
	}
	for _, existing := range r.items {
		other := existing.Metadata()
		prev, next := other.Layout, meta.Layout
		if other.Version > meta.Version {
			prev, next = meta.Layout, other.Layout
		}
		if err := layout.CheckAppendOnly(prev, next); err != nil {
			return fmt.Errorf("%w: %s v%d vs %s v%d: %w", ErrInvalidImplementation, meta.Name, meta.Version, other.Name, other.Version, err)
		}
	}
	r.items[meta.ID] = impl
	return nil
}

// Unregister drops id. It is only safe while nothing references id.
func (r *Registry) Unregister(id identity.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// Resolve returns an implementation by id.
func (r *Registry) Resolve(id identity.Address) (Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.items[id]
	return impl, ok
}

// ProbeID resolves id and applies Probe. Null and unknown ids fail.
func (r *Registry) ProbeID(id identity.Address) error {
	if id.IsNull() {
		return fmt.Errorf("%w: null implementation reference", ErrInvalidImplementation)
	}
	impl, ok := r.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: %s is not registered", ErrInvalidImplementation, id)
	}
	return Probe(impl)
}

// ListMetadata returns metadata ordered by version, then id.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	list := make([]Metadata, 0, len(r.items))
	for _, impl := range r.items {
		list = append(list, impl.Metadata())
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Version != list[j].Version {
			return list[i].Version < list[j].Version
		}
		return list[i].ID < list[j].ID
	})
	return list
}
