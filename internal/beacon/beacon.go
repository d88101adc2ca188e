// Package beacon owns the single shared implementation reference that every
// proxy resolves on each call.
//
// A beacon is constructed once and never replaced. Its current
// implementation changes only through UpgradeTo, under an owner check, and
// the swap is atomic: a reader sees either the old id or the new one.
package beacon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/beaconctl/internal/auth"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrInvalidAddress = errors.New("beacon: invalid address")

// Prober is the sanity check applied to implementation references.
type Prober interface {
	ProbeID(id identity.Address) error
}

// Beacon holds the current implementation id and its authorized owner.
type Beacon struct {
	address identity.Address
	prober  Prober
	bus     *events.Bus

	mu      sync.RWMutex
	current identity.Address
	owner   identity.Address
}

// New constructs a beacon bound to initial and owned by owner.
func New(address, initial, owner identity.Address, prober Prober, bus *events.Bus) (*Beacon, error) {
	if address.IsNull() {
		return nil, fmt.Errorf("%w: beacon address is null", ErrInvalidAddress)
	}
	if prober == nil {
		return nil, fmt.Errorf("%w: no prober", logic.ErrInvalidImplementation)
	}
	if owner.IsNull() {
		return nil, fmt.Errorf("%w: beacon owner is null", logic.ErrInvalidOwner)
	}
	if err := owner.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", logic.ErrInvalidOwner, err)
	}
	if err := prober.ProbeID(initial); err != nil {
		return nil, err
	}
	log.Info().
		Str("beacon", address.String()).
		Str("implementation", initial.String()).
		Str("owner", owner.String()).
		Msg("beacon constructed")
	return &Beacon{
		address: address,
		prober:  prober,
		bus:     bus,
		current: initial,
		owner:   owner,
	}, nil
}

// Address returns the beacon's immutable address.
func (b *Beacon) Address() identity.Address {
	return b.address
}

// Implementation returns the current implementation id.
func (b *Beacon) Implementation() identity.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Owner returns the identity authorized to upgrade.
func (b *Beacon) Owner() identity.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

// Authorize reports whether caller may upgrade, without mutating anything.
func (b *Beacon) Authorize(caller identity.Address) error {
	return auth.RequireOwner(caller, b.Owner())
}

// UpgradeTo replaces the current implementation.
func (b *Beacon) UpgradeTo(caller, next identity.Address) error {
	b.mu.Lock()
	if err := auth.RequireOwner(caller, b.owner); err != nil {
		b.mu.Unlock()
		observability.RecordUpgrade(logic.Kind(err))
		log.Warn().Err(err).Str("beacon", b.address.String()).Msg("upgrade rejected")
		return err
	}
	if err := b.prober.ProbeID(next); err != nil {
		b.mu.Unlock()
		observability.RecordUpgrade(logic.Kind(err))
		log.Warn().Err(err).Str("beacon", b.address.String()).Msg("upgrade rejected")
		return err
	}
	prev := b.current
	b.current = next
	b.mu.Unlock()

	observability.RecordUpgrade(logic.Kind(nil))
	log.Info().
		Str("beacon", b.address.String()).
		Str("previous", prev.String()).
		Str("next", next.String()).
		Msg("beacon upgraded")
	b.bus.Publish(events.Event{
		Kind:           events.KindUpgraded,
		Emitter:        b.address,
		Implementation: next,
		Previous:       prev,
		Next:           next,
	})
	return nil
}

// TransferOwnership hands upgrade authority to next.
func (b *Beacon) TransferOwnership(caller, next identity.Address) error {
	b.mu.Lock()
	if err := auth.RequireOwner(caller, b.owner); err != nil {
		b.mu.Unlock()
		return err
	}
	if next.IsNull() {
		b.mu.Unlock()
		return fmt.Errorf("%w: new beacon owner is null", logic.ErrInvalidOwner)
	}
	if err := next.Validate(); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", logic.ErrInvalidOwner, err)
	}
	prev := b.owner
	b.owner = next
	b.mu.Unlock()

	log.Info().
		Str("beacon", b.address.String()).
		Str("previous", prev.String()).
		Str("next", next.String()).
		Msg("beacon owner changed")
	b.bus.Publish(events.Event{
		Kind:     events.KindBeaconOwnerChanged,
		Emitter:  b.address,
		Previous: prev,
		Next:     next,
	})
	return nil
}

// Snapshot is the persistent view of a beacon.
type Snapshot struct {
	Address        identity.Address
	Implementation identity.Address
	Owner          identity.Address
}

// Snapshot returns a consistent copy of the beacon state.
func (b *Beacon) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{Address: b.address, Implementation: b.current, Owner: b.owner}
}
