// Package ledger is the in-process execution environment for beacons and
// proxies: it allocates addresses, keeps the address book, and serializes
// every state-changing submission so no two mutations interleave.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/beaconctl/internal/beacon"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/danmuck/beaconctl/internal/record"
	"github.com/rs/zerolog/log"
)

var (
	ErrBeaconNotFound  = errors.New("ledger: beacon not found")
	ErrProxyNotFound   = errors.New("ledger: proxy not found")
	ErrUnknownVariant  = errors.New("ledger: unknown implementation variant")
	ErrAddressConflict = errors.New("ledger: address already in use")
)

// Ledger owns the registry, the notification bus, and every deployed entity.
type Ledger struct {
	submit sync.Mutex

	registry *logic.Registry
	bus      *events.Bus
	newAddr  func() identity.Address

	mu         sync.RWMutex
	beacons    map[identity.Address]*beacon.Beacon
	proxies    map[identity.Address]*proxy.Proxy
	proxyOrder []identity.Address
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithAddressSource replaces random address allocation.
func WithAddressSource(fn func() identity.Address) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newAddr = fn
		}
	}
}

// WithBus shares an existing notification bus.
func WithBus(bus *events.Bus) Option {
	return func(l *Ledger) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		registry: logic.NewRegistry(),
		bus:      events.NewBus(),
		newAddr:  identity.New,
		beacons:  make(map[identity.Address]*beacon.Beacon),
		proxies:  make(map[identity.Address]*proxy.Proxy),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Registry() *logic.Registry {
	return l.registry
}

func (l *Ledger) Bus() *events.Bus {
	return l.bus
}

// Submit runs fn as one indivisible unit relative to other submissions.
// Event handlers fire inside fn and must not call Submit.
func (l *Ledger) Submit(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.submit.Lock()
	defer l.submit.Unlock()
	return fn()
}

// DeployImplementation registers a fresh implementation built by factory.
func (l *Ledger) DeployImplementation(ctx context.Context, factory logic.Factory) (identity.Address, error) {
	var id identity.Address
	err := l.Submit(ctx, func() error {
		id = l.newAddr()
		impl := factory(id)
		if err := l.registry.Register(impl); err != nil {
			return err
		}
		meta := impl.Metadata()
		log.Info().
			Str("implementation", id.String()).
			Str("name", meta.Name).
			Uint64("version", meta.Version).
			Msg("implementation deployed")
		return nil
	})
	if err != nil {
		return identity.Null, err
	}
	return id, nil
}

// DeployBeacon constructs a beacon bound to implementation and owner.
func (l *Ledger) DeployBeacon(ctx context.Context, implementation, owner identity.Address) (*beacon.Beacon, error) {
	var b *beacon.Beacon
	err := l.Submit(ctx, func() error {
		var err error
		b, err = beacon.New(l.newAddr(), implementation, owner, l.registry, l.bus)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.beacons[b.Address()] = b
		l.mu.Unlock()
		return nil
	})
	return b, err
}

// DeployProxy constructs and initializes a proxy bound to beaconAddr.
func (l *Ledger) DeployProxy(ctx context.Context, beaconAddr identity.Address, value uint64, owner identity.Address) (*proxy.Proxy, error) {
	var p *proxy.Proxy
	err := l.Submit(ctx, func() error {
		b, err := l.Beacon(beaconAddr)
		if err != nil {
			return err
		}
		p, err = proxy.New(l.newAddr(), b, l.registry, l.bus, value, owner)
		if err != nil {
			return err
		}
		l.addProxy(p)
		return nil
	})
	return p, err
}

func (l *Ledger) addProxy(p *proxy.Proxy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proxies[p.Address()] = p
	l.proxyOrder = append(l.proxyOrder, p.Address())
}

// Invoke submits one proxy call.
func (l *Ledger) Invoke(ctx context.Context, proxyAddr identity.Address, call proxy.Call) (logic.Result, error) {
	p, err := l.Proxy(proxyAddr)
	if err != nil {
		return logic.None(), err
	}
	var res logic.Result
	err = l.Submit(ctx, func() error {
		var err error
		res, err = p.Invoke(ctx, call)
		return err
	})
	return res, err
}

// DeployAndUpgrade authorizes caller against the beacon, registers a fresh
// implementation built by factory, and repoints the beacon at it, all in one
// submission. A rejected caller leaves the registry untouched; a failed
// repoint unregisters the new implementation.
func (l *Ledger) DeployAndUpgrade(ctx context.Context, beaconAddr, caller identity.Address, factory logic.Factory) (prev, next identity.Address, err error) {
	b, err := l.Beacon(beaconAddr)
	if err != nil {
		return identity.Null, identity.Null, err
	}
	err = l.Submit(ctx, func() error {
		if err := b.Authorize(caller); err != nil {
			return err
		}
		prev = b.Implementation()
		id := l.newAddr()
		impl := factory(id)
		if err := l.registry.Register(impl); err != nil {
			return fmt.Errorf("register implementation: %w", err)
		}
		if err := b.UpgradeTo(caller, id); err != nil {
			l.registry.Unregister(id)
			return fmt.Errorf("upgrade beacon: %w", err)
		}
		meta := impl.Metadata()
		log.Info().
			Str("implementation", id.String()).
			Str("name", meta.Name).
			Uint64("version", meta.Version).
			Msg("implementation deployed")
		next = id
		return nil
	})
	if err != nil {
		return identity.Null, identity.Null, err
	}
	return prev, next, nil
}

// TransferBeaconOwnership submits a change of the beacon's upgrade authority.
func (l *Ledger) TransferBeaconOwnership(ctx context.Context, beaconAddr, caller, next identity.Address) error {
	b, err := l.Beacon(beaconAddr)
	if err != nil {
		return err
	}
	return l.Submit(ctx, func() error {
		return b.TransferOwnership(caller, next)
	})
}

// Upgrade submits a beacon upgrade.
func (l *Ledger) Upgrade(ctx context.Context, beaconAddr, caller, next identity.Address) error {
	b, err := l.Beacon(beaconAddr)
	if err != nil {
		return err
	}
	return l.Submit(ctx, func() error {
		return b.UpgradeTo(caller, next)
	})
}

// Beacon looks up a beacon by address.
func (l *Ledger) Beacon(addr identity.Address) (*beacon.Beacon, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.beacons[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBeaconNotFound, addr)
	}
	return b, nil
}

// Proxy looks up a proxy by address.
func (l *Ledger) Proxy(addr identity.Address) (*proxy.Proxy, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.proxies[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotFound, addr)
	}
	return p, nil
}

// Proxies returns proxies in deployment order.
func (l *Ledger) Proxies() []*proxy.Proxy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*proxy.Proxy, 0, len(l.proxyOrder))
	for _, addr := range l.proxyOrder {
		out = append(out, l.proxies[addr])
	}
	return out
}

// ProxiesOf returns the addresses of proxies bound to beaconAddr, in
// deployment order.
func (l *Ledger) ProxiesOf(beaconAddr identity.Address) []identity.Address {
	out := make([]identity.Address, 0)
	for _, p := range l.Proxies() {
		if p.Beacon().Address() == beaconAddr {
			out = append(out, p.Address())
		}
	}
	return out
}

// Beacons returns beacons ordered by address.
func (l *Ledger) Beacons() []*beacon.Beacon {
	l.mu.RLock()
	out := make([]*beacon.Beacon, 0, len(l.beacons))
	for _, b := range l.beacons {
		out = append(out, b)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address() < out[j].Address()
	})
	return out
}

// ImplementationSnapshot is the persistent view of one registered variant.
type ImplementationSnapshot struct {
	ID          identity.Address
	Name        string
	Version     uint64
	Fingerprint string
}

// ProxySnapshot is the persistent view of one proxy.
type ProxySnapshot struct {
	Address identity.Address
	Beacon  identity.Address
	Record  record.Record
}

// Snapshot is a consistent copy of the whole ledger.
type Snapshot struct {
	Implementations []ImplementationSnapshot
	Beacons         []beacon.Snapshot
	Proxies         []ProxySnapshot
}

// Snapshot captures every entity under the submission lock.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := l.Submit(ctx, func() error {
		var err error
		snap, err = l.snapshot()
		return err
	})
	return snap, err
}

// Persist captures a snapshot and hands it to save without releasing the
// submission lock, so saves land in the order mutations were applied.
func (l *Ledger) Persist(ctx context.Context, save func(context.Context, Snapshot) error) error {
	return l.Submit(ctx, func() error {
		snap, err := l.snapshot()
		if err != nil {
			return err
		}
		return save(ctx, snap)
	})
}

func (l *Ledger) snapshot() (Snapshot, error) {
	var snap Snapshot
	for _, meta := range l.registry.ListMetadata() {
		fp, err := meta.Layout.Fingerprint()
		if err != nil {
			return Snapshot{}, err
		}
		snap.Implementations = append(snap.Implementations, ImplementationSnapshot{
			ID:          meta.ID,
			Name:        meta.Name,
			Version:     meta.Version,
			Fingerprint: fp,
		})
	}
	for _, b := range l.Beacons() {
		snap.Beacons = append(snap.Beacons, b.Snapshot())
	}
	for _, p := range l.Proxies() {
		snap.Proxies = append(snap.Proxies, ProxySnapshot{
			Address: p.Address(),
			Beacon:  p.Beacon().Address(),
			Record:  p.Record(),
		})
	}
	return snap, nil
}

// Restore rebuilds a ledger from a snapshot. catalog maps variant names to
// factories; a stored fingerprint that no longer matches the variant's
// layout is rejected.
func Restore(ctx context.Context, snap Snapshot, catalog map[string]logic.Factory, opts ...Option) (*Ledger, error) {
	l := New(opts...)
	err := l.Submit(ctx, func() error {
		for _, is := range snap.Implementations {
			factory, ok := catalog[is.Name]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownVariant, is.Name)
			}
			impl := factory(is.ID)
			meta := impl.Metadata()
			if meta.Version != is.Version {
				return fmt.Errorf("%w: %s stored as v%d, catalog has v%d", ErrUnknownVariant, is.Name, is.Version, meta.Version)
			}
			if is.Fingerprint != "" {
				fp, err := meta.Layout.Fingerprint()
				if err != nil {
					return err
				}
				if fp != is.Fingerprint {
					return fmt.Errorf("%w: %s layout fingerprint changed", logic.ErrInvalidImplementation, is.Name)
				}
			}
			if err := l.registry.Register(impl); err != nil {
				return err
			}
		}
		for _, bs := range snap.Beacons {
			if _, exists := l.beacons[bs.Address]; exists {
				return fmt.Errorf("%w: %s", ErrAddressConflict, bs.Address)
			}
			b, err := beacon.New(bs.Address, bs.Implementation, bs.Owner, l.registry, l.bus)
			if err != nil {
				return fmt.Errorf("restore beacon %s: %w", bs.Address, err)
			}
			l.beacons[b.Address()] = b
		}
		for _, ps := range snap.Proxies {
			if _, exists := l.proxies[ps.Address]; exists {
				return fmt.Errorf("%w: %s", ErrAddressConflict, ps.Address)
			}
			b, ok := l.beacons[ps.Beacon]
			if !ok {
				return fmt.Errorf("%w: %s (proxy %s)", ErrBeaconNotFound, ps.Beacon, ps.Address)
			}
			p, err := proxy.Restore(ps.Address, b, l.registry, l.bus, ps.Record)
			if err != nil {
				return err
			}
			l.proxies[p.Address()] = p
			l.proxyOrder = append(l.proxyOrder, p.Address())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("implementations", len(snap.Implementations)).
		Int("beacons", len(snap.Beacons)).
		Int("proxies", len(snap.Proxies)).
		Msg("ledger restored")
	return l, nil
}
