package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/beaconctl/internal/beacon"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/observability"
	"github.com/danmuck/beaconctl/internal/record"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCall   = errors.New("proxy: invalid call")
	ErrInvalidProxy  = errors.New("proxy: invalid proxy")
	ErrUninitialized = errors.New("proxy: record not initialized")
)

// State is the life-cycle position of one proxy record.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateBase               State = "initialized_base"
	StateExtendedUnmigrated State = "initialized_extended_unmigrated"
	StateMigrated           State = "migrated"
)

// Resolver maps an implementation id to behavior.
type Resolver interface {
	Resolve(id identity.Address) (logic.Implementation, bool)
}

// Call is one operation request against a proxy.
type Call struct {
	Operation string
	Args      logic.Args
	Caller    identity.Address
}

// Validate enforces required call fields.
func (c Call) Validate() error {
	if strings.TrimSpace(c.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidCall)
	}
	return nil
}

// Proxy forwards every call to the beacon's current implementation,
// executing it against the proxy's own record.
type Proxy struct {
	address  identity.Address
	beacon   *beacon.Beacon
	resolver Resolver
	bus      *events.Bus

	mu     sync.Mutex
	record record.Record
}

// New constructs a proxy and initializes its record through whatever
// implementation the beacon currently designates.
func New(
	address identity.Address,
	b *beacon.Beacon,
	resolver Resolver,
	bus *events.Bus,
	value uint64,
	owner identity.Address,
) (*Proxy, error) {
	if err := owner.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", logic.ErrInvalidOwner, err)
	}
	p, err := build(address, b, resolver, bus)
	if err != nil {
		return nil, err
	}
	if _, err := p.Invoke(context.Background(), Call{
		Operation: logic.OpInitialize,
		Args:      logic.InitArgs(value, owner),
		Caller:    owner,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// Restore rebuilds a proxy around a previously persisted record without
// re-running initialize.
func Restore(
	address identity.Address,
	b *beacon.Beacon,
	resolver Resolver,
	bus *events.Bus,
	rec record.Record,
) (*Proxy, error) {
	p, err := build(address, b, resolver, bus)
	if err != nil {
		return nil, err
	}
	if !rec.Initialized {
		return nil, fmt.Errorf("%w: %s", ErrUninitialized, address)
	}
	p.record = rec.Clone()
	return p, nil
}

func build(address identity.Address, b *beacon.Beacon, resolver Resolver, bus *events.Bus) (*Proxy, error) {
	if address.IsNull() {
		return nil, fmt.Errorf("%w: address is null", ErrInvalidProxy)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: beacon is required", ErrInvalidProxy)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidProxy)
	}
	return &Proxy{
		address:  address,
		beacon:   b,
		resolver: resolver,
		bus:      bus,
	}, nil
}

func (p *Proxy) Address() identity.Address {
	return p.address
}

func (p *Proxy) Beacon() *beacon.Beacon {
	return p.beacon
}

// Invoke resolves the current implementation and runs call against this
// proxy's record. Writes and notifications are applied only on success.
func (p *Proxy) Invoke(ctx context.Context, call Call) (logic.Result, error) {
	if err := ctx.Err(); err != nil {
		return logic.None(), err
	}
	if err := call.Validate(); err != nil {
		return logic.None(), err
	}
	op := strings.TrimSpace(call.Operation)
	start := time.Now()

	impl, err := p.resolve()
	if err != nil {
		observability.RecordInvocation("unresolved", op, logic.Kind(err), time.Since(start))
		return logic.None(), err
	}
	meta := impl.Metadata()

	p.mu.Lock()
	working := p.record.Clone()
	exec := logic.NewCall(call.Caller, &working)
	result, err := impl.Execute(exec, op, call.Args)
	if err == nil {
		p.record = working
	}
	p.mu.Unlock()

	observability.RecordInvocation(meta.Name, op, logic.Kind(err), time.Since(start))
	if err != nil {
		log.Debug().
			Err(err).
			Str("proxy", p.address.String()).
			Str("implementation", meta.Name).
			Str("operation", op).
			Str("caller", call.Caller.String()).
			Msg("proxy.Invoke rejected")
		return logic.None(), err
	}
	log.Debug().
		Str("proxy", p.address.String()).
		Str("implementation", meta.Name).
		Str("operation", op).
		Str("caller", call.Caller.String()).
		Str("result", result.String()).
		Msg("proxy.Invoke complete")

	p.publish(meta.ID, exec.Events())
	return result, nil
}

func (p *Proxy) resolve() (logic.Implementation, error) {
	id := p.beacon.Implementation()
	impl, ok := p.resolver.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: beacon %s points at unregistered %s", logic.ErrInvalidImplementation, p.beacon.Address(), id)
	}
	return impl, nil
}

func (p *Proxy) publish(implID identity.Address, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	for i := range evts {
		evts[i].Emitter = p.address
		evts[i].Implementation = implID
	}
	p.bus.Publish(evts...)
}

// Record returns a copy of the current record.
func (p *Proxy) Record() record.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Clone()
}

// State derives the life-cycle position from the record and the beacon's
// current implementation.
func (p *Proxy) State() (State, error) {
	rec := p.Record()
	if !rec.Initialized {
		return StateUninitialized, nil
	}
	impl, err := p.resolve()
	if err != nil {
		return "", err
	}
	implVersion := impl.Metadata().Version
	switch {
	case rec.Version >= 2 && rec.Version == implVersion:
		return StateMigrated, nil
	case implVersion >= 2:
		return StateExtendedUnmigrated, nil
	default:
		return StateBase, nil
	}
}

func (p *Proxy) query(ctx context.Context, op string, args logic.Args) (logic.Result, error) {
	return p.Invoke(ctx, Call{Operation: op, Args: args, Caller: identity.Null})
}

func (p *Proxy) Value(ctx context.Context) (uint64, error) {
	res, err := p.query(ctx, logic.OpGetValue, nil)
	return res.Uint, err
}

func (p *Proxy) Owner(ctx context.Context) (identity.Address, error) {
	res, err := p.query(ctx, logic.OpGetOwner, nil)
	return res.Address, err
}

func (p *Proxy) Version(ctx context.Context) (uint64, error) {
	res, err := p.query(ctx, logic.OpGetVersion, nil)
	return res.Uint, err
}

func (p *Proxy) HistoryCount(ctx context.Context) (uint64, error) {
	res, err := p.query(ctx, logic.OpGetHistoryCount, nil)
	return res.Uint, err
}

func (p *Proxy) ValueFromHistory(ctx context.Context, index uint64) (uint64, error) {
	res, err := p.query(ctx, logic.OpGetValueFromHistory, logic.Args{logic.ArgIndex: strconv.FormatUint(index, 10)})
	return res.Uint, err
}
