package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/beaconctl/internal/beacon"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/logic/base"
	"github.com/danmuck/beaconctl/internal/logic/extended"
	"github.com/danmuck/beaconctl/internal/testutil/testlog"
)

const (
	owner    = identity.Address("owner.o")
	stranger = identity.Address("user.u")
	implV1   = identity.Address("impl.v1")
	implV2   = identity.Address("impl.v2")
)

type fixture struct {
	registry *logic.Registry
	beacon   *beacon.Beacon
	bus      *events.Bus
	recorder *events.Recorder
	proxies  []*Proxy
}

func newFixture(t *testing.T, values ...uint64) *fixture {
	t.Helper()
	f := &fixture{
		registry: logic.NewRegistry(),
		bus:      events.NewBus(),
		recorder: &events.Recorder{},
	}
	f.bus.Subscribe(f.recorder.Handle)
	if err := f.registry.Register(base.New(implV1)); err != nil {
		t.Fatalf("register base: %v", err)
	}
	b, err := beacon.New(identity.Address("beacon.1"), implV1, owner, f.registry, f.bus)
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	f.beacon = b
	for _, v := range values {
		p, err := New(identity.New(), b, f.registry, f.bus, v, owner)
		if err != nil {
			t.Fatalf("new proxy value=%d: %v", v, err)
		}
		f.proxies = append(f.proxies, p)
	}
	return f
}

func (f *fixture) upgrade(t *testing.T) {
	t.Helper()
	if err := f.registry.Register(extended.New(implV2)); err != nil {
		t.Fatalf("register extended: %v", err)
	}
	if err := f.beacon.UpgradeTo(owner, implV2); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
}

func mustValue(t *testing.T, p *Proxy) uint64 {
	t.Helper()
	v, err := p.Value(context.Background())
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	return v
}

func invoke(p *Proxy, caller identity.Address, op string, args logic.Args) (logic.Result, error) {
	return p.Invoke(context.Background(), Call{Operation: op, Args: args, Caller: caller})
}

func TestConstructThreeProxies(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100, 200, 300)
	for i, want := range []uint64{100, 200, 300} {
		if got := mustValue(t, f.proxies[i]); got != want {
			t.Fatalf("proxy %d: value=%d want %d", i, got, want)
		}
		got, err := f.proxies[i].Owner(context.Background())
		if err != nil || got != owner {
			t.Fatalf("proxy %d: owner=%s err=%v", i, got, err)
		}
		if st, _ := f.proxies[i].State(); st != StateBase {
			t.Fatalf("proxy %d: state=%s", i, st)
		}
	}
	if n := len(f.recorder.OfKind(events.KindInitialized)); n != 3 {
		t.Fatalf("expected 3 initialized events, got %d", n)
	}
}

func TestSetValueIsolatedAndOwnerOnly(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100, 200, 300)
	p1, p2 := f.proxies[0], f.proxies[1]

	if _, err := invoke(p1, owner, logic.OpSetValue, logic.Args{logic.ArgValue: "999"}); err != nil {
		t.Fatalf("owner set value: %v", err)
	}
	if _, err := invoke(p1, stranger, logic.OpSetValue, logic.Args{logic.ArgValue: "1"}); !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := mustValue(t, p1); got != 999 {
		t.Fatalf("proxy1 value=%d want 999", got)
	}
	if got := mustValue(t, p2); got != 200 {
		t.Fatalf("proxy2 value changed to %d", got)
	}
	changed := f.recorder.OfKind(events.KindValueChanged)
	if len(changed) != 1 || changed[0].Emitter != p1.Address() || changed[0].Implementation != implV1 {
		t.Fatalf("unexpected value_changed events: %+v", changed)
	}
}

func TestMixedCaseOwnerRoundTrips(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	mixed := identity.Address("Owner.O")
	p, err := New(identity.New(), f.beacon, f.registry, f.bus, 7, mixed)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	got, err := p.Owner(context.Background())
	if err != nil || got != mixed {
		t.Fatalf("owner=%q err=%v want %q", got, err, mixed)
	}
	if _, err := invoke(p, mixed, logic.OpSetValue, logic.Args{logic.ArgValue: "8"}); err != nil {
		t.Fatalf("set value by constructing owner: %v", err)
	}
	if _, err := invoke(p, identity.Address("owner.o"), logic.OpSetValue, logic.Args{logic.ArgValue: "9"}); !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("case-folded caller must not authorize, got %v", err)
	}
	if got := mustValue(t, p); got != 8 {
		t.Fatalf("value=%d want 8", got)
	}
}

func TestBeaconAndProxyAgreeOnInvalidOwner(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	bad := identity.Address("owner@o")
	if _, err := beacon.New(identity.Address("beacon.2"), implV1, bad, f.registry, f.bus); !errors.Is(err, logic.ErrInvalidOwner) {
		t.Fatalf("beacon: expected ErrInvalidOwner, got %v", err)
	}
	if _, err := New(identity.New(), f.beacon, f.registry, f.bus, 1, bad); !errors.Is(err, logic.ErrInvalidOwner) {
		t.Fatalf("proxy: expected ErrInvalidOwner, got %v", err)
	}
	if err := f.beacon.TransferOwnership(owner, bad); !errors.Is(err, logic.ErrInvalidOwner) {
		t.Fatalf("beacon transfer: expected ErrInvalidOwner, got %v", err)
	}
}

func TestReinitializeFails(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100)
	_, err := invoke(f.proxies[0], owner, logic.OpInitialize, logic.InitArgs(1, stranger))
	if !errors.Is(err, logic.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if got, _ := f.proxies[0].Owner(context.Background()); got != owner {
		t.Fatalf("owner changed after failed initialize: %s", got)
	}
}

func TestValuesPreservedAcrossUpgrade(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100, 200, 300)
	if _, err := invoke(f.proxies[0], owner, logic.OpSetValue, logic.Args{logic.ArgValue: "150"}); err != nil {
		t.Fatalf("set value: %v", err)
	}
	before := make([]uint64, len(f.proxies))
	for i, p := range f.proxies {
		before[i] = mustValue(t, p)
	}
	f.upgrade(t)
	for i, p := range f.proxies {
		if got := mustValue(t, p); got != before[i] {
			t.Fatalf("proxy %d: value %d changed to %d across upgrade", i, before[i], got)
		}
		if st, _ := p.State(); st != StateExtendedUnmigrated {
			t.Fatalf("proxy %d: state=%s", i, st)
		}
	}
}

func TestBaseRejectsExtendedOperationsUntilUpgrade(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100)
	if _, err := f.proxies[0].Version(context.Background()); !errors.Is(err, logic.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation under base, got %v", err)
	}
	if _, err := invoke(f.proxies[0], owner, "selfDestruct", nil); !errors.Is(err, logic.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation for unknown op, got %v", err)
	}
	if _, err := invoke(f.proxies[0], owner, "  ", nil); !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}

func TestMigrateOneProxyOthersStayUnmigrated(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100, 200, 300)
	f.upgrade(t)
	ctx := context.Background()

	if _, err := invoke(f.proxies[0], owner, logic.OpMigrateToV2, nil); err != nil {
		t.Fatalf("migrate proxy1: %v", err)
	}
	if v, err := f.proxies[0].Version(ctx); err != nil || v != 2 {
		t.Fatalf("proxy1 version=%d err=%v", v, err)
	}
	if n, err := f.proxies[0].HistoryCount(ctx); err != nil || n != 1 {
		t.Fatalf("proxy1 history count=%d err=%v", n, err)
	}
	if st, _ := f.proxies[0].State(); st != StateMigrated {
		t.Fatalf("proxy1 state=%s", st)
	}

	for i, p := range f.proxies[1:] {
		v, err := p.Version(ctx)
		if err != nil {
			t.Fatalf("proxy %d version: %v", i+2, err)
		}
		if v == 2 {
			t.Fatalf("proxy %d reports version 2 without migrating", i+2)
		}
		if _, err := p.HistoryCount(ctx); !errors.Is(err, logic.ErrNotMigrated) {
			t.Fatalf("proxy %d: expected ErrNotMigrated for history count, got %v", i+2, err)
		}
		if _, err := p.ValueFromHistory(ctx, 0); !errors.Is(err, logic.ErrNotMigrated) {
			t.Fatalf("proxy %d: expected ErrNotMigrated for history read, got %v", i+2, err)
		}
		if st, _ := p.State(); st != StateExtendedUnmigrated {
			t.Fatalf("proxy %d state=%s", i+2, st)
		}
	}
}

func TestMigrateTwiceFailsAndKeepsRecord(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100)
	f.upgrade(t)
	p := f.proxies[0]
	if _, err := invoke(p, owner, logic.OpMigrateToV2, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := invoke(p, owner, logic.OpIncrement, nil); err != nil {
		t.Fatalf("increment: %v", err)
	}
	before := p.Record()
	if _, err := invoke(p, owner, logic.OpMigrateToV2, nil); !errors.Is(err, logic.ErrAlreadyMigrated) {
		t.Fatalf("expected ErrAlreadyMigrated, got %v", err)
	}
	after := p.Record()
	if after.HistoryCount != before.HistoryCount || after.Value != before.Value {
		t.Fatalf("failed migration changed record: before=%+v after=%+v", before, after)
	}
	if n := len(f.recorder.OfKind(events.KindMigrated)); n != 1 {
		t.Fatalf("expected exactly 1 migrated event, got %d", n)
	}
}

func TestIncrementTwiceAfterMigration(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 100)
	f.upgrade(t)
	p := f.proxies[0]
	ctx := context.Background()
	if _, err := invoke(p, owner, logic.OpMigrateToV2, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := invoke(p, owner, logic.OpIncrement, nil); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if got := mustValue(t, p); got != 102 {
		t.Fatalf("value=%d want 102", got)
	}
	if n, _ := p.HistoryCount(ctx); n != 3 {
		t.Fatalf("history count=%d want 3", n)
	}
	for i, want := range []uint64{100, 101, 102} {
		got, err := p.ValueFromHistory(ctx, uint64(i))
		if err != nil || got != want {
			t.Fatalf("history[%d]=%d err=%v want %d", i, got, err, want)
		}
	}
	for _, idx := range []uint64{3, 4, 1 << 40} {
		if _, err := p.ValueFromHistory(ctx, idx); !errors.Is(err, logic.ErrIndexOutOfRange) {
			t.Fatalf("history[%d]: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
}

func TestFailedCallDiscardsEvents(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 0)
	f.upgrade(t)
	p := f.proxies[0]
	if _, err := invoke(p, owner, logic.OpMigrateToV2, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	before := len(f.recorder.Events())
	if _, err := invoke(p, owner, logic.OpDecrement, nil); !errors.Is(err, logic.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	if after := len(f.recorder.Events()); after != before {
		t.Fatalf("failed call published %d events", after-before)
	}
	if rec := p.Record(); rec.Value != 0 || rec.HistoryCount != 1 {
		t.Fatalf("failed call changed record: %+v", rec)
	}
}

func TestNewProxyAfterUpgradeStartsMigrated(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.upgrade(t)
	p, err := New(identity.New(), f.beacon, f.registry, f.bus, 7, owner)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	if st, _ := p.State(); st != StateMigrated {
		t.Fatalf("state=%s want migrated", st)
	}
	if _, err := invoke(p, owner, logic.OpMigrateToV2, nil); !errors.Is(err, logic.ErrAlreadyMigrated) {
		t.Fatalf("expected ErrAlreadyMigrated, got %v", err)
	}
}

func TestCancelledContextIsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.proxies[0].Value(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRestoreRequiresInitializedRecord(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 5)
	rec := f.proxies[0].Record()
	p, err := Restore(identity.New(), f.beacon, f.registry, f.bus, rec)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := mustValue(t, p); got != 5 {
		t.Fatalf("restored value=%d", got)
	}
	rec.Initialized = false
	if _, err := Restore(identity.New(), f.beacon, f.registry, f.bus, rec); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
}
