package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/logic/base"
	"github.com/danmuck/beaconctl/internal/logic/extended"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/danmuck/beaconctl/internal/testutil/testlog"
)

const owner = identity.Address("owner.o")

func sequentialAddresses() func() identity.Address {
	n := 0
	return func() identity.Address {
		n++
		return identity.Address(fmt.Sprintf("addr.%d", n))
	}
}

func catalog() map[string]logic.Factory {
	return map[string]logic.Factory{base.Name: base.New, extended.Name: extended.New}
}

func TestDeployAndInvokeThroughLedger(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := New(WithAddressSource(sequentialAddresses()))

	implID, err := l.DeployImplementation(ctx, base.New)
	if err != nil {
		t.Fatalf("deploy implementation: %v", err)
	}
	if implID != "addr.1" {
		t.Fatalf("unexpected implementation address: %s", implID)
	}
	b, err := l.DeployBeacon(ctx, implID, owner)
	if err != nil {
		t.Fatalf("deploy beacon: %v", err)
	}
	p, err := l.DeployProxy(ctx, b.Address(), 10, owner)
	if err != nil {
		t.Fatalf("deploy proxy: %v", err)
	}
	if _, err := l.Invoke(ctx, p.Address(), proxy.Call{
		Operation: logic.OpSetValue,
		Args:      logic.Args{logic.ArgValue: "11"},
		Caller:    owner,
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	res, err := l.Invoke(ctx, p.Address(), proxy.Call{Operation: logic.OpGetValue})
	if err != nil || res.Uint != 11 {
		t.Fatalf("get value=%d err=%v", res.Uint, err)
	}
	if _, err := l.Invoke(ctx, identity.Address("addr.missing"), proxy.Call{Operation: logic.OpGetValue}); !errors.Is(err, ErrProxyNotFound) {
		t.Fatalf("expected ErrProxyNotFound, got %v", err)
	}
	if _, err := l.DeployProxy(ctx, identity.Address("addr.missing"), 1, owner); !errors.Is(err, ErrBeaconNotFound) {
		t.Fatalf("expected ErrBeaconNotFound, got %v", err)
	}
	if got := l.ProxiesOf(b.Address()); len(got) != 1 || got[0] != p.Address() {
		t.Fatalf("unexpected proxies of beacon: %v", got)
	}
}

func TestSubmissionsAreSerialized(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := New()
	implID, err := l.DeployImplementation(ctx, extended.New)
	if err != nil {
		t.Fatalf("deploy implementation: %v", err)
	}
	b, err := l.DeployBeacon(ctx, implID, owner)
	if err != nil {
		t.Fatalf("deploy beacon: %v", err)
	}
	p, err := l.DeployProxy(ctx, b.Address(), 0, owner)
	if err != nil {
		t.Fatalf("deploy proxy: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Invoke(ctx, p.Address(), proxy.Call{Operation: logic.OpIncrement, Caller: owner})
		}()
	}
	wg.Wait()

	rec := p.Record()
	if rec.Value != 50 || rec.HistoryCount != 51 {
		t.Fatalf("expected value=50 history=51, got value=%d history=%d", rec.Value, rec.HistoryCount)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := New()
	v1, err := l.DeployImplementation(ctx, base.New)
	if err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	b, err := l.DeployBeacon(ctx, v1, owner)
	if err != nil {
		t.Fatalf("deploy beacon: %v", err)
	}
	p1, _ := l.DeployProxy(ctx, b.Address(), 100, owner)
	p2, _ := l.DeployProxy(ctx, b.Address(), 200, owner)

	v2, err := l.DeployImplementation(ctx, extended.New)
	if err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if err := l.Upgrade(ctx, b.Address(), owner, v2); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if _, err := l.Invoke(ctx, p1.Address(), proxy.Call{Operation: logic.OpMigrateToV2, Caller: owner}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := Restore(ctx, snap, catalog())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	rb, err := restored.Beacon(b.Address())
	if err != nil || rb.Implementation() != v2 {
		t.Fatalf("restored beacon impl=%v err=%v", rb, err)
	}
	rp1, err := restored.Proxy(p1.Address())
	if err != nil {
		t.Fatalf("restored proxy1: %v", err)
	}
	if st, _ := rp1.State(); st != proxy.StateMigrated {
		t.Fatalf("restored proxy1 state=%s", st)
	}
	rp2, err := restored.Proxy(p2.Address())
	if err != nil {
		t.Fatalf("restored proxy2: %v", err)
	}
	if st, _ := rp2.State(); st != proxy.StateExtendedUnmigrated {
		t.Fatalf("restored proxy2 state=%s", st)
	}
	if v, _ := rp2.Value(ctx); v != 200 {
		t.Fatalf("restored proxy2 value=%d", v)
	}
	order := restored.Proxies()
	if len(order) != 2 || order[0].Address() != p1.Address() {
		t.Fatalf("deployment order not preserved")
	}
}

func TestRestoreRejectsUnknownVariantAndFingerprintDrift(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	snap := Snapshot{Implementations: []ImplementationSnapshot{{ID: "impl.x", Name: "mystery", Version: 1}}}
	if _, err := Restore(ctx, snap, catalog()); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	snap = Snapshot{Implementations: []ImplementationSnapshot{{ID: "impl.x", Name: base.Name, Version: 1, Fingerprint: "deadbeef"}}}
	if _, err := Restore(ctx, snap, catalog()); !errors.Is(err, logic.ErrInvalidImplementation) {
		t.Fatalf("expected ErrInvalidImplementation, got %v", err)
	}
}

func TestSubmitHonorsCancelledContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().Submit(ctx, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancelled submit to skip fn, err=%v called=%v", err, called)
	}
}

func deployBase(t *testing.T, l *Ledger, values ...uint64) (identity.Address, []*proxy.Proxy) {
	t.Helper()
	ctx := context.Background()
	implID, err := l.DeployImplementation(ctx, base.New)
	if err != nil {
		t.Fatalf("deploy implementation: %v", err)
	}
	b, err := l.DeployBeacon(ctx, implID, owner)
	if err != nil {
		t.Fatalf("deploy beacon: %v", err)
	}
	proxies := make([]*proxy.Proxy, 0, len(values))
	for _, v := range values {
		p, err := l.DeployProxy(ctx, b.Address(), v, owner)
		if err != nil {
			t.Fatalf("deploy proxy: %v", err)
		}
		proxies = append(proxies, p)
	}
	return b.Address(), proxies
}

func TestPersistSavesInMutationOrder(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := New()
	_, proxies := deployBase(t, l, 0)
	p := proxies[0]

	var (
		mu    sync.Mutex
		saved []uint64
	)
	firstSaving := make(chan struct{})
	var once sync.Once
	save := func(_ context.Context, snap Snapshot) error {
		v := snap.Proxies[0].Record.Value
		if v == 1 {
			once.Do(func() { close(firstSaving) })
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		saved = append(saved, v)
		mu.Unlock()
		return nil
	}
	write := func(v uint64) error {
		if _, err := l.Invoke(ctx, p.Address(), proxy.Call{
			Operation: logic.OpSetValue,
			Args:      logic.Args{logic.ArgValue: strconv.FormatUint(v, 10)},
			Caller:    owner,
		}); err != nil {
			return err
		}
		return l.Persist(ctx, save)
	}

	errs := make(chan error, 2)
	go func() { errs <- write(1) }()
	go func() {
		<-firstSaving
		errs <- write(2)
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	inMemory := p.Record().Value
	mu.Lock()
	defer mu.Unlock()
	if len(saved) != 2 || saved[len(saved)-1] != inMemory {
		t.Fatalf("saves %v do not end at in-memory value %d", saved, inMemory)
	}
}

func TestDeployAndUpgradeRejectsCallerWithoutRegistering(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := New()
	beaconAddr, _ := deployBase(t, l, 1)
	b, _ := l.Beacon(beaconAddr)
	v1 := b.Implementation()

	if _, _, err := l.DeployAndUpgrade(ctx, beaconAddr, identity.Address("user.u"), extended.New); !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := len(l.Registry().ListMetadata()); n != 1 || b.Implementation() != v1 {
		t.Fatalf("rejected upgrade changed state: implementations=%d current=%s", n, b.Implementation())
	}

	prev, next, err := l.DeployAndUpgrade(ctx, beaconAddr, owner, extended.New)
	if err != nil {
		t.Fatalf("deploy and upgrade: %v", err)
	}
	if prev != v1 || next.IsNull() || b.Implementation() != next {
		t.Fatalf("prev=%s next=%s current=%s", prev, next, b.Implementation())
	}
	if _, _, err := l.DeployAndUpgrade(ctx, identity.Address("beacon.missing"), owner, extended.New); !errors.Is(err, ErrBeaconNotFound) {
		t.Fatalf("expected ErrBeaconNotFound, got %v", err)
	}
}

func TestUpgradeRacingOwnershipTransferLeavesNoOrphan(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	successor := identity.Address("owner.next")
	for i := 0; i < 20; i++ {
		l := New()
		beaconAddr, _ := deployBase(t, l)
		b, _ := l.Beacon(beaconAddr)
		v1 := b.Implementation()

		var (
			wg         sync.WaitGroup
			upgradeErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, upgradeErr = l.DeployAndUpgrade(ctx, beaconAddr, owner, extended.New)
		}()
		go func() {
			defer wg.Done()
			if err := l.TransferBeaconOwnership(ctx, beaconAddr, owner, successor); err != nil {
				t.Errorf("transfer: %v", err)
			}
		}()
		wg.Wait()

		registered := len(l.Registry().ListMetadata())
		switch {
		case upgradeErr == nil:
			if registered != 2 || b.Implementation() == v1 {
				t.Fatalf("upgrade succeeded but registered=%d current=%s", registered, b.Implementation())
			}
		case errors.Is(upgradeErr, logic.ErrUnauthorized):
			if registered != 1 || b.Implementation() != v1 {
				t.Fatalf("upgrade rejected but registered=%d current=%s", registered, b.Implementation())
			}
		default:
			t.Fatalf("unexpected upgrade error: %v", upgradeErr)
		}
		if b.Owner() != successor {
			t.Fatalf("owner=%s want %s", b.Owner(), successor)
		}
	}
}

func TestTransferBeaconOwnershipRequiresKnownBeacon(t *testing.T) {
	testlog.Start(t)
	l := New()
	err := l.TransferBeaconOwnership(context.Background(), identity.Address("beacon.missing"), owner, owner)
	if !errors.Is(err, ErrBeaconNotFound) {
		t.Fatalf("expected ErrBeaconNotFound, got %v", err)
	}
}
