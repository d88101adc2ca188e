// Package upgrade drives the shared-upgrade life cycle: register a new
// implementation, repoint the beacon, then migrate proxies one at a time.
//
// Migration is per proxy and never rolled back. A failure on one proxy is
// recorded in the report and the batch moves on.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/logic/extended"
	"github.com/danmuck/beaconctl/internal/observability"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidRequest = errors.New("upgrade: invalid request")

// Status is the result of migrating one proxy.
type Status string

const (
	StatusMigrated        Status = "migrated"
	StatusAlreadyMigrated Status = "already_migrated"
	StatusFailed          Status = "failed"
	StatusSkipped         Status = "skipped"
)

// Outcome is the per-proxy entry of a Report.
type Outcome struct {
	Status  Status
	Message string
	Err     error `json:"-"`
}

// Request names the beacon to upgrade and the proxies to migrate afterwards.
// With All set, every proxy bound to the beacon is migrated and Proxies is
// ignored.
type Request struct {
	Beacon  identity.Address
	Caller  identity.Address
	Proxies []identity.Address
	All     bool
}

// Validate enforces request fields required before anything is mutated.
func (r Request) Validate() error {
	if r.Beacon.IsNull() {
		return fmt.Errorf("%w: missing beacon", ErrInvalidRequest)
	}
	return nil
}

// Report summarizes one run.
type Report struct {
	RunID          string
	Beacon         identity.Address
	Previous       identity.Address
	Implementation identity.Address
	Outcomes       map[identity.Address]Outcome
	Order          []identity.Address
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Counts tallies outcomes by status.
func (r Report) Counts() map[Status]int {
	out := make(map[Status]int, 4)
	for _, o := range r.Outcomes {
		out[o.Status]++
	}
	return out
}

// Complete reports whether every listed proxy ended migrated.
func (r Report) Complete() bool {
	for _, o := range r.Outcomes {
		if o.Status != StatusMigrated && o.Status != StatusAlreadyMigrated {
			return false
		}
	}
	return true
}

// Pending returns proxies that failed or were skipped, in run order.
func (r Report) Pending() []identity.Address {
	out := make([]identity.Address, 0)
	for _, addr := range r.Order {
		switch r.Outcomes[addr].Status {
		case StatusFailed, StatusSkipped:
			out = append(out, addr)
		}
	}
	return out
}

// Orchestrator runs upgrades against one ledger.
type Orchestrator struct {
	ledger  *ledger.Ledger
	factory logic.Factory
	now     func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithFactory replaces the implementation registered by Run.
func WithFactory(f logic.Factory) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.factory = f
		}
	}
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(l *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:  l,
		factory: extended.New,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run registers the new implementation, upgrades the beacon, and migrates
// the requested proxies. Authorization, registration, and the beacon swap
// happen in one ledger submission; a rejected caller gets a
// logic.ErrUnauthorized error, an empty report, and no new registration.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	report := o.newReport(req.Beacon)
	if err := req.Validate(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	prev, next, err := o.ledger.DeployAndUpgrade(ctx, req.Beacon, req.Caller, o.factory)
	if err != nil {
		if errors.Is(err, logic.ErrUnauthorized) {
			observability.RecordUpgrade(logic.Kind(err))
			log.Warn().
				Err(err).
				Str("run", report.RunID).
				Str("beacon", req.Beacon.String()).
				Str("caller", req.Caller.String()).
				Msg("upgrade unauthorized")
		}
		return report, err
	}
	report.Previous = prev
	report.Implementation = next
	log.Info().
		Str("run", report.RunID).
		Str("beacon", req.Beacon.String()).
		Str("previous", prev.String()).
		Str("next", next.String()).
		Msg("upgrade applied")

	o.migrate(ctx, req.Caller, o.targets(req), &report)
	return report, nil
}

// Migrate runs only the migration step, for retrying proxies a previous
// run left pending.
func (o *Orchestrator) Migrate(ctx context.Context, req Request) (Report, error) {
	report := o.newReport(req.Beacon)
	if err := req.Validate(); err != nil {
		return report, err
	}
	b, err := o.ledger.Beacon(req.Beacon)
	if err != nil {
		return report, err
	}
	report.Previous = b.Implementation()
	report.Implementation = report.Previous
	o.migrate(ctx, req.Caller, o.targets(req), &report)
	return report, nil
}

func (o *Orchestrator) newReport(beaconAddr identity.Address) Report {
	return Report{
		RunID:     uuid.NewString(),
		Beacon:    beaconAddr,
		Outcomes:  make(map[identity.Address]Outcome),
		StartedAt: o.now(),
	}
}

func (o *Orchestrator) targets(req Request) []identity.Address {
	if req.All {
		return o.ledger.ProxiesOf(req.Beacon)
	}
	return req.Proxies
}

func (o *Orchestrator) migrate(ctx context.Context, caller identity.Address, targets []identity.Address, report *Report) {
	defer func() { report.FinishedAt = o.now() }()
	for _, addr := range targets {
		if _, seen := report.Outcomes[addr]; seen {
			continue
		}
		report.Order = append(report.Order, addr)
		if err := ctx.Err(); err != nil {
			report.Outcomes[addr] = Outcome{Status: StatusSkipped, Message: err.Error(), Err: err}
			observability.RecordMigration(string(StatusSkipped))
			continue
		}
		outcome := o.migrateOne(ctx, caller, report.Beacon, addr)
		report.Outcomes[addr] = outcome
		observability.RecordMigration(string(outcome.Status))

		ev := log.Info()
		if outcome.Status == StatusFailed {
			ev = log.Warn().Err(outcome.Err)
		}
		ev.Str("run", report.RunID).
			Str("proxy", addr.String()).
			Str("status", string(outcome.Status)).
			Msg("proxy migration")
	}
	counts := report.Counts()
	log.Info().
		Str("run", report.RunID).
		Int("migrated", counts[StatusMigrated]).
		Int("already_migrated", counts[StatusAlreadyMigrated]).
		Int("failed", counts[StatusFailed]).
		Int("skipped", counts[StatusSkipped]).
		Msg("migration batch finished")
}

func (o *Orchestrator) migrateOne(ctx context.Context, caller, beaconAddr, addr identity.Address) Outcome {
	p, err := o.ledger.Proxy(addr)
	if err != nil {
		return failed(err)
	}
	if p.Beacon().Address() != beaconAddr {
		return failed(fmt.Errorf("%w: proxy %s is bound to beacon %s", ErrInvalidRequest, addr, p.Beacon().Address()))
	}
	_, err = o.ledger.Invoke(ctx, addr, proxy.Call{Operation: logic.OpMigrateToV2, Caller: caller})
	switch {
	case err == nil:
		return Outcome{Status: StatusMigrated}
	case errors.Is(err, logic.ErrAlreadyMigrated):
		return Outcome{Status: StatusAlreadyMigrated, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Outcome{Status: StatusSkipped, Message: err.Error(), Err: err}
	default:
		return failed(err)
	}
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Message: err.Error(), Err: err}
}
