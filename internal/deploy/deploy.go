// Package deploy stands up the initial topology: one Base implementation,
// one beacon pointing at it, and any number of proxies bound to that beacon.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/logic/base"
	"github.com/danmuck/beaconctl/internal/logic/extended"
	"github.com/rs/zerolog/log"
)

var ErrInvalidPlan = errors.New("deploy: invalid plan")

// ProxySpec is the initial (value, owner) of one proxy.
type ProxySpec struct {
	Value uint64
	Owner identity.Address
}

// Plan describes one deployment.
type Plan struct {
	BeaconOwner identity.Address
	Proxies     []ProxySpec
}

// Validate enforces plan fields required before anything is deployed.
func (p Plan) Validate() error {
	if p.BeaconOwner.IsNull() {
		return fmt.Errorf("%w: beacon owner is null", ErrInvalidPlan)
	}
	for i, spec := range p.Proxies {
		if spec.Owner.IsNull() {
			return fmt.Errorf("%w: proxy %d owner is null", ErrInvalidPlan, i)
		}
	}
	return nil
}

// Deployment holds the handles produced by Deploy.
type Deployment struct {
	Implementation identity.Address
	Beacon         identity.Address
	Proxies        []identity.Address
}

// Catalog maps variant names to factories for snapshot restore.
func Catalog() map[string]logic.Factory {
	return map[string]logic.Factory{
		base.Name:     base.New,
		extended.Name: extended.New,
	}
}

// Deploy registers Base, deploys a beacon owned by plan.BeaconOwner, and one
// proxy per plan entry, in order.
func Deploy(ctx context.Context, l *ledger.Ledger, plan Plan) (Deployment, error) {
	if l == nil {
		return Deployment{}, fmt.Errorf("%w: ledger is required", ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return Deployment{}, err
	}

	implID, err := l.DeployImplementation(ctx, base.New)
	if err != nil {
		return Deployment{}, fmt.Errorf("deploy implementation: %w", err)
	}
	b, err := l.DeployBeacon(ctx, implID, plan.BeaconOwner)
	if err != nil {
		return Deployment{}, fmt.Errorf("deploy beacon: %w", err)
	}

	out := Deployment{
		Implementation: implID,
		Beacon:         b.Address(),
		Proxies:        make([]identity.Address, 0, len(plan.Proxies)),
	}
	for i, spec := range plan.Proxies {
		p, err := l.DeployProxy(ctx, b.Address(), spec.Value, spec.Owner)
		if err != nil {
			return out, fmt.Errorf("deploy proxy %d: %w", i, err)
		}
		out.Proxies = append(out.Proxies, p.Address())
	}
	log.Info().
		Str("implementation", out.Implementation.String()).
		Str("beacon", out.Beacon.String()).
		Int("proxies", len(out.Proxies)).
		Msg("deployment complete")
	return out, nil
}
