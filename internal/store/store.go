// Package store persists ledger snapshots and the migration audit trail in
// SQLite through gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/beaconctl/internal/beacon"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/record"
	"github.com/danmuck/beaconctl/internal/upgrade"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNoSnapshot    = errors.New("store: no snapshot saved")
	ErrCorruptRecord = errors.New("store: corrupt proxy record")
)

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&ImplementationRow{}, &BeaconRow{}, &ProxyRow{}, &MigrationRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("store opened")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSnapshot replaces the stored entities with snap in one transaction.
// The migration audit trail is left alone.
func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	impls := make([]ImplementationRow, 0, len(snap.Implementations))
	for _, is := range snap.Implementations {
		impls = append(impls, ImplementationRow{
			ID:          string(is.ID),
			Name:        is.Name,
			Version:     is.Version,
			Fingerprint: is.Fingerprint,
		})
	}
	beacons := make([]BeaconRow, 0, len(snap.Beacons))
	for _, bs := range snap.Beacons {
		beacons = append(beacons, BeaconRow{
			Address:        string(bs.Address),
			Implementation: string(bs.Implementation),
			Owner:          string(bs.Owner),
		})
	}
	proxies := make([]ProxyRow, 0, len(snap.Proxies))
	for i, ps := range snap.Proxies {
		blob, err := cbor.Marshal(ps.Record)
		if err != nil {
			return fmt.Errorf("store: encode proxy %s: %w", ps.Address, err)
		}
		proxies = append(proxies, ProxyRow{
			Address: string(ps.Address),
			Seq:     uint64(i),
			Beacon:  string(ps.Beacon),
			Owner:   string(ps.Record.Owner),
			Version: ps.Record.Version,
			Record:  blob,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wipe := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{&ProxyRow{}, &BeaconRow{}, &ImplementationRow{}} {
			if err := wipe.Delete(model).Error; err != nil {
				return err
			}
		}
		if len(impls) > 0 {
			if err := tx.Create(&impls).Error; err != nil {
				return err
			}
		}
		if len(beacons) > 0 {
			if err := tx.Create(&beacons).Error; err != nil {
				return err
			}
		}
		if len(proxies) > 0 {
			if err := tx.Create(&proxies).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	log.Debug().
		Int("implementations", len(impls)).
		Int("beacons", len(beacons)).
		Int("proxies", len(proxies)).
		Msg("snapshot saved")
	return nil
}

// LoadSnapshot reads the stored entities. ErrNoSnapshot is returned when
// nothing has been saved yet.
func (s *Store) LoadSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	var (
		impls   []ImplementationRow
		beacons []BeaconRow
		proxies []ProxyRow
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("version, id").Find(&impls).Error; err != nil {
			return err
		}
		if err := tx.Order("address").Find(&beacons).Error; err != nil {
			return err
		}
		return tx.Order("seq").Find(&proxies).Error
	})
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("store: load snapshot: %w", err)
	}
	if len(impls) == 0 {
		return ledger.Snapshot{}, ErrNoSnapshot
	}

	var snap ledger.Snapshot
	for _, row := range impls {
		snap.Implementations = append(snap.Implementations, ledger.ImplementationSnapshot{
			ID:          identity.Address(row.ID),
			Name:        row.Name,
			Version:     row.Version,
			Fingerprint: row.Fingerprint,
		})
	}
	for _, row := range beacons {
		snap.Beacons = append(snap.Beacons, beacon.Snapshot{
			Address:        identity.Address(row.Address),
			Implementation: identity.Address(row.Implementation),
			Owner:          identity.Address(row.Owner),
		})
	}
	for _, row := range proxies {
		var rec record.Record
		if err := cbor.Unmarshal(row.Record, &rec); err != nil {
			return ledger.Snapshot{}, fmt.Errorf("%w: %s: %w", ErrCorruptRecord, row.Address, err)
		}
		if rec.HistoryCount > uint64(len(rec.History)) {
			return ledger.Snapshot{}, fmt.Errorf("%w: %s: history count %d exceeds %d entries", ErrCorruptRecord, row.Address, rec.HistoryCount, len(rec.History))
		}
		snap.Proxies = append(snap.Proxies, ledger.ProxySnapshot{
			Address: identity.Address(row.Address),
			Beacon:  identity.Address(row.Beacon),
			Record:  rec,
		})
	}
	return snap, nil
}

// RecordMigration appends one row per proxy outcome of report.
func (s *Store) RecordMigration(ctx context.Context, report upgrade.Report) error {
	if len(report.Order) == 0 {
		return nil
	}
	rows := make([]MigrationRow, 0, len(report.Order))
	for _, addr := range report.Order {
		outcome := report.Outcomes[addr]
		rows = append(rows, MigrationRow{
			RunID:          report.RunID,
			Beacon:         string(report.Beacon),
			Implementation: string(report.Implementation),
			Proxy:          string(addr),
			Status:         string(outcome.Status),
			Message:        outcome.Message,
			CreatedAt:      report.FinishedAt,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("store: record migration %s: %w", report.RunID, err)
	}
	return nil
}

// Migrations lists audited outcomes, optionally filtered to one run.
func (s *Store) Migrations(ctx context.Context, runID string) ([]MigrationRow, error) {
	q := s.db.WithContext(ctx).Order("id")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var rows []MigrationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list migrations: %w", err)
	}
	return rows, nil
}
