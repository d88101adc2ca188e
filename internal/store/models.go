package store

import "time"

// ImplementationRow is one registered logic variant.
type ImplementationRow struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Version     uint64 `gorm:"not null"`
	Fingerprint string `gorm:"not null"`
}

func (ImplementationRow) TableName() string { return "implementations" }

type BeaconRow struct {
	Address        string `gorm:"primaryKey"`
	Implementation string `gorm:"not null"`
	Owner          string `gorm:"not null"`
}

func (BeaconRow) TableName() string { return "beacons" }

// ProxyRow keeps the full record as a CBOR blob. Owner and Version are
// duplicated as columns for lookups.
type ProxyRow struct {
	Address string `gorm:"primaryKey"`
	Seq     uint64 `gorm:"not null;index"`
	Beacon  string `gorm:"not null;index"`
	Owner   string `gorm:"index"`
	Version uint64 `gorm:"not null;default:0"`
	Record  []byte `gorm:"not null"`
}

func (ProxyRow) TableName() string { return "proxies" }

// MigrationRow is one audited per-proxy migration outcome.
type MigrationRow struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	RunID          string    `gorm:"not null;index"`
	Beacon         string    `gorm:"not null"`
	Implementation string    `gorm:"not null"`
	Proxy          string    `gorm:"not null"`
	Status         string    `gorm:"not null"`
	Message        string    `gorm:"not null;default:''"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (MigrationRow) TableName() string { return "migrations" }
