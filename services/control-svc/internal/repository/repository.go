// Package repository provides the postgres persistence layer of the control
// service: network topology, gate state, deliveries with their hydrographs,
// volumetric accounting and transition snapshots.
//
// # Conventions
//
// Every method opens a telemetry span and wraps failures with context. A
// missing row is returned as (nil, nil); callers decide whether absence is
// an error. Week keys are stored as (week_year, week_num) ISO pairs.
package repository

import (
	"hydronet/pkg/database"
)

// Максимум строк в выборках списков
const maxListLimit = 1000

// Repositories bundles the aggregate repositories over one connection pool.
type Repositories struct {
	Network    *NetworkRepo
	Gates      *GateRepo
	Accounting *AccountingRepo
	Snapshots  *SnapshotRepo
	Timeseries *TimeseriesRepo
}

// New creates the repository set.
func New(db database.DB) *Repositories {
	return &Repositories{
		Network:    &NetworkRepo{db: db},
		Gates:      &GateRepo{db: db},
		Accounting: &AccountingRepo{db: db},
		Snapshots:  &SnapshotRepo{db: db},
		Timeseries: &TimeseriesRepo{db: db},
	}
}
