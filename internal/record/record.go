// Package record defines the versioned storage record owned by one proxy.
//
// Field order is load-bearing: every logic variant addresses the record by
// slot, so fields are only ever appended. Check runs at startup and fails
// if the struct drifted from the layouts the variants declare.
package record

import (
	"reflect"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
)

// Record is the persistent state of one proxy instance.
type Record struct {
	Initialized  bool             `layout:"initialized,bool"`
	Value        uint64           `layout:"value,uint64"`
	Owner        identity.Address `layout:"owner,address"`
	Version      uint64           `layout:"version,uint64"`
	History      []uint64         `layout:"history,uint64[]"`
	HistoryCount uint64           `layout:"history_count,uint64"`
}

// Clone returns a deep copy suitable for use as a transaction working set.
func (r Record) Clone() Record {
	out := r
	if r.History != nil {
		out.History = make([]uint64, len(r.History))
		copy(out.History, r.History)
	}
	return out
}

// ValidHistory returns the first HistoryCount entries.
func (r Record) ValidHistory() []uint64 {
	n := r.HistoryCount
	if n > uint64(len(r.History)) {
		n = uint64(len(r.History))
	}
	out := make([]uint64, n)
	copy(out, r.History[:n])
	return out
}

// Layout describes the record as implemented by the Go struct.
func Layout() (layout.Layout, error) {
	return layout.Describe("record", reflect.TypeOf(Record{}))
}

// Check verifies that each declared layout is an append-only prefix of the
// record struct.
func Check(declared ...layout.Layout) error {
	for _, l := range declared {
		if err := layout.VerifyStruct(l, reflect.TypeOf(Record{})); err != nil {
			return err
		}
	}
	return nil
}
