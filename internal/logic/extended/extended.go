// Package extended is the version 2 logic variant. It is a strict superset
// of base: it appends version and history fields to the record and adds
// counter, history, and migration operations.
//
// Records that have not run migrateToV2 are served fail-closed: history and
// counter operations return logic.ErrNotMigrated instead of default values.
package extended

import (
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/logic/base"
)

const (
	Name    = "extended"
	Version = 2
)

// Layout appends version and history to the base layout.
var Layout = base.Layout.Extend("record.v2",
	layout.F("version", layout.KindUint64),
	layout.F("history", layout.KindUintSeq),
	layout.F("history_count", layout.KindUint64),
)

// Logic is the Extended implementation.
type Logic struct {
	id identity.Address
}

// New binds the Extended implementation to id.
func New(id identity.Address) logic.Implementation {
	return &Logic{id: id}
}

func (l *Logic) Metadata() logic.Metadata {
	return logic.Metadata{
		ID:          l.id,
		Name:        Name,
		Description: "Owned value store with version tag and value history",
		Version:     Version,
		Layout:      Layout,
	}
}

func (l *Logic) Operations() []logic.OperationSpec {
	return []logic.OperationSpec{
		{Name: logic.OpInitialize, Description: "set value and owner once, seed history"},
		{Name: logic.OpGetValue, Description: "read value", View: true},
		{Name: logic.OpSetValue, Description: "owner overwrites value and appends history"},
		{Name: logic.OpGetOwner, Description: "read owner", View: true},
		{Name: logic.OpTransferOwnership, Description: "owner reassigns owner"},
		{Name: logic.OpGetVersion, Description: "read stored version", View: true},
		{Name: logic.OpIncrement, Description: "owner adds one"},
		{Name: logic.OpDecrement, Description: "owner subtracts one"},
		{Name: logic.OpGetValueFromHistory, Description: "read history entry by index", View: true},
		{Name: logic.OpGetHistoryCount, Description: "read history length", View: true},
		{Name: logic.OpMigrateToV2, Description: "one-shot upgrade of a version 1 record"},
	}
}

func (l *Logic) Execute(call *logic.Call, op string, args logic.Args) (logic.Result, error) {
	rec := call.Record
	switch strings.TrimSpace(op) {
	case logic.OpInitialize:
		if err := logic.InitializeCore(call, args); err != nil {
			return logic.None(), err
		}
		seed(call)
		return logic.None(), nil
	case logic.OpGetValue:
		return logic.GetValue(call), nil
	case logic.OpSetValue:
		if err := logic.RequireOwner(call); err != nil {
			return logic.None(), err
		}
		v, err := args.Uint(logic.ArgValue)
		if err != nil {
			return logic.None(), err
		}
		setValue(call, v)
		return logic.None(), nil
	case logic.OpGetOwner:
		return logic.GetOwner(call), nil
	case logic.OpTransferOwnership:
		if err := logic.TransferOwnership(call, args); err != nil {
			return logic.None(), err
		}
		return logic.None(), nil
	case logic.OpGetVersion:
		return logic.Uint(rec.Version), nil
	case logic.OpIncrement:
		if err := logic.RequireOwner(call); err != nil {
			return logic.None(), err
		}
		if err := requireMigrated(call); err != nil {
			return logic.None(), err
		}
		if rec.Value == math.MaxUint64 {
			return logic.None(), fmt.Errorf("%w: value=%d", logic.ErrOverflow, rec.Value)
		}
		setValue(call, rec.Value+1)
		return logic.Uint(rec.Value), nil
	case logic.OpDecrement:
		if err := logic.RequireOwner(call); err != nil {
			return logic.None(), err
		}
		if err := requireMigrated(call); err != nil {
			return logic.None(), err
		}
		if rec.Value == 0 {
			return logic.None(), fmt.Errorf("%w: cannot decrement value=0", logic.ErrUnderflow)
		}
		setValue(call, rec.Value-1)
		return logic.Uint(rec.Value), nil
	case logic.OpGetValueFromHistory:
		if err := requireMigrated(call); err != nil {
			return logic.None(), err
		}
		idx, err := args.Uint(logic.ArgIndex)
		if err != nil {
			return logic.None(), err
		}
		if idx >= rec.HistoryCount || idx >= uint64(len(rec.History)) {
			return logic.None(), fmt.Errorf("%w: index=%d count=%d", logic.ErrIndexOutOfRange, idx, rec.HistoryCount)
		}
		return logic.Uint(rec.History[idx]), nil
	case logic.OpGetHistoryCount:
		if err := requireMigrated(call); err != nil {
			return logic.None(), err
		}
		return logic.Uint(rec.HistoryCount), nil
	case logic.OpMigrateToV2:
		if rec.Version == Version {
			return logic.None(), fmt.Errorf("%w: version=%d", logic.ErrAlreadyMigrated, rec.Version)
		}
		seed(call)
		call.Emit(events.Event{Kind: events.KindMigrated, Value: rec.Value, Version: Version})
		return logic.Uint(Version), nil
	default:
		return logic.None(), logic.UnknownOperation(l.Metadata(), op)
	}
}

// seed stamps the version and replaces any prior history with the current value.
func seed(call *logic.Call) {
	rec := call.Record
	rec.Version = Version
	rec.History = []uint64{rec.Value}
	rec.HistoryCount = 1
}

// setValue overwrites the value and appends it at index HistoryCount.
func setValue(call *logic.Call, v uint64) {
	logic.WriteValue(call, v)
	rec := call.Record
	if rec.HistoryCount < uint64(len(rec.History)) {
		rec.History[rec.HistoryCount] = v
	} else {
		rec.History = append(rec.History, v)
	}
	rec.HistoryCount++
}

func requireMigrated(call *logic.Call) error {
	if call.Record.Version != Version {
		return fmt.Errorf("%w: version=%d want=%d", logic.ErrNotMigrated, call.Record.Version, Version)
	}
	return nil
}
