// Package base is the version 1 logic variant: value and owner only.
package base

import (
	"strings"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
	"github.com/danmuck/beaconctl/internal/logic"
)

const (
	// Name is the canonical variant name for the version 1 logic.
	Name    = "base"
	Version = 1
)

// Layout is the record prefix this variant reads and writes.
var Layout = layout.New("record.v1",
	layout.F("initialized", layout.KindBool),
	layout.F("value", layout.KindUint64),
	layout.F("owner", layout.KindAddress),
)

// Logic is the Base implementation.
type Logic struct {
	id identity.Address
}

// New binds the Base implementation to id.
func New(id identity.Address) logic.Implementation {
	return &Logic{id: id}
}

// Metadata returns stable identity and layout details.
func (l *Logic) Metadata() logic.Metadata {
	return logic.Metadata{
		ID:          l.id,
		Name:        Name,
		Description: "Owned single value store",
		Version:     Version,
		Layout:      Layout,
	}
}

// Operations returns supported operations.
func (l *Logic) Operations() []logic.OperationSpec {
	return []logic.OperationSpec{
		{Name: logic.OpInitialize, Description: "set value and owner once"},
		{Name: logic.OpGetValue, Description: "read value", View: true},
		{Name: logic.OpSetValue, Description: "owner overwrites value"},
		{Name: logic.OpGetOwner, Description: "read owner", View: true},
		{Name: logic.OpTransferOwnership, Description: "owner reassigns owner"},
	}
}

// Execute applies one operation to the call's record.
func (l *Logic) Execute(call *logic.Call, op string, args logic.Args) (logic.Result, error) {
	switch strings.TrimSpace(op) {
	case logic.OpInitialize:
		if err := logic.InitializeCore(call, args); err != nil {
			return logic.None(), err
		}
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
		logic.WriteValue(call, v)
		return logic.None(), nil
	case logic.OpGetOwner:
		return logic.GetOwner(call), nil
	case logic.OpTransferOwnership:
		if err := logic.TransferOwnership(call, args); err != nil {
			return logic.None(), err
		}
		return logic.None(), nil
	default:
		return logic.None(), logic.UnknownOperation(l.Metadata(), op)
	}
}
