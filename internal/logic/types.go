package logic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
	"github.com/danmuck/beaconctl/internal/record"
)

// Operation names understood by at least one variant.
const (
	OpInitialize          = "initialize"
	OpGetValue            = "getValue"
	OpSetValue            = "setValue"
	OpGetOwner            = "getOwner"
	OpTransferOwnership   = "transferOwnership"
	OpGetVersion          = "getVersion"
	OpIncrement           = "increment"
	OpDecrement           = "decrement"
	OpGetValueFromHistory = "getValueFromHistory"
	OpGetHistoryCount     = "getHistoryCount"
	OpMigrateToV2         = "migrateToV2"
)

// Argument keys.
const (
	ArgValue = "value"
	ArgOwner = "owner"
	ArgIndex = "index"
)

// CoreOperations is the capability set every implementation must expose.
var CoreOperations = []string{OpGetValue, OpSetValue, OpGetOwner, OpTransferOwnership}

// Metadata identifies one registered implementation.
type Metadata struct {
	ID          identity.Address
	Name        string
	Description string
	Version     uint64
	Layout      layout.Layout
}

// OperationSpec describes one operation an implementation handles.
type OperationSpec struct {
	Name        string
	Description string
	View        bool
}

// Implementation is the stateless behavior boundary proxies dispatch into.
type Implementation interface {
	Metadata() Metadata
	Operations() []OperationSpec
	Execute(call *Call, op string, args Args) (Result, error)
}

// Factory builds an implementation bound to an id.
type Factory func(id identity.Address) Implementation

// ResultKind says which Result field carries the answer.
type ResultKind string

const (
	ResultNone    ResultKind = "none"
	ResultUint    ResultKind = "uint"
	ResultAddress ResultKind = "address"
)

// Result is the outcome of one operation.
type Result struct {
	Kind    ResultKind       `json:"kind"`
	Uint    uint64           `json:"uint,omitempty"`
	Address identity.Address `json:"address,omitempty"`
}

func None() Result {
	return Result{Kind: ResultNone}
}

func Uint(v uint64) Result {
	return Result{Kind: ResultUint, Uint: v}
}

func Addr(a identity.Address) Result {
	return Result{Kind: ResultAddress, Address: a}
}

func (r Result) String() string {
	switch r.Kind {
	case ResultUint:
		return strconv.FormatUint(r.Uint, 10)
	case ResultAddress:
		return r.Address.String()
	default:
		return ""
	}
}

// Args are string-encoded operation arguments.
type Args map[string]string

// Uint parses a required unsigned argument.
func (a Args) Uint(key string) (uint64, error) {
	raw, ok := a[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidArgument, key)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an unsigned integer", ErrInvalidArgument, key, raw)
	}
	return v, nil
}

// Address parses an address argument. A missing key yields Null.
func (a Args) Address(key string) (identity.Address, error) {
	v, err := identity.Parse(a[key])
	if err != nil {
		return identity.Null, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
	}
	return v, nil
}

// Call is the mutable context of one dispatched operation.
type Call struct {
	Caller identity.Address
	Record *record.Record

	emitted []events.Event
}

// NewCall binds a caller to a working record.
func NewCall(caller identity.Address, rec *record.Record) *Call {
	return &Call{Caller: caller, Record: rec}
}

// Emit buffers a notification; the proxy publishes it only on commit.
func (c *Call) Emit(evt events.Event) {
	c.emitted = append(c.emitted, evt)
}

// Events returns the buffered notifications.
func (c *Call) Events() []events.Event {
	out := make([]events.Event, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// HasOperation reports whether impl lists op.
func HasOperation(impl Implementation, op string) bool {
	for _, spec := range impl.Operations() {
		if spec.Name == op {
			return true
		}
	}
	return false
}

// IsView reports whether op is a read-only operation of impl.
func IsView(impl Implementation, op string) bool {
	for _, spec := range impl.Operations() {
		if spec.Name == op {
			return spec.View
		}
	}
	return false
}

// UnknownOperation is the error every variant returns for an unlisted op.
func UnknownOperation(meta Metadata, op string) error {
	return fmt.Errorf("%w: %q is not handled by %s v%d", ErrUnknownOperation, op, meta.Name, meta.Version)
}
