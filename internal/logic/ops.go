package logic

import (
	"fmt"
	"strconv"

	"github.com/danmuck/beaconctl/internal/auth"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
)

// InitializeCore sets value and owner exactly once.
func InitializeCore(call *Call, args Args) error {
	rec := call.Record
	if rec.Initialized {
		return fmt.Errorf("%w: owner=%s value=%d", ErrAlreadyInitialized, rec.Owner, rec.Value)
	}
	value, err := args.Uint(ArgValue)
	if err != nil {
		return err
	}
	owner, err := args.Address(ArgOwner)
	if err != nil {
		return err
	}
	if owner.IsNull() {
		return fmt.Errorf("%w: owner is null", ErrInvalidOwner)
	}
	rec.Initialized = true
	rec.Value = value
	rec.Owner = owner
	call.Emit(events.Event{Kind: events.KindInitialized, Value: value, Next: owner})
	return nil
}

func GetValue(call *Call) Result {
	return Uint(call.Record.Value)
}

func GetOwner(call *Call) Result {
	return Addr(call.Record.Owner)
}

// RequireOwner fails unless the caller owns the record.
func RequireOwner(call *Call) error {
	return auth.RequireOwner(call.Caller, call.Record.Owner)
}

// WriteValue overwrites the stored value and emits value_changed.
func WriteValue(call *Call, v uint64) {
	call.Record.Value = v
	call.Emit(events.Event{Kind: events.KindValueChanged, Value: v})
}

// TransferOwnership reassigns the record owner.
func TransferOwnership(call *Call, args Args) error {
	if err := RequireOwner(call); err != nil {
		return err
	}
	next, err := args.Address(ArgOwner)
	if err != nil {
		return err
	}
	if next.IsNull() {
		return fmt.Errorf("%w: new owner is null", ErrInvalidOwner)
	}
	prev := call.Record.Owner
	call.Record.Owner = next
	call.Emit(events.Event{Kind: events.KindOwnershipTransferred, Previous: prev, Next: next})
	return nil
}

// InitArgs builds initialize arguments.
func InitArgs(value uint64, owner identity.Address) Args {
	return Args{ArgValue: strconv.FormatUint(value, 10), ArgOwner: string(owner)}
}
