// Package layout describes storage record layouts and enforces that
// successive logic versions only ever append fields.
//
// A Layout is the ordered field list a logic variant reads and writes.
// Slots are positional. Two variants may share a record only when the older
// layout is a strict prefix of the newer one.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrLayoutMismatch = errors.New("layout: mismatch")
	ErrInvalidLayout  = errors.New("layout: invalid layout")
)

// Kind is the storage type of one field.
type Kind string

const (
	KindBool    Kind = "bool"
	KindUint64  Kind = "uint64"
	KindAddress Kind = "address"
	KindUintSeq Kind = "uint64[]"
)

// Field is one positional storage slot.
type Field struct {
	Slot int    `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Kind Kind   `cbor:"3,keyasint"`

	// Offset is the byte offset inside the backing Go struct. It is only
	// populated by Describe and is not part of the fingerprint.
	Offset uintptr `cbor:"-"`
}

// Layout is an ordered set of fields.
type Layout struct {
	Name   string  `cbor:"-"`
	Fields []Field `cbor:"1,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("layout: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// New builds a layout from field name/kind pairs, assigning slots in order.
func New(name string, fields ...Field) Layout {
	out := Layout{Name: name, Fields: make([]Field, len(fields))}
	for i, f := range fields {
		f.Slot = i
		out.Fields[i] = f
	}
	return out
}

// F is shorthand for a field declaration.
func F(name string, kind Kind) Field {
	return Field{Name: name, Kind: kind}
}

// Extend returns a copy of l with fields appended after the existing ones.
func (l Layout) Extend(name string, fields ...Field) Layout {
	all := make([]Field, 0, len(l.Fields)+len(fields))
	for _, f := range l.Fields {
		all = append(all, Field{Name: f.Name, Kind: f.Kind})
	}
	all = append(all, fields...)
	return New(name, all...)
}

// Validate checks that slots are dense and names are unique and non-empty.
func (l Layout) Validate() error {
	seen := make(map[string]struct{}, len(l.Fields))
	for i, f := range l.Fields {
		if f.Slot != i {
			return fmt.Errorf("%w: field %q has slot %d at position %d", ErrInvalidLayout, f.Name, f.Slot, i)
		}
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("%w: slot %d has no name", ErrInvalidLayout, i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidLayout, name)
		}
		seen[name] = struct{}{}
		switch f.Kind {
		case KindBool, KindUint64, KindAddress, KindUintSeq:
		default:
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrInvalidLayout, name, f.Kind)
		}
	}
	return nil
}

// Fingerprint is the hex sha256 of the canonical CBOR encoding of the field list.
func (l Layout) Fingerprint() (string, error) {
	data, err := encMode.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("layout: encode %q: %w", l.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Prefix returns the first n fields of l as a layout.
func (l Layout) Prefix(n int) Layout {
	if n > len(l.Fields) {
		n = len(l.Fields)
	}
	out := Layout{Name: l.Name, Fields: make([]Field, n)}
	copy(out.Fields, l.Fields[:n])
	return out
}

// CheckAppendOnly fails unless every field of prev appears in next at the
// same slot with the same name and kind.
func CheckAppendOnly(prev, next Layout) error {
	if len(next.Fields) < len(prev.Fields) {
		return fmt.Errorf(
			"%w: %s drops fields of %s (%d < %d)",
			ErrLayoutMismatch,
			next.Name,
			prev.Name,
			len(next.Fields),
			len(prev.Fields),
		)
	}
	for i, want := range prev.Fields {
		got := next.Fields[i]
		if got.Name != want.Name || got.Kind != want.Kind || got.Slot != want.Slot {
			return fmt.Errorf(
				"%w: slot %d is %s:%s in %s but %s:%s in %s",
				ErrLayoutMismatch,
				i,
				want.Name,
				want.Kind,
				prev.Name,
				got.Name,
				got.Kind,
				next.Name,
			)
		}
	}
	prevFP, err := prev.Fingerprint()
	if err != nil {
		return err
	}
	headFP, err := next.Prefix(len(prev.Fields)).Fingerprint()
	if err != nil {
		return err
	}
	if prevFP != headFP {
		return fmt.Errorf("%w: %s prefix fingerprint differs from %s", ErrLayoutMismatch, next.Name, prev.Name)
	}
	return nil
}

// Describe derives a layout from a struct type whose fields carry
// `layout:"name,kind"` tags. Untagged fields are rejected.
func Describe(name string, typ reflect.Type) (Layout, error) {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return Layout{}, fmt.Errorf("%w: %s is not a struct", ErrInvalidLayout, typ)
	}
	out := Layout{Name: name, Fields: make([]Field, 0, typ.NumField())}
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		tag, ok := sf.Tag.Lookup("layout")
		if !ok {
			return Layout{}, fmt.Errorf("%w: %s.%s has no layout tag", ErrInvalidLayout, typ.Name(), sf.Name)
		}
		fieldName, kindRaw, _ := strings.Cut(tag, ",")
		kind := Kind(strings.TrimSpace(kindRaw))
		if err := checkGoKind(kind, sf.Type); err != nil {
			return Layout{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalidLayout, typ.Name(), sf.Name, err)
		}
		out.Fields = append(out.Fields, Field{
			Slot:   i,
			Name:   strings.TrimSpace(fieldName),
			Kind:   kind,
			Offset: sf.Offset,
		})
	}
	if err := out.Validate(); err != nil {
		return Layout{}, err
	}
	return out, nil
}

// VerifyStruct checks that declared is an append-only prefix of the layout
// actually implemented by typ.
func VerifyStruct(declared Layout, typ reflect.Type) error {
	actual, err := Describe(typ.Name(), typ)
	if err != nil {
		return err
	}
	return CheckAppendOnly(declared, actual)
}

func checkGoKind(kind Kind, typ reflect.Type) error {
	var ok bool
	switch kind {
	case KindBool:
		ok = typ.Kind() == reflect.Bool
	case KindUint64:
		ok = typ.Kind() == reflect.Uint64
	case KindAddress:
		ok = typ.Kind() == reflect.String
	case KindUintSeq:
		ok = typ.Kind() == reflect.Slice && typ.Elem().Kind() == reflect.Uint64
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("go type %s cannot back kind %q", typ, kind)
	}
	return nil
}
