// Package bitfield packs and unpacks annotated struct fields into a
// single integer, adapted from
// _examples/iansmith-mazarin/src/bitfield/bitfield.go (itself a
// simplified golang.org/x/text/internal/gen/bitfield). The teacher's
// version only packs; this adds Unpack, since the intended use here is
// diagnostic: turning a raw page-table entry into a readable struct
// for klog dumps and test assertions, and vice versa.
//
// Reflection makes this unsuitable for any //go:nosplit allocator or
// page-fault path — it is strictly a host/debug-tooling package, never
// imported by internal/vmm's hot paths, only by diagnostics and tests
// that want to describe a raw PTE value.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines the total bit width fields are packed into.
type Config struct {
	// NumBits caps the integer representation. 0 means unbounded.
	NumBits uint
}

// Pack packs annotated bit ranges of struct x into an integer, in
// field-declaration order starting at bit 0. Only fields tagged
// `bitfield:"N"` participate.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, "%d", &bits); err != nil {
			return 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		default:
			return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}

		maxValue := uint64((1 << bits) - 1)
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is Pack's inverse: it reads packed's bit ranges back into the
// addressable struct pointed to by x, in the same field-declaration
// order Pack used to write them.
func Unpack(packed uint64, x interface{}, c *Config) error {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expected a pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, "%d", &bits); err != nil {
			return fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		mask := uint64((1 << bits) - 1)
		value := (packed >> bitOffset) & mask
		bitOffset += bits

		fieldValue := v.Field(i)
		if !fieldValue.CanSet() {
			return fmt.Errorf("bitfield: field %s is unexported and cannot be set", field.Name)
		}

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(value != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(value)
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}
	}

	return nil
}

// PageTableEntryFlags mirrors the low flag bits internal/vmm packs
// into every PML4/PDPT/PD/PT entry (internal/vmm.FlagPresent..
// FlagGlobal), laid out so Pack(&PageTableEntryFlags{...}, nil)
// reproduces the same bit positions vmm.go uses directly. It exists
// purely for diagnostics — turning a raw entry dumped from a crash or
// a test failure into a readable struct (and back), not for anything
// on the mapping hot path.
type PageTableEntryFlags struct {
	Present  bool `bitfield:"1"`
	Writable bool `bitfield:"1"`
	User     bool `bitfield:"1"`
	PWT      bool `bitfield:"1"`
	PCD      bool `bitfield:"1"`
	Accessed bool `bitfield:"1"`
	Dirty    bool `bitfield:"1"`
	Huge     bool `bitfield:"1"`
	Global   bool `bitfield:"1"`
}

// Describe renders entry's low flag bits as a short diagnostic string,
// e.g. "P W U A" for an accessed, user-writable present entry.
func Describe(entry uint64) string {
	var f PageTableEntryFlags
	if err := Unpack(entry, &f, &Config{NumBits: 9}); err != nil {
		return "<bitfield: " + err.Error() + ">"
	}

	names := []struct {
		set  bool
		abbr string
	}{
		{f.Present, "P"},
		{f.Writable, "W"},
		{f.User, "U"},
		{f.PWT, "PWT"},
		{f.PCD, "PCD"},
		{f.Accessed, "A"},
		{f.Dirty, "D"},
		{f.Huge, "H"},
		{f.Global, "G"},
	}

	out := ""
	for _, n := range names {
		if !n.set {
			continue
		}
		if out != "" {
			out += " "
		}
		out += n.abbr
	}
	if out == "" {
		return "<none>"
	}
	return out
}
