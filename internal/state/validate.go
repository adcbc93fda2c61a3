package state

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/sectormap"
)

// fieldDescriptor names one required field of the wire document by its
// dotted path, plus the check its decoded value must pass. Load drives
// validation by walking this table once, per Design Notes §9's "compile-time
// table of typed field descriptors, each with a parser and a destination
// setter" (the setter is Load's subsequent struct unmarshal; this table owns
// presence and shape checking only).
type fieldDescriptor struct {
	path  []string
	check func(v interface{}) error
}

var requiredFields = []fieldDescriptor{
	{[]string{"device_geometry", "reported_size"}, positiveNumber},
	{[]string{"device_geometry", "detected_size"}, nonNegativeNumber},
	{[]string{"device_geometry", "sector_size"}, positiveNumber},
	{[]string{"device_info", "block_size"}, positiveNumber},
	{[]string{"device_info", "sequential_read_speed"}, nonNegativeNumber},
	{[]string{"device_info", "sequential_write_speed"}, nonNegativeNumber},
	{[]string{"device_info", "random_read_iops"}, nonNegativeNumber},
	{[]string{"device_info", "random_write_iops"}, nonNegativeNumber},
	{[]string{"program_options", "disable_curses"}, isBool},
	{[]string{"program_options", "stats_file"}, isString},
	{[]string{"program_options", "log_file"}, isString},
	{[]string{"program_options", "lock_file"}, isString},
	{[]string{"program_options", "stats_interval"}, nonNegativeNumber},
	{[]string{"state", "sector_map"}, isString},
	{[]string{"state", "beginning_of_device_data"}, isString},
	{[]string{"state", "middle_of_device_data"}, isString},
	{[]string{"state", "rounds_completed"}, nonNegativeNumber},
	{[]string{"state", "bytes_read"}, nonNegativeNumber},
	{[]string{"state", "bytes_written"}, nonNegativeNumber},
}

// validate checks that every field in requiredFields is present with the
// right shape, then separately checks the three Base64 fields' decoded
// lengths against the sizes spec.md §4.10 mandates. Any failure rejects the
// whole document; validate never mutates the caller's state.
func validate(doc map[string]interface{}, numLogicalSectors uint64) error {
	for _, f := range requiredFields {
		v, ok := lookup(doc, f.path)
		if !ok {
			return errors.Wrapf(ErrInvalid, "missing field %q", strings.Join(f.path, "/"))
		}
		if err := f.check(v); err != nil {
			return errors.Wrapf(ErrInvalid, "field %q: %v", strings.Join(f.path, "/"), err)
		}
	}

	sectorMap, _ := lookup(doc, []string{"state", "sector_map"})
	if n, err := decodedLen(sectorMap.(string)); err != nil {
		return errors.Wrap(ErrInvalid, "sector_map: "+err.Error())
	} else if want := sectormap.PackedLen(numLogicalSectors); n != want {
		return errors.Wrapf(ErrInvalid, "sector_map: decoded length %d, want %d", n, want)
	}

	bod, _ := lookup(doc, []string{"state", "beginning_of_device_data"})
	if n, err := decodedLen(bod.(string)); err != nil {
		return errors.Wrap(ErrInvalid, "beginning_of_device_data: "+err.Error())
	} else if n != identity.Size {
		return errors.Wrapf(ErrInvalid, "beginning_of_device_data: decoded length %d, want %d", n, identity.Size)
	}

	mod, _ := lookup(doc, []string{"state", "middle_of_device_data"})
	if n, err := decodedLen(mod.(string)); err != nil {
		return errors.Wrap(ErrInvalid, "middle_of_device_data: "+err.Error())
	} else if n != identity.Size {
		return errors.Wrapf(ErrInvalid, "middle_of_device_data: decoded length %d, want %d", n, identity.Size)
	}

	return nil
}

// lookup walks doc by path, descending through nested maps. It returns
// ok=false if any path segment is missing or the value along the way isn't
// itself a nested object.
func lookup(doc map[string]interface{}, path []string) (interface{}, bool) {
	cur := interface{}(doc)
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func positiveNumber(v interface{}) error {
	n, ok := v.(float64)
	if !ok {
		return errors.New("not a number")
	}
	if n <= 0 {
		return errors.Errorf("must be positive, got %v", n)
	}
	return nil
}

func nonNegativeNumber(v interface{}) error {
	n, ok := v.(float64)
	if !ok {
		return errors.New("not a number")
	}
	if n < 0 {
		return errors.Errorf("must not be negative, got %v", n)
	}
	return nil
}

func isString(v interface{}) error {
	if _, ok := v.(string); !ok {
		return errors.New("not a string")
	}
	return nil
}

func isBool(v interface{}) error {
	if _, ok := v.(bool); !ok {
		return errors.New("not a boolean")
	}
	return nil
}
