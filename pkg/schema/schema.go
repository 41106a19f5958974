// Package schema implements the typed property-string grammar used
// throughout the VM configuration model: a registered format maps field
// names to descriptors (type, enum, pattern, default, alias), and the
// registry knows how to parse a comma-separated property string into a
// generic map and print it back out deterministically.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// FieldType is the scalar type a field's value is validated against.
type FieldType int

const (
	TypeString FieldType = iota
	TypeBool
	TypeInteger
	TypeNumber
)

// AliasFunc transforms an alias field's raw text into the raw text the
// canonical field should receive (e.g. bps_rd -> mbps_rd via division by
// 1024^2).
type AliasFunc func(value string) (string, error)

// Field describes one property-string attribute.
type Field struct {
	Name        string
	Type        FieldType
	Enum        []string
	Pattern     *regexp.Regexp
	Min, Max    *float64
	Default     string
	HasDefault  bool
	DefaultKey  bool // receives an unkeyed leading value
	Alias       string
	AliasFn     AliasFunc
	Optional    bool
	Description string

	// aliasOf is set on the synthetic pseudo-field registered under an
	// alias's own name, pointing back at the canonical field it resolves
	// to on parse. Never set on a canonical field itself.
	aliasOf *Field
}

// Format is a named, ordered set of fields.
type Format struct {
	Name   string
	fields map[string]*Field
	order  []string // declared order, used for printing
}

func newFormat(name string) *Format {
	return &Format{Name: name, fields: map[string]*Field{}}
}

// Field returns the descriptor for name (a canonical field name or alias),
// resolving aliases to their canonical field.
func (f *Format) Field(name string) (*Field, bool) {
	fd, ok := f.fields[name]
	if ok && fd.aliasOf != nil {
		return fd.aliasOf, true
	}
	return fd, ok
}

// Registry holds a set of named formats plus format-level custom verifiers.
type Registry struct {
	formats   map[string]*Format
	verifiers map[string]func(string) (string, error)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		formats:   map[string]*Format{},
		verifiers: map[string]func(string) (string, error){},
	}
}

// Register builds a new Format from fields and adds it to the registry.
// Fields are printed in the order given.
func (r *Registry) Register(name string, fields []*Field) *Format {
	f := newFormat(name)
	for _, fd := range fields {
		f.fields[fd.Name] = fd
		if fd.Alias != "" {
			// aliases are looked up by their own name too, but never
			// appear in the print order.
			f.fields[fd.Alias] = &Field{Name: fd.Alias, aliasOf: fd}
		} else {
			f.order = append(f.order, fd.Name)
		}
	}
	r.formats[name] = f
	return f
}

// RegisterVerifier attaches a custom verifier function to a format name,
// used by check_format for cross-field or semantic validation beyond what
// a Field descriptor can express.
func (r *Registry) RegisterVerifier(name string, fn func(string) (string, error)) {
	r.verifiers[name] = fn
}

// CheckFormat dispatches to a verifier registered against name.
func (r *Registry) CheckFormat(name, value string) (string, error) {
	fn, ok := r.verifiers[name]
	if !ok {
		return value, fmt.Errorf("no verifier registered for format %q", name)
	}
	return fn(value)
}

// Format looks up a previously registered format.
func (r *Registry) Format(name string) (*Format, bool) {
	f, ok := r.formats[name]
	return f, ok
}

// ParsePropertyString splits text on commas into a generic string map,
// resolving aliases and validating each field against the named format.
func (r *Registry) ParsePropertyString(format, text string) (map[string]string, error) {
	f, ok := r.formats[format]
	if !ok {
		return nil, fmt.Errorf("unknown format %q", format)
	}

	if strings.Contains(text, "\n") {
		return nil, fmt.Errorf("value contains newline")
	}

	values := map[string]string{}
	assigned := map[string]bool{}

	var defaultKeyField *Field
	for _, name := range f.order {
		if f.fields[name].DefaultKey {
			defaultKeyField = f.fields[name]
			break
		}
	}

	parts := splitCSV(text)
	for _, part := range parts {
		if part == "" {
			continue
		}

		var key, val string
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			key = part[:idx]
			val = part[idx+1:]
		} else {
			if defaultKeyField == nil {
				return nil, fmt.Errorf("unkeyed value %q not permitted in format %q", part, format)
			}
			key = defaultKeyField.Name
			val = part
		}

		fd, ok := f.fields[key]
		if !ok {
			return nil, fmt.Errorf("unknown option %q", key)
		}

		canon := fd.Name
		if fd.aliasOf != nil {
			canon = fd.aliasOf.Name
			if fd.aliasOf.AliasFn != nil {
				var err error
				val, err = fd.aliasOf.AliasFn(val)
				if err != nil {
					return nil, fmt.Errorf("option %q: %v", key, err)
				}
			}
			fd = fd.aliasOf
		}

		if assigned[canon] {
			return nil, fmt.Errorf("duplicate assignment for option %q", canon)
		}

		if err := validate(fd, val); err != nil {
			return nil, fmt.Errorf("option %q: %v", canon, err)
		}

		values[canon] = val
		assigned[canon] = true
	}

	// apply defaults for unset fields
	for _, name := range f.order {
		fd := f.fields[name]
		if !assigned[name] && fd.HasDefault {
			values[name] = fd.Default
		}
	}

	return values, nil
}

// splitCSV splits on commas; this domain's property strings never need
// quoting of embedded commas.
func splitCSV(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, ",")
}

func validate(fd *Field, val string) error {
	switch fd.Type {
	case TypeBool:
		switch val {
		case "0", "1", "yes", "no", "true", "false", "on", "off":
		default:
			return fmt.Errorf("invalid boolean value %q", val)
		}
	case TypeInteger:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value %q", val)
		}
		if fd.Min != nil && float64(n) < *fd.Min {
			return fmt.Errorf("value %d below minimum %v", n, *fd.Min)
		}
		if fd.Max != nil && float64(n) > *fd.Max {
			return fmt.Errorf("value %d above maximum %v", n, *fd.Max)
		}
	case TypeNumber:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", val)
		}
		if fd.Min != nil && f < *fd.Min {
			return fmt.Errorf("value %v below minimum %v", f, *fd.Min)
		}
		if fd.Max != nil && f > *fd.Max {
			return fmt.Errorf("value %v above maximum %v", f, *fd.Max)
		}
	}

	if len(fd.Enum) > 0 {
		ok := false
		for _, e := range fd.Enum {
			if e == val {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("value %q not in {%s}", val, strings.Join(fd.Enum, ","))
		}
	}

	if fd.Pattern != nil && !fd.Pattern.MatchString(val) {
		return fmt.Errorf("value %q does not match pattern %s", val, fd.Pattern.String())
	}

	return nil
}

// PrintPropertyString renders values back into a property string using the
// format's declared field order; skipKeys are omitted entirely and alias
// fields are never printed.
func (r *Registry) PrintPropertyString(format string, values map[string]string, skipKeys ...string) (string, error) {
	f, ok := r.formats[format]
	if !ok {
		return "", fmt.Errorf("unknown format %q", format)
	}

	skip := map[string]bool{}
	for _, k := range skipKeys {
		skip[k] = true
	}

	var defaultKeyField string
	for _, name := range f.order {
		if f.fields[name].DefaultKey {
			defaultKeyField = name
			break
		}
	}

	var parts []string

	if defaultKeyField != "" {
		if v, ok := values[defaultKeyField]; ok && !skip[defaultKeyField] {
			parts = append(parts, v)
		}
	}

	for _, name := range f.order {
		if name == defaultKeyField {
			continue
		}
		if skip[name] {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		parts = append(parts, name+"="+v)
	}

	return strings.Join(parts, ","), nil
}

// Decode copies a parsed string-value map into a typed struct using
// mapstructure's weakly-typed decoder, so bool/int struct fields receive
// "1"/"42" style string input without each caller hand-rolling conversions.
func Decode(values map[string]string, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "prop",
	})
	if err != nil {
		return errors.Wrap(err, "building decoder")
	}

	generic := make(map[string]interface{}, len(values))
	for k, v := range values {
		generic[k] = v
	}

	return dec.Decode(generic)
}
