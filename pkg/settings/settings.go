// Package settings is the named-flag configuration surface of the compiler.
// A Template declares the flags of one group (shared, or one ISA), a
// Builder collects values by name, and Finish freezes them into Flags that
// are safe to share between goroutines.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value type of a setting.
type Kind uint8

const (
	Bool Kind = iota
	Enum
	Num
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Enum:
		return "enum"
	case Num:
		return "num"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Setting describes one flag.
type Setting struct {
	Name        string
	Description string
	Kind        Kind
	Default     string
	Values      []string // allowed values of an Enum
}

// Template is the declared flag set of one group.
type Template struct {
	Name     string
	Settings []Setting
}

func (t *Template) lookup(name string) (Setting, bool) {
	for _, s := range t.Settings {
		if s.Name == name {
			return s, true
		}
	}
	return Setting{}, false
}

// SetErrorKind classifies a rejected Set or Enable.
type SetErrorKind uint8

const (
	BadName SetErrorKind = iota
	BadType
	BadValue
)

var (
	ErrBadName  = errors.New("no existing setting")
	ErrBadType  = errors.New("trying to set a setting with the wrong type")
	ErrBadValue = errors.New("unexpected value for a setting")
)

// SetError reports why a flag could not be set.
type SetError struct {
	Kind  SetErrorKind
	Name  string
	Value string
	Hint  string
}

func (e *SetError) Error() string {
	switch e.Kind {
	case BadName:
		return fmt.Sprintf("%s with name %q", ErrBadName, e.Name)
	case BadType:
		return fmt.Sprintf("%s: %q", ErrBadType, e.Name)
	}
	msg := fmt.Sprintf("%s %q: %q", ErrBadValue, e.Name, e.Value)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Unwrap lets errors.Is match the ErrBad* sentinels.
func (e *SetError) Unwrap() error {
	switch e.Kind {
	case BadName:
		return ErrBadName
	case BadType:
		return ErrBadType
	}
	return ErrBadValue
}

// IsBadName reports whether err rejects an unknown flag name.
func IsBadName(err error) bool { return errors.Is(err, ErrBadName) }

// Builder collects flag values for one template.
type Builder struct {
	tmpl   *Template
	values map[string]string
}

// NewBuilder starts from the template's defaults.
func NewBuilder(t *Template) *Builder {
	b := &Builder{tmpl: t, values: make(map[string]string, len(t.Settings))}
	for _, s := range t.Settings {
		b.values[s.Name] = s.Default
	}
	return b
}

// Template returns the template the builder validates against.
func (b *Builder) Template() *Template { return b.tmpl }

// Set assigns value to the named flag after checking it against the
// flag's kind.
func (b *Builder) Set(name, value string) error {
	s, ok := b.tmpl.lookup(name)
	if !ok {
		return &SetError{Kind: BadName, Name: name}
	}
	v, err := normalize(s, value)
	if err != nil {
		return err
	}
	b.values[name] = v
	return nil
}

// Enable turns on a boolean flag.
func (b *Builder) Enable(name string) error {
	s, ok := b.tmpl.lookup(name)
	if !ok {
		return &SetError{Kind: BadName, Name: name}
	}
	if s.Kind != Bool {
		return &SetError{Kind: BadType, Name: name}
	}
	b.values[name] = "true"
	return nil
}

func normalize(s Setting, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch s.Kind {
	case Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return "", &SetError{Kind: BadValue, Name: s.Name, Value: value, Hint: "true or false"}
		}
		return strconv.FormatBool(v), nil
	case Enum:
		for _, allowed := range s.Values {
			if allowed == value {
				return value, nil
			}
		}
		return "", &SetError{Kind: BadValue, Name: s.Name, Value: value, Hint: "one of " + strings.Join(s.Values, ", ")}
	case Num:
		v, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return "", &SetError{Kind: BadValue, Name: s.Name, Value: value, Hint: "an integer from 0 to 255"}
		}
		return strconv.FormatUint(v, 10), nil
	}
	return "", &SetError{Kind: BadType, Name: s.Name}
}

// Finish freezes the collected values.
func (b *Builder) Finish() Flags {
	vals := make(map[string]string, len(b.values))
	for k, v := range b.values {
		vals[k] = v
	}
	return Flags{tmpl: b.tmpl, values: vals}
}

// Value is one flag with its current value, for listings.
type Value struct {
	Setting
	Value string
}

// IsDefault reports whether the flag still has its default value.
func (v Value) IsDefault() bool { return v.Value == v.Default }

func (v Value) String() string { return v.Name + "=" + v.Value }

// Flags is a frozen set of flag values. The zero value has no flags.
type Flags struct {
	tmpl   *Template
	values map[string]string
}

// Name is the group name of the template.
func (f Flags) Name() string {
	if f.tmpl == nil {
		return ""
	}
	return f.tmpl.Name
}

// Get returns the raw value of a flag.
func (f Flags) Get(name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Bool returns a boolean flag; unknown names are false.
func (f Flags) Bool(name string) bool { return f.values[name] == "true" }

// Enum returns an enum flag; unknown names are empty.
func (f Flags) Enum(name string) string { return f.values[name] }

// Num returns a numeric flag; unknown or malformed values are zero.
func (f Flags) Num(name string) uint8 {
	v, _ := strconv.ParseUint(f.values[name], 10, 8)
	return uint8(v)
}

// Values lists every flag in template order.
func (f Flags) Values() []Value {
	if f.tmpl == nil {
		return nil
	}
	out := make([]Value, 0, len(f.tmpl.Settings))
	for _, s := range f.tmpl.Settings {
		out = append(out, Value{Setting: s, Value: f.values[s.Name]})
	}
	return out
}

// String renders the flags as sorted name=value lines.
func (f Flags) String() string {
	lines := make([]string, 0, len(f.values))
	for _, v := range f.Values() {
		lines = append(lines, v.String())
	}
	sort.Strings(lines)
	return "[" + f.Name() + "]\n" + strings.Join(lines, "\n")
}
