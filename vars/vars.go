// Package vars implements execution-scoped variable bindings and
// {{name}} interpolation of node configuration strings.
package vars

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Kind is the type of a bound value.
type Kind int

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	}
	return "invalid"
}

var ErrInvalidValue = errors.New("invalid value")

// Value is a typed variable value.
// The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	obj  json.RawMessage
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

func Int(n int) Value { return Number(float64(n)) }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

// Valid reports whether v holds a value.
func (v Value) Valid() bool { return v.kind != 0 }

func (v Value) Str() string { return v.str }

func (v Value) Num() float64 { return v.num }

func (v Value) Boolean() bool { return v.b }

// Raw returns the JSON encoding of an object value.
func (v Value) Raw() []byte { return v.obj }

// Object encodes o as an object Value.
func Object(o any) (Value, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return Value{}, err
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Value{}, fmt.Errorf("%w: not a JSON object", ErrInvalidValue)
	}
	return Value{kind: KindObject, obj: raw}, nil
}

// Render returns the textual form substituted into configuration strings.
func (v Value) Render() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindObject:
		return string(v.obj)
	}
	return ""
}

// path resolves a dotted field path inside an object value.
func (v Value) path(p string) (string, bool) {
	if v.kind != KindObject {
		return "", false
	}
	r := gjson.GetBytes(v.obj, p)
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.String {
		return r.String(), true
	}
	return r.Raw, true
}

type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	var err error
	switch v.kind {
	case KindString:
		w.Value, err = json.Marshal(v.str)
	case KindNumber:
		w.Value, err = json.Marshal(v.num)
	case KindBool:
		w.Value, err = json.Marshal(v.b)
	case KindObject:
		w.Value = v.obj
	default:
		return nil, ErrInvalidValue
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "string":
		v.kind = KindString
		return json.Unmarshal(w.Value, &v.str)
	case "number":
		v.kind = KindNumber
		return json.Unmarshal(w.Value, &v.num)
	case "bool":
		v.kind = KindBool
		return json.Unmarshal(w.Value, &v.b)
	case "object":
		if !gjson.ValidBytes(w.Value) {
			return fmt.Errorf("%w: object", ErrInvalidValue)
		}
		v.kind = KindObject
		v.obj = append(json.RawMessage(nil), w.Value...)
		return nil
	}
	return fmt.Errorf("%w: kind %q", ErrInvalidValue, w.Kind)
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidName reports whether name may be used as a variable name.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Bindings is the variable table of one execution.
// Writes are last-write-wins.
type Bindings struct {
	mu sync.RWMutex
	m  map[string]Value
}

// NewBindings creates a new binding table seeded with initial.
func NewBindings(initial map[string]Value) *Bindings {
	b := &Bindings{m: make(map[string]Value, len(initial))}
	for k, v := range initial {
		b.m[k] = v
	}
	return b
}

// Set binds name to v, replacing any previous value.
func (b *Bindings) Set(name string, v Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = make(map[string]Value)
	}
	b.m[name] = v
}

// Get returns the value bound to name.
func (b *Bindings) Get(name string) (Value, bool) {
	if b == nil {
		return Value{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[name]
	return v, ok
}

// Map returns a copy of the bindings.
func (b *Bindings) Map() map[string]Value {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := make(map[string]Value, len(b.m))
	for k, v := range b.m {
		m[k] = v
	}
	return m
}

// UnresolvedError lists variable references that have no binding.
type UnresolvedError struct {
	Refs []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved variable reference(s): %v", e.Refs)
}

var (
	refRe  = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	pathRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)((?:\.[A-Za-z0-9_-]+)*)$`)
)

// Interpolate replaces {{name}} and {{name.field.sub}} references in s.
// A reference without a binding is never substituted with the empty string;
// an *UnresolvedError naming every such reference is returned instead.
// Anything between {{ and }} that is not a valid reference, such as
// {{first name}}, is reported as unresolved as well.
func Interpolate(s string, b *Bindings) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var unresolved []string
	out := refRe.ReplaceAllStringFunc(s, func(ref string) string {
		inner := strings.TrimSpace(refRe.FindStringSubmatch(ref)[1])
		m := pathRe.FindStringSubmatch(inner)
		if m == nil {
			unresolved = append(unresolved, inner)
			return ref
		}
		v, ok := b.Get(m[1])
		if !ok {
			unresolved = append(unresolved, m[1]+m[2])
			return ref
		}
		if m[2] == "" {
			return v.Render()
		}
		r, ok := v.path(m[2][1:])
		if !ok {
			unresolved = append(unresolved, m[1]+m[2])
			return ref
		}
		return r
	})
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return "", &UnresolvedError{Refs: unresolved}
	}
	return out, nil
}

// InterpolateJSON interpolates every string value (not object keys) of the
// JSON document raw.
func InterpolateJSON(raw []byte, b *Bindings) ([]byte, error) {
	if !bytes.Contains(raw, []byte("{{")) {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	var unresolved []string
	var walk func(any) any
	walk = func(n any) any {
		switch t := n.(type) {
		case string:
			s, err := Interpolate(t, b)
			var uerr *UnresolvedError
			if errors.As(err, &uerr) {
				unresolved = append(unresolved, uerr.Refs...)
				return t
			}
			return s
		case map[string]any:
			for k, v := range t {
				t[k] = walk(v)
			}
		case []any:
			for i, v := range t {
				t[i] = walk(v)
			}
		}
		return n
	}
	doc = walk(doc)
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, &UnresolvedError{Refs: unresolved}
	}
	return json.Marshal(doc)
}
