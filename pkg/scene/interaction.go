package scene

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fisync/fisync/pkg/protocol"
)

// ValueKind tags the variant of an interaction value.
type ValueKind uint8

const (
	ValueTrigger ValueKind = iota + 1
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueSelect
)

// String returns the kind name used in the Type info key.
func (k ValueKind) String() string {
	switch k {
	case ValueTrigger:
		return "Trigger"
	case ValueBool:
		return "Bool"
	case ValueInt:
		return "Int"
	case ValueFloat:
		return "Float"
	case ValueString:
		return "String"
	case ValueSelect:
		return "Select"
	default:
		return fmt.Sprintf("ValueKind(%d)", k)
	}
}

// ParseValueKind parses a Type info value.
func ParseValueKind(s string) (ValueKind, bool) {
	for k := ValueTrigger; k <= ValueSelect; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Value is the closed set of interaction values: Trigger, Bool, Int, Float,
// String and Select.
type Value interface {
	Kind() ValueKind
	sealed()
}

// Trigger is the value of a valueless, fire-only interaction.
type Trigger struct{}

// Bool is a boolean interaction value.
type Bool bool

// Int is an integer interaction value.
type Int int64

// Float is a floating-point interaction value.
type Float float64

// String is a text interaction value.
type String string

// Select is the index of the chosen option.
type Select int

func (Trigger) Kind() ValueKind { return ValueTrigger }
func (Bool) Kind() ValueKind    { return ValueBool }
func (Int) Kind() ValueKind     { return ValueInt }
func (Float) Kind() ValueKind   { return ValueFloat }
func (String) Kind() ValueKind  { return ValueString }
func (Select) Kind() ValueKind  { return ValueSelect }

func (Trigger) sealed() {}
func (Bool) sealed()    {}
func (Int) sealed()     {}
func (Float) sealed()   {}
func (String) sealed()  {}
func (Select) sealed()  {}

// Zero returns the zero value of kind.
func Zero(kind ValueKind) Value {
	switch kind {
	case ValueTrigger:
		return Trigger{}
	case ValueBool:
		return Bool(false)
	case ValueInt:
		return Int(0)
	case ValueFloat:
		return Float(0)
	case ValueString:
		return String("")
	case ValueSelect:
		return Select(0)
	}
	return nil
}

// MarshalValue encodes v as its JSON wire form. Triggers encode as null.
func MarshalValue(v Value) json.RawMessage {
	var raw []byte
	switch x := v.(type) {
	case Trigger:
		return json.RawMessage("null")
	case Bool:
		raw, _ = json.Marshal(bool(x))
	case Int:
		raw, _ = json.Marshal(int64(x))
	case Float:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return json.RawMessage("null")
		}
		raw, _ = json.Marshal(float64(x))
	case String:
		raw, _ = json.Marshal(string(x))
	case Select:
		raw, _ = json.Marshal(int(x))
	default:
		return json.RawMessage("null")
	}
	return raw
}

// ParseValue decodes a wire value of the given kind.
func ParseValue(kind ValueKind, raw json.RawMessage) (Value, error) {
	const op = "parse value"
	switch kind {
	case ValueTrigger:
		return Trigger{}, nil
	case ValueBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, protocol.Validationf(op, "expected Bool, got %s", raw)
		}
		return Bool(b), nil
	case ValueInt:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f != math.Trunc(f) {
			return nil, protocol.Validationf(op, "expected Int, got %s", raw)
		}
		return Int(int64(f)), nil
	case ValueFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, protocol.Validationf(op, "expected Float, got %s", raw)
		}
		return Float(f), nil
	case ValueString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, protocol.Validationf(op, "expected String, got %s", raw)
		}
		return String(s), nil
	case ValueSelect:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil || n != math.Trunc(n) {
			return nil, protocol.Validationf(op, "expected Select index, got %s", raw)
		}
		return Select(int(n)), nil
	}
	return nil, protocol.Validationf(op, "unknown value kind %v", kind)
}

// Constraint restricts the values an interaction accepts. Min and Max apply
// to Int and Float values; Options lists the choices of a Select.
type Constraint struct {
	Min     *float64 `json:"Min,omitempty"`
	Max     *float64 `json:"Max,omitempty"`
	Step    float64  `json:"Step,omitempty"`
	Options []string `json:"Options,omitempty"`
}

// Range returns a numeric constraint.
func Range(lo, hi, step float64) Constraint {
	return Constraint{Min: &lo, Max: &hi, Step: step}
}

// Options returns a Select constraint.
func Options(opts ...string) Constraint {
	return Constraint{Options: opts}
}

// Check validates v against the constraint.
func (c Constraint) Check(v Value) error {
	const op = "check value"
	var n float64
	switch x := v.(type) {
	case Int:
		n = float64(x)
	case Float:
		n = float64(x)
		if math.IsNaN(n) {
			return protocol.Validationf(op, "value is NaN")
		}
	case Select:
		if int(x) < 0 || int(x) >= len(c.Options) {
			return protocol.Validationf(op, "option %d out of range [0,%d)", int(x), len(c.Options))
		}
		return nil
	default:
		return nil
	}
	if c.Min != nil && n < *c.Min {
		return protocol.Validationf(op, "value %v below minimum %v", n, *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return protocol.Validationf(op, "value %v above maximum %v", n, *c.Max)
	}
	return nil
}

// Interaction is a named, typed control exposed by a module.
type Interaction struct {
	ID         string
	Name       string
	Value      Value
	Constraint Constraint
}

// Kind returns the kind of the interaction's value.
func (i Interaction) Kind() ValueKind {
	if i.Value == nil {
		return 0
	}
	return i.Value.Kind()
}

// Clone returns a copy with an independent option list.
func (i Interaction) Clone() Interaction {
	if i.Constraint.Options != nil {
		i.Constraint.Options = append([]string(nil), i.Constraint.Options...)
	}
	return i
}

// NewTrigger creates a Trigger interaction.
func NewTrigger(id, name string) Interaction {
	return Interaction{ID: id, Name: name, Value: Trigger{}}
}

// NewBool creates a Bool interaction.
func NewBool(id, name string, v bool) Interaction {
	return Interaction{ID: id, Name: name, Value: Bool(v)}
}

// NewInt creates an Int interaction limited to [lo,hi].
func NewInt(id, name string, v, lo, hi int64) Interaction {
	return Interaction{ID: id, Name: name, Value: Int(v), Constraint: Range(float64(lo), float64(hi), 1)}
}

// NewFloat creates a Float interaction limited to [lo,hi].
func NewFloat(id, name string, v, lo, hi, step float64) Interaction {
	return Interaction{ID: id, Name: name, Value: Float(v), Constraint: Range(lo, hi, step)}
}

// NewString creates a String interaction.
func NewString(id, name, v string) Interaction {
	return Interaction{ID: id, Name: name, Value: String(v)}
}

// NewSelect creates a Select interaction over options.
func NewSelect(id, name string, selected int, options ...string) Interaction {
	return Interaction{ID: id, Name: name, Value: Select(selected), Constraint: Options(options...)}
}
