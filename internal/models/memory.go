package models

// MemoryOperation selects how a memory field is changed.
type MemoryOperation string

const (
	MemorySet       MemoryOperation = "set"
	MemoryUnset     MemoryOperation = "unset"
	MemoryPush      MemoryOperation = "push"
	MemoryIncrement MemoryOperation = "increment"
	MemoryDecrement MemoryOperation = "decrement"
)

// MemoryTransform converts a candidate value before it is stored.
type MemoryTransform string

const (
	TransformLowercase MemoryTransform = "lowercase"
	TransformUppercase MemoryTransform = "uppercase"
	TransformInteger   MemoryTransform = "integer"
	TransformFloat     MemoryTransform = "float"
	TransformBoolean   MemoryTransform = "boolean"
	TransformTime      MemoryTransform = "time"
	TransformPreserve  MemoryTransform = "preserve"
)

// MemoryField describes how one appData field is derived. Exactly one of Value, Regexp or
// Reference is normally set; with none, the full input text is used.
type MemoryField struct {
	Operation    MemoryOperation `json:"operation,omitempty" yaml:"operation,omitempty"`
	Transform    MemoryTransform `json:"transform,omitempty" yaml:"transform,omitempty"`
	Required     *bool           `json:"required,omitempty" yaml:"required,omitempty"`
	Value        any             `json:"value,omitempty" yaml:"value,omitempty"`
	Regexp       string          `json:"regexp,omitempty" yaml:"regexp,omitempty"`
	Reference    string          `json:"reference,omitempty" yaml:"reference,omitempty"`
	Amount       *float64        `json:"amount,omitempty" yaml:"amount,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// EffectiveOperation returns the operation, defaulting to set.
func (f MemoryField) EffectiveOperation() MemoryOperation {
	if f.Operation == "" {
		return MemorySet
	}
	return f.Operation
}

// EffectiveTransform returns the transform, defaulting to lowercase.
func (f MemoryField) EffectiveTransform() MemoryTransform {
	if f.Transform == "" {
		return TransformLowercase
	}
	return f.Transform
}

// IsRequired reports whether a value must be derivable; fields are required by default.
func (f MemoryField) IsRequired() bool {
	return f.Required == nil || *f.Required
}

// MemoryDefinition maps dotted appData field paths to their definitions.
type MemoryDefinition map[string]MemoryField

// MemoryChanges is the computed change set for a user's appData, keyed by dotted field path.
type MemoryChanges struct {
	Set   map[string]any `json:"set"`
	Unset []string       `json:"unset"`
}

// IsEmpty reports whether the change set does nothing.
func (c MemoryChanges) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Unset) == 0
}
