package vm

import "math"

// Value is the universal tagged record of the evaluation engine. The
// null value has a nil Type. Primitive types store their payload inline
// in Bits; strings use Str; every other non-null value points at the
// GC object that holds its instance fields. A value with a non-nil Ref
// is a reference value: its payload designates a storage location
// rather than a datum.
type Value struct {
	Type *Type
	Bits uint64
	Str  *String
	Obj  *GCObject
	Ref  Ref
}

// NullValue is the null value.
var NullValue = Value{}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool {
	return v.Type == nil && v.Ref == nil
}

// IsRef reports whether v is a reference value.
func (v Value) IsRef() bool {
	return v.Ref != nil
}

// Int interprets the payload as a signed integer.
func (v Value) Int() int64 {
	return int64(v.Bits)
}

// UInt interprets the payload as an unsigned integer.
func (v Value) UInt() uint64 {
	return v.Bits
}

// Real interprets the payload as a floating-point number.
func (v Value) Real() float64 {
	return math.Float64frombits(v.Bits)
}

// Bool interprets the payload as a boolean.
func (v Value) Bool() bool {
	return v.Bits != 0
}

// Ref designates a storage location a reference value points at. Local
// slots, static fields and instance fields all share this interface so
// the reference instruction set does not care which kind it holds.
type Ref interface {
	Load() Value
	Store(v Value)
}

// LocalRef is a reference to a local, argument or evaluation slot.
type LocalRef struct {
	Slot *Value
}

func (r *LocalRef) Load() Value   { return *r.Slot }
func (r *LocalRef) Store(v Value) { *r.Slot = v }

// FieldRef is a reference to an instance field of a GC object. The GC
// rewrites Obj when the object moves.
type FieldRef struct {
	Obj   *GCObject
	Field int
}

func (r *FieldRef) Load() Value {
	r.Obj.mu.Lock()
	v := r.Obj.Fields[r.Field]
	r.Obj.mu.Unlock()
	return v
}

func (r *FieldRef) Store(v Value) {
	r.Obj.mu.Lock()
	r.Obj.Fields[r.Field] = v
	r.Obj.mu.Unlock()
}

// RefValue wraps a storage location in a reference value.
func RefValue(r Ref) Value {
	return Value{Ref: r}
}

// IsTrue reports the truthiness of a value: null is false, primitives
// are true when their payload is nonzero, all other values are true.
func IsTrue(v Value) bool {
	return v.Type != nil &&
		(v.Type.Flags&TypePrimitive != TypePrimitive || v.Bits != 0)
}

// IsFalse reports the falsiness of a value.
func IsFalse(v Value) bool {
	return !IsTrue(v)
}

// IsSameReference reports whether a and b are the same value without
// invoking any operator: same type, and same inline payload for
// primitives or the same instance for everything else.
func IsSameReference(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type == nil {
		return true // both are null
	}
	if a.Type.Flags&TypePrimitive == TypePrimitive {
		return a.Bits == b.Bits
	}
	if a.Str != nil || b.Str != nil {
		return a.Str == b.Str
	}
	return a.Obj == b.Obj
}

// ReadReference loads the value a reference value points at.
func ReadReference(v Value) Value {
	return v.Ref.Load()
}

// WriteReference stores through a reference value.
func WriteReference(ref Value, v Value) {
	ref.Store(v)
}

// Store is a convenience alias for writing through a reference value.
func (v Value) Store(val Value) {
	v.Ref.Store(val)
}
