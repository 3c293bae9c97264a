package vm

// Member is a named member of a type, or a global function. Fields,
// methods and properties implement it.
type Member interface {
	Name() *String
	Flags() MemberFlags
	DeclType() *Type
	DeclModule() *Module

	// IsAccessible reports whether the member may be accessed from
	// code declared in fromType (nil for global functions), on an
	// instance of instType.
	IsAccessible(instType, fromType *Type) bool

	// originatingType is the type the protected-access check walks
	// to: the type that first introduced an overridable method, or
	// the declaring type otherwise.
	originatingType() *Type
}

type memberBase struct {
	name       *String
	flags      MemberFlags
	declType   *Type
	declModule *Module
}

func (m *memberBase) Name() *String      { return m.name }
func (m *memberBase) Flags() MemberFlags { return m.flags }
func (m *memberBase) DeclType() *Type    { return m.declType }
func (m *memberBase) DeclModule() *Module {
	return m.declModule
}

// IsStatic reports whether the member is not an instance member.
func (m *memberBase) IsStatic() bool {
	return m.flags&MemberInstance == 0
}

// accessible implements the shared accessibility rules. A PRIVATE
// member is visible from the declaring type and from any type whose
// shared type is the declaring type.
// A PROTECTED member is visible from fromType when the instance's type
// inherits from fromType (or fromType's shared type), and fromType (or
// its shared type) inherits from the member's originating type.
func accessible(m Member, instType, fromType *Type) bool {
	flags := m.Flags()
	if flags&MemberPrivate != 0 {
		if fromType == nil {
			return false
		}
		decl := m.DeclType()
		return decl == fromType || decl == fromType.SharedType
	}

	if flags&MemberProtected != 0 {
		if fromType == nil {
			return false
		}
		if !inheritsOrShared(instType, fromType) {
			return false
		}
		orig := m.originatingType()
		if fromType.InheritsFrom(orig) {
			return true
		}
		return fromType.SharedType != nil && fromType.SharedType.InheritsFrom(orig)
	}

	return true // public, or internal checked at the module boundary
}

// inheritsOrShared reports whether instType inherits from fromType or
// from fromType's shared type.
func inheritsOrShared(instType, fromType *Type) bool {
	if instType.InheritsFrom(fromType) {
		return true
	}
	return fromType.SharedType != nil && instType.InheritsFrom(fromType.SharedType)
}

// Field is a named storage member. Instance fields occupy a slot in
// the instance's field block; static fields live in a lazily created
// static reference.
type Field struct {
	memberBase

	// Offset is the absolute index of the field in the instance's
	// field block.
	Offset int

	// StaticValue holds the static field's cell; nil until the
	// declaring type's static state is initialised.
	StaticValue *StaticRef
}

// NewField creates a field member.
func NewField(name *String, declType *Type, flags MemberFlags) *Field {
	return &Field{
		memberBase: memberBase{
			name:       name,
			flags:      flags | MemberField,
			declType:   declType,
			declModule: declType.Module,
		},
	}
}

func (f *Field) IsAccessible(instType, fromType *Type) bool {
	return accessible(f, instType, fromType)
}

func (f *Field) originatingType() *Type {
	return f.declType
}

// ReadField loads the field from an instance, checking for null and
// for type compatibility, under the instance's field lock.
func (f *Field) ReadField(t *Thread, instance Value, result *Value) error {
	if instance.IsNull() {
		return t.ThrowNullReferenceError(nil)
	}
	if !ValueIsType(instance, f.declType) {
		return t.ThrowTypeError(nil)
	}
	f.readUnchecked(instance, result)
	return nil
}

// ReadFieldFast loads the field, checking only for null.
func (f *Field) ReadFieldFast(t *Thread, instance Value, result *Value) error {
	if instance.IsNull() {
		return t.ThrowNullReferenceError(nil)
	}
	f.readUnchecked(instance, result)
	return nil
}

func (f *Field) readUnchecked(instance Value, result *Value) {
	obj := instance.Obj
	obj.mu.Lock()
	*result = obj.Fields[f.Offset]
	obj.mu.Unlock()
}

// WriteField stores value into the field of an instance with the full
// checks.
func (f *Field) WriteField(t *Thread, instance, value Value) error {
	if instance.IsNull() {
		return t.ThrowNullReferenceError(nil)
	}
	if !ValueIsType(instance, f.declType) {
		return t.ThrowTypeError(nil)
	}
	f.writeUnchecked(instance, value)
	return nil
}

// WriteFieldFast stores value, checking only for null.
func (f *Field) WriteFieldFast(t *Thread, instance, value Value) error {
	if instance.IsNull() {
		return t.ThrowNullReferenceError(nil)
	}
	f.writeUnchecked(instance, value)
	return nil
}

func (f *Field) writeUnchecked(instance, value Value) {
	obj := instance.Obj
	obj.mu.Lock()
	obj.Fields[f.Offset] = value
	obj.mu.Unlock()
}

// Property is a member consisting of up to two accessor methods.
type Property struct {
	memberBase

	Getter *Method
	Setter *Method
}

// NewProperty creates a property member.
func NewProperty(name *String, declType *Type, flags MemberFlags) *Property {
	return &Property{
		memberBase: memberBase{
			name:       name,
			flags:      flags | MemberProperty,
			declType:   declType,
			declModule: declType.Module,
		},
	}
}

func (p *Property) IsAccessible(instType, fromType *Type) bool {
	return accessible(p, instType, fromType)
}

func (p *Property) originatingType() *Type {
	accessor := p.Getter
	if accessor == nil {
		accessor = p.Setter
	}
	return accessor.originatingType()
}
