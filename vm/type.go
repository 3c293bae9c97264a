package vm

import (
	"sync"

	verrors "github.com/osprey-lang/ovum/errors"
)

// ReferenceWalker enumerates the managed values inside a type's native
// representation for the GC.
type ReferenceWalker func(obj *GCObject, visit func(*Value))

// Finalizer is invoked when an instance of the type is collected. A
// finaliser may not allocate managed memory.
type Finalizer func(obj *GCObject)

// Type describes one managed type. Types are effectively immutable
// once their module has loaded; the VM only updates the state flags.
type Type struct {
	Flags TypeFlags

	// BaseType is the type this inherits from (nil only for Object).
	BaseType *Type
	// SharedType is a type whose private and protected members this
	// type has access to; it must live in the same module.
	SharedType *Type

	// FullName is the fully qualified name, e.g. "aves.Object".
	FullName *String

	// FieldsOffset is the index of the first field declared by this
	// type in an instance's field block; it equals the sum of the
	// base chain's field counts.
	FieldsOffset int
	// FieldCount is the number of instance fields this type declares.
	FieldCount int

	// Operators holds the operator implementations; a nil slot means
	// the operator is unsupported.
	Operators [OperatorCount]*MethodOverload

	// RefWalker is set for types with a native representation the GC
	// must walk.
	RefWalker ReferenceWalker
	// Finalizer is invoked when instances die.
	Finalizer Finalizer

	// InstanceCtor is the constructor method group, when declared.
	InstanceCtor *Method

	Module *Module

	vm *VM

	members     map[string]Member
	memberOrder []Member

	typeToken      *StaticRef
	staticCtorLock sync.Mutex
}

// NewType creates a type bound to the given VM. module may be nil for
// programmatically constructed types.
func NewType(owner *VM, module *Module, name *String, flags TypeFlags) *Type {
	return &Type{
		Flags:    flags,
		FullName: name,
		Module:   module,
		vm:       owner,
		members:  make(map[string]Member),
	}
}

// SetBase links the base type and computes the field offset.
func (t *Type) SetBase(base *Type) {
	t.BaseType = base
	if base != nil {
		t.FieldsOffset = base.FieldsOffset + base.FieldCount
	}
}

// VM returns the VM the type belongs to.
func (t *Type) VM() *VM {
	return t.vm
}

// IsPrimitive reports whether values of this type store their payload
// inline.
func (t *Type) IsPrimitive() bool {
	return t.Flags&TypePrimitive == TypePrimitive
}

// IsAbstract reports whether the type cannot be constructed.
func (t *Type) IsAbstract() bool {
	return t.Flags&TypeAbstract == TypeAbstract
}

// InheritsFrom reports whether the type is other or descends from it.
func (t *Type) InheritsFrom(other *Type) bool {
	for cur := t; cur != nil; cur = cur.BaseType {
		if cur == other {
			return true
		}
	}
	return false
}

// TotalFieldCount returns the number of instance fields in the whole
// inheritance chain.
func (t *Type) TotalFieldCount() int {
	return t.FieldsOffset + t.FieldCount
}

// AddMember adds a member to the type's ordered member table. It
// returns false when the name is already taken.
func (t *Type) AddMember(m Member) bool {
	key := m.Name().Key()
	if _, exists := t.members[key]; exists {
		return false
	}
	t.members[key] = m
	t.memberOrder = append(t.memberOrder, m)
	return true
}

// GetMember looks a member up in this type only.
func (t *Type) GetMember(name *String) Member {
	if m, ok := t.members[name.Key()]; ok {
		return m
	}
	return nil
}

// Members returns the ordered member table.
func (t *Type) Members() []Member {
	return t.memberOrder
}

// FindMember walks the base chain and returns the first member with
// the given name that is accessible from fromType. A name match that is
// not accessible is skipped and the walk continues into the base type;
// the first accessible match ends the search.
func (t *Type) FindMember(name *String, fromType *Type) Member {
	key := name.Key()
	for cur := t; cur != nil; cur = cur.BaseType {
		if m, ok := cur.members[key]; ok && m.IsAccessible(t, fromType) {
			return m
		}
	}
	return nil
}

// InitOperators finalises the operator table: unset slots inherit from
// the base type. Runs once per type, base first.
func (t *Type) InitOperators() {
	if t.Flags&TypeOpsInited != 0 {
		return
	}
	t.Flags |= TypeOpsInited
	if t.BaseType == nil {
		return
	}
	t.BaseType.InitOperators()
	for op := 0; op < OperatorCount; op++ {
		if t.Operators[op] == nil {
			t.Operators[op] = t.BaseType.Operators[op]
		}
	}
}

// GetOperator returns the implementation of an operator, if any.
func (t *Type) GetOperator(op Operator) *MethodOverload {
	if t.Flags&TypeOpsInited == 0 {
		t.InitOperators()
	}
	return t.Operators[op]
}

func (t *Type) referenceWalker() ReferenceWalker {
	return t.RefWalker
}

// GetTypeToken returns the aves.reflection.Type instance bound to this
// type, creating it on first request. The token lives in a static
// reference so the GC never moves it out from under us.
func (t *Type) GetTypeToken(th *Thread) (Value, error) {
	if t.typeToken == nil {
		if err := t.loadTypeToken(th); err != nil {
			return NullValue, err
		}
	}
	return t.typeToken.Read(), nil
}

func (t *Type) loadTypeToken(th *Thread) error {
	tokenType := t.vm.Types.Type
	if tokenType == nil || t.vm.Functions.InitTypeToken == nil {
		return verrors.New(verrors.PhaseRuntime, verrors.KindNotFound).
			TypeName(t.FullName.Go()).
			Detail("no reflection type or type token initialiser registered").
			Build()
	}

	ref := t.vm.gc.AddStaticReference(NullValue)

	// The reflection type may not have a public constructor, so the
	// instance is allocated raw and handed to the registered
	// initialiser.
	inst, err := t.vm.gc.AllocInstance(th, tokenType)
	if err != nil {
		return err
	}
	ref.Write(inst)

	if err := t.vm.Functions.InitTypeToken(th, inst.Obj, t); err != nil {
		return err
	}
	t.typeToken = ref
	return nil
}

// InitStaticFields gives every static field of the type a fresh cell
// storing null, unless it already has one.
func (t *Type) InitStaticFields() {
	for _, m := range t.memberOrder {
		if f, ok := m.(*Field); ok && f.IsStatic() && f.StaticValue == nil {
			f.StaticValue = t.vm.gc.AddStaticReference(NullValue)
		}
	}
}

// HasStaticCtorRun reports whether the static constructor completed.
func (t *Type) HasStaticCtorRun() bool {
	return t.Flags&TypeStaticCtorRun != 0
}

// IsStaticCtorRunning reports whether the static constructor is
// currently executing.
func (t *Type) IsStaticCtorRunning() bool {
	return t.Flags&TypeStaticCtorRunning != 0
}

// RunStaticCtor runs the type's static constructor lazily, at most
// once. Re-entrant calls during the constructor body observe the
// running flag and return immediately.
func (t *Type) RunStaticCtor(th *Thread) error {
	t.staticCtorLock.Lock()
	defer t.staticCtorLock.Unlock()

	if t.HasStaticCtorRun() || t.IsStaticCtorRunning() {
		return nil
	}

	t.Flags |= TypeStaticCtorRunning
	t.InitStaticFields()

	if member := t.GetMember(strInit); member != nil {
		method, ok := member.(*Method)
		if !ok {
			t.Flags &^= TypeStaticCtorRunning
			return th.ThrowTypeError(nil)
		}
		mo := method.ResolveOverload(0)
		if mo == nil {
			t.Flags &^= TypeStaticCtorRunning
			return th.ThrowNoOverloadError(0, nil)
		}
		if _, err := th.invokeMethodOverload(mo, 0, th.stackTop()); err != nil {
			t.Flags &^= TypeStaticCtorRunning
			return err
		}
	}

	t.Flags &^= TypeStaticCtorRunning
	t.Flags |= TypeStaticCtorRun
	return nil
}

// ValueIsType reports whether the value's type is typ or descends from
// it. The null value matches no type.
func ValueIsType(v Value, typ *Type) bool {
	for cur := v.Type; cur != nil; cur = cur.BaseType {
		if cur == typ {
			return true
		}
	}
	return false
}
