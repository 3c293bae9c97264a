package vm

import verrors "github.com/osprey-lang/ovum/errors"

// StandardTypes is the table of core types the VM must locate by fully
// qualified name in loaded modules.
type StandardTypes struct {
	Object              *Type
	Boolean             *Type
	Int                 *Type
	UInt                *Type
	Real                *Type
	String              *Type
	Enum                *Type
	List                *Type
	Hash                *Type
	Method              *Type
	Iterator            *Type
	Type                *Type
	Error               *Type
	TypeError           *Type
	MemoryError         *Type
	OverflowError       *Type
	NoOverloadError     *Type
	DivideByZeroError   *Type
	NullReferenceError  *Type
	MemberNotFoundError *Type
}

// Initialiser function pointers the VM consumes from the standard
// library's native library.
type (
	// ListInitializer prepares a freshly allocated aves.List instance
	// with at least the given capacity.
	ListInitializer func(t *Thread, list *ListInst, capacity int) error
	// HashInitializer prepares a freshly allocated aves.Hash instance
	// with at least the given capacity.
	HashInitializer func(t *Thread, hash *HashInst, capacity int) error
	// TypeTokenInitializer binds a freshly allocated reflection
	// instance to its Type.
	TypeTokenInitializer func(t *Thread, instance *GCObject, typ *Type) error
)

// FunctionTable holds the registered standard-library initialisers.
type FunctionTable struct {
	InitListInstance ListInitializer
	InitHashInstance HashInitializer
	InitTypeToken    TypeTokenInitializer
}

type stdTypeEntry struct {
	name       string
	slot       func(*StandardTypes) **Type
	initerName string
	bindIniter func(*VM, any) bool
}

var stdTypes = []stdTypeEntry{
	{name: "aves.Object", slot: func(s *StandardTypes) **Type { return &s.Object }},
	{name: "aves.Boolean", slot: func(s *StandardTypes) **Type { return &s.Boolean }},
	{name: "aves.Int", slot: func(s *StandardTypes) **Type { return &s.Int }},
	{name: "aves.UInt", slot: func(s *StandardTypes) **Type { return &s.UInt }},
	{name: "aves.Real", slot: func(s *StandardTypes) **Type { return &s.Real }},
	{name: "aves.String", slot: func(s *StandardTypes) **Type { return &s.String }},
	{name: "aves.Enum", slot: func(s *StandardTypes) **Type { return &s.Enum }},
	{
		name:       "aves.List",
		slot:       func(s *StandardTypes) **Type { return &s.List },
		initerName: "InitListInstance",
		bindIniter: func(v *VM, fn any) bool {
			f, ok := fn.(ListInitializer)
			if ok {
				v.Functions.InitListInstance = f
			}
			return ok
		},
	},
	{
		name:       "aves.Hash",
		slot:       func(s *StandardTypes) **Type { return &s.Hash },
		initerName: "InitHashInstance",
		bindIniter: func(v *VM, fn any) bool {
			f, ok := fn.(HashInitializer)
			if ok {
				v.Functions.InitHashInstance = f
			}
			return ok
		},
	},
	{name: "aves.Method", slot: func(s *StandardTypes) **Type { return &s.Method }},
	{name: "aves.Iterator", slot: func(s *StandardTypes) **Type { return &s.Iterator }},
	{
		name:       "aves.reflection.Type",
		slot:       func(s *StandardTypes) **Type { return &s.Type },
		initerName: "InitTypeToken",
		bindIniter: func(v *VM, fn any) bool {
			f, ok := fn.(TypeTokenInitializer)
			if ok {
				v.Functions.InitTypeToken = f
			}
			return ok
		},
	},
	{name: "aves.Error", slot: func(s *StandardTypes) **Type { return &s.Error }},
	{name: "aves.TypeError", slot: func(s *StandardTypes) **Type { return &s.TypeError }},
	{name: "aves.MemoryError", slot: func(s *StandardTypes) **Type { return &s.MemoryError }},
	{name: "aves.OverflowError", slot: func(s *StandardTypes) **Type { return &s.OverflowError }},
	{name: "aves.NoOverloadError", slot: func(s *StandardTypes) **Type { return &s.NoOverloadError }},
	{name: "aves.DivideByZeroError", slot: func(s *StandardTypes) **Type { return &s.DivideByZeroError }},
	{name: "aves.NullReferenceError", slot: func(s *StandardTypes) **Type { return &s.NullReferenceError }},
	{name: "aves.MemberNotFoundError", slot: func(s *StandardTypes) **Type { return &s.MemberNotFoundError }},
}

// TryRegisterStandardType checks a freshly built type against the
// fixed list of standard type names and stores matches in the VM's
// table. A subset of the names also requires an initialiser function
// in the declaring module's native library.
func (v *VM) TryRegisterStandardType(t *Type, fromModule *Module, file string) error {
	name := t.FullName.Go()
	for _, entry := range stdTypes {
		if entry.name != name {
			continue
		}
		slot := entry.slot(&v.Types)
		if *slot != nil {
			return nil // first registration wins
		}
		*slot = t

		if entry.initerName != "" {
			if fromModule == nil || fromModule.NativeLib == nil {
				return verrors.New(verrors.PhaseLoad, verrors.KindMissingEntryPoint).
					File(file).
					Member(entry.initerName).
					Detail("missing instance initializer for standard type in native library").
					Build()
			}
			fn, ok := fromModule.NativeLib.Symbol(entry.initerName)
			if !ok || !entry.bindIniter(v, fn) {
				return verrors.New(verrors.PhaseLoad, verrors.KindMissingEntryPoint).
					File(file).
					Member(entry.initerName).
					Detail("missing instance initializer for standard type in native library").
					Build()
			}
		}
		return nil
	}
	return nil
}

// CheckStandardTypes verifies that every standard type has been
// registered; called after the startup module and its dependencies
// have loaded.
func (v *VM) CheckStandardTypes() error {
	for _, entry := range stdTypes {
		if *entry.slot(&v.Types) == nil {
			return verrors.New(verrors.PhaseStartup, verrors.KindNotFound).
				TypeName(entry.name).
				Detail("standard type not loaded").
				Build()
		}
	}
	return nil
}
