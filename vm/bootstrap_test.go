package vm_test

// A programmatic stand-in for the aves standard library: just enough
// of the core types, operators and initialiser functions for the
// evaluation tests to run real bytecode. The real library arrives as
// a module file with a native library; the VM core only ever sees the
// same registered surface either way.

import (
	"math"
	"strconv"
	"testing"

	"github.com/osprey-lang/ovum/vm"
)

type testEnv struct {
	vm *vm.VM
	t  *testing.T
}

func newBootstrapVM(t *testing.T) *testEnv {
	t.Helper()
	machine := vm.New(vm.Options{})
	env := &testEnv{vm: machine, t: t}

	object := vm.NewType(machine, nil, vm.NewStaticString("aves.Object"), vm.TypePublic)
	machine.Types.Object = object

	prim := func(name string) *vm.Type {
		typ := vm.NewType(machine, nil, vm.NewStaticString(name), vm.TypePublic|vm.TypePrimitive)
		typ.SetBase(object)
		return typ
	}
	machine.Types.Boolean = prim("aves.Boolean")
	machine.Types.Int = prim("aves.Int")
	machine.Types.UInt = prim("aves.UInt")
	machine.Types.Real = prim("aves.Real")
	machine.Types.Enum = prim("aves.Enum")

	stringType := vm.NewType(machine, nil, vm.NewStaticString("aves.String"), vm.TypePublic)
	stringType.SetBase(object)
	machine.Types.String = stringType

	// Object: reference equality and a type-name toString.
	object.Operators[vm.OpEq] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return t.VM().NewBool(vm.IsSameReference(args[0], args[1])), nil
	})
	addInstanceMethod(object, "toString", 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		name := "null"
		if args[0].Type != nil {
			name = args[0].Type.FullName.Go()
		}
		s, err := t.VM().GC().ConstructString(t, vm.NewStaticString(name).Units())
		if err != nil {
			return vm.NullValue, err
		}
		return t.VM().NewString(s), nil
	})

	env.installIntOperators()
	env.installUIntOperators()
	env.installRealOperators()
	env.installStringOperators()
	env.installContainers()
	env.installMethodType()
	env.installReflection()
	env.installErrors()

	return env
}

// staticNative builds an anonymous static overload for operator slots.
func staticNative(params int, fn vm.NativeMethod) *vm.MethodOverload {
	method := vm.NewMethod(vm.NewStaticString("op"), nil, vm.MemberPublic|vm.MemberImpl)
	overload := &vm.MethodOverload{
		ParamCount:  params,
		MaxStack:    params,
		Flags:       vm.MethodNative,
		NativeEntry: fn,
	}
	method.AddOverload(overload)
	return overload
}

func addInstanceMethod(typ *vm.Type, name string, params int, fn vm.NativeMethod) *vm.Method {
	method := vm.NewMethod(vm.NewStaticString(name), nil, vm.MemberPublic|vm.MemberInstance)
	method.AddOverload(&vm.MethodOverload{
		ParamCount:  params,
		MaxStack:    params + 1,
		Flags:       vm.MethodNative | vm.MethodInstance,
		NativeEntry: fn,
	})
	method.SetDeclType(typ)
	typ.AddMember(method)
	return method
}

func (env *testEnv) installIntOperators() {
	machine := env.vm
	intType := machine.Types.Int

	binary := func(fn func(t *vm.Thread, a, b int64) (vm.Value, error)) *vm.MethodOverload {
		return staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			b := args[1]
			if err := vm.IntFromValue(t, &b); err != nil {
				return vm.NullValue, err
			}
			return fn(t, args[0].Int(), b.Int())
		})
	}

	intType.Operators[vm.OpAdd] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		sum, ok := vm.AddChecked(a, b)
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewInt(sum), nil
	})
	intType.Operators[vm.OpSub] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		diff, ok := vm.SubChecked(a, b)
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewInt(diff), nil
	})
	intType.Operators[vm.OpMul] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		p, ok := vm.MulChecked(a, b)
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewInt(p), nil
	})
	intType.Operators[vm.OpDiv] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		q, divZero, overflow := vm.DivChecked(a, b)
		if divZero {
			return vm.NullValue, t.ThrowDivideByZeroError(nil)
		}
		if overflow {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewInt(q), nil
	})
	intType.Operators[vm.OpMod] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		r, divZero := vm.ModChecked(a, b)
		if divZero {
			return vm.NullValue, t.ThrowDivideByZeroError(nil)
		}
		return t.VM().NewInt(r), nil
	})
	intType.Operators[vm.OpAnd] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		return t.VM().NewInt(a & b), nil
	})
	intType.Operators[vm.OpOr] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		return t.VM().NewInt(a | b), nil
	})
	intType.Operators[vm.OpXor] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		return t.VM().NewInt(a ^ b), nil
	})
	intType.Operators[vm.OpShl] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		return t.VM().NewInt(a << uint(b&63)), nil
	})
	intType.Operators[vm.OpShr] = binary(func(t *vm.Thread, a, b int64) (vm.Value, error) {
		return t.VM().NewInt(a >> uint(b&63)), nil
	})
	intType.Operators[vm.OpNeg] = staticNative(1, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		n, ok := vm.NegChecked(args[0].Int())
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewInt(n), nil
	})
	intType.Operators[vm.OpPlus] = staticNative(1, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return args[0], nil
	})
	intType.Operators[vm.OpNot] = staticNative(1, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return t.VM().NewInt(^args[0].Int()), nil
	})
	intType.Operators[vm.OpEq] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		eq := args[1].Type == t.VM().Types.Int && args[0].Int() == args[1].Int()
		return t.VM().NewBool(eq), nil
	})
	intType.Operators[vm.OpCmp] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		b := args[1]
		if err := vm.IntFromValue(t, &b); err != nil {
			return vm.NullValue, err
		}
		switch {
		case args[0].Int() < b.Int():
			return t.VM().NewInt(-1), nil
		case args[0].Int() > b.Int():
			return t.VM().NewInt(1), nil
		default:
			return t.VM().NewInt(0), nil
		}
	})

	addInstanceMethod(intType, "toString", 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		s, err := t.VM().GC().ConstructString(t,
			vm.NewStaticString(strconv.FormatInt(args[0].Int(), 10)).Units())
		if err != nil {
			return vm.NullValue, err
		}
		return t.VM().NewString(s), nil
	})
}

func (env *testEnv) installUIntOperators() {
	machine := env.vm
	uintType := machine.Types.UInt

	uintType.Operators[vm.OpAdd] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		b := args[1]
		if err := vm.UIntFromValue(t, &b); err != nil {
			return vm.NullValue, err
		}
		sum, ok := vm.UAddChecked(args[0].UInt(), b.UInt())
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewUInt(sum), nil
	})
	uintType.Operators[vm.OpSub] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		b := args[1]
		if err := vm.UIntFromValue(t, &b); err != nil {
			return vm.NullValue, err
		}
		diff, ok := vm.USubChecked(args[0].UInt(), b.UInt())
		if !ok {
			return vm.NullValue, t.ThrowOverflowError(nil)
		}
		return t.VM().NewUInt(diff), nil
	})
	uintType.Operators[vm.OpEq] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		eq := args[1].Type == t.VM().Types.UInt && args[0].UInt() == args[1].UInt()
		return t.VM().NewBool(eq), nil
	})
}

func (env *testEnv) installRealOperators() {
	machine := env.vm
	realType := machine.Types.Real

	binary := func(fn func(a, b float64) float64) *vm.MethodOverload {
		return staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			b := args[1]
			if err := vm.RealFromValue(t, &b); err != nil {
				return vm.NullValue, err
			}
			return t.VM().NewReal(fn(args[0].Real(), b.Real())), nil
		})
	}
	realType.Operators[vm.OpAdd] = binary(func(a, b float64) float64 { return a + b })
	realType.Operators[vm.OpSub] = binary(func(a, b float64) float64 { return a - b })
	realType.Operators[vm.OpMul] = binary(func(a, b float64) float64 { return a * b })
	realType.Operators[vm.OpDiv] = binary(func(a, b float64) float64 { return a / b })
	realType.Operators[vm.OpPow] = binary(math.Pow)
	realType.Operators[vm.OpEq] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		eq := args[1].Type == t.VM().Types.Real && args[0].Real() == args[1].Real()
		return t.VM().NewBool(eq), nil
	})
}

func (env *testEnv) installStringOperators() {
	machine := env.vm
	stringType := machine.Types.String

	stringType.Operators[vm.OpEq] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		eq := args[1].Type == t.VM().Types.String && args[0].Str.EqualTo(args[1].Str)
		return t.VM().NewBool(eq), nil
	})
	stringType.Operators[vm.OpCmp] = staticNative(2, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		if args[1].Type != t.VM().Types.String {
			return vm.NullValue, t.ThrowTypeError(nil)
		}
		return t.VM().NewInt(int64(args[0].Str.Compare(args[1].Str))), nil
	})
	addInstanceMethod(stringType, "toString", 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return args[0], nil
	})
}

func (env *testEnv) installContainers() {
	machine := env.vm

	listType := vm.NewType(machine, nil, vm.NewStaticString("aves.List"), vm.TypePublic|vm.TypeCustomPtr)
	listType.SetBase(machine.Types.Object)
	listType.RefWalker = vm.WalkListRefs
	machine.Types.List = listType
	machine.Functions.InitListInstance = func(t *vm.Thread, list *vm.ListInst, capacity int) error {
		list.Values = make([]vm.Value, capacity)
		list.Length = 0
		return nil
	}

	// The list indexer reads and writes by position.
	listGetter := vm.NewMethod(vm.NewStaticString(".item.get"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	listGetter.AddOverload(&vm.MethodOverload{
		ParamCount: 1,
		MaxStack:   2,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			list := vm.AsList(args[0])
			idx := args[1].Int()
			if list == nil || idx < 0 || idx >= int64(list.Length) {
				return vm.NullValue, t.ThrowError(nil)
			}
			return list.Values[idx], nil
		},
	})
	listGetter.SetDeclType(listType)
	listSetter := vm.NewMethod(vm.NewStaticString(".item.set"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	listSetter.AddOverload(&vm.MethodOverload{
		ParamCount: 2,
		MaxStack:   3,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			list := vm.AsList(args[0])
			idx := args[1].Int()
			if list == nil || idx < 0 || idx >= int64(cap(list.Values)) {
				return vm.NullValue, t.ThrowError(nil)
			}
			list.Values[idx] = args[2]
			if int(idx) >= list.Length {
				list.Length = int(idx) + 1
			}
			return vm.NullValue, nil
		},
	})
	listSetter.SetDeclType(listType)
	listItem := vm.NewProperty(vm.NewStaticString(".item"), listType, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	listItem.Getter = listGetter
	listItem.Setter = listSetter
	listType.AddMember(listItem)

	hashType := vm.NewType(machine, nil, vm.NewStaticString("aves.Hash"), vm.TypePublic|vm.TypeCustomPtr)
	hashType.SetBase(machine.Types.Object)
	hashType.RefWalker = vm.WalkHashRefs
	machine.Types.Hash = hashType
	machine.Functions.InitHashInstance = func(t *vm.Thread, hash *vm.HashInst, capacity int) error {
		hash.Entries = make([]vm.HashEntry, 0, capacity)
		return nil
	}

	hashGetter := vm.NewMethod(vm.NewStaticString(".item.get"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	hashGetter.AddOverload(&vm.MethodOverload{
		ParamCount: 1,
		MaxStack:   2,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			hash := vm.AsHash(args[0])
			for _, e := range hash.Entries {
				if vm.IsSameReference(e.Key, args[1]) {
					return e.Value, nil
				}
			}
			return vm.NullValue, nil
		},
	})
	hashGetter.SetDeclType(hashType)
	hashSetter := vm.NewMethod(vm.NewStaticString(".item.set"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	hashSetter.AddOverload(&vm.MethodOverload{
		ParamCount: 2,
		MaxStack:   3,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			hash := vm.AsHash(args[0])
			for i := range hash.Entries {
				if vm.IsSameReference(hash.Entries[i].Key, args[1]) {
					hash.Entries[i].Value = args[2]
					return vm.NullValue, nil
				}
			}
			hash.Entries = append(hash.Entries, vm.HashEntry{Key: args[1], Value: args[2]})
			return vm.NullValue, nil
		},
	})
	hashSetter.SetDeclType(hashType)
	hashItem := vm.NewProperty(vm.NewStaticString(".item"), hashType, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	hashItem.Getter = hashGetter
	hashItem.Setter = hashSetter
	hashType.AddMember(hashItem)

	iterType := vm.NewType(machine, nil, vm.NewStaticString("aves.Iterator"), vm.TypePublic|vm.TypeAbstract)
	iterType.SetBase(machine.Types.Object)
	machine.Types.Iterator = iterType
}

func (env *testEnv) installMethodType() {
	machine := env.vm
	methodType := vm.NewType(machine, nil, vm.NewStaticString("aves.Method"), vm.TypePublic|vm.TypeCustomPtr)
	methodType.SetBase(machine.Types.Object)
	methodType.RefWalker = vm.WalkMethodRefs
	machine.Types.Method = methodType
}

func (env *testEnv) installReflection() {
	machine := env.vm
	reflType := vm.NewType(machine, nil, vm.NewStaticString("aves.reflection.Type"), vm.TypePublic|vm.TypeCustomPtr)
	reflType.SetBase(machine.Types.Object)
	machine.Types.Type = reflType
	machine.Functions.InitTypeToken = func(t *vm.Thread, instance *vm.GCObject, typ *vm.Type) error {
		instance.Native = typ
		return nil
	}
}

func (env *testEnv) installErrors() {
	machine := env.vm

	errorType := vm.NewType(machine, nil, vm.NewStaticString("aves.Error"), vm.TypePublic|vm.TypeCustomPtr)
	errorType.SetBase(machine.Types.Object)
	errorType.RefWalker = vm.WalkErrorRefs
	machine.Types.Error = errorType

	// Shared constructor: (message).
	ctor := vm.NewMethod(vm.NewStaticString(".new"), nil, vm.MemberPublic|vm.MemberInstance)
	ctor.AddOverload(&vm.MethodOverload{
		ParamCount: 1,
		MaxStack:   2,
		Flags:      vm.MethodNative | vm.MethodInstance | vm.MethodCtor,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			args[0].Obj.Native = &vm.ErrorInst{Message: args[1]}
			return vm.NullValue, nil
		},
	})
	ctor.SetDeclType(errorType)
	errorType.AddMember(ctor)
	errorType.InstanceCtor = ctor

	// message and stackTrace properties.
	messageGetter := vm.NewMethod(vm.NewStaticString("message.get"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	messageGetter.AddOverload(&vm.MethodOverload{
		ParamCount: 0,
		MaxStack:   1,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			if ei := vm.AsErrorInst(args[0]); ei != nil {
				return ei.Message, nil
			}
			return vm.NullValue, nil
		},
	})
	messageGetter.SetDeclType(errorType)
	messageProp := vm.NewProperty(vm.NewStaticString("message"), errorType, vm.MemberPublic|vm.MemberInstance)
	messageProp.Getter = messageGetter
	errorType.AddMember(messageProp)

	traceGetter := vm.NewMethod(vm.NewStaticString("stackTrace.get"), nil, vm.MemberPublic|vm.MemberInstance|vm.MemberImpl)
	traceGetter.AddOverload(&vm.MethodOverload{
		ParamCount: 0,
		MaxStack:   1,
		Flags:      vm.MethodNative | vm.MethodInstance,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			if ei := vm.AsErrorInst(args[0]); ei != nil {
				return ei.StackTrace, nil
			}
			return vm.NullValue, nil
		},
	})
	traceGetter.SetDeclType(errorType)
	traceProp := vm.NewProperty(vm.NewStaticString("stackTrace"), errorType, vm.MemberPublic|vm.MemberInstance)
	traceProp.Getter = traceGetter
	errorType.AddMember(traceProp)

	derive := func(name string) *vm.Type {
		typ := vm.NewType(machine, nil, vm.NewStaticString(name), vm.TypePublic|vm.TypeCustomPtr)
		typ.SetBase(errorType)
		typ.RefWalker = vm.WalkErrorRefs
		typ.InstanceCtor = ctor
		return typ
	}
	machine.Types.TypeError = derive("aves.TypeError")
	machine.Types.MemoryError = derive("aves.MemoryError")
	machine.Types.OverflowError = derive("aves.OverflowError")
	machine.Types.DivideByZeroError = derive("aves.DivideByZeroError")
	machine.Types.NullReferenceError = derive("aves.NullReferenceError")
	machine.Types.MemberNotFoundError = derive("aves.MemberNotFoundError")

	noOverload := derive("aves.NoOverloadError")
	noCtor := vm.NewMethod(vm.NewStaticString(".new"), nil, vm.MemberPublic|vm.MemberInstance)
	noCtor.AddOverload(&vm.MethodOverload{
		ParamCount: 2,
		MaxStack:   3,
		Flags:      vm.MethodNative | vm.MethodInstance | vm.MethodCtor,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			args[0].Obj.Native = &vm.ErrorInst{Message: args[2]}
			return vm.NullValue, nil
		},
	})
	noCtor.SetDeclType(noOverload)
	noOverload.InstanceCtor = noCtor
	machine.Types.NoOverloadError = noOverload
}

// newTestModule builds a bare module with a string table for bytecode
// tests; the returned function maps Go strings to their tokens.
func newTestModule(machine *vm.VM, strs ...string) (*vm.Module, func(string) uint32) {
	mod := vm.NewModule(machine, vm.NewStaticString("test"), vm.ModuleVersion{Major: 1})
	mod.FullyOpened = true
	index := make(map[string]uint32, len(strs))
	for i, s := range strs {
		mod.Strings = append(mod.Strings, vm.NewStaticString(s))
		index[s] = vm.MakeToken(vm.TokenString, i)
	}
	return mod, func(s string) uint32 {
		tok, ok := index[s]
		if !ok {
			panic("string not declared in test module: " + s)
		}
		return tok
	}
}

// addModuleFunction registers a managed function in the module and
// returns the method and its FunctionDef token.
func addModuleFunction(mod *vm.Module, name string, overload *vm.MethodOverload) (*vm.Method, uint32) {
	method := vm.NewMethod(vm.NewStaticString(name), mod, vm.MemberPublic)
	method.AddOverload(overload)
	mod.Functions = append(mod.Functions, method)
	return method, vm.MakeToken(vm.TokenFunctionDef, len(mod.Functions)-1)
}
