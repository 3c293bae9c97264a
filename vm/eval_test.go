package vm_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/ovm"
	"github.com/osprey-lang/ovum/vm"
)

func managedOverload(params, locals, maxStack int, body []byte) *vm.MethodOverload {
	return &vm.MethodOverload{
		ParamCount: params,
		LocalCount: locals,
		MaxStack:   maxStack,
		Bytecode:   body,
	}
}

func nativeOverload(params int, flags vm.MethodFlags, fn vm.NativeMethod) *vm.MethodOverload {
	return &vm.MethodOverload{
		ParamCount:  params,
		MaxStack:    params + 1,
		Flags:       vm.MethodNative | flags,
		NativeEntry: fn,
	}
}

func runFunction(t *testing.T, machine *vm.VM, method *vm.Method, args ...vm.Value) (vm.Value, error) {
	t.Helper()
	th := machine.MainThread()
	for _, a := range args {
		th.Push(a)
	}
	return th.Start(method, len(args))
}

func thrownType(t *testing.T, err error) *vm.Type {
	t.Helper()
	var thrown *vm.ThrownError
	if !errors.As(err, &thrown) {
		t.Fatalf("expected a managed error, got %v", err)
	}
	return thrown.Value.Type
}

// String concatenation: ["abc", "def"] concat ret yields a six-char
// aves.String.
func TestEvalStringConcat(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "abc", "def")

	body := ovm.NewAsm().
		Ldstr(tok("abc")).
		Ldstr(tok("def")).
		Concat().
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "concatTest", managedOverload(0, 0, 8, body))

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != env.vm.Types.String {
		t.Fatalf("result type = %v", result.Type)
	}
	if result.Str.Length() != 6 || result.Str.Go() != "abcdef" {
		t.Errorf("result = %q (len %d)", result.Str.Go(), result.Str.Length())
	}
}

// Arithmetic overflow: MaxInt64 + 1 throws OverflowError.
func TestEvalArithmeticOverflow(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	body := ovm.NewAsm().
		Ldarg(0).
		Ldarg(1).
		Add().
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "add", managedOverload(2, 0, 8, body))

	_, err := runFunction(t, env.vm, fn,
		env.vm.NewInt(math.MaxInt64), env.vm.NewInt(1))
	if err == nil {
		t.Fatal("expected overflow")
	}
	if typ := thrownType(t, err); typ != env.vm.Types.OverflowError {
		t.Errorf("thrown type = %s", typ.FullName.Go())
	}

	// The happy path still works.
	result, err := runFunction(t, env.vm, fn, env.vm.NewInt(3), env.vm.NewInt(4))
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 7 {
		t.Errorf("3+4 = %d", result.Int())
	}
}

// Operator dispatch: a custom type whose unary minus returns 42.
func TestEvalOperatorDispatch(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	negType := vm.NewType(env.vm, nil, vm.NewStaticString("test.Neg"), vm.TypePublic)
	negType.SetBase(env.vm.Types.Object)
	negType.Operators[vm.OpNeg] = nativeOverload(1, 0,
		func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			return t.VM().NewInt(42), nil
		})

	body := ovm.NewAsm().
		Ldarg(0).
		Neg().
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "negate", managedOverload(1, 0, 8, body))

	inst, err := env.vm.GC().AllocInstance(env.vm.MainThread(), negType)
	if err != nil {
		t.Fatal(err)
	}
	result, err := runFunction(t, env.vm, fn, inst)
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != env.vm.Types.Int || result.Int() != 42 {
		t.Errorf("result = %v", result)
	}

	// A missing operator names the operator in the TypeError.
	plainType := vm.NewType(env.vm, nil, vm.NewStaticString("test.Plain"), vm.TypePublic)
	plainType.SetBase(env.vm.Types.Object)
	plain, err := env.vm.GC().AllocInstance(env.vm.MainThread(), plainType)
	if err != nil {
		t.Fatal(err)
	}
	_, err = runFunction(t, env.vm, fn, plain)
	if typ := thrownType(t, err); typ != env.vm.Types.TypeError {
		t.Fatalf("thrown type = %v", typ.FullName.Go())
	}
	var thrown *vm.ThrownError
	errors.As(err, &thrown)
	if ei := vm.AsErrorInst(thrown.Value); ei == nil ||
		!strings.Contains(ei.Message.Str.Go(), "(Operator: -)") {
		t.Error("missing-operator message does not name the operator")
	}
}

// Variadic adaptation: f(x, ...rest) called with [1 2 3 4] sees x=1
// and rest=[2 3 4].
func TestEvalVariadicCall(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	var gotX int64
	var gotRest []int64
	fn, _ := addModuleFunction(mod, "variadic",
		nativeOverload(2, vm.MethodVarEnd, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			gotX = args[0].Int()
			rest := vm.AsList(args[1])
			if rest == nil {
				return vm.NullValue, t.ThrowTypeError(nil)
			}
			gotRest = nil
			for i := 0; i < rest.Length; i++ {
				gotRest = append(gotRest, rest.Values[i].Int())
			}
			return t.VM().NewBool(true), nil
		}))

	th := env.vm.MainThread()
	for _, n := range []int64{1, 2, 3, 4} {
		th.Push(env.vm.NewInt(n))
	}
	var result vm.Value
	if err := th.InvokeMethod(fn, 4, &result); err != nil {
		t.Fatal(err)
	}
	if gotX != 1 {
		t.Errorf("x = %d, want 1", gotX)
	}
	if len(gotRest) != 3 || gotRest[0] != 2 || gotRest[1] != 3 || gotRest[2] != 4 {
		t.Errorf("rest = %v, want [2 3 4]", gotRest)
	}

	// The minimum call packs an empty list.
	th.Push(env.vm.NewInt(9))
	if err := th.InvokeMethod(fn, 1, &result); err != nil {
		t.Fatal(err)
	}
	if gotX != 9 || len(gotRest) != 0 {
		t.Errorf("x=%d rest=%v, want 9 []", gotX, gotRest)
	}
}

// Leading-variadic adaptation: g(...first, y).
func TestEvalVariadicStart(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	var gotFirst []int64
	var gotY int64
	fn, _ := addModuleFunction(mod, "varstart",
		nativeOverload(2, vm.MethodVarStart, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			first := vm.AsList(args[0])
			gotFirst = nil
			for i := 0; i < first.Length; i++ {
				gotFirst = append(gotFirst, first.Values[i].Int())
			}
			gotY = args[1].Int()
			return vm.NullValue, nil
		}))

	th := env.vm.MainThread()
	for _, n := range []int64{1, 2, 3, 4} {
		th.Push(env.vm.NewInt(n))
	}
	var result vm.Value
	if err := th.InvokeMethod(fn, 4, &result); err != nil {
		t.Fatal(err)
	}
	if len(gotFirst) != 3 || gotFirst[0] != 1 || gotFirst[2] != 3 {
		t.Errorf("first = %v, want [1 2 3]", gotFirst)
	}
	if gotY != 4 {
		t.Errorf("y = %d, want 4", gotY)
	}
}

// UInt addition past the maximum throws OverflowError.
func TestEvalUIntOverflow(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	body := ovm.NewAsm().
		Ldarg(0).
		Ldarg(1).
		Add().
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "uadd", managedOverload(2, 0, 8, body))

	_, err := runFunction(t, env.vm, fn,
		env.vm.NewUInt(math.MaxUint64), env.vm.NewUInt(1))
	if typ := thrownType(t, err); typ != env.vm.Types.OverflowError {
		t.Errorf("thrown type = %v", typ.FullName.Go())
	}
}

// lditer resolves the .iter member of the operand.
func TestEvalLoadIterator(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	iterable := vm.NewType(env.vm, nil, vm.NewStaticString("test.Range"), vm.TypePublic)
	iterable.SetBase(env.vm.Types.Object)
	addInstanceMethod(iterable, ".iter", 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return t.VM().NewInt(5), nil
	})

	body := ovm.NewAsm().
		Ldarg(0).
		Lditer().
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "iterate", managedOverload(1, 0, 8, body))

	inst, err := env.vm.GC().AllocInstance(env.vm.MainThread(), iterable)
	if err != nil {
		t.Fatal(err)
	}
	result, err := runFunction(t, env.vm, fn, inst)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 5 {
		t.Errorf("lditer = %v", result)
	}
}

// Try/catch/finally: the catch receives the error, the finally runs
// for effect, and the method returns the caught message.
func TestEvalTryCatchFinally(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "hi", "message")

	typeErrTok := vm.MakeToken(vm.TokenTypeRef, 0)
	mod.TypeRefs = append(mod.TypeRefs, env.vm.Types.TypeError)

	finallyRuns := 0
	_, counterTok := addModuleFunction(mod, "count",
		nativeOverload(0, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			finallyRuns++
			return vm.NullValue, nil
		}))

	a := ovm.NewAsm()
	end := a.NewLabel()

	tryStart := a.Here()
	a.Ldstr(tok("hi"))
	a.Newobj(typeErrTok, 1)
	a.Throw()
	tryEnd := a.Here()

	catchStart := a.Here()
	a.Ldmem(tok("message"))
	a.Stloc(0)
	a.Leave(end)
	catchEnd := a.Here()

	finallyStart := a.Here()
	a.Scall(counterTok, 0)
	a.Pop()
	a.Endfinally()
	finallyEnd := a.Here()

	a.Mark(end)
	a.Ldloc(0)
	a.Ret()

	overload := managedOverload(0, 1, 8, a.Bytes())
	overload.TryBlocks = []*vm.TryBlock{
		{
			Kind:     vm.TryCatch,
			TryStart: int(tryStart),
			TryEnd:   int(tryEnd),
			Catches: []vm.CatchBlock{{
				CaughtType: env.vm.Types.TypeError,
				Start:      int(catchStart),
				End:        int(catchEnd),
			}},
		},
		{
			Kind:         vm.TryFinally,
			TryStart:     int(tryStart),
			TryEnd:       int(finallyStart),
			HandlerStart: int(finallyStart),
			HandlerEnd:   int(finallyEnd),
		},
	}
	fn, _ := addModuleFunction(mod, "tryCatchFinally", overload)

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != env.vm.Types.String || result.Str.Go() != "hi" {
		t.Errorf("result = %v", result)
	}
	if finallyRuns != 1 {
		t.Errorf("finally ran %d times, want 1", finallyRuns)
	}
}

// A finally that leaves a value on the stack is rejected by the
// initialiser's stack-balance check.
func TestEvalFinallyCannotLeaveValues(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "done")

	a := ovm.NewAsm()
	end := a.NewLabel()

	tryStart := a.Here()
	a.Leave(end)
	tryEnd := a.Here()

	finallyStart := a.Here()
	a.Ldstr(tok("done"))
	a.Endfinally()
	finallyEnd := a.Here()

	a.Mark(end)
	a.Retnull()

	overload := managedOverload(0, 0, 8, a.Bytes())
	overload.TryBlocks = []*vm.TryBlock{{
		Kind:         vm.TryFinally,
		TryStart:     int(tryStart),
		TryEnd:       int(tryEnd),
		HandlerStart: int(finallyStart),
		HandlerEnd:   int(finallyEnd),
	}}
	fn, _ := addModuleFunction(mod, "badFinally", overload)

	_, err := runFunction(t, env.vm, fn)
	if err == nil {
		t.Fatal("expected a stack-balance error")
	}
	var e *verrors.Error
	if !errors.As(err, &e) || e.Kind != verrors.KindInconsistentStack {
		t.Errorf("unexpected error: %v", err)
	}
}

// A fault handler runs during exception unwinding, like a finally.
func TestEvalFaultHandler(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "boom")

	typeErrTok := vm.MakeToken(vm.TokenTypeRef, 0)
	mod.TypeRefs = append(mod.TypeRefs, env.vm.Types.TypeError)

	faultRuns := 0
	_, counterTok := addModuleFunction(mod, "faultCount",
		nativeOverload(0, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			faultRuns++
			return vm.NullValue, nil
		}))

	a := ovm.NewAsm()
	tryStart := a.Here()
	a.Ldstr(tok("boom"))
	a.Newobj(typeErrTok, 1)
	a.Throw()
	tryEnd := a.Here()

	faultStart := a.Here()
	a.Scall(counterTok, 0)
	a.Pop()
	a.Endfinally()
	faultEnd := a.Here()

	a.Retnull()

	overload := managedOverload(0, 0, 8, a.Bytes())
	overload.TryBlocks = []*vm.TryBlock{{
		Kind:         vm.TryFault,
		TryStart:     int(tryStart),
		TryEnd:       int(tryEnd),
		HandlerStart: int(faultStart),
		HandlerEnd:   int(faultEnd),
	}}
	fn, _ := addModuleFunction(mod, "faulty", overload)

	_, err := runFunction(t, env.vm, fn)
	if typ := thrownType(t, err); typ != env.vm.Types.TypeError {
		t.Fatalf("thrown type = %v", typ)
	}
	if faultRuns != 1 {
		t.Errorf("fault handler ran %d times, want 1", faultRuns)
	}
}

// A switch with an Int outside [0, count) falls through.
func TestEvalSwitch(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	a := ovm.NewAsm()
	l1 := a.NewLabel()
	l2 := a.NewLabel()
	a.Ldarg(0)
	a.Switch(l1, l2)
	a.LdcI(99).Ret()
	a.Mark(l1)
	a.LdcI(1).Ret()
	a.Mark(l2)
	a.LdcI(2).Ret()

	fn, _ := addModuleFunction(mod, "switcher", managedOverload(1, 0, 8, a.Bytes()))

	tests := []struct {
		arg  int64
		want int64
	}{
		{0, 1},
		{1, 2},
		{2, 99},
		{-1, 99},
		{100, 99},
	}
	for _, tt := range tests {
		result, err := runFunction(t, env.vm, fn, env.vm.NewInt(tt.arg))
		if err != nil {
			t.Fatalf("switch(%d): %v", tt.arg, err)
		}
		if result.Int() != tt.want {
			t.Errorf("switch(%d) = %d, want %d", tt.arg, result.Int(), tt.want)
		}
	}

	// A non-Int selector is a TypeError.
	_, err := runFunction(t, env.vm, fn, env.vm.NewReal(1))
	if typ := thrownType(t, err); typ != env.vm.Types.TypeError {
		t.Errorf("thrown type = %v", typ)
	}
}

// Loading a field on null throws NullReferenceError.
func TestEvalNullFieldAccess(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	boxType := vm.NewType(env.vm, nil, vm.NewStaticString("test.Box"), vm.TypePublic)
	boxType.SetBase(env.vm.Types.Object)
	field := vm.NewField(vm.NewStaticString("value"), boxType, vm.MemberPublic|vm.MemberInstance)
	field.Offset = 0
	boxType.FieldCount = 1
	boxType.AddMember(field)
	mod.Fields = append(mod.Fields, field)
	fieldTok := vm.MakeToken(vm.TokenFieldDef, 0)

	body := ovm.NewAsm().
		Ldarg(0).
		Ldfld(fieldTok).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "getValue", managedOverload(1, 0, 8, body))

	_, err := runFunction(t, env.vm, fn, vm.NullValue)
	if typ := thrownType(t, err); typ != env.vm.Types.NullReferenceError {
		t.Errorf("thrown type = %v", typ)
	}

	// With an instance, the field round-trips.
	inst, err := env.vm.GC().AllocInstance(env.vm.MainThread(), boxType)
	if err != nil {
		t.Fatal(err)
	}
	inst.Obj.Fields[0] = env.vm.NewInt(123)
	result, err := runFunction(t, env.vm, fn, inst)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 123 {
		t.Errorf("field = %d", result.Int())
	}
}

// Static fields: the static constructor runs lazily, at most once.
func TestEvalStaticFields(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	holder := vm.NewType(env.vm, nil, vm.NewStaticString("test.Holder"), vm.TypePublic)
	holder.SetBase(env.vm.Types.Object)
	staticField := vm.NewField(vm.NewStaticString("counter"), holder, vm.MemberPublic)
	holder.AddMember(staticField)
	mod.Fields = append(mod.Fields, staticField)
	fieldTok := vm.MakeToken(vm.TokenFieldDef, 0)

	ctorRuns := 0
	init := vm.NewMethod(vm.NewStaticString(".init"), nil, vm.MemberPrivate)
	init.AddOverload(&vm.MethodOverload{
		MaxStack: 1,
		Flags:    vm.MethodNative,
		NativeEntry: func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			ctorRuns++
			staticField.StaticValue.Write(t.VM().NewInt(7))
			return vm.NullValue, nil
		},
	})
	init.SetDeclType(holder)
	holder.AddMember(init)

	body := ovm.NewAsm().
		Ldsfld(fieldTok).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "readStatic", managedOverload(0, 0, 8, body))

	for i := 0; i < 2; i++ {
		result, err := runFunction(t, env.vm, fn)
		if err != nil {
			t.Fatal(err)
		}
		if result.Int() != 7 {
			t.Errorf("static = %d, want 7", result.Int())
		}
	}
	if ctorRuns != 1 {
		t.Errorf("static ctor ran %d times, want 1", ctorRuns)
	}
}

// Function application through sapply unpacks an aves.List.
func TestEvalStaticApply(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	sum, sumTok := addModuleFunction(mod, "sum",
		nativeOverload(2, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			return t.VM().NewInt(args[0].Int() + args[1].Int()), nil
		}))
	_ = sum

	_, buildTok := addModuleFunction(mod, "buildArgs",
		nativeOverload(0, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			listValue, err := t.VM().GC().AllocInstance(t, t.VM().Types.List)
			if err != nil {
				return vm.NullValue, err
			}
			list := &vm.ListInst{Values: make([]vm.Value, 2), Length: 2}
			list.Values[0] = t.VM().NewInt(1)
			list.Values[1] = t.VM().NewInt(2)
			listValue.Obj.Native = list
			return listValue, nil
		}))

	body := ovm.NewAsm().
		Scall(buildTok, 0).
		Sapply(sumTok).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "applySum", managedOverload(0, 0, 8, body))

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 3 {
		t.Errorf("sum = %d, want 3", result.Int())
	}
}

// Invoking a function value: ldsfn boxes into aves.Method, call
// unpacks it.
func TestEvalFunctionValue(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	_, incTok := addModuleFunction(mod, "inc",
		nativeOverload(1, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
			return t.VM().NewInt(args[0].Int() + 1), nil
		}))

	body := ovm.NewAsm().
		Ldsfn(incTok).
		LdcI(3).
		Call(1).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "callValue", managedOverload(0, 0, 8, body))

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 4 {
		t.Errorf("inc(3) = %d, want 4", result.Int())
	}
}

// A value of a type with a .call member is invokable.
func TestEvalDotCall(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	callable := vm.NewType(env.vm, nil, vm.NewStaticString("test.Callable"), vm.TypePublic)
	callable.SetBase(env.vm.Types.Object)
	addInstanceMethod(callable, ".call", 1, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return t.VM().NewInt(args[1].Int() * 2), nil
	})

	body := ovm.NewAsm().
		Ldarg(0).
		LdcI(21).
		Call(1).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "invokeIt", managedOverload(1, 0, 8, body))

	inst, err := env.vm.GC().AllocInstance(env.vm.MainThread(), callable)
	if err != nil {
		t.Fatal(err)
	}
	result, err := runFunction(t, env.vm, fn, inst)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 42 {
		t.Errorf(".call result = %d, want 42", result.Int())
	}
}

// References: a by-ref parameter writes through to the caller's local.
func TestEvalLocalReference(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	setTen := nativeOverload(1, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		args[0].Ref.Store(t.VM().NewInt(10))
		return vm.NullValue, nil
	})
	setTen.RefSignature = 1
	_, setTok := addModuleFunction(mod, "setTen", setTen)

	a := ovm.NewAsm()
	a.Ldlocref(0)
	a.Scall(setTok, 1)
	a.Pop()
	a.Ldloc(0)
	a.Ret()
	fn, _ := addModuleFunction(mod, "useRef", managedOverload(0, 1, 8, a.Bytes()))

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 10 {
		t.Errorf("local after ref write = %d, want 10", result.Int())
	}
}

// A call whose ref pattern does not match the overload throws
// NoOverloadError.
func TestEvalRefSignatureMismatch(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	byRef := nativeOverload(1, 0, func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		return vm.NullValue, nil
	})
	byRef.RefSignature = 1
	_, refTok := addModuleFunction(mod, "wantsRef", byRef)

	body := ovm.NewAsm().
		LdcI(5).
		Scall(refTok, 1).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "passByValue", managedOverload(0, 0, 8, body))

	_, err := runFunction(t, env.vm, fn)
	if typ := thrownType(t, err); typ != env.vm.Types.NoOverloadError {
		t.Errorf("thrown type = %v", typ.FullName.Go())
	}
}

// Same-reference branches.
func TestEvalBrref(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	a := ovm.NewAsm()
	same := a.NewLabel()
	a.Ldarg(0)
	a.Ldarg(1)
	a.Brref(same)
	a.LdcI(0).Ret()
	a.Mark(same)
	a.LdcI(1).Ret()
	fn, _ := addModuleFunction(mod, "sameRef", managedOverload(2, 0, 8, a.Bytes()))

	inst, err := env.vm.GC().AllocInstance(env.vm.MainThread(),
		env.vm.Types.List)
	if err != nil {
		t.Fatal(err)
	}
	inst.Obj.Native = &vm.ListInst{}

	result, err := runFunction(t, env.vm, fn, inst, inst)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 1 {
		t.Error("same instance not detected")
	}
	result, err = runFunction(t, env.vm, fn, inst, vm.NullValue)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 0 {
		t.Error("distinct values reported as same")
	}
}

// ldargc observes the actual argument count with optional parameters.
func TestEvalLdargc(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	body := ovm.NewAsm().
		Ldargc().
		Ret().
		Bytes()
	overload := managedOverload(2, 0, 8, body)
	overload.OptionalParamCount = 1
	fn, _ := addModuleFunction(mod, "argcOf", overload)

	result, err := runFunction(t, env.vm, fn, env.vm.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 1 {
		t.Errorf("argc = %d, want 1", result.Int())
	}

	result, err = runFunction(t, env.vm, fn, env.vm.NewInt(1), env.vm.NewInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 2 {
		t.Errorf("argc = %d, want 2", result.Int())
	}
}

// Enum values carry their type tag and inline payload.
func TestEvalLdenum(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	color := vm.NewType(env.vm, nil, vm.NewStaticString("test.Color"), vm.TypePublic|vm.TypePrimitive)
	color.SetBase(env.vm.Types.Enum)
	mod.Types = append(mod.Types, color)
	colorTok := vm.MakeToken(vm.TokenTypeDef, 0)

	body := ovm.NewAsm().
		Ldenum(colorTok, 3).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "blue", managedOverload(0, 0, 8, body))

	result, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != color || result.Int() != 3 {
		t.Errorf("enum value = %v", result)
	}
}

// newobj on a non-constructible type fails at initialisation time.
func TestEvalNewobjRejectsPrimitive(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	mod.Types = append(mod.Types, env.vm.Types.Int)
	intTok := vm.MakeToken(vm.TokenTypeDef, 0)

	body := ovm.NewAsm().
		Newobj(intTok, 0).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "makeInt", managedOverload(0, 0, 8, body))

	_, err := runFunction(t, env.vm, fn)
	var e *verrors.Error
	if !errors.As(err, &e) || e.Kind != verrors.KindNotConstructible {
		t.Errorf("unexpected error: %v", err)
	}
}

// Type tokens are created once per type and reused.
func TestEvalTypeToken(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	mod.Types = append(mod.Types, env.vm.Types.String)
	strTok := vm.MakeToken(vm.TokenTypeDef, 0)

	body := ovm.NewAsm().
		Ldtypetkn(strTok).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "stringToken", managedOverload(0, 0, 8, body))

	first, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if first.Type != env.vm.Types.Type {
		t.Fatalf("token type = %v", first.Type)
	}
	if got := first.Obj.Native; got != env.vm.Types.String {
		t.Error("token not bound to its type")
	}

	second, err := runFunction(t, env.vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !vm.IsSameReference(first, second) {
		t.Error("type token not cached")
	}
}

// The indexer instructions resolve the implicit .item property.
func TestEvalIndexer(t *testing.T) {
	env := newBootstrapVM(t)
	mod, _ := newTestModule(env.vm)

	getBody := ovm.NewAsm().
		Ldarg(0).
		LdcI(0).
		Ldidx(1).
		Ret().
		Bytes()
	getFn, _ := addModuleFunction(mod, "getFirst", managedOverload(1, 0, 8, getBody))

	setBody := ovm.NewAsm().
		Ldarg(0).
		LdcI(0).
		Ldarg(1).
		Stidx(1).
		Retnull().
		Bytes()
	setFn, _ := addModuleFunction(mod, "setFirst", managedOverload(2, 0, 8, setBody))

	th := env.vm.MainThread()
	listValue, err := env.vm.GC().AllocInstance(th, env.vm.Types.List)
	if err != nil {
		t.Fatal(err)
	}
	listValue.Obj.Native = &vm.ListInst{Values: make([]vm.Value, 4), Length: 1}

	if _, err := runFunction(t, env.vm, setFn, listValue, env.vm.NewInt(55)); err != nil {
		t.Fatal(err)
	}
	result, err := runFunction(t, env.vm, getFn, listValue)
	if err != nil {
		t.Fatal(err)
	}
	if result.Int() != 55 {
		t.Errorf("list[0] = %d, want 55", result.Int())
	}
}

// Member calls through callmem resolve methods by name.
func TestEvalCallMember(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "toString")

	body := ovm.NewAsm().
		Ldarg(0).
		Callmem(tok("toString"), 0).
		Ret().
		Bytes()
	fn, _ := addModuleFunction(mod, "stringify", managedOverload(1, 0, 8, body))

	result, err := runFunction(t, env.vm, fn, env.vm.NewInt(1234))
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != env.vm.Types.String || result.Str.Go() != "1234" {
		t.Errorf("toString = %v", result)
	}
}

// Unhandled errors carry the stack trace with frame, parameter and
// source location formatting.
func TestEvalStackTraceFormat(t *testing.T) {
	env := newBootstrapVM(t)
	mod, tok := newTestModule(env.vm, "bad")

	typeErrTok := vm.MakeToken(vm.TokenTypeRef, 0)
	mod.TypeRefs = append(mod.TypeRefs, env.vm.Types.TypeError)

	innerBody := ovm.NewAsm().
		Ldstr(tok("bad")).
		Newobj(typeErrTok, 1).
		Throw().
		Bytes()
	innerOverload := managedOverload(1, 0, 8, innerBody)
	innerOverload.ParamNames = []*vm.String{vm.NewStaticString("x")}
	innerOverload.DebugSymbols = &vm.DebugSymbols{
		File:   vm.NewStaticString("main.osp"),
		Ranges: []vm.SourceLocation{{Start: 0, End: 100, Line: 42}},
	}
	_, innerTok := addModuleFunction(mod, "inner", innerOverload)

	outerBody := ovm.NewAsm().
		LdcI(5).
		Scall(innerTok, 1).
		Ret().
		Bytes()
	outer, _ := addModuleFunction(mod, "outer", managedOverload(0, 0, 8, outerBody))

	_, err := runFunction(t, env.vm, outer)
	var thrown *vm.ThrownError
	if !errors.As(err, &thrown) {
		t.Fatalf("expected a managed error, got %v", err)
	}

	ei := vm.AsErrorInst(thrown.Value)
	if ei == nil || ei.StackTrace.Str == nil {
		t.Fatal("no stack trace captured")
	}
	trace := ei.StackTrace.Str.Go()

	if !strings.Contains(trace, "  inner(x=aves.Int)") {
		t.Errorf("trace missing inner frame:\n%s", trace)
	}
	if !strings.Contains(trace, " at line 42 in \"main.osp\"") {
		t.Errorf("trace missing source location:\n%s", trace)
	}
	if !strings.Contains(trace, "  outer()") {
		t.Errorf("trace missing outer frame:\n%s", trace)
	}
}
