package vm

import (
	"fmt"
	"strconv"
	"sync/atomic"

	verrors "github.com/osprey-lang/ovum/errors"
)

// ThreadState describes what a thread is doing.
type ThreadState uint8

const (
	ThreadCreated ThreadState = iota
	ThreadRunning
	ThreadSuspendedByGC
	ThreadStopped
)

const (
	requestNone         uint32 = 0
	requestSuspendForGC uint32 = 1
)

// ThrownError transports a managed error value through Go return
// paths. The evaluator's try machinery consumes it; anything escaping
// the main method is reported to the user.
type ThrownError struct {
	Value Value
}

func (e *ThrownError) Error() string {
	if e.Value.Type != nil {
		return "unhandled managed error: " + e.Value.Type.FullName.Go()
	}
	return "unhandled managed error"
}

// Thread drives all managed execution. The VM is single-managed-
// threaded: one Thread owns the call stack and evaluates bytecode; the
// GC runs at cooperative suspension points.
type Thread struct {
	vm *VM

	// values is the call stack: 1 MiB worth of contiguous slots
	// shared by every frame's arguments, locals and evaluation
	// stacks.
	values []Value

	frames     []StackFrame
	frameDepth int

	currentFrame *StackFrame

	// ip is the instruction index in the current overload's code.
	ip int

	// currentError holds the error being propagated. It is cleared
	// only after a catch clause has been exited, because the clause
	// may rethrow or trigger a cycle.
	currentError Value

	state          ThreadState
	pendingRequest uint32
	unmanagedDepth int

	hashSetItem *MethodOverload
}

func newThread(owner *VM) *Thread {
	t := &Thread{
		vm:     owner,
		values: make([]Value, callStackSlots),
		frames: make([]StackFrame, maxCallDepth),
		state:  ThreadCreated,
	}
	// The bottom pseudo-frame lets the embedder push values before
	// any method runs.
	t.frames[0] = StackFrame{}
	t.currentFrame = &t.frames[0]
	return t
}

// VM returns the owning VM.
func (t *Thread) VM() *VM {
	return t.vm
}

// State returns the thread's current state.
func (t *Thread) State() ThreadState {
	return t.state
}

// CurrentError returns the error currently being propagated.
func (t *Thread) CurrentError() Value {
	return t.currentError
}

// Start resolves an overload of method for the pushed argument count
// and runs it to completion. args must already be on the evaluation
// stack.
func (t *Thread) Start(method *Method, argCount int) (Value, error) {
	t.state = ThreadRunning
	defer func() { t.state = ThreadStopped }()

	mo := method.ResolveOverload(argCount)
	if mo == nil {
		return NullValue, t.ThrowNoOverloadError(argCount, nil)
	}
	argsIdx := t.stackTop() - argCount - mo.InstanceOffset()
	return t.invokeMethodOverload(mo, argCount, argsIdx)
}

// Suspension points and unmanaged regions.

func (t *Thread) handleRequest() {
	if atomic.LoadUint32(&t.pendingRequest) == requestSuspendForGC {
		t.suspendForGC()
		t.resumeAfterGC()
	}
}

func (t *Thread) suspendForGC() {
	if t.state == ThreadRunning {
		t.state = ThreadSuspendedByGC
	}
}

func (t *Thread) resumeAfterGC() {
	atomic.StoreUint32(&t.pendingRequest, requestNone)
	if t.state == ThreadSuspendedByGC {
		t.state = ThreadRunning
	}
}

// EnterUnmanagedRegion tells the GC it may run a cycle while this
// thread is blocked in native code.
func (t *Thread) EnterUnmanagedRegion() {
	t.unmanagedDepth++
}

// LeaveUnmanagedRegion services any pending request before returning
// to managed execution.
func (t *Thread) LeaveUnmanagedRegion() {
	t.unmanagedDepth--
	t.handleRequest()
}

// IsInUnmanagedRegion reports whether the thread is inside an
// unmanaged region.
func (t *Thread) IsInUnmanagedRegion() bool {
	return t.unmanagedDepth > 0
}

// beginAlloc enters the allocation critical section.
func (t *Thread) beginAlloc() {
	t.vm.gc.mu.Lock()
}

func (t *Thread) endAlloc() {
	t.vm.gc.mu.Unlock()
}

func (t *Thread) fromType() *Type {
	if t.currentFrame.method != nil {
		return t.currentFrame.method.DeclType
	}
	return nil
}

// refSignatureAt computes the packed by-ref bitmap of the argc values
// starting at argsIdx.
func (t *Thread) refSignatureAt(argsIdx, argc int) uint32 {
	var sig uint32
	n := argc
	if n > 32 {
		n = 32
	}
	for i := 0; i < n; i++ {
		if t.values[argsIdx+i].IsRef() {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// Invoke pops argCount arguments plus the callee below them and calls
// it. With a nil result the return value is pushed.
func (t *Thread) Invoke(argCount int, result *Value) error {
	argsIdx := t.stackTop() - argCount - 1
	sig := t.refSignatureAt(argsIdx+1, argCount)
	value, err := t.invokeLL(argCount, argsIdx, sig)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) deliver(value Value, result *Value) {
	if result != nil {
		*result = value
	} else {
		t.push(value)
	}
}

// invokeLL calls the value at argsIdx with the argCount arguments
// above it. The callee must be invokable: an aves.Method instance, or
// a value whose type declares a .call member.
func (t *Thread) invokeLL(argCount, argsIdx int, refSignature uint32) (Value, error) {
	value := &t.values[argsIdx]
	if value.IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}

	var mo *MethodOverload
	if t.vm.Types.Method != nil && value.Type == t.vm.Types.Method {
		mi := AsMethodInst(*value)
		if mi != nil {
			if mo = mi.Method.ResolveOverload(argCount); mo != nil {
				if !mi.Instance.IsNull() {
					// Overwrite the Method with the bound instance.
					*value = mi.Instance
				} else {
					// Shift the Method off the stack.
					t.shift(argCount)
				}
			}
		}
	} else {
		member := value.Type.FindMember(strCall, t.fromType())
		method, ok := member.(*Method)
		if !ok {
			return NullValue, t.ThrowTypeError(errNotInvokable)
		}
		mo = method.ResolveOverload(argCount)
	}

	if mo == nil {
		return NullValue, t.ThrowNoOverloadError(argCount, nil)
	}
	if refSignature != mo.RefSignature && mo.VerifyRefSignature(refSignature, argCount) != -1 {
		return NullValue, t.ThrowNoOverloadError(argCount, errIncorrectRefness)
	}
	return t.invokeMethodOverload(mo, argCount, argsIdx)
}

// InvokeMethod pops argCount arguments (plus the instance, for
// instance methods) and calls an overload of method.
func (t *Thread) InvokeMethod(method *Method, argCount int, result *Value) error {
	mo := method.ResolveOverload(argCount)
	if mo == nil {
		return t.ThrowNoOverloadError(argCount, nil)
	}
	argsIdx := t.stackTop() - argCount - mo.InstanceOffset()
	value, err := t.invokeMethodOverload(mo, argCount, argsIdx)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

// InvokeMember looks name up on the value argCount slots below the top
// and invokes it.
func (t *Thread) InvokeMember(name *String, argCount int, result *Value) error {
	argsIdx := t.stackTop() - argCount - 1
	sig := t.refSignatureAt(argsIdx+1, argCount)
	value, err := t.invokeMemberLL(name, argCount, argsIdx, sig)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) invokeMemberLL(name *String, argCount, argsIdx int, refSignature uint32) (Value, error) {
	value := &t.values[argsIdx]
	if value.IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}

	member := value.Type.FindMember(name, t.fromType())
	if member == nil {
		return NullValue, t.ThrowMemberNotFoundError(name)
	}
	if member.Flags()&MemberInstance == 0 {
		return NullValue, t.ThrowTypeError(errStaticThroughInstance)
	}

	switch m := member.(type) {
	case *Field:
		m.readUnchecked(*value, value)
		return t.invokeLL(argCount, argsIdx, refSignature)

	case *Property:
		if m.Getter == nil {
			return NullValue, t.ThrowTypeError(errGettingWriteonly)
		}
		mo := m.Getter.ResolveOverload(0)
		if mo == nil {
			return NullValue, t.ThrowNoOverloadError(0, nil)
		}
		// The getter would overwrite the arguments already on the
		// stack, so it gets a copy of the instance.
		t.push(*value)
		got, err := t.invokeMethodOverload(mo, 0, t.stackTop()-1)
		if err != nil {
			return NullValue, err
		}
		t.values[argsIdx] = got
		return t.invokeLL(argCount, argsIdx, refSignature)

	default:
		method := member.(*Method)
		mo := method.ResolveOverload(argCount)
		if mo == nil {
			return NullValue, t.ThrowNoOverloadError(argCount, nil)
		}
		if refSignature != mo.RefSignature && mo.VerifyRefSignature(refSignature, argCount) != -1 {
			return NullValue, t.ThrowNoOverloadError(argCount, errIncorrectRefness)
		}
		return t.invokeMethodOverload(mo, argCount, argsIdx)
	}
}

// InvokeOperator pops the operator's operands and dispatches to the
// receiver type's operator implementation.
func (t *Thread) InvokeOperator(op Operator, result *Value) error {
	argsIdx := t.stackTop() - op.Arity()
	value, err := t.invokeOperatorLL(argsIdx, op)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) invokeOperatorLL(argsIdx int, op Operator) (Value, error) {
	if t.values[argsIdx].IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}
	mo := t.values[argsIdx].Type.GetOperator(op)
	if mo == nil {
		return NullValue, t.ThrowMissingOperatorError(op)
	}
	return t.invokeMethodOverload(mo, op.Arity(), argsIdx)
}

// InvokeApply pops an argument list and a callee and applies the
// callee to the unpacked list.
func (t *Thread) InvokeApply(result *Value) error {
	argsIdx := t.stackTop() - 2
	value, err := t.invokeApplyLL(argsIdx)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) invokeApplyLL(argsIdx int) (Value, error) {
	list := AsList(t.values[argsIdx+1])
	if t.vm.Types.List == nil || !ValueIsType(t.values[argsIdx+1], t.vm.Types.List) || list == nil {
		return NullValue, t.ThrowTypeError(errWrongApplyArgs)
	}
	if t.values[argsIdx].IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}

	f := t.currentFrame
	f.stackCount--
	copy(t.values[f.evalBase+f.stackCount:], list.Values[:list.Length])
	f.stackCount += list.Length

	return t.invokeLL(list.Length, argsIdx, 0)
}

// InvokeApplyMethod applies a global function to a popped argument
// list.
func (t *Thread) InvokeApplyMethod(method *Method, result *Value) error {
	argsIdx := t.stackTop() - 1
	value, err := t.invokeApplyMethodLL(method, argsIdx)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) invokeApplyMethodLL(method *Method, argsIdx int) (Value, error) {
	list := AsList(t.values[argsIdx])
	if t.vm.Types.List == nil || !ValueIsType(t.values[argsIdx], t.vm.Types.List) || list == nil {
		return NullValue, t.ThrowTypeError(errWrongApplyArgs)
	}

	mo := method.ResolveOverload(list.Length)
	if mo == nil {
		return NullValue, t.ThrowNoOverloadError(list.Length, nil)
	}

	f := t.currentFrame
	f.stackCount--
	copy(t.values[f.evalBase+f.stackCount:], list.Values[:list.Length])
	f.stackCount += list.Length

	return t.invokeMethodOverload(mo, list.Length, argsIdx)
}

// invokeMethodOverload performs the call: variadic adaptation, frame
// push, native or managed execution, exception handling, and frame
// restore. argCount excludes the instance; args (including the
// instance, when present) live at argsIdx.
func (t *Thread) invokeMethodOverload(mo *MethodOverload, argCount, argsIdx int) (Value, error) {
	flags := mo.Flags
	if flags&MethodVariadic != 0 {
		if err := t.prepareVariadicArgs(flags, argCount, mo.ParamCount); err != nil {
			return NullValue, err
		}
		argCount = mo.ParamCount
	}

	argCount += mo.InstanceOffset()

	if err := t.pushStackFrame(argCount, argsIdx, mo); err != nil {
		return NullValue, err
	}

	if flags&MethodNative != 0 {
		t.handleRequest()
		if mo.NativeEntry == nil {
			t.popStackFrame()
			return NullValue, t.ThrowTypeError(errAbstractCall)
		}
		result, err := mo.NativeEntry(t, t.values[argsIdx:argsIdx+argCount])
		t.popStackFrame()
		if err != nil {
			return NullValue, err
		}
		return result, nil
	}

	if mo.Code == nil && mo.Bytecode == nil {
		t.popStackFrame()
		return NullValue, t.ThrowTypeError(errAbstractCall)
	}

	if !mo.IsInitialized() {
		if err := t.InitializeMethod(mo); err != nil {
			t.popStackFrame()
			return NullValue, err
		}
	}

	t.ip = 0
	for {
		err := t.evaluate()
		if err == nil {
			break
		}
		if _, ok := err.(*ThrownError); ok {
			if herr := t.findErrorHandler(allTryBlocks); herr == nil {
				// Handler found; the IP is at the catch offset, so
				// re-enter the method.
				continue
			} else {
				err = herr
			}
		}
		t.popStackFrame()
		return NullValue, err
	}

	// A method returns with exactly one value on its eval stack.
	result := t.values[t.currentFrame.evalBase]
	t.popStackFrame()
	return result, nil
}

// prepareVariadicArgs packs the surplus (or missing) arguments into a
// fresh aves.List, at the end for VAR_END and at the start for
// VAR_START.
func (t *Thread) prepareVariadicArgs(flags MethodFlags, argCount, paramCount int) error {
	count := 0
	if argCount >= paramCount-1 {
		count = argCount - paramCount + 1
	}

	listValue, err := t.newListInstance(count)
	if err != nil {
		return err
	}
	list := AsList(listValue)
	list.Length = count

	f := t.currentFrame
	if count > 0 {
		if flags&MethodVarEnd != 0 {
			base := f.evalBase + f.stackCount - count
			copy(list.Values[:count], t.values[base:base+count])
			f.stackCount -= count - 1
			t.values[f.evalBase+f.stackCount-1] = listValue
		} else {
			firstArg := f.evalBase + f.stackCount - argCount
			copy(list.Values[:count], t.values[firstArg:firstArg+count])
			// Shift the remaining arguments down; the first slot
			// receives the list.
			copy(t.values[firstArg+1:], t.values[firstArg+count:f.evalBase+f.stackCount])
			f.stackCount -= count - 1
			t.values[firstArg] = listValue
		}
	} else {
		if flags&MethodVarEnd != 0 || argCount == 0 {
			t.push(listValue)
		} else {
			base := f.evalBase + f.stackCount - argCount
			copy(t.values[base+1:base+1+argCount], t.values[base:base+argCount])
			t.values[base] = listValue
			f.stackCount++
		}
	}
	return nil
}

// newListInstance allocates an aves.List with the given capacity via
// the registered initialiser.
func (t *Thread) newListInstance(capacity int) (Value, error) {
	if t.vm.Types.List == nil || t.vm.Functions.InitListInstance == nil {
		return NullValue, verrors.New(verrors.PhaseRuntime, verrors.KindNotFound).
			Detail("no aves.List type or list initialiser registered").Build()
	}
	listValue, err := t.vm.gc.AllocInstance(t, t.vm.Types.List)
	if err != nil {
		return NullValue, err
	}
	list := &ListInst{}
	listValue.Obj.Native = list
	if err := t.vm.Functions.InitListInstance(t, list, capacity); err != nil {
		return NullValue, err
	}
	return listValue, nil
}

// newHashInstance allocates an aves.Hash with the given capacity via
// the registered initialiser.
func (t *Thread) newHashInstance(capacity int) (Value, error) {
	if t.vm.Types.Hash == nil || t.vm.Functions.InitHashInstance == nil {
		return NullValue, verrors.New(verrors.PhaseRuntime, verrors.KindNotFound).
			Detail("no aves.Hash type or hash initialiser registered").Build()
	}
	hashValue, err := t.vm.gc.AllocInstance(t, t.vm.Types.Hash)
	if err != nil {
		return NullValue, err
	}
	hash := &HashInst{}
	hashValue.Obj.Native = hash
	if err := t.vm.Functions.InitHashInstance(t, hash, capacity); err != nil {
		return NullValue, err
	}
	return hashValue, nil
}

// Equals pops two values and reports the == operator's Boolean
// interpretation. Two nulls are equal; null never equals non-null.
func (t *Thread) Equals() (bool, error) {
	return t.equalsLL(t.stackTop() - 2)
}

func (t *Thread) equalsLL(argsIdx int) (bool, error) {
	a := t.values[argsIdx]
	b := t.values[argsIdx+1]
	if a.IsNull() || b.IsNull() {
		t.popN(2)
		return a.Type == b.Type, nil
	}

	mo := a.Type.GetOperator(OpEq)
	if mo == nil {
		// Every type normally supports == through Object; without a
		// standard library the identity comparison stands in.
		t.popN(2)
		return IsSameReference(a, b), nil
	}
	result, err := t.invokeMethodOverload(mo, 2, argsIdx)
	if err != nil {
		return false, err
	}
	return IsTrue(result), nil
}

// Compare pops two values, calls the <=> operator and returns the
// integer result.
func (t *Thread) Compare() (int64, error) {
	result, err := t.compareLL(t.stackTop() - 2)
	if err != nil {
		return 0, err
	}
	return result.Int(), nil
}

func (t *Thread) compareLL(argsIdx int) (Value, error) {
	if t.values[argsIdx].IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}
	mo := t.values[argsIdx].Type.GetOperator(OpCmp)
	if mo == nil {
		return NullValue, t.ThrowTypeError(errNotComparable)
	}
	result, err := t.invokeMethodOverload(mo, 2, argsIdx)
	if err != nil {
		return NullValue, err
	}
	if result.Type != t.vm.Types.Int {
		return NullValue, t.ThrowTypeError(errCompareType)
	}
	return result, nil
}

type compareKind uint8

const (
	compareLess compareKind = iota
	compareGreater
	compareLessEq
	compareGreaterEq
)

func (t *Thread) compareOrderedLL(argsIdx int, kind compareKind) (bool, error) {
	result, err := t.compareLL(argsIdx)
	if err != nil {
		return false, err
	}
	n := result.Int()
	switch kind {
	case compareLess:
		return n < 0, nil
	case compareGreater:
		return n > 0, nil
	case compareLessEq:
		return n <= 0, nil
	default:
		return n >= 0, nil
	}
}

// Concat pops two values and concatenates them: list with list, hash
// with hash, or anything else as strings.
func (t *Thread) Concat(result *Value) error {
	value, err := t.concatLL(t.stackTop() - 2)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) concatLL(argsIdx int) (Value, error) {
	a := &t.values[argsIdx]
	b := &t.values[argsIdx+1]
	types := &t.vm.Types

	switch {
	case types.List != nil && (a.Type == types.List || b.Type == types.List):
		if a.Type != b.Type {
			return NullValue, t.ThrowTypeError(errConcatTypes)
		}
		la, lb := AsList(*a), AsList(*b)
		length := la.Length + lb.Length
		out, err := t.newListInstance(length)
		if err != nil {
			return NullValue, err
		}
		list := AsList(out)
		copy(list.Values[:la.Length], la.Values[:la.Length])
		copy(list.Values[la.Length:length], lb.Values[:lb.Length])
		list.Length = length
		t.popN(2)
		return out, nil

	case types.Hash != nil && (a.Type == types.Hash || b.Type == types.Hash):
		if a.Type != b.Type {
			return NullValue, t.ThrowTypeError(errConcatTypes)
		}
		ha, hb := AsHash(*a), AsHash(*b)
		capacity := ha.Count()
		if hb.Count() > capacity {
			capacity = hb.Count()
		}
		out, err := t.newHashInstance(capacity)
		if err != nil {
			return NullValue, err
		}

		// Keep the hash on the stack for GC reachability while the
		// indexer setter runs.
		t.push(out)
		keeperIdx := t.stackTop() - 1

		setter, err := t.hashIndexerSetter()
		if err != nil {
			t.popN(1)
			return NullValue, err
		}
		for _, src := range []*HashInst{ha, hb} {
			for i := range src.Entries {
				hv := t.values[keeperIdx]
				t.push(hv)
				t.push(src.Entries[i].Key)
				t.push(src.Entries[i].Value)
				if _, err := t.invokeMethodOverload(setter, 2, keeperIdx+1); err != nil {
					t.popN(1)
					return NullValue, err
				}
			}
		}

		result := t.values[keeperIdx]
		t.popN(3)
		return result, nil

	default:
		if err := StringFromValue(t, a); err != nil {
			return NullValue, err
		}
		if err := StringFromValue(t, b); err != nil {
			return NullValue, err
		}
		str, err := ConcatStrings(t, a.Str, b.Str)
		if err != nil {
			return NullValue, err
		}
		t.popN(2)
		return t.vm.NewString(str), nil
	}
}

// hashIndexerSetter resolves (and caches) the aves.Hash `.item` setter
// used by hash concatenation.
func (t *Thread) hashIndexerSetter() (*MethodOverload, error) {
	if t.hashSetItem == nil {
		member := t.vm.Types.Hash.GetMember(strItem)
		prop, ok := member.(*Property)
		if !ok || prop.Setter == nil {
			return nil, t.ThrowTypeError(errNoIndexer)
		}
		mo := prop.Setter.ResolveOverload(2)
		if mo == nil {
			return nil, t.ThrowNoOverloadError(2, nil)
		}
		t.hashSetItem = mo
	}
	return t.hashSetItem, nil
}

// LoadMember pops an instance and loads the named member: fields read
// directly, methods box into a bound aves.Method, properties invoke
// their getter.
func (t *Thread) LoadMember(name *String, result *Value) error {
	value, err := t.loadMemberLL(t.stackTop()-1, name)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) loadMemberLL(instIdx int, name *String) (Value, error) {
	instance := &t.values[instIdx]
	if instance.IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}

	member := instance.Type.FindMember(name, t.fromType())
	if member == nil {
		return NullValue, t.ThrowMemberNotFoundError(name)
	}
	if member.Flags()&MemberInstance == 0 {
		return NullValue, t.ThrowTypeError(errStaticThroughInstance)
	}

	switch m := member.(type) {
	case *Field:
		var result Value
		m.readUnchecked(*instance, &result)
		t.popN(1)
		return result, nil

	case *Method:
		boxed, err := t.vm.gc.AllocInstance(t, t.vm.Types.Method)
		if err != nil {
			return NullValue, err
		}
		boxed.Obj.Native = &MethodInst{Method: m, Instance: t.values[instIdx]}
		t.popN(1)
		return boxed, nil

	default:
		prop := member.(*Property)
		if prop.Getter == nil {
			return NullValue, t.ThrowTypeError(errGettingWriteonly)
		}
		mo := prop.Getter.ResolveOverload(0)
		if mo == nil {
			return NullValue, t.ThrowNoOverloadError(0, nil)
		}
		// The instance is already on the stack.
		return t.invokeMethodOverload(mo, 0, instIdx)
	}
}

// StoreMember pops an instance and a value and stores the value into
// the named member.
func (t *Thread) StoreMember(name *String) error {
	return t.storeMemberLL(t.stackTop()-2, name)
}

func (t *Thread) storeMemberLL(instIdx int, name *String) error {
	instance := &t.values[instIdx]
	if instance.IsNull() {
		return t.ThrowNullReferenceError(nil)
	}

	member := instance.Type.FindMember(name, t.fromType())
	if member == nil {
		return t.ThrowMemberNotFoundError(name)
	}
	if member.Flags()&MemberInstance == 0 {
		return t.ThrowTypeError(errStaticThroughInstance)
	}

	switch m := member.(type) {
	case *Field:
		m.writeUnchecked(*instance, t.values[instIdx+1])
		t.popN(2)
		return nil

	case *Method:
		return t.ThrowTypeError(errAssigningToMethod)

	default:
		prop := member.(*Property)
		if prop.Setter == nil {
			return t.ThrowTypeError(errSettingReadonly)
		}
		mo := prop.Setter.ResolveOverload(1)
		if mo == nil {
			return t.ThrowNoOverloadError(1, nil)
		}
		// The instance and value are already on the stack.
		_, err := t.invokeMethodOverload(mo, 1, instIdx)
		return err
	}
}

// LoadIndexer invokes the implicit `.item` property getter with
// argCount index arguments.
func (t *Thread) LoadIndexer(argCount int, result *Value) error {
	value, err := t.loadIndexerLL(argCount, t.stackTop()-argCount-1)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

func (t *Thread) loadIndexerLL(argCount, argsIdx int) (Value, error) {
	if t.values[argsIdx].IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}
	member := t.values[argsIdx].Type.FindMember(strItem, t.fromType())
	if member == nil {
		return NullValue, t.ThrowTypeError(errNoIndexer)
	}
	prop, ok := member.(*Property)
	if !ok {
		return NullValue, t.ThrowTypeError(errNoIndexer)
	}
	if prop.Getter == nil {
		return NullValue, t.ThrowTypeError(errGettingWriteonly)
	}
	mo := prop.Getter.ResolveOverload(argCount)
	if mo == nil {
		return NullValue, t.ThrowNoOverloadError(argCount, nil)
	}
	return t.invokeMethodOverload(mo, argCount, argsIdx)
}

// StoreIndexer invokes the implicit `.item` property setter with
// argCount index arguments plus the stored value.
func (t *Thread) StoreIndexer(argCount int) error {
	return t.storeIndexerLL(argCount, t.stackTop()-argCount-2)
}

func (t *Thread) storeIndexerLL(argCount, argsIdx int) error {
	if t.values[argsIdx].IsNull() {
		return t.ThrowNullReferenceError(nil)
	}
	member := t.values[argsIdx].Type.FindMember(strItem, t.fromType())
	if member == nil {
		return t.ThrowTypeError(errNoIndexer)
	}
	prop, ok := member.(*Property)
	if !ok {
		return t.ThrowTypeError(errNoIndexer)
	}
	if prop.Setter == nil {
		return t.ThrowTypeError(errSettingReadonly)
	}
	mo := prop.Setter.ResolveOverload(argCount + 1)
	if mo == nil {
		return t.ThrowNoOverloadError(argCount+1, nil)
	}
	_, err := t.invokeMethodOverload(mo, argCount+1, argsIdx)
	return err
}

// LoadField pops an instance and reads the field, with a type check
// against the field's declaring type.
func (t *Thread) LoadField(field *Field, result *Value) error {
	instIdx := t.stackTop() - 1
	var value Value
	if err := field.ReadField(t, t.values[instIdx], &value); err != nil {
		return err
	}
	t.popN(1)
	t.deliver(value, result)
	return nil
}

// StoreField pops an instance and a value and writes the field.
func (t *Thread) StoreField(field *Field) error {
	argsIdx := t.stackTop() - 2
	if err := field.WriteField(t, t.values[argsIdx], t.values[argsIdx+1]); err != nil {
		return err
	}
	t.popN(2)
	return nil
}

// LoadStaticField reads a static field, running the declaring type's
// static constructor first if needed.
func (t *Thread) LoadStaticField(field *Field, result *Value) error {
	if field.StaticValue == nil {
		if err := field.DeclType().RunStaticCtor(t); err != nil {
			return err
		}
	}
	t.deliver(field.StaticValue.Read(), result)
	return nil
}

// StoreStaticField pops a value into a static field, running the
// declaring type's static constructor first if needed.
func (t *Thread) StoreStaticField(field *Field) error {
	if field.StaticValue == nil {
		if err := field.DeclType().RunStaticCtor(t); err != nil {
			return err
		}
	}
	field.StaticValue.Write(t.pop())
	return nil
}

// loadFieldRefLL pops an instance and pushes a reference to one of its
// fields.
func (t *Thread) loadFieldRefLL(instIdx int, field *Field) (Value, error) {
	instance := t.values[instIdx]
	if instance.IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}
	if !ValueIsType(instance, field.DeclType()) {
		return NullValue, t.ThrowTypeError(nil)
	}
	t.popN(1)
	return RefValue(&FieldRef{Obj: instance.Obj, Field: field.Offset}), nil
}

// loadMemberRefLL pops an instance and pushes a reference to the named
// field; non-field members cannot be referenced.
func (t *Thread) loadMemberRefLL(instIdx int, name *String) (Value, error) {
	instance := t.values[instIdx]
	if instance.IsNull() {
		return NullValue, t.ThrowNullReferenceError(nil)
	}
	member := instance.Type.FindMember(name, t.fromType())
	if member == nil {
		return NullValue, t.ThrowMemberNotFoundError(name)
	}
	if member.Flags()&MemberInstance == 0 {
		return NullValue, t.ThrowTypeError(errStaticThroughInstance)
	}
	field, ok := member.(*Field)
	if !ok {
		return NullValue, t.ThrowTypeError(errMemberNotAField)
	}
	t.popN(1)
	return RefValue(&FieldRef{Obj: instance.Obj, Field: field.Offset}), nil
}

// ToString converts the top of the stack to a string, invoking
// toString when the value is not already one.
func (t *Thread) ToString() (*String, error) {
	if t.peek(0).Type != t.vm.Types.String {
		var result Value
		if err := t.InvokeMember(strToString, 0, &result); err != nil {
			return nil, err
		}
		if result.Type != t.vm.Types.String {
			return nil, t.ThrowTypeError(errToStringWrongType)
		}
		return result.Str, nil
	}
	return t.pop().Str, nil
}

// construct allocates an instance of typ and invokes its constructor
// with the argc arguments on top of the stack, which it pops. The new
// instance is returned.
func (t *Thread) construct(typ *Type, argc int) (Value, error) {
	if typ.InstanceCtor == nil {
		return NullValue, t.ThrowTypeError(errNoCtor)
	}
	mo := typ.InstanceCtor.ResolveOverload(argc)
	if mo == nil {
		return NullValue, t.ThrowNoOverloadError(argc, nil)
	}

	inst, err := t.vm.gc.AllocInstance(t, typ)
	if err != nil {
		return NullValue, err
	}

	f := t.currentFrame
	argsIdx := f.evalBase + f.stackCount - argc

	// Two copies of the instance go under the arguments: one is the
	// constructor's `this`, the other keeps the instance rooted (and
	// GC-updated) until the constructor returns.
	copy(t.values[argsIdx+2:argsIdx+2+argc], t.values[argsIdx:argsIdx+argc])
	t.values[argsIdx] = inst
	t.values[argsIdx+1] = inst
	f.stackCount += 2

	if _, err := t.invokeMethodOverload(mo, argc, argsIdx+1); err != nil {
		f.stackCount--
		return NullValue, err
	}
	result := t.values[argsIdx]
	f.stackCount--
	return result, nil
}

// Construct is the public construction entry point: it pops argc
// arguments, builds an instance of typ and pushes or returns it.
func (t *Thread) Construct(typ *Type, argc int, result *Value) error {
	value, err := t.construct(typ, argc)
	if err != nil {
		return err
	}
	t.deliver(value, result)
	return nil
}

// Throw raises the error on top of the stack. Unless rethrowing, the
// thread captures a stack trace into the error's stackTrace field.
func (t *Thread) Throw(rethrow bool) error {
	if !rethrow {
		t.currentError = t.peek(0)
		trace, err := t.GetStackTrace()
		if err != nil {
			return err
		}
		if ei := AsErrorInst(t.currentError); ei != nil && trace != nil {
			ei.StackTrace = t.vm.NewString(trace)
		}
	}
	return &ThrownError{Value: t.currentError}
}

// throwErrorOfType constructs an instance of typ with the given
// constructor arguments and throws it. Without the type registered
// (a bare VM with no standard library) the failure surfaces as an
// unmanaged runtime error instead.
func (t *Thread) throwErrorOfType(typ *Type, kind verrors.Kind, detail string, args ...Value) error {
	if typ == nil {
		return verrors.New(verrors.PhaseRuntime, kind).Detail(detail).Build()
	}
	for _, a := range args {
		t.push(a)
	}
	inst, err := t.construct(typ, len(args))
	if err != nil {
		return err
	}
	t.push(inst)
	return t.Throw(false)
}

func (t *Thread) messageOrNull(message *String) Value {
	if message == nil {
		return NullValue
	}
	return t.vm.NewString(message)
}

// ThrowError throws a plain aves.Error.
func (t *Thread) ThrowError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.Error, verrors.KindInvalidData,
		messageDetail(message, "error"), t.messageOrNull(message))
}

// ThrowTypeError throws an aves.TypeError.
func (t *Thread) ThrowTypeError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.TypeError, verrors.KindInvalidData,
		messageDetail(message, "type error"), t.messageOrNull(message))
}

// ThrowMemoryError throws an aves.MemoryError.
func (t *Thread) ThrowMemoryError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.MemoryError, verrors.KindNoMemory,
		messageDetail(message, "not enough memory"), t.messageOrNull(message))
}

// ThrowOverflowError throws an aves.OverflowError.
func (t *Thread) ThrowOverflowError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.OverflowError, verrors.KindInvalidData,
		messageDetail(message, "arithmetic overflow"), t.messageOrNull(message))
}

// ThrowDivideByZeroError throws an aves.DivideByZeroError.
func (t *Thread) ThrowDivideByZeroError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.DivideByZeroError, verrors.KindInvalidData,
		messageDetail(message, "division by zero"), t.messageOrNull(message))
}

// ThrowNullReferenceError throws an aves.NullReferenceError.
func (t *Thread) ThrowNullReferenceError(message *String) error {
	return t.throwErrorOfType(t.vm.Types.NullReferenceError, verrors.KindInvalidData,
		messageDetail(message, "null reference"), t.messageOrNull(message))
}

// ThrowNoOverloadError throws an aves.NoOverloadError carrying the
// argument count.
func (t *Thread) ThrowNoOverloadError(argCount int, message *String) error {
	return t.throwErrorOfType(t.vm.Types.NoOverloadError, verrors.KindNoOverload,
		"no overload accepts "+strconv.Itoa(argCount)+" arguments",
		t.vm.NewInt(int64(argCount)), t.messageOrNull(message))
}

// ThrowMemberNotFoundError throws an aves.MemberNotFoundError.
func (t *Thread) ThrowMemberNotFoundError(member *String) error {
	return t.throwErrorOfType(t.vm.Types.MemberNotFoundError, verrors.KindNotFound,
		"member not found: "+member.Go(), t.vm.NewString(member))
}

// ThrowMissingOperatorError throws a TypeError naming the unsupported
// operator.
func (t *Thread) ThrowMissingOperatorError(op Operator) error {
	buf := NewStringBuffer(64)
	buf.Append("The type does not support the specified operator. (Operator: ")
	buf.Append(op.Name())
	buf.AppendRune(')')
	return t.ThrowTypeError(buf.ToStaticString())
}

func messageDetail(message *String, fallback string) string {
	if message != nil {
		return message.Go()
	}
	return fallback
}

// GetStackTrace renders the live call chain, innermost frame first.
// Each frame is `  ClassName.methodName(paramName=TYPE, ...)`,
// followed by ` at line N in "path"` when debug symbols are present.
func (t *Thread) GetStackTrace() (*String, error) {
	buf := NewStringBuffer(1024)

	frame := t.currentFrame
	ip := t.ip
	for frame != nil && frame.method != nil {
		method := frame.method
		group := method.Group

		buf.Append("  ")
		if group.DeclType() != nil {
			buf.AppendString(group.DeclType().FullName)
			buf.AppendRune('.')
		}
		buf.AppendString(group.Name())
		buf.AppendRune('(')

		paramCount := method.EffectiveParamCount()
		for i := 0; i < paramCount; i++ {
			if i > 0 {
				buf.Append(", ")
			}
			if i == 0 && method.IsInstanceMethod() {
				buf.Append("this")
			} else {
				nameIdx := i - method.InstanceOffset()
				if nameIdx < len(method.ParamNames) && method.ParamNames[nameIdx] != nil {
					buf.AppendString(method.ParamNames[nameIdx])
				} else {
					buf.Append(fmt.Sprintf("arg%d", nameIdx))
				}
			}
			buf.AppendRune('=')
			t.appendArgumentType(buf, &t.values[frame.pointer-paramCount+i])
		}

		buf.AppendRune(')')
		if method.DebugSymbols != nil {
			if line, ok := method.DebugSymbols.FindLine(ip); ok {
				buf.Append(" at line ")
				buf.Append(strconv.Itoa(line))
				buf.Append(" in \"")
				buf.AppendString(method.DebugSymbols.File)
				buf.AppendRune('"')
			}
		}
		buf.AppendRune('\n')

		ip = frame.prevIP
		frame = frame.prevFrame
	}

	return buf.ToString(t)
}

func (t *Thread) appendArgumentType(buf *StringBuffer, arg *Value) {
	v := *arg
	if v.IsRef() {
		buf.Append("ref ")
		v = v.Ref.Load()
	}

	if v.Type == nil {
		buf.Append("null")
		return
	}

	buf.AppendString(v.Type.FullName)
	if v.Type == t.vm.Types.Method {
		if mi := AsMethodInst(v); mi != nil {
			buf.Append("(this=")
			t.appendArgumentType(buf, &mi.Instance)
			buf.Append(", ")
			if mi.Method.DeclType() != nil {
				buf.AppendString(mi.Method.DeclType().FullName)
				buf.AppendRune('.')
			}
			buf.AppendString(mi.Method.Name())
			buf.AppendRune(')')
		}
	}
}

// Runtime error message strings.
var (
	errNotInvokable          = NewStaticString("The value is not invokable.")
	errStaticThroughInstance = NewStaticString("Cannot access a static member through an instance.")
	errGettingWriteonly      = NewStaticString("Cannot read from a write-only property.")
	errSettingReadonly       = NewStaticString("Cannot assign to a read-only property.")
	errAssigningToMethod     = NewStaticString("Cannot assign to a method group.")
	errMemberNotAField       = NewStaticString("The member is not a field.")
	errNoIndexer             = NewStaticString("The type does not have an indexer.")
	errNotComparable         = NewStaticString("The type does not support comparison.")
	errCompareType           = NewStaticString("The comparison operator must return an Int.")
	errConcatTypes           = NewStaticString("Cannot concatenate a list or hash with a value of a different type.")
	errWrongApplyArgs        = NewStaticString("The arguments list in a function application must be of type aves.List.")
	errAbstractCall          = NewStaticString("Cannot invoke an abstract method.")
	errNoCtor                = NewStaticString("The type does not declare an instance constructor.")
	errIncorrectRefness      = NewStaticString("One or more arguments has incorrect referenceness.")
)
