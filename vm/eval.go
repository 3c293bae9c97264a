package vm

// evaluate runs the current frame's initialised instruction stream
// from the thread's instruction pointer until the method returns, a
// handler-terminating endfinally is reached, or an error propagates.
func (t *Thread) evaluate() error {
	t.handleRequest()

	f := t.currentFrame
	code := f.method.Code

	writeOut := func(ins *instr, v Value) {
		t.values[f.pointer+int(ins.out)] = v
		if ins.outOnStack {
			f.stackCount++
		}
	}

	for {
		ins := &code[t.ip]

		switch ins.op {
		case opNop:
			// Really, do nothing.

		case opPop:
			f.stackCount--

		case opDup:
			v := t.values[f.pointer+int(ins.in)]
			f.stackCount--
			t.values[f.pointer+int(ins.out)] = v
			t.values[f.pointer+int(ins.out)+1] = v
			f.stackCount += 2

		case opMvloc:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			t.values[f.pointer+int(ins.out)] = v
			if ins.outOnStack {
				f.stackCount++
			}

		case opLoadNull:
			writeOut(ins, NullValue)
		case opLoadBool:
			writeOut(ins, t.vm.NewBool(ins.b))
		case opLoadInt:
			writeOut(ins, t.vm.NewInt(ins.i64))
		case opLoadUInt:
			writeOut(ins, t.vm.NewUInt(ins.u64))
		case opLoadReal:
			writeOut(ins, t.vm.NewReal(ins.f64))
		case opLoadString:
			writeOut(ins, t.vm.NewString(ins.str))
		case opLoadArgc:
			writeOut(ins, t.vm.NewInt(int64(f.argc)))
		case opLoadEnum:
			writeOut(ins, Value{Type: ins.typ, Bits: uint64(ins.i64)})

		case opNewObject:
			result, err := t.construct(ins.typ, int(ins.argc))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opCall:
			argsIdx := f.pointer + int(ins.in)
			sig := t.refSignatureAt(argsIdx+1, int(ins.argc))
			result, err := t.invokeLL(int(ins.argc), argsIdx, sig)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opStaticCall:
			mo := ins.overload
			argsIdx := f.pointer + int(ins.in)
			sig := t.refSignatureAt(argsIdx+mo.InstanceOffset(), int(ins.argc))
			if sig != mo.RefSignature && mo.VerifyRefSignature(sig, int(ins.argc)) != -1 {
				return t.ThrowNoOverloadError(int(ins.argc), errIncorrectRefness)
			}
			result, err := t.invokeMethodOverload(mo, int(ins.argc), argsIdx)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opCallMember:
			argsIdx := f.pointer + int(ins.in)
			sig := t.refSignatureAt(argsIdx+1, int(ins.argc))
			result, err := t.invokeMemberLL(ins.str, int(ins.argc), argsIdx, sig)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opApply:
			result, err := t.invokeApplyLL(f.pointer + int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opStaticApply:
			result, err := t.invokeApplyMethodLL(ins.method, f.pointer+int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opRet:
			return nil

		case opRetNull:
			t.values[f.evalBase] = NullValue
			f.stackCount = 1
			return nil

		case opBr:
			t.ip = int(ins.target)
			continue

		case opBrNull:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if v.IsNull() {
				t.ip = int(ins.target)
				continue
			}

		case opBrInst:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if !v.IsNull() {
				t.ip = int(ins.target)
				continue
			}

		case opBrFalse:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if IsFalse(v) {
				t.ip = int(ins.target)
				continue
			}

		case opBrTrue:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if IsTrue(v) {
				t.ip = int(ins.target)
				continue
			}

		case opBrRef, opBrNRef:
			base := f.pointer + int(ins.in)
			same := IsSameReference(t.values[base], t.values[base+1])
			f.stackCount -= 2
			if same == (ins.op == opBrRef) {
				t.ip = int(ins.target)
				continue
			}

		case opBrType:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if ValueIsType(v, ins.typ) {
				t.ip = int(ins.target)
				continue
			}

		case opSwitch:
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			if v.Type != t.vm.Types.Int {
				return t.ThrowTypeError(errSwitchType)
			}
			idx := v.Int()
			if idx >= 0 && idx < int64(len(ins.targets)) {
				t.ip = int(ins.targets[idx])
				continue
			}

		case opOperator:
			result, err := t.invokeOperatorLL(f.pointer+int(ins.in), ins.operator)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opEquals:
			eq, err := t.equalsLL(f.pointer + int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, t.vm.NewBool(eq))

		case opCompare:
			result, err := t.compareLL(f.pointer + int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opLess, opGreater, opLessEq, opGreaterEq:
			ok, err := t.compareOrderedLL(f.pointer+int(ins.in), orderedKind(ins.op))
			if err != nil {
				return err
			}
			writeOut(ins, t.vm.NewBool(ok))

		case opConcat:
			result, err := t.concatLL(f.pointer + int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opBrEq, opBrNeq:
			eq, err := t.equalsLL(f.pointer + int(ins.in))
			if err != nil {
				return err
			}
			if eq == (ins.op == opBrEq) {
				t.ip = int(ins.target)
				continue
			}

		case opBrLt, opBrNLt:
			less, err := t.compareOrderedLL(f.pointer+int(ins.in), compareLess)
			if err != nil {
				return err
			}
			if less == (ins.op == opBrLt) {
				t.ip = int(ins.target)
				continue
			}

		case opBrGt, opBrNGt:
			greater, err := t.compareOrderedLL(f.pointer+int(ins.in), compareGreater)
			if err != nil {
				return err
			}
			if greater == (ins.op == opBrGt) {
				t.ip = int(ins.target)
				continue
			}

		case opBrLte, opBrNLte:
			le, err := t.compareOrderedLL(f.pointer+int(ins.in), compareLessEq)
			if err != nil {
				return err
			}
			if le == (ins.op == opBrLte) {
				t.ip = int(ins.target)
				continue
			}

		case opBrGte, opBrNGte:
			ge, err := t.compareOrderedLL(f.pointer+int(ins.in), compareGreaterEq)
			if err != nil {
				return err
			}
			if ge == (ins.op == opBrGte) {
				t.ip = int(ins.target)
				continue
			}

		case opCreateList:
			result, err := t.newListInstance(int(ins.argc))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opCreateHash:
			result, err := t.newHashInstance(int(ins.argc))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opLoadIterator:
			result, err := t.invokeMemberLL(strIter, 0, f.pointer+int(ins.in), 0)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opLoadType:
			v := t.values[f.pointer+int(ins.in)]
			f.stackCount--
			if v.IsNull() {
				writeOut(ins, NullValue)
			} else {
				token, err := v.Type.GetTypeToken(t)
				if err != nil {
					return err
				}
				writeOut(ins, token)
			}

		case opLoadTypeToken:
			token, err := ins.typ.GetTypeToken(t)
			if err != nil {
				return err
			}
			writeOut(ins, token)

		case opLoadField:
			var result Value
			if err := ins.field.ReadField(t, t.values[f.pointer+int(ins.in)], &result); err != nil {
				return err
			}
			f.stackCount--
			writeOut(ins, result)

		case opStoreField:
			base := f.pointer + int(ins.in)
			if err := ins.field.WriteField(t, t.values[base], t.values[base+1]); err != nil {
				return err
			}
			f.stackCount -= 2

		case opLoadStaticField:
			if ins.field.StaticValue == nil {
				if err := ins.field.DeclType().RunStaticCtor(t); err != nil {
					return err
				}
			}
			writeOut(ins, ins.field.StaticValue.Read())

		case opStoreStaticField:
			if ins.field.StaticValue == nil {
				if err := ins.field.DeclType().RunStaticCtor(t); err != nil {
					return err
				}
			}
			v := t.values[f.pointer+int(ins.in)]
			if ins.inOnStack {
				f.stackCount--
			}
			ins.field.StaticValue.Write(v)

		case opLoadMember:
			result, err := t.loadMemberLL(f.pointer+int(ins.in), ins.str)
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opStoreMember:
			if err := t.storeMemberLL(f.pointer+int(ins.in), ins.str); err != nil {
				return err
			}

		case opLoadIndexer:
			result, err := t.loadIndexerLL(int(ins.argc), f.pointer+int(ins.in))
			if err != nil {
				return err
			}
			writeOut(ins, result)

		case opStoreIndexer:
			if err := t.storeIndexerLL(int(ins.argc), f.pointer+int(ins.in)); err != nil {
				return err
			}

		case opLoadStaticFunction:
			if t.vm.Types.Method == nil {
				return t.ThrowTypeError(errNotInvokable)
			}
			boxed, err := t.vm.gc.AllocInstance(t, t.vm.Types.Method)
			if err != nil {
				return err
			}
			boxed.Obj.Native = &MethodInst{Method: ins.method, Instance: NullValue}
			writeOut(ins, boxed)

		case opLoadLocalRef:
			writeOut(ins, RefValue(&LocalRef{Slot: &t.values[f.pointer+int(ins.in)]}))

		case opLoadFieldRef:
			ref, err := t.loadFieldRefLL(f.pointer+int(ins.in), ins.field)
			if err != nil {
				return err
			}
			writeOut(ins, ref)

		case opLoadMemberRef:
			ref, err := t.loadMemberRefLL(f.pointer+int(ins.in), ins.str)
			if err != nil {
				return err
			}
			writeOut(ins, ref)

		case opLoadStaticFieldRef:
			if ins.field.StaticValue == nil {
				if err := ins.field.DeclType().RunStaticCtor(t); err != nil {
					return err
				}
			}
			writeOut(ins, RefValue(ins.field.StaticValue))

		case opThrow:
			return t.Throw(false)

		case opRethrow:
			return t.Throw(true)

		case opLeave:
			if err := t.evaluateLeave(int(ins.target)); err != nil {
				return err
			}
			t.ip = int(ins.target)
			continue

		case opEndFinally:
			// Return to the site that invoked the handler.
			return nil
		}

		t.ip++
	}
}

func orderedKind(op opcode) compareKind {
	switch op {
	case opLess:
		return compareLess
	case opGreater:
		return compareGreater
	case opLessEq:
		return compareLessEq
	default:
		return compareGreaterEq
	}
}

// allTryBlocks makes findErrorHandler search every try block of the
// current method.
const allTryBlocks = -1

// findErrorHandler searches the innermost enclosing try blocks for a
// handler of the current error. Catch blocks whose caught type is an
// ancestor of the error receive control with the error as the sole
// stack value; finally and fault blocks run with a saved error state
// and propagation continues afterwards.
func (t *Thread) findErrorHandler(maxIndex int) error {
	frame := t.currentFrame
	method := frame.method
	offset := t.ip

	limit := len(method.TryBlocks)
	if maxIndex >= 0 && maxIndex < limit {
		limit = maxIndex
	}

	for ti := 0; ti < limit; ti++ {
		tb := method.TryBlocks[ti]
		if !tb.Contains(offset) {
			continue
		}

		switch tb.Kind {
		case TryCatch:
			for _, c := range tb.Catches {
				if ValueIsType(t.currentError, c.CaughtType) {
					frame.stackCount = 1
					t.values[frame.evalBase] = t.currentError
					t.ip = c.Start
					return nil
				}
			}

		case TryFinally, TryFault:
			frame.stackCount = 0
			savedError := t.currentError

			t.ip = tb.HandlerStart
			for {
				err := t.evaluate()
				if err == nil {
					break
				}
				if _, ok := err.(*ThrownError); ok {
					// Try blocks are ordered innermost to outermost;
					// an error inside the handler may not escape to a
					// catch outside it.
					if herr := t.findErrorHandler(ti); herr == nil {
						continue
					} else {
						err = herr
					}
				}
				return err
			}
			t.ip = offset
			t.currentError = savedError
		}
		// Another enclosing try block may still handle the error.
	}

	return &ThrownError{Value: t.currentError}
}

// evaluateLeave runs, in order, the handler of every finally and fault
// block whose protected range contains the current instruction but not
// the branch target. The leave instruction branches afterwards.
func (t *Thread) evaluateLeave(target int) error {
	frame := t.currentFrame
	method := frame.method
	offset := t.ip

	for ti := 0; ti < len(method.TryBlocks); ti++ {
		tb := method.TryBlocks[ti]
		if tb.Kind != TryFinally && tb.Kind != TryFault {
			continue
		}
		if !tb.Contains(offset) || tb.Contains(target) {
			continue
		}

		savedError := t.currentError

		t.ip = tb.HandlerStart
		for {
			err := t.evaluate()
			if err == nil {
				break
			}
			if _, ok := err.(*ThrownError); ok {
				if herr := t.findErrorHandler(ti); herr == nil {
					continue
				} else {
					err = herr
				}
			}
			return err
		}
		t.ip = offset
		t.currentError = savedError
	}
	return nil
}

var errSwitchType = NewStaticString("The switch value must be of type aves.Int.")
