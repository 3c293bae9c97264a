package vm

// instr is one internal instruction. The initialiser resolves all
// tokens to pointers, converts branch targets to instruction indices
// and bakes frame-relative slot offsets into in/out. Whether an
// instruction's input comes from the evaluation stack or directly from
// a local, and whether its output pushes or writes a local, is decided
// during stack analysis.
type instr struct {
	op   opcode
	role instrRole

	// in is the frame-relative offset of the first input value;
	// inOnStack marks inputs consumed from the evaluation stack.
	in        int32
	inOnStack bool

	// out is the frame-relative offset the result is written to;
	// outOnStack marks results pushed onto the evaluation stack.
	out        int32
	outOnStack bool

	// target is a branch target. While parsing it holds the relative
	// byte offset from the following instruction; after relocation it
	// is an instruction index.
	target  int32
	targets []int32

	i64 int64
	u64 uint64
	f64 float64
	b   bool

	str      *String
	typ      *Type
	field    *Field
	method   *Method
	overload *MethodOverload

	argc     int32
	operator Operator
}

// instrRole distinguishes the local-transfer shapes during stack
// analysis; the evaluator only looks at in/out and their flags.
type instrRole uint8

const (
	roleNone instrRole = iota
	roleLoadLocal
	roleStoreLocal
)

func newLoadLocal(offset int32) *instr {
	return &instr{op: opMvloc, role: roleLoadLocal, in: offset, outOnStack: true}
}

func newStoreLocal(offset int32) *instr {
	return &instr{op: opMvloc, role: roleStoreLocal, out: offset, inOnStack: true}
}

// stackChange returns how many values the instruction nominally
// removes from and adds to the evaluation stack. Fusions do not alter
// these numbers; they only redirect where values are read from or
// written to.
func (i *instr) stackChange() (removed, added int) {
	switch i.op {
	case opNop, opRetNull, opRethrow, opEndFinally, opBr, opLeave:
		return 0, 0
	case opPop, opRet, opThrow, opBrNull, opBrInst, opBrFalse, opBrTrue, opBrType, opSwitch:
		return 1, 0
	case opDup:
		return 1, 2
	case opMvloc:
		if i.role == roleStoreLocal {
			return 1, 0
		}
		return 0, 1
	case opLoadNull, opLoadBool, opLoadInt, opLoadUInt, opLoadReal, opLoadString,
		opLoadArgc, opLoadEnum, opLoadStaticField, opLoadStaticFunction,
		opLoadTypeToken, opCreateList, opCreateHash, opLoadLocalRef,
		opLoadStaticFieldRef:
		return 0, 1
	case opNewObject:
		return int(i.argc), 1
	case opCall, opCallMember:
		return int(i.argc) + 1, 1
	case opStaticCall:
		return int(i.argc) + i.overload.InstanceOffset(), 1
	case opApply:
		return 2, 1
	case opStaticApply:
		return 1, 1
	case opBrRef, opBrNRef, opBrEq, opBrNeq, opBrLt, opBrGt, opBrLte, opBrGte,
		opBrNLt, opBrNGt, opBrNLte, opBrNGte:
		return 2, 0
	case opOperator:
		return i.operator.Arity(), 1
	case opEquals, opCompare, opLess, opGreater, opLessEq, opGreaterEq, opConcat:
		return 2, 1
	case opLoadIterator, opLoadType, opLoadField, opLoadMember, opLoadFieldRef,
		opLoadMemberRef:
		return 1, 1
	case opStoreField, opStoreMember:
		return 2, 0
	case opStoreStaticField:
		return 1, 0
	case opLoadIndexer:
		return int(i.argc) + 1, 1
	case opStoreIndexer:
		return int(i.argc) + 2, 0
	}
	return 0, 0
}

// hasInput reports whether the instruction reads values at its input
// offset.
func (i *instr) hasInput() bool {
	if i.op == opDup {
		return true
	}
	removed, _ := i.stackChange()
	return removed > 0
}

// hasOutput reports whether the instruction produces a result value.
func (i *instr) hasOutput() bool {
	_, added := i.stackChange()
	return added >= 1
}

// requiresStackInput reports whether the inputs must be contiguous on
// the evaluation stack. Single-value testers can read straight from a
// local instead.
func (i *instr) requiresStackInput() bool {
	switch i.op {
	case opBrNull, opBrInst, opBrFalse, opBrTrue, opBrType, opSwitch:
		return false
	case opMvloc:
		return false
	}
	return true
}

func (i *instr) isBranch() bool {
	switch i.op {
	case opBr, opLeave, opBrNull, opBrInst, opBrFalse, opBrTrue, opBrRef, opBrNRef,
		opBrType, opBrEq, opBrNeq, opBrLt, opBrGt, opBrLte, opBrGte, opBrNLt,
		opBrNGt, opBrNLte, opBrNGte:
		return true
	}
	return false
}

// isConditionalBranch reports whether execution can fall through.
func (i *instr) isConditionalBranch() bool {
	return i.isBranch() && i.op != opBr && i.op != opLeave
}

func (i *instr) isSwitch() bool {
	return i.op == opSwitch
}

func (i *instr) isTerminal() bool {
	switch i.op {
	case opRet, opRetNull, opThrow, opRethrow, opEndFinally:
		return true
	}
	return false
}

func (i *instr) isStoreLocal() bool {
	return i.op == opMvloc && i.role == roleStoreLocal
}

func (i *instr) isLoadLocal() bool {
	return i.op == opMvloc && i.role == roleLoadLocal
}

// updateInput redirects where the instruction reads its input.
func (i *instr) updateInput(offset int32, onStack bool) {
	i.in = offset
	i.inOnStack = onStack
}

// updateOutput redirects where the instruction writes its result.
func (i *instr) updateOutput(offset int32, onStack bool) {
	i.out = offset
	i.outOnStack = onStack
}

// comparisonBranch maps a comparison operation and a branch polarity
// to the fused branch opcode, returning opNop when the pair does not
// fuse.
func comparisonBranch(cmp opcode, branchIfTrue bool) opcode {
	if branchIfTrue {
		switch cmp {
		case opEquals:
			return opBrEq
		case opLess:
			return opBrLt
		case opGreater:
			return opBrGt
		case opLessEq:
			return opBrLte
		case opGreaterEq:
			return opBrGte
		}
	} else {
		switch cmp {
		case opEquals:
			return opBrNeq
		case opLess:
			return opBrNLt
		case opGreater:
			return opBrNGt
		case opLessEq:
			return opBrNLte
		case opGreaterEq:
			return opBrNGte
		}
	}
	return opNop
}

func isComparisonOp(op opcode) bool {
	switch op {
	case opEquals, opLess, opGreater, opLessEq, opGreaterEq:
		return true
	}
	return false
}
