package vm

import (
	"encoding/binary"
	"math"

	verrors "github.com/osprey-lang/ovum/errors"
)

// Frame-relative slot offsets, in Value units. Arguments precede the
// frame pointer; locals and evaluation slots follow it.

func (o *MethodOverload) argumentOffset(n int) int32 {
	return int32(n - o.EffectiveParamCount())
}

func (o *MethodOverload) localOffset(n int) int32 {
	return int32(n)
}

func (o *MethodOverload) stackOffset(height int) int32 {
	return int32(o.LocalCount + height)
}

// instrDesc pairs an instruction with its provenance in the on-disk
// stream and the analysis state.
type instrDesc struct {
	originalOffset int
	originalSize   int
	ins            *instr

	// stackHeight is -1 while unvisited; removal marks it -2.
	stackHeight int

	// incoming marks instructions that are branch targets.
	incoming bool
}

const (
	heightUnvisited = -1
	heightRemoved   = -2
)

type methodBuilder struct {
	items       []instrDesc
	hasBranches bool
	typesToInit []*Type
}

func (b *methodBuilder) append(originalOffset, originalSize int, ins *instr) {
	b.items = append(b.items, instrDesc{
		originalOffset: originalOffset,
		originalSize:   originalSize,
		ins:            ins,
		stackHeight:    heightUnvisited,
	})
	b.hasBranches = b.hasBranches || ins.isBranch() || ins.isSwitch()
}

// findIndex maps a byte offset in the original stream to an
// instruction index. The end of the stream maps to the instruction
// count; any other non-boundary offset is -1.
func (b *methodBuilder) findIndex(byteOffset int) int {
	lo, hi := 0, len(b.items)
	for lo < hi {
		mid := (lo + hi) / 2
		off := b.items[mid].originalOffset
		switch {
		case off == byteOffset:
			return mid
		case off < byteOffset:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	if len(b.items) > 0 {
		last := &b.items[len(b.items)-1]
		if byteOffset == last.originalOffset+last.originalSize {
			return len(b.items)
		}
	} else if byteOffset == 0 {
		return 0
	}
	return -1
}

func (b *methodBuilder) markForRemoval(index int) {
	b.items[index].stackHeight = heightRemoved
}

func (b *methodBuilder) addTypeToInitialize(typ *Type) {
	if typ.HasStaticCtorRun() {
		return
	}
	for _, t := range b.typesToInit {
		if t == typ {
			return
		}
	}
	b.typesToInit = append(b.typesToInit, typ)
}

// InitializeMethod rewrites the overload's on-disk bytecode into the
// internal instruction stream: parse, resolve tokens, relocate branch
// targets to instruction indices, verify stack discipline, apply the
// peephole rewrites, compact, and emit. Static constructors required
// by the method run afterwards.
func (t *Thread) InitializeMethod(o *MethodOverload) error {
	if o.IsInitialized() {
		return nil
	}

	builder := &methodBuilder{}
	if err := t.parseInstructions(builder, o); err != nil {
		return err
	}
	if err := t.initializeBranchOffsets(builder, o); err != nil {
		return err
	}
	if err := t.calculateStackHeights(builder, o); err != nil {
		return err
	}
	writeInitializedBody(builder, o)

	return t.callStaticConstructors(builder)
}

// initializeBranchOffsets converts branch and switch targets from byte
// offsets relative to the following instruction into instruction
// indices, and rewrites try-block and debug-symbol offsets the same
// way. Branch targets are marked as having incoming branches.
func (t *Thread) initializeBranchOffsets(b *methodBuilder, o *MethodOverload) error {
	if b.hasBranches {
		for i := range b.items {
			desc := &b.items[i]
			ins := desc.ins
			if ins.isBranch() {
				target := b.findIndex(desc.originalOffset + desc.originalSize + int(ins.target))
				if target < 0 || target >= len(b.items) {
					return initError(o, verrors.KindInvalidBranch, "invalid branch offset").Index(i).Build()
				}
				ins.target = int32(target)
				b.items[target].incoming = true
			} else if ins.isSwitch() {
				for ti, rel := range ins.targets {
					target := b.findIndex(desc.originalOffset + desc.originalSize + int(rel))
					if target < 0 || target >= len(b.items) {
						return initError(o, verrors.KindInvalidBranch, "invalid branch offset").Index(i).Build()
					}
					ins.targets[ti] = int32(target)
					b.items[target].incoming = true
				}
			}
		}
	}

	for _, tb := range o.TryBlocks {
		tb.TryStart = b.findIndex(tb.TryStart)
		tb.TryEnd = b.findIndex(tb.TryEnd)
		if tb.TryStart < 0 || tb.TryEnd < 0 {
			return initError(o, verrors.KindInvalidBranch, "try block offset is not an instruction boundary").Build()
		}
		switch tb.Kind {
		case TryCatch:
			for ci := range tb.Catches {
				c := &tb.Catches[ci]
				if c.CaughtType == nil {
					typ, err := t.typeFromToken(o, c.CaughtTypeToken)
					if err != nil {
						return err
					}
					c.CaughtType = typ
				}
				c.Start = b.findIndex(c.Start)
				c.End = b.findIndex(c.End)
				if c.Start < 0 || c.End < 0 {
					return initError(o, verrors.KindInvalidBranch, "catch block offset is not an instruction boundary").Build()
				}
			}
		case TryFinally, TryFault:
			tb.HandlerStart = b.findIndex(tb.HandlerStart)
			tb.HandlerEnd = b.findIndex(tb.HandlerEnd)
			if tb.HandlerStart < 0 || tb.HandlerEnd < 0 {
				return initError(o, verrors.KindInvalidBranch, "handler offset is not an instruction boundary").Build()
			}
		}
	}

	if o.DebugSymbols != nil {
		for ri := range o.DebugSymbols.Ranges {
			r := &o.DebugSymbols.Ranges[ri]
			if start := b.findIndex(r.Start); start >= 0 {
				r.Start = start
			}
			if end := b.findIndex(r.End); end >= 0 {
				r.End = end
			}
		}
	}
	return nil
}

type stackBranch struct {
	firstInstr int
	height     int
}

// calculateStackHeights abstract-interprets the stack: starting from
// instruction 0 with height 0, from each catch handler with height 1
// and each finally/fault handler with height 0, it propagates heights
// to every reachable instruction, assigns input/output slots, applies
// the peephole rewrites, and finally removes dead instructions.
func (t *Thread) calculateStackHeights(b *methodBuilder, o *MethodOverload) error {
	queue := []stackBranch{{firstInstr: 0, height: 0}}
	for _, tb := range o.TryBlocks {
		switch tb.Kind {
		case TryCatch:
			for _, c := range tb.Catches {
				queue = append(queue, stackBranch{firstInstr: c.Start, height: 1})
			}
		case TryFinally, TryFault:
			queue = append(queue, stackBranch{firstInstr: tb.HandlerStart, height: 0})
		}
	}

	for len(queue) > 0 {
		branch := queue[0]
		queue = queue[1:]
		index := branch.firstInstr
		height := branch.height

		var prev *instr
		var prevIndex int
		for {
			if index < 0 || index >= len(b.items) {
				return initError(o, verrors.KindInvalidBranch, "execution runs off the end of the method").Index(index).Build()
			}
			desc := &b.items[index]
			ins := desc.ins

			if desc.stackHeight >= 0 {
				if desc.stackHeight != height {
					return initError(o, verrors.KindInconsistentStack,
						"instruction reached with different stack heights").Index(index).Build()
				}
				break // branch already visited
			}
			desc.stackHeight = height

			// Terminal instructions pin the stack balance: a method
			// returns with exactly one value, and handlers may not
			// leave values behind.
			switch ins.op {
			case opRet:
				if height != 1 {
					return initError(o, verrors.KindInconsistentStack,
						"a method must return with exactly one value on the stack").Index(index).Build()
				}
			case opRetNull, opEndFinally:
				if height != 0 {
					return initError(o, verrors.KindInconsistentStack,
						"the evaluation stack must be empty here").Index(index).Build()
				}
			}

			removed, added := ins.stackChange()

			if removed > 0 || ins.hasInput() {
				// If the previous instruction pushed exactly one
				// value, nothing branches here, and this is a store
				// to a local (or a pop), the previous output can be
				// redirected and this instruction removed.
				canUpdatePrev := prev != nil &&
					prev.hasOutput() &&
					prevAddsOne(prev) &&
					!desc.incoming

				switch {
				case canUpdatePrev && ins.isStoreLocal():
					prev.updateOutput(ins.out, false)
					b.markForRemoval(index)
				case canUpdatePrev && ins.op == opPop:
					// Write the result to the now-dead slot without
					// pushing it.
					prev.updateOutput(o.stackOffset(height-1), false)
					b.markForRemoval(index)
				default:
					// A load-local feeding a single-value input that
					// does not need the stack collapses into a direct
					// local read.
					if prev != nil && prev.isLoadLocal() && !b.items[prevIndex].incoming &&
						ins.hasInput() && !ins.requiresStackInput() && !desc.incoming {
						ins.updateInput(prev.in, false)
						b.markForRemoval(prevIndex)
					} else {
						ins.updateInput(o.stackOffset(height-removed), true)
					}
				}
			}

			if ins.hasOutput() {
				ins.updateOutput(o.stackOffset(height-removed), true)
			}

			if height < removed {
				return initError(o, verrors.KindInsufficientStack,
					"there are not enough values on the stack").Index(index).Build()
			}
			height = height - removed + added
			if height > o.MaxStack {
				return initError(o, verrors.KindInconsistentStack,
					"the evaluation stack exceeds the declared max stack").Index(index).Build()
			}

			if ins.isBranch() {
				if ins.isConditionalBranch() {
					queue = append(queue, stackBranch{firstInstr: int(ins.target), height: height})

					if fused := tryFuseComparison(b, o, prev, prevIndex, ins, index); fused {
						// The comparison became the branch; this one
						// goes away.
						b.markForRemoval(index)
					}
				} else {
					prev = nil
					index = int(ins.target)
					continue
				}
			} else if ins.isSwitch() {
				for _, target := range ins.targets {
					queue = append(queue, stackBranch{firstInstr: int(target), height: height})
				}
			} else if ins.isTerminal() {
				break
			}

			prev = ins
			prevIndex = index
			index++
		}
	}

	performRemovals(b, o)
	return nil
}

// prevAddsOne reports whether prev pushed exactly one value. Dup is
// deliberately excluded from the fusion rules.
func prevAddsOne(prev *instr) bool {
	if prev.op == opDup {
		return false
	}
	_, added := prev.stackChange()
	return added == 1
}

// tryFuseComparison fuses a comparison followed by brtrue/brfalse into
// a single comparing branch.
func tryFuseComparison(b *methodBuilder, o *MethodOverload, prev *instr, prevIndex int, br *instr, brIndex int) bool {
	if prev == nil || !isComparisonOp(prev.op) {
		return false
	}
	if br.op != opBrTrue && br.op != opBrFalse {
		return false
	}
	if b.items[brIndex].incoming {
		return false
	}

	fusedOp := comparisonBranch(prev.op, br.op == opBrTrue)
	if fusedOp == opNop {
		return false
	}

	fused := &instr{
		op:        fusedOp,
		in:        prev.in,
		inOnStack: prev.inOnStack,
		target:    br.target,
	}
	b.items[prevIndex].ins = fused
	return true
}

// performRemovals drops removed and unreachable instructions and
// rewrites branch targets, try blocks and debug symbols to the
// compacted indices.
func performRemovals(b *methodBuilder, o *MethodOverload) {
	newIndices := make([]int, len(b.items)+1)
	kept := b.items[:0]
	newIndex := 0
	for i := range b.items {
		newIndices[i] = newIndex
		if b.items[i].stackHeight >= 0 {
			kept = append(kept, b.items[i])
			newIndex++
		}
	}
	newIndices[len(newIndices)-1] = newIndex
	b.items = kept

	if b.hasBranches {
		for i := range b.items {
			ins := b.items[i].ins
			if ins.isBranch() {
				ins.target = int32(newIndices[ins.target])
			} else if ins.isSwitch() {
				for ti := range ins.targets {
					ins.targets[ti] = int32(newIndices[ins.targets[ti]])
				}
			}
		}
	}

	for _, tb := range o.TryBlocks {
		tb.TryStart = newIndices[tb.TryStart]
		tb.TryEnd = newIndices[tb.TryEnd]
		switch tb.Kind {
		case TryCatch:
			for ci := range tb.Catches {
				c := &tb.Catches[ci]
				c.Start = newIndices[c.Start]
				c.End = newIndices[c.End]
			}
		case TryFinally, TryFault:
			tb.HandlerStart = newIndices[tb.HandlerStart]
			tb.HandlerEnd = newIndices[tb.HandlerEnd]
		}
	}

	if o.DebugSymbols != nil {
		// Bounds that initializeBranchOffsets could not map keep their
		// byte offset; any past the last instruction clamp to the end
		// of the method.
		last := len(newIndices) - 1
		for ri := range o.DebugSymbols.Ranges {
			r := &o.DebugSymbols.Ranges[ri]
			r.Start = newIndices[min(r.Start, last)]
			r.End = newIndices[min(r.End, last)]
		}
	}
}

// writeInitializedBody materialises the final instruction stream and
// releases the on-disk bytecode.
func writeInitializedBody(b *methodBuilder, o *MethodOverload) {
	code := make([]instr, len(b.items))
	for i := range b.items {
		code[i] = *b.items[i].ins
	}
	o.Code = code
	o.Bytecode = nil
	o.Flags |= MethodInited
}

// callStaticConstructors runs the static constructor of every type the
// method's static-field accesses depend on.
func (t *Thread) callStaticConstructors(b *methodBuilder) error {
	for _, typ := range b.typesToInit {
		if !typ.HasStaticCtorRun() {
			if err := typ.RunStaticCtor(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func initError(o *MethodOverload, kind verrors.Kind, detail string) *verrors.Builder {
	return verrors.MethodInit(o.FullName(), kind, detail)
}

// parseInstructions decodes the on-disk opcode stream front to back,
// resolving every token to a pointer as it goes.
func (t *Thread) parseInstructions(b *methodBuilder, o *MethodOverload) error {
	body := o.Bytecode
	ip := 0

	u16 := func() uint16 { v := binary.LittleEndian.Uint16(body[ip:]); ip += 2; return v }
	u32 := func() uint32 { v := binary.LittleEndian.Uint32(body[ip:]); ip += 4; return v }
	u64 := func() uint64 { v := binary.LittleEndian.Uint64(body[ip:]); ip += 8; return v }

	for ip < len(body) {
		start := ip
		opc := Opcode(body[ip])
		ip++
		var ins *instr

		switch opc {
		case OpcNop:
			ins = &instr{op: opNop}
		case OpcDup:
			ins = &instr{op: opDup, outOnStack: true}
		case OpcPop:
			ins = &instr{op: opPop, inOnStack: true}

		case OpcLdarg0, OpcLdarg1, OpcLdarg2, OpcLdarg3:
			ins = newLoadLocal(o.argumentOffset(int(opc - OpcLdarg0)))
		case OpcLdargS:
			ins = newLoadLocal(o.argumentOffset(int(body[ip])))
			ip++
		case OpcLdarg:
			ins = newLoadLocal(o.argumentOffset(int(u16())))
		case OpcStargS:
			ins = newStoreLocal(o.argumentOffset(int(body[ip])))
			ip++
		case OpcStarg:
			ins = newStoreLocal(o.argumentOffset(int(u16())))

		case OpcLdloc0, OpcLdloc1, OpcLdloc2, OpcLdloc3:
			ins = newLoadLocal(o.localOffset(int(opc - OpcLdloc0)))
		case OpcStloc0, OpcStloc1, OpcStloc2, OpcStloc3:
			ins = newStoreLocal(o.localOffset(int(opc - OpcStloc0)))
		case OpcLdlocS:
			ins = newLoadLocal(o.localOffset(int(body[ip])))
			ip++
		case OpcLdloc:
			ins = newLoadLocal(o.localOffset(int(u16())))
		case OpcStlocS:
			ins = newStoreLocal(o.localOffset(int(body[ip])))
			ip++
		case OpcStloc:
			ins = newStoreLocal(o.localOffset(int(u16())))

		case OpcLdnull:
			ins = &instr{op: opLoadNull, outOnStack: true}
		case OpcLdfalse:
			ins = &instr{op: opLoadBool, b: false, outOnStack: true}
		case OpcLdtrue:
			ins = &instr{op: opLoadBool, b: true, outOnStack: true}
		case OpcLdcIM1, OpcLdcI0, OpcLdcI1, OpcLdcI2, OpcLdcI3, OpcLdcI4,
			OpcLdcI5, OpcLdcI6, OpcLdcI7, OpcLdcI8:
			ins = &instr{op: opLoadInt, i64: int64(opc) - int64(OpcLdcI0), outOnStack: true}
		case OpcLdcIS:
			ins = &instr{op: opLoadInt, i64: int64(int8(body[ip])), outOnStack: true}
			ip++
		case OpcLdcIM:
			ins = &instr{op: opLoadInt, i64: int64(int32(u32())), outOnStack: true}
		case OpcLdcI:
			ins = &instr{op: opLoadInt, i64: int64(u64()), outOnStack: true}
		case OpcLdcU:
			ins = &instr{op: opLoadUInt, u64: u64(), outOnStack: true}
		case OpcLdcR:
			ins = &instr{op: opLoadReal, f64: math.Float64frombits(u64()), outOnStack: true}
		case OpcLdstr:
			str, err := t.stringFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadString, str: str, outOnStack: true}
		case OpcLdargc:
			ins = &instr{op: opLoadArgc, outOnStack: true}
		case OpcLdenumS:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadEnum, typ: typ, i64: int64(int32(u32())), outOnStack: true}
		case OpcLdenum:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadEnum, typ: typ, i64: int64(u64()), outOnStack: true}

		case OpcNewobjS, OpcNewobj:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			var argc int
			if opc == OpcNewobjS {
				argc = int(body[ip])
				ip++
			} else {
				argc = int(u16())
			}
			if typ.IsPrimitive() || typ.IsAbstract() || typ == t.vm.Types.String {
				return initError(o, verrors.KindNotConstructible,
					"the type cannot be constructed").TypeName(typ.FullName.Go()).Build()
			}
			ins = &instr{op: opNewObject, typ: typ, argc: int32(argc), inOnStack: true, outOnStack: true}

		case OpcCall0, OpcCall1, OpcCall2, OpcCall3:
			ins = &instr{op: opCall, argc: int32(opc - OpcCall0), inOnStack: true, outOnStack: true}
		case OpcCallS:
			ins = &instr{op: opCall, argc: int32(body[ip]), inOnStack: true, outOnStack: true}
			ip++
		case OpcCall:
			ins = &instr{op: opCall, argc: int32(u16()), inOnStack: true, outOnStack: true}
		case OpcScallS, OpcScall:
			token := u32()
			var argc int
			if opc == OpcScallS {
				argc = int(body[ip])
				ip++
			} else {
				argc = int(u16())
			}
			mo, err := t.methodOverloadFromToken(o, token, argc)
			if err != nil {
				return err
			}
			ins = &instr{
				op:        opStaticCall,
				overload:  mo,
				argc:      int32(argc - mo.InstanceOffset()),
				inOnStack: true, outOnStack: true,
			}
		case OpcApply:
			ins = &instr{op: opApply, inOnStack: true, outOnStack: true}
		case OpcSapply:
			method, err := t.methodFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opStaticApply, method: method, inOnStack: true, outOnStack: true}

		case OpcRetnull:
			ins = &instr{op: opRetNull}
		case OpcRet:
			ins = &instr{op: opRet, inOnStack: true}

		case OpcBrS:
			ins = &instr{op: opBr, target: int32(int8(body[ip]))}
			ip++
		case OpcBrnullS:
			ins = &instr{op: opBrNull, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrinstS:
			ins = &instr{op: opBrInst, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrfalseS:
			ins = &instr{op: opBrFalse, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrtrueS:
			ins = &instr{op: opBrTrue, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrrefS:
			ins = &instr{op: opBrRef, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrnrefS:
			ins = &instr{op: opBrNRef, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBrtypeS:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opBrType, typ: typ, target: int32(int8(body[ip])), inOnStack: true}
			ip++
		case OpcBr:
			ins = &instr{op: opBr, target: int32(u32())}
		case OpcBrnull:
			ins = &instr{op: opBrNull, target: int32(u32()), inOnStack: true}
		case OpcBrinst:
			ins = &instr{op: opBrInst, target: int32(u32()), inOnStack: true}
		case OpcBrfalse:
			ins = &instr{op: opBrFalse, target: int32(u32()), inOnStack: true}
		case OpcBrtrue:
			ins = &instr{op: opBrTrue, target: int32(u32()), inOnStack: true}
		case OpcBrref:
			ins = &instr{op: opBrRef, target: int32(u32()), inOnStack: true}
		case OpcBrnref:
			ins = &instr{op: opBrNRef, target: int32(u32()), inOnStack: true}
		case OpcBrtype:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opBrType, typ: typ, target: int32(u32()), inOnStack: true}
		case OpcSwitchS:
			count := int(u16())
			targets := make([]int32, count)
			for i := 0; i < count; i++ {
				targets[i] = int32(int8(body[ip]))
				ip++
			}
			ins = &instr{op: opSwitch, targets: targets, inOnStack: true}
		case OpcSwitch:
			count := int(u16())
			targets := make([]int32, count)
			for i := 0; i < count; i++ {
				targets[i] = int32(u32())
			}
			ins = &instr{op: opSwitch, targets: targets, inOnStack: true}

		case OpcAdd, OpcSub, OpcOr, OpcXor, OpcMul, OpcDiv, OpcMod, OpcAnd,
			OpcPow, OpcShl, OpcShr, OpcHashOp, OpcDollar, OpcPlus, OpcNeg, OpcNot:
			ins = &instr{op: opOperator, operator: Operator(opc - OpcAdd), inOnStack: true, outOnStack: true}
		case OpcEq:
			ins = &instr{op: opEquals, inOnStack: true, outOnStack: true}
		case OpcCmp:
			ins = &instr{op: opCompare, inOnStack: true, outOnStack: true}
		case OpcLt:
			ins = &instr{op: opLess, inOnStack: true, outOnStack: true}
		case OpcGt:
			ins = &instr{op: opGreater, inOnStack: true, outOnStack: true}
		case OpcLte:
			ins = &instr{op: opLessEq, inOnStack: true, outOnStack: true}
		case OpcGte:
			ins = &instr{op: opGreaterEq, inOnStack: true, outOnStack: true}
		case OpcConcat:
			ins = &instr{op: opConcat, inOnStack: true, outOnStack: true}

		case OpcList0:
			ins = &instr{op: opCreateList, argc: 0, outOnStack: true}
		case OpcListS:
			ins = &instr{op: opCreateList, argc: int32(body[ip]), outOnStack: true}
			ip++
		case OpcList:
			ins = &instr{op: opCreateList, argc: int32(u32()), outOnStack: true}
		case OpcHash0:
			ins = &instr{op: opCreateHash, argc: 0, outOnStack: true}
		case OpcHashS:
			ins = &instr{op: opCreateHash, argc: int32(body[ip]), outOnStack: true}
			ip++
		case OpcHash:
			ins = &instr{op: opCreateHash, argc: int32(u32()), outOnStack: true}

		case OpcLditer:
			ins = &instr{op: opLoadIterator, inOnStack: true, outOnStack: true}
		case OpcLdtype:
			ins = &instr{op: opLoadType, inOnStack: true, outOnStack: true}

		case OpcLdfld, OpcStfld:
			field, err := t.fieldFromToken(o, u32(), false)
			if err != nil {
				return err
			}
			if opc == OpcLdfld {
				ins = &instr{op: opLoadField, field: field, inOnStack: true, outOnStack: true}
			} else {
				ins = &instr{op: opStoreField, field: field, inOnStack: true}
			}
		case OpcLdsfld, OpcStsfld:
			field, err := t.fieldFromToken(o, u32(), true)
			if err != nil {
				return err
			}
			b.addTypeToInitialize(field.DeclType())
			if opc == OpcLdsfld {
				ins = &instr{op: opLoadStaticField, field: field, outOnStack: true}
			} else {
				ins = &instr{op: opStoreStaticField, field: field, inOnStack: true}
			}

		case OpcLdmem:
			name, err := t.stringFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadMember, str: name, inOnStack: true, outOnStack: true}
		case OpcStmem:
			name, err := t.stringFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opStoreMember, str: name, inOnStack: true}

		case OpcLdidx1:
			ins = &instr{op: opLoadIndexer, argc: 1, inOnStack: true, outOnStack: true}
		case OpcLdidxS:
			ins = &instr{op: opLoadIndexer, argc: int32(body[ip]), inOnStack: true, outOnStack: true}
			ip++
		case OpcLdidx:
			ins = &instr{op: opLoadIndexer, argc: int32(u16()), inOnStack: true, outOnStack: true}
		case OpcStidx1:
			ins = &instr{op: opStoreIndexer, argc: 1, inOnStack: true}
		case OpcStidxS:
			ins = &instr{op: opStoreIndexer, argc: int32(body[ip]), inOnStack: true}
			ip++
		case OpcStidx:
			ins = &instr{op: opStoreIndexer, argc: int32(u16()), inOnStack: true}

		case OpcLdsfn:
			method, err := t.methodFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadStaticFunction, method: method, outOnStack: true}
		case OpcLdtypetkn:
			typ, err := t.typeFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadTypeToken, typ: typ, outOnStack: true}

		case OpcThrow:
			ins = &instr{op: opThrow, inOnStack: true}
		case OpcRethrow:
			ins = &instr{op: opRethrow}
		case OpcLeaveS:
			ins = &instr{op: opLeave, target: int32(int8(body[ip]))}
			ip++
		case OpcLeave:
			ins = &instr{op: opLeave, target: int32(u32())}
		case OpcEndfinally:
			ins = &instr{op: opEndFinally}

		case OpcCallmemS, OpcCallmem:
			name, err := t.stringFromToken(o, u32())
			if err != nil {
				return err
			}
			var argc int
			if opc == OpcCallmemS {
				argc = int(body[ip])
				ip++
			} else {
				argc = int(u16())
			}
			ins = &instr{op: opCallMember, str: name, argc: int32(argc), inOnStack: true, outOnStack: true}

		case OpcLdmemref:
			name, err := t.stringFromToken(o, u32())
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadMemberRef, str: name, inOnStack: true, outOnStack: true}
		case OpcLdargref:
			ins = &instr{op: opLoadLocalRef, in: o.argumentOffset(int(u16())), outOnStack: true}
		case OpcLdlocref:
			ins = &instr{op: opLoadLocalRef, in: o.localOffset(int(u16())), outOnStack: true}
		case OpcLdfldref:
			field, err := t.fieldFromToken(o, u32(), false)
			if err != nil {
				return err
			}
			ins = &instr{op: opLoadFieldRef, field: field, inOnStack: true, outOnStack: true}
		case OpcLdsfldref:
			field, err := t.fieldFromToken(o, u32(), true)
			if err != nil {
				return err
			}
			b.addTypeToInitialize(field.DeclType())
			ins = &instr{op: opLoadStaticFieldRef, field: field, outOnStack: true}

		default:
			return initError(o, verrors.KindInvalidOpcode, "invalid opcode encountered").
				Index(len(b.items)).Build()
		}

		b.append(start, ip-start, ins)
	}

	return nil
}

// Token resolution. Accessibility, static/instance agreement and
// constructibility are verified here, at method-initialisation time.

func (t *Thread) typeFromToken(o *MethodOverload, token TokenID) (*Type, error) {
	module := o.Group.declModule
	result := module.FindType(token)
	if result == nil {
		return nil, initError(o, verrors.KindUnresolvedToken,
			"unresolved TypeDef or TypeRef token").Token(token).Build()
	}
	if result.Flags&TypeProtection == TypePrivate && result.Module != module {
		return nil, initError(o, verrors.KindInaccessibleType,
			"the type is not accessible from other modules").TypeName(result.FullName.Go()).Build()
	}
	return result, nil
}

func (t *Thread) stringFromToken(o *MethodOverload, token TokenID) (*String, error) {
	result := o.Group.declModule.FindString(token)
	if result == nil {
		return nil, initError(o, verrors.KindUnresolvedToken,
			"unresolved String token").Token(token).Build()
	}
	return result, nil
}

func (t *Thread) methodFromToken(o *MethodOverload, token TokenID) (*Method, error) {
	module := o.Group.declModule
	result := module.FindMethod(token)
	if result == nil {
		return nil, initError(o, verrors.KindUnresolvedToken,
			"unresolved MethodDef, MethodRef, FunctionDef or FunctionRef token").Token(token).Build()
	}

	if result.IsStatic() {
		accessible := true
		if result.DeclType() != nil {
			accessible = result.IsAccessible(nil, o.DeclType)
		} else if result.Flags()&MemberAccessLevel == MemberPrivate {
			accessible = result.DeclModule() == module
		}
		if !accessible {
			return nil, initError(o, verrors.KindInaccessibleMember,
				"the method is inaccessible from this location").Member(result.FullName()).Build()
		}
	}
	return result, nil
}

// methodOverloadFromToken resolves a method token to the overload
// accepting argc arguments; argc includes the instance here, matching
// the on-disk encoding.
func (t *Thread) methodOverloadFromToken(o *MethodOverload, token TokenID, argc int) (*MethodOverload, error) {
	method, err := t.methodFromToken(o, token)
	if err != nil {
		return nil, err
	}

	if method.Flags()&MemberInstance != 0 {
		argc--
	}
	overload := method.ResolveOverload(argc)
	if overload == nil {
		return nil, initError(o, verrors.KindNoOverload,
			"could not find an overload that takes the specified number of arguments").
			Member(method.FullName()).ArgCount(argc).Build()
	}
	return overload, nil
}

func (t *Thread) fieldFromToken(o *MethodOverload, token TokenID, shouldBeStatic bool) (*Field, error) {
	field := o.Group.declModule.FindField(token)
	if field == nil {
		return nil, initError(o, verrors.KindUnresolvedToken,
			"unresolved FieldDef or FieldRef token").Token(token).Build()
	}

	if field.IsStatic() && !field.IsAccessible(nil, o.DeclType) {
		return nil, initError(o, verrors.KindInaccessibleMember,
			"the field is inaccessible from this location").Member(field.Name().Go()).Build()
	}

	if shouldBeStatic != field.IsStatic() {
		detail := "the field must be an instance field"
		if shouldBeStatic {
			detail = "the field must be static"
		}
		return nil, initError(o, verrors.KindStaticMismatch, detail).
			Member(field.Name().Go()).Build()
	}
	return field, nil
}
