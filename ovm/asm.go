package ovm

import (
	"encoding/binary"
	"math"

	"github.com/osprey-lang/ovum/vm"
)

// Asm emits on-disk Ovum bytecode. Branches use labels and are always
// emitted in the four-byte form; targets resolve relative to the end
// of the branch instruction when Bytes is called.
type Asm struct {
	buf     []byte
	labels  []int
	fixups  []fixup
	switchs []switchFixup
}

type fixup struct {
	at    int // operand position
	end   int // offset the target is relative to
	label Label
}

type switchFixup struct {
	at     int
	end    int
	labels []Label
}

// Label identifies a branch target.
type Label int

// NewAsm creates an empty assembler.
func NewAsm() *Asm {
	return &Asm{}
}

// Here returns the current byte offset; try-block definitions use it.
func (a *Asm) Here() uint32 {
	return uint32(len(a.buf))
}

// NewLabel allocates an unbound label.
func (a *Asm) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Mark binds a label to the current offset.
func (a *Asm) Mark(l Label) *Asm {
	a.labels[l] = len(a.buf)
	return a
}

// Bytes resolves all branch fixups and returns the bytecode.
func (a *Asm) Bytes() []byte {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-f.end)))
	}
	for _, sf := range a.switchs {
		for i, l := range sf.labels {
			target := a.labels[l]
			binary.LittleEndian.PutUint32(a.buf[sf.at+i*4:], uint32(int32(target-sf.end)))
		}
	}
	return a.buf
}

func (a *Asm) op(opc vm.Opcode) *Asm {
	a.buf = append(a.buf, byte(opc))
	return a
}

func (a *Asm) u8(v uint8) *Asm {
	a.buf = append(a.buf, v)
	return a
}

func (a *Asm) u16(v uint16) *Asm {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
	return a
}

func (a *Asm) u32(v uint32) *Asm {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

func (a *Asm) u64(v uint64) *Asm {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
	return a
}

func (a *Asm) branchTarget(l Label) *Asm {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), end: len(a.buf) + 4, label: l})
	return a.u32(0)
}

// Stack and local access.

func (a *Asm) Nop() *Asm { return a.op(vm.OpcNop) }
func (a *Asm) Dup() *Asm { return a.op(vm.OpcDup) }
func (a *Asm) Pop() *Asm { return a.op(vm.OpcPop) }

// Ldarg loads argument n, choosing the shortest encoding.
func (a *Asm) Ldarg(n int) *Asm {
	switch {
	case n < 4:
		return a.op(vm.Opcode(byte(vm.OpcLdarg0) + byte(n)))
	case n < 256:
		return a.op(vm.OpcLdargS).u8(uint8(n))
	default:
		return a.op(vm.OpcLdarg).u16(uint16(n))
	}
}

// Starg stores to argument n.
func (a *Asm) Starg(n int) *Asm {
	if n < 256 {
		return a.op(vm.OpcStargS).u8(uint8(n))
	}
	return a.op(vm.OpcStarg).u16(uint16(n))
}

// Ldloc loads local n.
func (a *Asm) Ldloc(n int) *Asm {
	switch {
	case n < 4:
		return a.op(vm.Opcode(byte(vm.OpcLdloc0) + byte(n)))
	case n < 256:
		return a.op(vm.OpcLdlocS).u8(uint8(n))
	default:
		return a.op(vm.OpcLdloc).u16(uint16(n))
	}
}

// Stloc stores to local n.
func (a *Asm) Stloc(n int) *Asm {
	switch {
	case n < 4:
		return a.op(vm.Opcode(byte(vm.OpcStloc0) + byte(n)))
	case n < 256:
		return a.op(vm.OpcStlocS).u8(uint8(n))
	default:
		return a.op(vm.OpcStloc).u16(uint16(n))
	}
}

// Constants.

func (a *Asm) Ldnull() *Asm  { return a.op(vm.OpcLdnull) }
func (a *Asm) Ldfalse() *Asm { return a.op(vm.OpcLdfalse) }
func (a *Asm) Ldtrue() *Asm  { return a.op(vm.OpcLdtrue) }

// LdcI loads an Int constant, choosing the shortest encoding.
func (a *Asm) LdcI(v int64) *Asm {
	switch {
	case v >= -1 && v <= 8:
		return a.op(vm.Opcode(byte(vm.OpcLdcI0) + byte(v)))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return a.op(vm.OpcLdcIS).u8(uint8(int8(v)))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return a.op(vm.OpcLdcIM).u32(uint32(int32(v)))
	default:
		return a.op(vm.OpcLdcI).u64(uint64(v))
	}
}

// LdcU loads a UInt constant.
func (a *Asm) LdcU(v uint64) *Asm {
	return a.op(vm.OpcLdcU).u64(v)
}

// LdcR loads a Real constant.
func (a *Asm) LdcR(v float64) *Asm {
	return a.op(vm.OpcLdcR).u64(math.Float64bits(v))
}

// Ldstr loads a string by token.
func (a *Asm) Ldstr(token uint32) *Asm {
	return a.op(vm.OpcLdstr).u32(token)
}

// Ldargc loads the passed argument count.
func (a *Asm) Ldargc() *Asm { return a.op(vm.OpcLdargc) }

// Ldenum loads an enum value.
func (a *Asm) Ldenum(typeToken uint32, value int64) *Asm {
	if value >= math.MinInt32 && value <= math.MaxInt32 {
		return a.op(vm.OpcLdenumS).u32(typeToken).u32(uint32(int32(value)))
	}
	return a.op(vm.OpcLdenum).u32(typeToken).u64(uint64(value))
}

// Construction and invocation.

// Newobj constructs an instance of a type with argc arguments.
func (a *Asm) Newobj(typeToken uint32, argc int) *Asm {
	if argc < 256 {
		return a.op(vm.OpcNewobjS).u32(typeToken).u8(uint8(argc))
	}
	return a.op(vm.OpcNewobj).u32(typeToken).u16(uint16(argc))
}

// Call invokes the value below argc arguments.
func (a *Asm) Call(argc int) *Asm {
	switch {
	case argc < 4:
		return a.op(vm.Opcode(byte(vm.OpcCall0) + byte(argc)))
	case argc < 256:
		return a.op(vm.OpcCallS).u8(uint8(argc))
	default:
		return a.op(vm.OpcCall).u16(uint16(argc))
	}
}

// Scall invokes a method or function token with argc arguments
// (including the instance for instance methods).
func (a *Asm) Scall(funcToken uint32, argc int) *Asm {
	if argc < 256 {
		return a.op(vm.OpcScallS).u32(funcToken).u8(uint8(argc))
	}
	return a.op(vm.OpcScall).u32(funcToken).u16(uint16(argc))
}

// Apply applies a callee to an argument list.
func (a *Asm) Apply() *Asm { return a.op(vm.OpcApply) }

// Sapply applies a function token to an argument list.
func (a *Asm) Sapply(funcToken uint32) *Asm {
	return a.op(vm.OpcSapply).u32(funcToken)
}

// Control flow.

func (a *Asm) Ret() *Asm     { return a.op(vm.OpcRet) }
func (a *Asm) Retnull() *Asm { return a.op(vm.OpcRetnull) }

func (a *Asm) Br(l Label) *Asm      { return a.op(vm.OpcBr).branchTarget(l) }
func (a *Asm) Brnull(l Label) *Asm  { return a.op(vm.OpcBrnull).branchTarget(l) }
func (a *Asm) Brinst(l Label) *Asm  { return a.op(vm.OpcBrinst).branchTarget(l) }
func (a *Asm) Brfalse(l Label) *Asm { return a.op(vm.OpcBrfalse).branchTarget(l) }
func (a *Asm) Brtrue(l Label) *Asm  { return a.op(vm.OpcBrtrue).branchTarget(l) }
func (a *Asm) Brref(l Label) *Asm   { return a.op(vm.OpcBrref).branchTarget(l) }
func (a *Asm) Brnref(l Label) *Asm  { return a.op(vm.OpcBrnref).branchTarget(l) }

// Brtype branches when the top of the stack is of the given type.
func (a *Asm) Brtype(typeToken uint32, l Label) *Asm {
	return a.op(vm.OpcBrtype).u32(typeToken).branchTarget(l)
}

// Switch jumps to the label indexed by the Int on the stack, falling
// through when out of range.
func (a *Asm) Switch(labels ...Label) *Asm {
	a.op(vm.OpcSwitch).u16(uint16(len(labels)))
	at := len(a.buf)
	for range labels {
		a.u32(0)
	}
	a.switchs = append(a.switchs, switchFixup{at: at, end: len(a.buf), labels: labels})
	return a
}

// Operators.

func (a *Asm) Add() *Asm    { return a.op(vm.OpcAdd) }
func (a *Asm) Sub() *Asm    { return a.op(vm.OpcSub) }
func (a *Asm) Or() *Asm     { return a.op(vm.OpcOr) }
func (a *Asm) Xor() *Asm    { return a.op(vm.OpcXor) }
func (a *Asm) Mul() *Asm    { return a.op(vm.OpcMul) }
func (a *Asm) Div() *Asm    { return a.op(vm.OpcDiv) }
func (a *Asm) Mod() *Asm    { return a.op(vm.OpcMod) }
func (a *Asm) And() *Asm    { return a.op(vm.OpcAnd) }
func (a *Asm) Pow() *Asm    { return a.op(vm.OpcPow) }
func (a *Asm) Shl() *Asm    { return a.op(vm.OpcShl) }
func (a *Asm) Shr() *Asm    { return a.op(vm.OpcShr) }
func (a *Asm) Plus() *Asm   { return a.op(vm.OpcPlus) }
func (a *Asm) Neg() *Asm    { return a.op(vm.OpcNeg) }
func (a *Asm) Not() *Asm    { return a.op(vm.OpcNot) }
func (a *Asm) Eq() *Asm     { return a.op(vm.OpcEq) }
func (a *Asm) Cmp() *Asm    { return a.op(vm.OpcCmp) }
func (a *Asm) Lt() *Asm     { return a.op(vm.OpcLt) }
func (a *Asm) Gt() *Asm     { return a.op(vm.OpcGt) }
func (a *Asm) Lte() *Asm    { return a.op(vm.OpcLte) }
func (a *Asm) Gte() *Asm    { return a.op(vm.OpcGte) }
func (a *Asm) Concat() *Asm { return a.op(vm.OpcConcat) }

// Containers and reflection.

// List creates an empty list with the given capacity.
func (a *Asm) List(capacity int) *Asm {
	switch {
	case capacity == 0:
		return a.op(vm.OpcList0)
	case capacity < 256:
		return a.op(vm.OpcListS).u8(uint8(capacity))
	default:
		return a.op(vm.OpcList).u32(uint32(capacity))
	}
}

// Hash creates an empty hash with the given capacity.
func (a *Asm) Hash(capacity int) *Asm {
	switch {
	case capacity == 0:
		return a.op(vm.OpcHash0)
	case capacity < 256:
		return a.op(vm.OpcHashS).u8(uint8(capacity))
	default:
		return a.op(vm.OpcHash).u32(uint32(capacity))
	}
}

func (a *Asm) Lditer() *Asm { return a.op(vm.OpcLditer) }
func (a *Asm) Ldtype() *Asm { return a.op(vm.OpcLdtype) }

// Ldtypetkn loads the type token of a type.
func (a *Asm) Ldtypetkn(typeToken uint32) *Asm {
	return a.op(vm.OpcLdtypetkn).u32(typeToken)
}

// Member access.

func (a *Asm) Ldfld(fieldToken uint32) *Asm  { return a.op(vm.OpcLdfld).u32(fieldToken) }
func (a *Asm) Stfld(fieldToken uint32) *Asm  { return a.op(vm.OpcStfld).u32(fieldToken) }
func (a *Asm) Ldsfld(fieldToken uint32) *Asm { return a.op(vm.OpcLdsfld).u32(fieldToken) }
func (a *Asm) Stsfld(fieldToken uint32) *Asm { return a.op(vm.OpcStsfld).u32(fieldToken) }
func (a *Asm) Ldmem(nameToken uint32) *Asm   { return a.op(vm.OpcLdmem).u32(nameToken) }
func (a *Asm) Stmem(nameToken uint32) *Asm   { return a.op(vm.OpcStmem).u32(nameToken) }

// Ldidx loads through the indexer with argc index arguments.
func (a *Asm) Ldidx(argc int) *Asm {
	switch {
	case argc == 1:
		return a.op(vm.OpcLdidx1)
	case argc < 256:
		return a.op(vm.OpcLdidxS).u8(uint8(argc))
	default:
		return a.op(vm.OpcLdidx).u16(uint16(argc))
	}
}

// Stidx stores through the indexer with argc index arguments.
func (a *Asm) Stidx(argc int) *Asm {
	switch {
	case argc == 1:
		return a.op(vm.OpcStidx1)
	case argc < 256:
		return a.op(vm.OpcStidxS).u8(uint8(argc))
	default:
		return a.op(vm.OpcStidx).u16(uint16(argc))
	}
}

// Ldsfn loads a function as an unbound method value.
func (a *Asm) Ldsfn(funcToken uint32) *Asm {
	return a.op(vm.OpcLdsfn).u32(funcToken)
}

// Callmem invokes a named member with argc arguments.
func (a *Asm) Callmem(nameToken uint32, argc int) *Asm {
	if argc < 256 {
		return a.op(vm.OpcCallmemS).u32(nameToken).u8(uint8(argc))
	}
	return a.op(vm.OpcCallmem).u32(nameToken).u16(uint16(argc))
}

// Exception handling.

func (a *Asm) Throw() *Asm      { return a.op(vm.OpcThrow) }
func (a *Asm) Rethrow() *Asm    { return a.op(vm.OpcRethrow) }
func (a *Asm) Endfinally() *Asm { return a.op(vm.OpcEndfinally) }

// Leave exits a protected region, running intervening finally and
// fault handlers.
func (a *Asm) Leave(l Label) *Asm {
	return a.op(vm.OpcLeave).branchTarget(l)
}

// Reference primitives.

func (a *Asm) Ldmemref(nameToken uint32) *Asm { return a.op(vm.OpcLdmemref).u32(nameToken) }
func (a *Asm) Ldargref(n int) *Asm            { return a.op(vm.OpcLdargref).u16(uint16(n)) }
func (a *Asm) Ldlocref(n int) *Asm            { return a.op(vm.OpcLdlocref).u16(uint16(n)) }
func (a *Asm) Ldfldref(fieldToken uint32) *Asm {
	return a.op(vm.OpcLdfldref).u32(fieldToken)
}
func (a *Asm) Ldsfldref(fieldToken uint32) *Asm {
	return a.op(vm.OpcLdsfldref).u32(fieldToken)
}
