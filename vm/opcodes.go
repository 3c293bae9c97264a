package vm

// Opcode is the single-byte primary opcode of the on-disk instruction
// encoding. Operands follow in the layouts noted per opcode: ub/sb are
// one byte, u2/i2 two bytes, u4/i4 four bytes, i8/u8/r8 eight bytes,
// all little-endian. Branch targets are byte offsets relative to the
// next instruction.
type Opcode byte

const (
	OpcNop Opcode = 0x00
	OpcDup Opcode = 0x01
	OpcPop Opcode = 0x02

	// Arguments.
	OpcLdarg0 Opcode = 0x03
	OpcLdarg1 Opcode = 0x04
	OpcLdarg2 Opcode = 0x05
	OpcLdarg3 Opcode = 0x06
	OpcLdargS Opcode = 0x07 // ub:n
	OpcLdarg  Opcode = 0x08 // u2:n
	OpcStargS Opcode = 0x09 // ub:n
	OpcStarg  Opcode = 0x0a // u2:n

	// Locals.
	OpcLdloc0 Opcode = 0x0b
	OpcLdloc1 Opcode = 0x0c
	OpcLdloc2 Opcode = 0x0d
	OpcLdloc3 Opcode = 0x0e
	OpcStloc0 Opcode = 0x0f
	OpcStloc1 Opcode = 0x10
	OpcStloc2 Opcode = 0x11
	OpcStloc3 Opcode = 0x12
	OpcLdlocS Opcode = 0x13 // ub:n
	OpcLdloc  Opcode = 0x14 // u2:n
	OpcStlocS Opcode = 0x15 // ub:n
	OpcStloc  Opcode = 0x16 // u2:n

	// Constants.
	OpcLdnull  Opcode = 0x17
	OpcLdfalse Opcode = 0x18
	OpcLdtrue  Opcode = 0x19
	OpcLdcIM1  Opcode = 0x1a
	OpcLdcI0   Opcode = 0x1b
	OpcLdcI1   Opcode = 0x1c
	OpcLdcI2   Opcode = 0x1d
	OpcLdcI3   Opcode = 0x1e
	OpcLdcI4   Opcode = 0x1f
	OpcLdcI5   Opcode = 0x20
	OpcLdcI6   Opcode = 0x21
	OpcLdcI7   Opcode = 0x22
	OpcLdcI8   Opcode = 0x23
	OpcLdcIS   Opcode = 0x24 // sb:value
	OpcLdcIM   Opcode = 0x25 // i4:value
	OpcLdcI    Opcode = 0x26 // i8:value
	OpcLdcU    Opcode = 0x27 // u8:value
	OpcLdcR    Opcode = 0x28 // r8:value
	OpcLdstr   Opcode = 0x29 // u4:str
	OpcLdargc  Opcode = 0x2a
	OpcLdenumS Opcode = 0x2b // u4:type i4:value
	OpcLdenum  Opcode = 0x2c // u4:type i8:value

	// Object construction.
	OpcNewobjS Opcode = 0x2d // u4:type ub:argc
	OpcNewobj  Opcode = 0x2e // u4:type u2:argc

	// Invocation.
	OpcCall0  Opcode = 0x2f
	OpcCall1  Opcode = 0x30
	OpcCall2  Opcode = 0x31
	OpcCall3  Opcode = 0x32
	OpcCallS  Opcode = 0x33 // ub:argc
	OpcCall   Opcode = 0x34 // u2:argc
	OpcScallS Opcode = 0x35 // u4:func ub:argc
	OpcScall  Opcode = 0x36 // u4:func u2:argc
	OpcApply  Opcode = 0x37
	OpcSapply Opcode = 0x38 // u4:func

	// Control flow.
	OpcRetnull  Opcode = 0x39
	OpcRet      Opcode = 0x3a
	OpcBrS      Opcode = 0x3b // sb:trg
	OpcBrnullS  Opcode = 0x3c // sb:trg
	OpcBrinstS  Opcode = 0x3d // sb:trg
	OpcBrfalseS Opcode = 0x3e // sb:trg
	OpcBrtrueS  Opcode = 0x3f // sb:trg
	OpcBrrefS   Opcode = 0x40 // sb:trg
	OpcBrnrefS  Opcode = 0x41 // sb:trg
	OpcBrtypeS  Opcode = 0x42 // u4:type sb:trg
	OpcBr       Opcode = 0x43 // i4:trg
	OpcBrnull   Opcode = 0x44 // i4:trg
	OpcBrinst   Opcode = 0x45 // i4:trg
	OpcBrfalse  Opcode = 0x46 // i4:trg
	OpcBrtrue   Opcode = 0x47 // i4:trg
	OpcBrref    Opcode = 0x48 // i4:trg
	OpcBrnref   Opcode = 0x49 // i4:trg
	OpcBrtype   Opcode = 0x4a // u4:type i4:trg
	OpcSwitchS  Opcode = 0x4b // u2:n sb:targets...
	OpcSwitch   Opcode = 0x4c // u2:n i4:targets...

	// Operators.
	OpcAdd    Opcode = 0x4d
	OpcSub    Opcode = 0x4e
	OpcOr     Opcode = 0x4f
	OpcXor    Opcode = 0x50
	OpcMul    Opcode = 0x51
	OpcDiv    Opcode = 0x52
	OpcMod    Opcode = 0x53
	OpcAnd    Opcode = 0x54
	OpcPow    Opcode = 0x55
	OpcShl    Opcode = 0x56
	OpcShr    Opcode = 0x57
	OpcHashOp Opcode = 0x58
	OpcDollar Opcode = 0x59
	OpcPlus   Opcode = 0x5a
	OpcNeg    Opcode = 0x5b
	OpcNot    Opcode = 0x5c
	OpcEq     Opcode = 0x5d
	OpcCmp    Opcode = 0x5e
	OpcLt     Opcode = 0x5f
	OpcGt     Opcode = 0x60
	OpcLte    Opcode = 0x61
	OpcGte    Opcode = 0x62
	OpcConcat Opcode = 0x63

	// Containers.
	OpcList0 Opcode = 0x64
	OpcListS Opcode = 0x65 // ub:count
	OpcList  Opcode = 0x66 // u4:count
	OpcHash0 Opcode = 0x67
	OpcHashS Opcode = 0x68 // ub:count
	OpcHash  Opcode = 0x69 // u4:count

	// Reflection.
	OpcLditer Opcode = 0x6a
	OpcLdtype Opcode = 0x6b

	// Member access.
	OpcLdfld  Opcode = 0x6c // u4:fld
	OpcStfld  Opcode = 0x6d // u4:fld
	OpcLdsfld Opcode = 0x6e // u4:fld
	OpcStsfld Opcode = 0x6f // u4:fld
	OpcLdmem  Opcode = 0x70 // u4:name
	OpcStmem  Opcode = 0x71 // u4:name

	// Indexers.
	OpcLdidx1 Opcode = 0x72
	OpcLdidxS Opcode = 0x73 // ub:argc
	OpcLdidx  Opcode = 0x74 // u2:argc
	OpcStidx1 Opcode = 0x75
	OpcStidxS Opcode = 0x76 // ub:argc
	OpcStidx  Opcode = 0x77 // u2:argc

	// Function values and type tokens.
	OpcLdsfn     Opcode = 0x78 // u4:func
	OpcLdtypetkn Opcode = 0x79 // u4:type

	// Exception handling.
	OpcThrow      Opcode = 0x7a
	OpcRethrow    Opcode = 0x7b
	OpcLeaveS     Opcode = 0x7c // sb:trg
	OpcLeave      Opcode = 0x7d // i4:trg
	OpcEndfinally Opcode = 0x7e

	// Member call.
	OpcCallmemS Opcode = 0x7f // u4:name ub:argc
	OpcCallmem  Opcode = 0x80 // u4:name u2:argc

	// Reference primitives.
	OpcLdmemref  Opcode = 0x81 // u4:name
	OpcLdargref  Opcode = 0x82 // u2:n
	OpcLdlocref  Opcode = 0x83 // u2:n
	OpcLdfldref  Opcode = 0x84 // u4:fld
	OpcLdsfldref Opcode = 0x85 // u4:fld
)

// opcode is the internal operation set the initialiser emits. The
// encoding is an implementation detail; only the initialiser, the
// peephole rewrites and the evaluator need to agree on it.
type opcode uint8

const (
	opNop opcode = iota
	opPop
	opDup
	opMvloc // copy between frame slots

	opLoadNull
	opLoadBool
	opLoadInt
	opLoadUInt
	opLoadReal
	opLoadString
	opLoadArgc
	opLoadEnum

	opNewObject
	opCall
	opStaticCall
	opApply
	opStaticApply
	opCallMember

	opRet
	opRetNull
	opBr
	opBrNull
	opBrInst
	opBrFalse
	opBrTrue
	opBrRef
	opBrNRef
	opBrType
	opSwitch
	opLeave
	opThrow
	opRethrow
	opEndFinally

	opOperator // unary or binary operator dispatch
	opEquals   // the == primitive returning a boolean
	opCompare  // the <=> primitive returning an Int
	opLess
	opGreater
	opLessEq
	opGreaterEq
	opConcat

	// Fused comparison branches.
	opBrEq
	opBrNeq
	opBrLt
	opBrGt
	opBrLte
	opBrGte
	opBrNLt
	opBrNGt
	opBrNLte
	opBrNGte

	opCreateList
	opCreateHash
	opLoadIterator
	opLoadType
	opLoadTypeToken

	opLoadField
	opStoreField
	opLoadStaticField
	opStoreStaticField
	opLoadMember
	opStoreMember
	opLoadIndexer
	opStoreIndexer
	opLoadStaticFunction

	opLoadLocalRef
	opLoadFieldRef
	opLoadMemberRef
	opLoadStaticFieldRef
)
