package vm

// TypeFlags describes a type. The low byte matches the on-disk TypeDef
// flags field; the remaining bits are runtime state maintained by the VM.
type TypeFlags uint32

const (
	TypePublic  TypeFlags = 0x0001
	TypePrivate TypeFlags = 0x0002
	// TypeProtection extracts the accessibility of the type.
	TypeProtection TypeFlags = TypePublic | TypePrivate

	TypeAbstract  TypeFlags = 0x0004
	TypeSealed    TypeFlags = 0x0008
	TypeStatic    TypeFlags = TypeAbstract | TypeSealed
	TypePrimitive TypeFlags = 0x0010

	// Runtime-only flags, never present in module files.

	// TypeCustomPtr marks a type whose instances carry a native
	// representation; the GC walks them through the type's
	// ReferenceWalker.
	TypeCustomPtr         TypeFlags = 0x0100
	TypeOpsInited         TypeFlags = 0x0200
	TypeInited            TypeFlags = 0x0400
	TypeStaticCtorRun     TypeFlags = 0x0800
	TypeStaticCtorRunning TypeFlags = 0x1000
	TypeHasFinalizer      TypeFlags = 0x2000
)

// MemberFlags describes a member of a type or a global function.
type MemberFlags uint16

const (
	MemberField    MemberFlags = 0x0001
	MemberMethod   MemberFlags = 0x0002
	MemberProperty MemberFlags = 0x0004
	// MemberKind extracts the kind of a member.
	MemberKind MemberFlags = MemberField | MemberMethod | MemberProperty

	MemberPublic    MemberFlags = 0x0008
	MemberProtected MemberFlags = 0x0010
	MemberPrivate   MemberFlags = 0x0020
	// MemberAccessLevel extracts the access level of a member.
	MemberAccessLevel MemberFlags = MemberPublic | MemberProtected | MemberPrivate

	MemberAbstract MemberFlags = 0x0080
	MemberVirtual  MemberFlags = 0x0100
	MemberSealed   MemberFlags = 0x0200

	// MemberInstance marks an instance member; without it, members
	// are static.
	MemberInstance MemberFlags = 0x0400

	// MemberImpl marks a member that exists to implement behaviour
	// (accessors, operators, iterators).
	MemberImpl MemberFlags = 0x0800
)

// MethodFlags describes a single method overload.
type MethodFlags uint16

const (
	// MethodVarEnd marks a variadic parameter at the end.
	MethodVarEnd MethodFlags = 0x01
	// MethodVarStart marks a variadic parameter at the start.
	MethodVarStart MethodFlags = 0x02
	// MethodVariadic extracts the variadic flags.
	MethodVariadic MethodFlags = MethodVarEnd | MethodVarStart

	// MethodNative marks a native-code implementation.
	MethodNative MethodFlags = 0x04
	// MethodInstance marks an instance method.
	MethodInstance MethodFlags = 0x08
	// MethodCtor marks a constructor.
	MethodCtor MethodFlags = 0x10
	// MethodInited is set once the bytecode initialiser has processed
	// the overload.
	MethodInited MethodFlags = 0x20
	// MethodVirtual marks an overridable overload.
	MethodVirtual MethodFlags = 0x40
	// MethodAbstract marks an overload without a body.
	MethodAbstract MethodFlags = 0x80
	// MethodOverride marks an overload overriding a base method.
	MethodOverride MethodFlags = 0x100
)

// StringFlags carries the state bits of a managed string.
type StringFlags uint32

const (
	// StringStatic marks a string with no GC header; it is never
	// collected.
	StringStatic StringFlags = 0x01
	// StringIntern marks a string present in the intern table.
	StringIntern StringFlags = 0x02
	// StringHashed marks a string whose hash code has been computed.
	StringHashed StringFlags = 0x04
)

// TryKind identifies the kind of a protected region.
type TryKind uint8

const (
	TryCatch   TryKind = 0x01
	TryFinally TryKind = 0x02
	TryFault   TryKind = 0x03
)

// Operator identifies an operator slot on a type.
type Operator int

const (
	OpAdd Operator = iota
	OpSub
	OpOr
	OpXor
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpPow
	OpShl
	OpShr
	OpHashOp
	OpDollar
	OpPlus
	OpNeg
	OpNot
	OpEq
	OpCmp

	// OperatorCount is the number of operator slots on every type.
	OperatorCount = 18
)

var operatorNames = [OperatorCount]string{
	"+", "-", "|", "^", "*", "/", "%", "&", "**", "<<", ">>",
	"#", "$", "+", "-", "~", "==", "<=>",
}

// Arity returns the number of operands the operator takes.
func (op Operator) Arity() int {
	switch op {
	case OpHashOp, OpDollar, OpPlus, OpNeg, OpNot:
		return 1
	default:
		return 2
	}
}

// Name returns the source-level spelling of the operator.
func (op Operator) Name() string {
	return operatorNames[op]
}
