package ovm

// The fixed header of an Ovum module file: the magic bytes, padded to
// the data-start offset where the module metadata begins.
var magicNumber = [4]byte{'O', 'V', 'M', 'M'}

const dataStart = 16

// ModuleExtension is the file extension of Ovum modules.
const ModuleExtension = ".ovm"

// On-disk flag sets of the member tables. The loader maps these to the
// runtime flags.

// TypeDef flags are vm.TypeFlags directly; see vm.TypePublic etc.

// FieldDef flags.
const (
	fieldPublic    = 0x01
	fieldPrivate   = 0x02
	fieldProtected = 0x04
	fieldInstance  = 0x08
	fieldHasValue  = 0x10
)

// MethodDef / FunctionDef flags.
const (
	methodPublic    = 0x01
	methodPrivate   = 0x02
	methodProtected = 0x04
	methodInstance  = 0x08
	methodCtor      = 0x10
	methodImpl      = 0x20
)

// Overload flags.
const (
	overloadVarEnd      = 0x01
	overloadVarStart    = 0x02
	overloadNative      = 0x04
	overloadShortHeader = 0x08
	overloadVirtual     = 0x10
	overloadAbstract    = 0x20
)

// ConstantDef flags.
const (
	constantPublic  = 0x01
	constantPrivate = 0x02
)

// paramRefFlag marks a by-ref parameter in its name token.
const paramRefFlag = 0x80000000

// shortHeaderMaxStack is the stack reservation of overloads with the
// short header form.
const shortHeaderMaxStack = 8
