package ovm

import (
	"unicode/utf16"

	"github.com/osprey-lang/ovum/ovm/internal/binary"
	"github.com/osprey-lang/ovum/vm"
)

// Builder assembles an Ovum module file. Tables are written in the
// order members are added, which must therefore follow the token
// numbering: fields and methods are numbered globally across all
// types, in declaration order.
type Builder struct {
	name      string
	version   vm.ModuleVersion
	nativeLib string

	strings   [][]uint16
	stringIDs map[string]uint32

	moduleRefs []moduleRefDef
	typeRefs   []memberRefDef
	funcRefs   []memberRefDef
	fieldRefs  []memberRefDef
	methodRefs []memberRefDef

	types     []*TypeBuilder
	functions []*methodDef
	constants []constantDef

	fieldCount  int
	methodCount int

	methodBlock []byte

	mainMethod uint32
}

type moduleRefDef struct {
	nameToken  uint32
	minVersion vm.ModuleVersion
}

type memberRefDef struct {
	nameToken  uint32
	ownerToken uint32
}

type constantDef struct {
	flags     uint32
	nameToken uint32
	typeToken uint32
	value     int64
}

// NewBuilder creates a module builder.
func NewBuilder(name string, version vm.ModuleVersion) *Builder {
	return &Builder{
		name:      name,
		version:   version,
		stringIDs: make(map[string]uint32),
	}
}

// SetNativeLibrary declares the module's native library.
func (b *Builder) SetNativeLibrary(name string) {
	b.nativeLib = name
}

// String adds a string to the string table (deduplicated) and returns
// its token.
func (b *Builder) String(s string) uint32 {
	if token, ok := b.stringIDs[s]; ok {
		return token
	}
	b.strings = append(b.strings, utf16.Encode([]rune(s)))
	token := vm.MakeToken(vm.TokenString, len(b.strings)-1)
	b.stringIDs[s] = token
	return token
}

// AddModuleRef declares a dependency and returns its token.
func (b *Builder) AddModuleRef(name string, minVersion vm.ModuleVersion) uint32 {
	b.moduleRefs = append(b.moduleRefs, moduleRefDef{
		nameToken:  b.String(name),
		minVersion: minVersion,
	})
	return vm.MakeToken(vm.TokenModuleRef, len(b.moduleRefs)-1)
}

// AddTypeRef references a type in a dependency.
func (b *Builder) AddTypeRef(name string, moduleRef uint32) uint32 {
	b.typeRefs = append(b.typeRefs, memberRefDef{
		nameToken:  b.String(name),
		ownerToken: moduleRef,
	})
	return vm.MakeToken(vm.TokenTypeRef, len(b.typeRefs)-1)
}

// AddFunctionRef references a global function in a dependency.
func (b *Builder) AddFunctionRef(name string, moduleRef uint32) uint32 {
	b.funcRefs = append(b.funcRefs, memberRefDef{
		nameToken:  b.String(name),
		ownerToken: moduleRef,
	})
	return vm.MakeToken(vm.TokenFunctionRef, len(b.funcRefs)-1)
}

// AddFieldRef references a field of a referenced type.
func (b *Builder) AddFieldRef(name string, typeRef uint32) uint32 {
	b.fieldRefs = append(b.fieldRefs, memberRefDef{
		nameToken:  b.String(name),
		ownerToken: typeRef,
	})
	return vm.MakeToken(vm.TokenFieldRef, len(b.fieldRefs)-1)
}

// AddMethodRef references a method of a referenced type.
func (b *Builder) AddMethodRef(name string, typeRef uint32) uint32 {
	b.methodRefs = append(b.methodRefs, memberRefDef{
		nameToken:  b.String(name),
		ownerToken: typeRef,
	})
	return vm.MakeToken(vm.TokenMethodRef, len(b.methodRefs)-1)
}

// SetMainMethod sets the main method token.
func (b *Builder) SetMainMethod(token uint32) {
	b.mainMethod = token
}

// AddConstant declares a global constant.
func (b *Builder) AddConstant(name string, flags uint32, typeToken uint32, value int64) uint32 {
	b.constants = append(b.constants, constantDef{
		flags:     flags,
		nameToken: b.String(name),
		typeToken: typeToken,
		value:     value,
	})
	return vm.MakeToken(vm.TokenConstantDef, len(b.constants)-1)
}

// Overload describes one overload of a method or function.
type Overload struct {
	ParamNames []string
	// RefParams marks by-ref parameters by position.
	RefParams []bool

	OptionalParamCount int
	LocalCount         int
	MaxStack           int
	ShortHeader        bool

	VarEnd   bool
	VarStart bool
	Virtual  bool
	Abstract bool

	TryBlocks []TryBlockDef

	// Body is the bytecode of a managed overload; NativeEntry names
	// the entry point of a native one.
	Body        []byte
	NativeEntry string
}

// TryBlockDef describes a protected region in byte offsets.
type TryBlockDef struct {
	Kind         vm.TryKind
	TryStart     uint32
	TryEnd       uint32
	HandlerStart uint32
	HandlerEnd   uint32
	Catches      []CatchDef
}

// CatchDef is one catch clause.
type CatchDef struct {
	CaughtType uint32
	Start      uint32
	End        uint32
}

type methodDef struct {
	flags     uint32
	nameToken uint32
	overloads []overloadDef
}

type overloadDef struct {
	spec       Overload
	bodyOffset uint32
}

// AddFunction declares a global function and returns its token.
func (b *Builder) AddFunction(name string, flags uint32, overloads ...Overload) uint32 {
	def := &methodDef{flags: flags, nameToken: b.String(name)}
	b.appendOverloads(def, overloads)
	b.functions = append(b.functions, def)
	return vm.MakeToken(vm.TokenFunctionDef, len(b.functions)-1)
}

func (b *Builder) appendOverloads(def *methodDef, overloads []Overload) {
	for _, spec := range overloads {
		// Parameter names go into the string table now, before Bytes
		// writes it.
		for _, name := range spec.ParamNames {
			b.String(name)
		}
		od := overloadDef{spec: spec}
		if spec.Body != nil {
			od.bodyOffset = uint32(len(b.methodBlock))
			b.methodBlock = append(b.methodBlock, spec.Body...)
		}
		def.overloads = append(def.overloads, od)
	}
}

// TypeBuilder accumulates the members of one TypeDef.
type TypeBuilder struct {
	b *Builder

	flags       uint32
	nameToken   uint32
	baseToken   uint32
	sharedToken uint32
	initerName  string

	fields     []fieldDef
	methods    []*methodDef
	properties []propertyDef
	operators  []operatorDef
}

type fieldDef struct {
	flags      uint32
	nameToken  uint32
	valueToken uint32
	value      int64
	hasValue   bool
}

type propertyDef struct {
	nameToken uint32
	getter    uint32
	setter    uint32
}

type operatorDef struct {
	op     vm.Operator
	method uint32
}

// AddType declares a type and returns its builder. The token is
// determined by declaration order.
func (b *Builder) AddType(name string, flags uint32, baseToken, sharedToken uint32) *TypeBuilder {
	tb := &TypeBuilder{
		b:           b,
		flags:       flags,
		nameToken:   b.String(name),
		baseToken:   baseToken,
		sharedToken: sharedToken,
	}
	b.types = append(b.types, tb)
	return tb
}

// Token returns the TypeDef token of the type.
func (tb *TypeBuilder) Token() uint32 {
	for i, t := range tb.b.types {
		if t == tb {
			return vm.MakeToken(vm.TokenTypeDef, i)
		}
	}
	return 0
}

// SetIniter names the native type initialiser.
func (tb *TypeBuilder) SetIniter(name string) {
	tb.initerName = name
}

// AddField declares a field and returns its (global) FieldDef token.
func (tb *TypeBuilder) AddField(name string, flags uint32) uint32 {
	tb.fields = append(tb.fields, fieldDef{
		flags:     flags,
		nameToken: tb.b.String(name),
	})
	token := vm.MakeToken(vm.TokenFieldDef, tb.b.fieldCount)
	tb.b.fieldCount++
	return token
}

// AddConstField declares a constant field with a value payload.
func (tb *TypeBuilder) AddConstField(name string, flags uint32, typeToken uint32, value int64) uint32 {
	tb.fields = append(tb.fields, fieldDef{
		flags:      flags | fieldHasValue,
		nameToken:  tb.b.String(name),
		valueToken: typeToken,
		value:      value,
		hasValue:   true,
	})
	token := vm.MakeToken(vm.TokenFieldDef, tb.b.fieldCount)
	tb.b.fieldCount++
	return token
}

// AddMethod declares a method and returns its (global) MethodDef
// token.
func (tb *TypeBuilder) AddMethod(name string, flags uint32, overloads ...Overload) uint32 {
	def := &methodDef{flags: flags, nameToken: tb.b.String(name)}
	tb.b.appendOverloads(def, overloads)
	tb.methods = append(tb.methods, def)
	token := vm.MakeToken(vm.TokenMethodDef, tb.b.methodCount)
	tb.b.methodCount++
	return token
}

// AddProperty declares a property binding accessor method tokens.
func (tb *TypeBuilder) AddProperty(name string, getter, setter uint32) {
	tb.properties = append(tb.properties, propertyDef{
		nameToken: tb.b.String(name),
		getter:    getter,
		setter:    setter,
	})
}

// AddOperator binds an operator slot to a method token.
func (tb *TypeBuilder) AddOperator(op vm.Operator, method uint32) {
	tb.operators = append(tb.operators, operatorDef{op: op, method: method})
}

// Bytes serialises the module file.
func (b *Builder) Bytes() []byte {
	w := binary.NewWriter()

	// Fixed header.
	w.WriteBytes(magicNumber[:])
	for w.Len() < dataStart {
		w.WriteUint8(0)
	}

	// Module metadata.
	w.WriteString(utf16.Encode([]rune(b.name)))
	writeVersion(w, b.version)

	// String map (compiler metadata; absent).
	w.WriteUint32(0)

	if b.nativeLib == "" {
		w.WriteInt32(0)
	} else {
		w.WriteString(utf16.Encode([]rune(b.nativeLib)))
	}

	w.WriteInt32(int32(len(b.types)))
	w.WriteInt32(int32(len(b.functions)))
	w.WriteInt32(int32(len(b.constants)))
	w.WriteInt32(int32(b.fieldCount))
	w.WriteInt32(int32(b.methodCount))
	methodStartAt := w.Len()
	w.WriteUint32(0) // patched below

	// String table.
	b.writeTable(w, len(b.strings), vm.TokenString, func(i int) {
		w.WriteString(b.strings[i])
	})

	// Reference tables.
	b.writeTable(w, len(b.moduleRefs), vm.TokenModuleRef, func(i int) {
		w.WriteToken(b.moduleRefs[i].nameToken)
		writeVersion(w, b.moduleRefs[i].minVersion)
	})
	b.writeTable(w, len(b.typeRefs), vm.TokenTypeRef, func(i int) {
		w.WriteToken(b.typeRefs[i].nameToken)
		w.WriteToken(b.typeRefs[i].ownerToken)
	})
	b.writeTable(w, len(b.funcRefs), vm.TokenFunctionRef, func(i int) {
		w.WriteToken(b.funcRefs[i].nameToken)
		w.WriteToken(b.funcRefs[i].ownerToken)
	})
	b.writeTable(w, len(b.fieldRefs), vm.TokenFieldRef, func(i int) {
		w.WriteToken(b.fieldRefs[i].nameToken)
		w.WriteToken(b.fieldRefs[i].ownerToken)
	})
	b.writeTable(w, len(b.methodRefs), vm.TokenMethodRef, func(i int) {
		w.WriteToken(b.methodRefs[i].nameToken)
		w.WriteToken(b.methodRefs[i].ownerToken)
	})

	// Definition tables.
	fieldIndex := 0
	methodIndex := 0
	b.writeTable(w, len(b.types), vm.TokenTypeDef, func(i int) {
		b.types[i].write(w, &fieldIndex, &methodIndex)
	})
	b.writeTable(w, len(b.functions), vm.TokenFunctionDef, func(i int) {
		b.writeMethodDef(w, b.functions[i])
	})
	b.writeTable(w, len(b.constants), vm.TokenConstantDef, func(i int) {
		c := b.constants[i]
		w.WriteUint32(c.flags)
		w.WriteToken(c.nameToken)
		w.WriteToken(c.typeToken)
		w.WriteInt64(c.value)
	})

	w.WriteToken(b.mainMethod)

	// Method block: a size prefix followed by the bodies. The header
	// records the offset of the prefix.
	w.PatchUint32(methodStartAt, uint32(w.Len()))
	w.WriteUint32(uint32(len(b.methodBlock)))
	w.WriteBytes(b.methodBlock)

	return w.Bytes()
}

// writeTable writes one framed, counted table. An empty table writes a
// zero size prefix only.
func (b *Builder) writeTable(w *binary.Writer, count int, kind vm.TokenID, item func(i int)) {
	if count == 0 {
		w.WriteUint32(0)
		return
	}
	handle := w.BeginCollection()
	w.WriteInt32(int32(count))
	for i := 0; i < count; i++ {
		w.WriteToken(vm.MakeToken(kind, i))
		item(i)
	}
	w.EndCollection(handle)
}

func (tb *TypeBuilder) write(w *binary.Writer, fieldIndex, methodIndex *int) {
	w.WriteUint32(tb.flags)
	w.WriteToken(tb.nameToken)
	w.WriteToken(tb.baseToken)
	w.WriteToken(tb.sharedToken)
	w.WriteInt32(int32(len(tb.fields) + len(tb.methods) + len(tb.properties)))

	// Fields.
	if len(tb.fields) == 0 {
		w.WriteUint32(0)
	} else {
		handle := w.BeginCollection()
		w.WriteInt32(int32(len(tb.fields)))
		for _, f := range tb.fields {
			w.WriteToken(vm.MakeToken(vm.TokenFieldDef, *fieldIndex))
			*fieldIndex++
			w.WriteInt32(int32(f.flags))
			w.WriteToken(f.nameToken)
			if f.hasValue {
				w.WriteToken(f.valueToken)
				w.WriteInt64(f.value)
			}
		}
		w.EndCollection(handle)
	}

	// Methods.
	if len(tb.methods) == 0 {
		w.WriteUint32(0)
	} else {
		handle := w.BeginCollection()
		w.WriteInt32(int32(len(tb.methods)))
		for _, m := range tb.methods {
			w.WriteToken(vm.MakeToken(vm.TokenMethodDef, *methodIndex))
			*methodIndex++
			tb.b.writeMethodDef(w, m)
		}
		w.EndCollection(handle)
	}

	// Properties.
	if len(tb.properties) == 0 {
		w.WriteUint32(0)
	} else {
		handle := w.BeginCollection()
		w.WriteInt32(int32(len(tb.properties)))
		for _, p := range tb.properties {
			w.WriteToken(p.nameToken)
			w.WriteToken(p.getter)
			w.WriteToken(p.setter)
		}
		w.EndCollection(handle)
	}

	// Operators.
	if len(tb.operators) == 0 {
		w.WriteUint32(0)
	} else {
		handle := w.BeginCollection()
		w.WriteInt32(int32(len(tb.operators)))
		for _, o := range tb.operators {
			w.WriteUint8(uint8(o.op))
			w.WriteToken(o.method)
		}
		w.EndCollection(handle)
	}

	w.WriteCString(tb.initerName)
}

func (b *Builder) writeMethodDef(w *binary.Writer, def *methodDef) {
	w.WriteUint32(def.flags)
	w.WriteToken(def.nameToken)

	handle := w.BeginCollection()
	w.WriteInt32(int32(len(def.overloads)))
	for _, od := range def.overloads {
		b.writeOverload(w, od)
	}
	w.EndCollection(handle)
}

func (b *Builder) writeOverload(w *binary.Writer, od overloadDef) {
	spec := od.spec

	var flags uint32
	if spec.VarEnd {
		flags |= overloadVarEnd
	}
	if spec.VarStart {
		flags |= overloadVarStart
	}
	if spec.NativeEntry != "" {
		flags |= overloadNative
	}
	if spec.ShortHeader {
		flags |= overloadShortHeader
	}
	if spec.Virtual {
		flags |= overloadVirtual
	}
	if spec.Abstract {
		flags |= overloadAbstract
	}
	w.WriteUint32(flags)

	w.WriteUint16(uint16(len(spec.ParamNames)))
	for i, name := range spec.ParamNames {
		token := b.String(name)
		if i < len(spec.RefParams) && spec.RefParams[i] {
			token |= paramRefFlag
		}
		w.WriteToken(token)
	}

	if !spec.ShortHeader {
		w.WriteUint16(uint16(spec.OptionalParamCount))
		w.WriteUint16(uint16(spec.LocalCount))
		w.WriteUint16(uint16(spec.MaxStack))
		writeTryBlocks(w, spec.TryBlocks)
	}

	if !spec.Abstract {
		if spec.NativeEntry != "" {
			w.WriteCString(spec.NativeEntry)
		} else {
			w.WriteUint32(od.bodyOffset)
			w.WriteUint32(uint32(len(spec.Body)))
		}
	}
}

func writeTryBlocks(w *binary.Writer, blocks []TryBlockDef) {
	if len(blocks) == 0 {
		w.WriteUint32(0)
		return
	}
	handle := w.BeginCollection()
	w.WriteInt32(int32(len(blocks)))
	for _, tb := range blocks {
		w.WriteUint8(uint8(tb.Kind))
		w.WriteUint32(tb.TryStart)
		w.WriteUint32(tb.TryEnd)
		switch tb.Kind {
		case vm.TryFinally, vm.TryFault:
			w.WriteUint32(tb.HandlerStart)
			w.WriteUint32(tb.HandlerEnd)
		case vm.TryCatch:
			catchHandle := w.BeginCollection()
			w.WriteInt32(int32(len(tb.Catches)))
			for _, c := range tb.Catches {
				w.WriteToken(c.CaughtType)
				w.WriteUint32(c.Start)
				w.WriteUint32(c.End)
			}
			w.EndCollection(catchHandle)
		}
	}
	w.EndCollection(handle)
}

func writeVersion(w *binary.Writer, v vm.ModuleVersion) {
	w.WriteInt32(v.Major)
	w.WriteInt32(v.Minor)
	w.WriteInt32(v.Build)
	w.WriteInt32(v.Revision)
}
