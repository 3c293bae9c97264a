package vm

// Method is a named group of overloads.
type Method struct {
	memberBase

	Overloads []*MethodOverload

	// BaseMethod refers to the same-named method in the base type,
	// when there is one; overload resolution continues there.
	BaseMethod *Method
}

// NewMethod creates a method group. declModule may be nil for
// programmatically constructed methods.
func NewMethod(name *String, declModule *Module, flags MemberFlags) *Method {
	return &Method{
		memberBase: memberBase{
			name:       name,
			flags:      flags | MemberMethod,
			declModule: declModule,
		},
	}
}

// SetDeclType binds the method group (and its overloads) to the type
// that declares it, and links the base method if the base chain
// declares one with the same name.
func (m *Method) SetDeclType(t *Type) {
	m.declType = t
	for _, o := range m.Overloads {
		o.DeclType = t
	}
	if t == nil || t.BaseType == nil {
		return
	}
	for base := t.BaseType; base != nil; base = base.BaseType {
		if found := base.GetMember(m.name); found != nil {
			if bm, ok := found.(*Method); ok {
				m.BaseMethod = bm
			}
			return
		}
	}
}

func (m *Method) IsAccessible(instType, fromType *Type) bool {
	return accessible(m, instType, fromType)
}

func (m *Method) originatingType() *Type {
	method := m
	for method.BaseMethod != nil {
		method = method.BaseMethod
	}
	return method.declType
}

// AddOverload appends an overload and links it back to the group.
func (m *Method) AddOverload(o *MethodOverload) {
	o.Group = m
	o.DeclType = m.declType
	m.Overloads = append(m.Overloads, o)
}

// ResolveOverload finds an overload accepting argc arguments (not
// counting the instance), walking the base-method chain.
func (m *Method) ResolveOverload(argc int) *MethodOverload {
	for method := m; method != nil; method = method.BaseMethod {
		for _, o := range method.Overloads {
			if o.Accepts(argc) {
				return o
			}
		}
	}
	return nil
}

// Accepts reports whether any overload accepts argc arguments.
func (m *Method) Accepts(argc int) bool {
	return m.ResolveOverload(argc) != nil
}

// FullName returns the fully qualified name of the method group.
func (m *Method) FullName() string {
	if m.declType != nil {
		return m.declType.FullName.Go() + "." + m.name.Go()
	}
	return m.name.Go()
}

// MethodOverload is one implementation of a method, distinguished by
// parameter count and shape.
type MethodOverload struct {
	ParamCount         int
	OptionalParamCount int
	LocalCount         int
	MaxStack           int
	Flags              MethodFlags
	ParamNames         []*String

	// RefSignature is a packed bitmap: bit i set means parameter i
	// takes a reference.
	RefSignature uint32

	TryBlocks    []*TryBlock
	DebugSymbols *DebugSymbols

	Group    *Method
	DeclType *Type

	// Bytecode holds the on-disk instruction stream until the method
	// initialiser rewrites it into Code.
	Bytecode []byte
	Code     []instr

	NativeEntry NativeMethod
}

// Accepts reports whether the overload accepts argc arguments, not
// counting the instance.
func (o *MethodOverload) Accepts(argc int) bool {
	if o.Flags&MethodVariadic != 0 {
		return argc >= o.ParamCount-1
	}
	return argc >= o.ParamCount-o.OptionalParamCount && argc <= o.ParamCount
}

// InstanceOffset returns 1 for instance methods, 0 otherwise.
func (o *MethodOverload) InstanceOffset() int {
	if o.Flags&MethodInstance != 0 {
		return 1
	}
	return 0
}

// EffectiveParamCount returns the parameter count including the
// instance.
func (o *MethodOverload) EffectiveParamCount() int {
	return o.ParamCount + o.InstanceOffset()
}

// IsInitialized reports whether the bytecode initialiser has run.
func (o *MethodOverload) IsInitialized() bool {
	return o.Flags&MethodInited != 0
}

// IsNative reports whether the overload has a native implementation.
func (o *MethodOverload) IsNative() bool {
	return o.Flags&MethodNative != 0
}

// IsInstanceMethod reports whether the overload takes an instance.
func (o *MethodOverload) IsInstanceMethod() bool {
	return o.Flags&MethodInstance != 0
}

// IsVariadic reports whether the overload has a variadic parameter.
func (o *MethodOverload) IsVariadic() bool {
	return o.Flags&MethodVariadic != 0
}

// IsAbstract reports whether the overload has no body.
func (o *MethodOverload) IsAbstract() bool {
	return o.Flags&MethodAbstract != 0
}

// IsCtor reports whether the overload is a constructor.
func (o *MethodOverload) IsCtor() bool {
	return o.Flags&MethodCtor != 0
}

// VerifyRefSignature compares a call's ref signature against the
// overload's, parameter by parameter. It returns -1 on a match, or the
// index of the first mismatching parameter.
func (o *MethodOverload) VerifyRefSignature(refSignature uint32, argc int) int {
	n := argc
	if n > 32 {
		n = 32
	}
	for i := 0; i < n; i++ {
		bit := uint32(1) << uint(i)
		declared := o.RefSignature & bit
		if o.IsVariadic() && i >= o.ParamCount-1 {
			// The variadic parameter itself never takes a reference.
			declared = 0
		}
		if refSignature&bit != declared {
			return i
		}
	}
	return -1
}

// FullName returns the fully qualified name of the overload's group.
func (o *MethodOverload) FullName() string {
	if o.Group != nil {
		return o.Group.FullName()
	}
	return "<anonymous>"
}

// TryBlock is one protected region of an overload. Offsets are
// instruction indices once the overload is initialised; before that
// they are byte offsets into the on-disk stream.
type TryBlock struct {
	Kind     TryKind
	TryStart int
	TryEnd   int

	// Catches is populated for TryCatch blocks, ordered innermost to
	// outermost.
	Catches []CatchBlock

	// HandlerStart/HandlerEnd delimit the handler of finally and
	// fault blocks.
	HandlerStart int
	HandlerEnd   int
}

// Contains reports whether the instruction index lies in the protected
// range.
func (tb *TryBlock) Contains(index int) bool {
	return index >= tb.TryStart && index < tb.TryEnd
}

// CatchBlock is one catch clause of a try block.
type CatchBlock struct {
	CaughtTypeToken uint32
	CaughtType      *Type
	Start           int
	End             int
}

// DebugSymbols maps instruction ranges of an overload to source
// locations.
type DebugSymbols struct {
	File   *String
	Ranges []SourceLocation
}

// SourceLocation is one instruction range with its source line.
type SourceLocation struct {
	Start int
	End   int
	Line  int
}

// FindLine returns the source line for an instruction index.
func (d *DebugSymbols) FindLine(index int) (int, bool) {
	for _, r := range d.Ranges {
		if index >= r.Start && index < r.End {
			return r.Line, true
		}
	}
	return 0, false
}
