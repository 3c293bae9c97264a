package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the VM pipeline the error occurred.
type Phase string

const (
	PhaseStartup    Phase = "startup"    // command line, main method lookup
	PhaseLoad       Phase = "load"       // module file parsing and resolution
	PhaseMethodInit Phase = "methodinit" // bytecode rewrite pipeline
	PhaseRuntime    Phase = "runtime"    // evaluation
	PhaseGC         Phase = "gc"         // allocation and collection
)

// Kind categorizes the error.
type Kind string

const (
	KindBadMagic           Kind = "bad_magic"
	KindSizeMismatch       Kind = "size_mismatch"
	KindUnresolvedToken    Kind = "unresolved_token"
	KindCircularDependency Kind = "circular_dependency"
	KindVersionMismatch    Kind = "version_mismatch"
	KindDuplicateName      Kind = "duplicate_name"
	KindInconsistentDecl   Kind = "inconsistent_decl"
	KindMissingEntryPoint  Kind = "missing_entry_point"
	KindNotFound           Kind = "not_found"
	KindInvalidData        Kind = "invalid_data"
	KindIO                 Kind = "io"

	KindInconsistentStack  Kind = "inconsistent_stack"
	KindInsufficientStack  Kind = "insufficient_stack"
	KindInvalidBranch      Kind = "invalid_branch"
	KindStackHasRefs       Kind = "stack_has_refs"
	KindInaccessibleMember Kind = "inaccessible_member"
	KindInaccessibleType   Kind = "inaccessible_type"
	KindStaticMismatch     Kind = "static_mismatch"
	KindNoOverload         Kind = "no_overload"
	KindNotConstructible   Kind = "not_constructible"
	KindInvalidOpcode      Kind = "invalid_opcode"

	KindStackOverflow Kind = "stack_overflow"
	KindNoMemory      Kind = "no_memory"
	KindNoMainMethod  Kind = "no_main_method"
)

// Error is the structured error type used by the loader, the method
// initialiser and the unmanaged parts of the runtime. Managed errors
// (aves.Error instances) never appear here; they travel through the
// thread's current-error slot.
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	File     string // module file, when known
	Module   string // module name, when known
	Method   string // fully qualified method name, when known
	Member   string // offending member name
	TypeName string // offending type name
	Token    uint32 // offending token, 0 if absent
	Index    int    // instruction index, -1 if absent
	ArgCount int    // argument count for overload errors, -1 if absent
	Detail   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.File != "" {
		b.WriteString(" in '")
		b.WriteString(e.File)
		b.WriteByte('\'')
	} else if e.Module != "" {
		b.WriteString(" in module ")
		b.WriteString(e.Module)
	}
	if e.Method != "" {
		b.WriteString(" (method ")
		b.WriteString(e.Method)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Member != "" {
		b.WriteString(" (member: ")
		b.WriteString(e.Member)
		b.WriteByte(')')
	}
	if e.TypeName != "" {
		b.WriteString(" (type: ")
		b.WriteString(e.TypeName)
		b.WriteByte(')')
	}
	if e.Token != 0 {
		fmt.Fprintf(&b, " (token: 0x%08X)", e.Token)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " (instruction: %d)", e.Index)
	}
	if e.ArgCount >= 0 {
		fmt.Fprintf(&b, " (arguments: %d)", e.ArgCount)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:    phase,
			Kind:     kind,
			Index:    -1,
			ArgCount: -1,
		},
	}
}

// File sets the module file name.
func (b *Builder) File(name string) *Builder {
	b.err.File = name
	return b
}

// Module sets the module name.
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Method sets the fully qualified method name.
func (b *Builder) Method(name string) *Builder {
	b.err.Method = name
	return b
}

// Member sets the offending member name.
func (b *Builder) Member(name string) *Builder {
	b.err.Member = name
	return b
}

// TypeName sets the offending type name.
func (b *Builder) TypeName(name string) *Builder {
	b.err.TypeName = name
	return b
}

// Token sets the offending token.
func (b *Builder) Token(token uint32) *Builder {
	b.err.Token = token
	return b
}

// Index sets the offending instruction index.
func (b *Builder) Index(index int) *Builder {
	b.err.Index = index
	return b
}

// ArgCount sets the argument count of a failed overload resolution.
func (b *Builder) ArgCount(argc int) *Builder {
	b.err.ArgCount = argc
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the common failure shapes.

// ModuleLoad creates a module-load error for the given file.
func ModuleLoad(file string, kind Kind, detail string) *Error {
	return New(PhaseLoad, kind).File(file).Detail(detail).Build()
}

// BadMagic creates the invalid-magic-number error.
func BadMagic(file string) *Error {
	return ModuleLoad(file, KindBadMagic, "invalid magic number in module file")
}

// TableSizeMismatch reports a framed collection whose contents did not
// span exactly its declared byte size.
func TableSizeMismatch(file, table string) *Error {
	return New(PhaseLoad, KindSizeMismatch).
		File(file).
		Detail("the actual size of the %s table did not match the expected size", table).
		Build()
}

// UnresolvedToken creates a load-time unresolved token error.
func UnresolvedToken(file string, token uint32, what string) *Error {
	return New(PhaseLoad, KindUnresolvedToken).
		File(file).
		Token(token).
		Detail("unresolved %s token", what).
		Build()
}

// CircularDependency reports a dependency on a partially opened module.
func CircularDependency(file, dependency string) *Error {
	return New(PhaseLoad, KindCircularDependency).
		File(file).
		Detail("circular dependency detected via module %s", dependency).
		Build()
}

// VersionMismatch reports a dependent module that is too old.
func VersionMismatch(file, dependency string) *Error {
	return New(PhaseLoad, KindVersionMismatch).
		File(file).
		Detail("dependent module %s has insufficient version", dependency).
		Build()
}

// MissingEntryPoint reports an unresolvable native entry point.
func MissingEntryPoint(file, entryPoint string) *Error {
	return New(PhaseLoad, KindMissingEntryPoint).
		File(file).
		Member(entryPoint).
		Detail("could not locate native entry point").
		Build()
}

// MethodInit creates a method-initialisation error for the given method.
func MethodInit(method string, kind Kind, detail string) *Builder {
	return New(PhaseMethodInit, kind).Method(method).Detail(detail)
}

// NotFound creates a not-found error.
func NotFound(phase Phase, what, name string) *Error {
	return New(phase, KindNotFound).
		Detail("%s %q not found", what, name).
		Build()
}

// NoMemory reports managed-memory exhaustion that could not be turned
// into a managed MemoryError.
func NoMemory(detail string) *Error {
	return New(PhaseGC, KindNoMemory).Detail(detail).Build()
}

// StackOverflow reports call-stack exhaustion.
func StackOverflow() *Error {
	return New(PhaseRuntime, KindStackOverflow).
		Detail("the call stack is exhausted").
		Build()
}

// IO wraps a file-system error encountered while reading a module.
func IO(file string, cause error) *Error {
	return New(PhaseLoad, KindIO).File(file).Cause(cause).Detail("module could not be read").Build()
}
