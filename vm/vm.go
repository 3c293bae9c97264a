package vm

import (
	"math"
	"strings"

	"go.uber.org/zap"

	verrors "github.com/osprey-lang/ovum/errors"
)

// Options configures a VM.
type Options struct {
	// Logger receives loader and GC diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger
	// Verbose enables startup progress reporting.
	Verbose bool
}

// VM aggregates the runtime: the standard-type table, the registered
// standard-library functions, the garbage collector, the module pool
// and the single managed thread.
type VM struct {
	Types     StandardTypes
	Functions FunctionTable

	gc         *GC
	mainThread *Thread
	pool       ModulePool

	argValues []*StaticRef

	verbose bool
	log     *zap.Logger
}

// New creates a VM with an empty module pool and a fresh heap.
func New(opts Options) *VM {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	v := &VM{
		verbose: opts.Verbose,
		log:     log,
	}
	v.gc = newGC(v)
	v.mainThread = newThread(v)
	return v
}

// GC returns the VM's collector.
func (v *VM) GC() *GC {
	return v.gc
}

// MainThread returns the thread that drives managed execution.
func (v *VM) MainThread() *Thread {
	return v.mainThread
}

// Modules returns the pool of loaded modules.
func (v *VM) Modules() *ModulePool {
	return &v.pool
}

func (v *VM) modules() []*Module {
	return v.pool.All()
}

// Logger returns the VM's logger.
func (v *VM) Logger() *zap.Logger {
	return v.log
}

// Verbose reports whether verbose startup reporting is enabled.
func (v *VM) Verbose() bool {
	return v.verbose
}

// Value constructors for the primitive standard types.

// NewBool builds a Boolean value.
func (v *VM) NewBool(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{Type: v.Types.Boolean, Bits: bits}
}

// NewInt builds an Int value.
func (v *VM) NewInt(n int64) Value {
	return Value{Type: v.Types.Int, Bits: uint64(n)}
}

// NewUInt builds a UInt value.
func (v *VM) NewUInt(n uint64) Value {
	return Value{Type: v.Types.UInt, Bits: n}
}

// NewReal builds a Real value.
func (v *VM) NewReal(r float64) Value {
	return Value{Type: v.Types.Real, Bits: math.Float64bits(r)}
}

// NewString wraps a managed string in a value.
func (v *VM) NewString(s *String) Value {
	return Value{Type: v.Types.String, Str: s}
}

// SetProgramArgs converts the program's command-line arguments to
// managed strings held in static references.
func (v *VM) SetProgramArgs(t *Thread, args []string) error {
	refs := make([]*StaticRef, len(args))
	for i, arg := range args {
		s, err := v.gc.ConstructString(t, stringUnits(arg))
		if err != nil {
			return err
		}
		refs[i] = v.gc.AddStaticReference(v.NewString(s))
		if v.verbose {
			v.log.Info("program argument", zap.Int("index", i), zap.String("value", arg))
		}
	}
	v.argValues = refs
	return nil
}

// ProgramArgs returns the current argument values.
func (v *VM) ProgramArgs() []Value {
	out := make([]Value, len(v.argValues))
	for i, ref := range v.argValues {
		out[i] = ref.Read()
	}
	return out
}

// RunMain executes a module's main method. A one-argument overload is
// preferred and receives the program arguments packed into an
// aves.List; otherwise the zero-argument overload runs. The result of
// the main method and any escaping error are returned.
func (v *VM) RunMain(module *Module, programArgs []string) (Value, error) {
	main := module.MainMethod
	if main == nil {
		return NullValue, verrors.New(verrors.PhaseStartup, verrors.KindNoMainMethod).
			Module(module.Name.Go()).
			Detail("the startup module does not declare a main method").
			Build()
	}

	t := v.mainThread
	if err := v.SetProgramArgs(t, programArgs); err != nil {
		return NullValue, err
	}

	argc := 1
	mo := main.ResolveOverload(1)
	if mo != nil {
		args := v.ProgramArgs()
		listValue, err := t.newListInstance(len(args))
		if err != nil {
			return NullValue, err
		}
		list := AsList(listValue)
		copy(list.Values[:len(args)], args)
		list.Length = len(args)
		t.push(listValue)
	} else {
		argc = 0
		mo = main.ResolveOverload(0)
	}

	if mo == nil || mo.IsInstanceMethod() {
		return NullValue, verrors.New(verrors.PhaseStartup, verrors.KindNoMainMethod).
			Module(module.Name.Go()).
			Detail("the main method must take 1 or 0 arguments and cannot be an instance method").
			Build()
	}

	return t.Start(main, argc)
}

// FormatUnhandledError renders an escaping managed error the way the
// runtime reports it: the error class, the message, and the captured
// stack trace.
func (v *VM) FormatUnhandledError(thrown *ThrownError) string {
	var b strings.Builder
	b.WriteString("Unhandled error: ")
	if thrown.Value.Type != nil {
		b.WriteString(thrown.Value.Type.FullName.Go())
	} else {
		b.WriteString("<null>")
	}

	if ei := AsErrorInst(thrown.Value); ei != nil {
		if ei.Message.Str != nil {
			b.WriteString(": ")
			b.WriteString(ei.Message.Str.Go())
		}
		b.WriteByte('\n')
		if ei.StackTrace.Str != nil {
			b.WriteString(ei.StackTrace.Str.Go())
		}
	} else {
		b.WriteByte('\n')
	}
	return b.String()
}

func stringUnits(s string) []uint16 {
	return NewStaticString(s).Units()
}
