package vm

// NativeMethod is the entry point of a natively implemented method
// overload. args holds the effective arguments including the instance,
// if any. The returned value becomes the call's result; a nil error
// with a zero Value returns null.
type NativeMethod func(t *Thread, args []Value) (Value, error)

// TypeIniter is a native type initialiser, invoked once when the
// declaring module builds the type.
type TypeIniter func(t *Type)

// NativeLibrary resolves the native entry points a module declares:
// type initialisers, native method implementations, and the standard
// library's instance initialiser functions. The core consumes only the
// resolved symbols.
//
// Symbol returns one of: TypeIniter, NativeMethod, ListInitializer,
// HashInitializer or TypeTokenInitializer, depending on what the name
// was registered as.
type NativeLibrary interface {
	Symbol(name string) (any, bool)
	Close() error
}

// NativeResolver locates the native library a module declares. dir is
// the directory of the module file; libraries loaded from disk are
// resolved relative to it.
type NativeResolver func(name, dir string) (NativeLibrary, error)
