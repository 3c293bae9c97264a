package native

import (
	"context"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/vm"
)

// WasmLibrary is a native extension library backed by a WebAssembly
// module. Exported functions become native method entry points; the
// adapter ABI passes Int, UInt, Boolean and Real arguments as scalars
// and returns at most one scalar result. Type initialisers cannot be
// implemented in wasm: they would have to mutate host state.
type WasmLibrary struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
}

// OpenWasmLibrary compiles and instantiates the wasm module at path.
func OpenWasmLibrary(path string) (*WasmLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.IO(path, err)
	}

	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	module, err := runtime.Instantiate(ctx, data)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, verrors.New(verrors.PhaseLoad, verrors.KindInvalidData).
			File(path).
			Cause(err).
			Detail("could not instantiate native wasm library").
			Build()
	}

	return &WasmLibrary{ctx: ctx, runtime: runtime, module: module}, nil
}

// Symbol implements vm.NativeLibrary. Every resolvable symbol is a
// vm.NativeMethod adapting the exported wasm function.
func (l *WasmLibrary) Symbol(name string) (any, bool) {
	fn := l.module.ExportedFunction(name)
	if fn == nil {
		return nil, false
	}
	return l.adapt(fn), true
}

// Close releases the wazero runtime.
func (l *WasmLibrary) Close() error {
	return l.runtime.Close(l.ctx)
}

func (l *WasmLibrary) adapt(fn api.Function) vm.NativeMethod {
	def := fn.Definition()
	paramTypes := def.ParamTypes()
	resultTypes := def.ResultTypes()

	return func(t *vm.Thread, args []vm.Value) (vm.Value, error) {
		if len(args) != len(paramTypes) {
			return vm.NullValue, t.ThrowNoOverloadError(len(args), nil)
		}

		raw := make([]uint64, len(args))
		types := &t.VM().Types
		for i, arg := range args {
			switch arg.Type {
			case types.Int, types.UInt, types.Boolean:
				if paramTypes[i] == api.ValueTypeF64 {
					raw[i] = api.EncodeF64(float64(arg.Int()))
				} else {
					raw[i] = arg.Bits
				}
			case types.Real:
				if paramTypes[i] == api.ValueTypeF64 || paramTypes[i] == api.ValueTypeF32 {
					raw[i] = arg.Bits
				} else {
					raw[i] = uint64(int64(arg.Real()))
				}
			default:
				return vm.NullValue, t.ThrowTypeError(errWasmArgType)
			}
		}

		t.EnterUnmanagedRegion()
		results, err := fn.Call(l.ctx, raw...)
		t.LeaveUnmanagedRegion()
		if err != nil {
			return vm.NullValue, t.ThrowError(vm.NewStaticString(err.Error()))
		}

		if len(results) == 0 {
			return vm.NullValue, nil
		}
		switch resultTypes[0] {
		case api.ValueTypeI32:
			return t.VM().NewInt(int64(int32(results[0]))), nil
		case api.ValueTypeI64:
			return t.VM().NewInt(int64(results[0])), nil
		case api.ValueTypeF32:
			return t.VM().NewReal(float64(api.DecodeF32(results[0]))), nil
		case api.ValueTypeF64:
			return t.VM().NewReal(api.DecodeF64(results[0])), nil
		default:
			return t.VM().NewUInt(results[0]), nil
		}
	}
}

var errWasmArgType = vm.NewStaticString(
	"Only Int, UInt, Boolean and Real arguments can be passed to a wasm native method.")
