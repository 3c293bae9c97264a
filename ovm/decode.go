package ovm

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/vm"
)

// Config controls module loading.
type Config struct {
	// NativeResolver locates a module's declared native library. When
	// nil, declaring a native library is a load error.
	NativeResolver vm.NativeResolver

	// SearchPaths lists the directories OpenByName and dependency
	// resolution probe, in order. Only these directories are probed; the
	// directory of the module that triggered the load is not added
	// automatically.
	SearchPaths []string
}

// Open loads the module file at path into the VM, resolving its
// transitive dependencies through the configured search paths.
func Open(v *vm.VM, path string, cfg *Config) (*vm.Module, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	ld := &loader{vm: v, cfg: cfg, log: v.Logger()}
	return ld.open(path)
}

// OpenByName resolves name + ".ovm" against the search paths and loads
// it, reusing an already loaded module of the same name.
func OpenByName(v *vm.VM, name string, cfg *Config) (*vm.Module, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	ld := &loader{vm: v, cfg: cfg, log: v.Logger()}
	return ld.openByName(vm.NewStaticString(name))
}

type loader struct {
	vm  *vm.VM
	cfg *Config
	log *zap.Logger
}

func (ld *loader) openByName(name *vm.String) (*vm.Module, error) {
	if mod := ld.vm.Modules().Find(name); mod != nil {
		return mod, nil
	}

	fileName := name.Go() + ModuleExtension
	var path string
	for _, dir := range ld.cfg.SearchPaths {
		candidate := filepath.Join(dir, fileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, verrors.ModuleLoad(fileName, verrors.KindNotFound,
			"could not locate the module file")
	}

	if ld.vm.Verbose() {
		ld.log.Info("loading module", zap.String("module", name.Go()), zap.String("file", path))
	}
	mod, err := ld.open(path)
	if err != nil {
		return nil, err
	}
	if ld.vm.Verbose() {
		ld.log.Info("successfully loaded module", zap.String("module", name.Go()))
	}
	return mod, nil
}

func (ld *loader) open(path string) (*vm.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.IO(path, err)
	}

	mr := newModuleReader(ld, path, data)
	if err := mr.verifyMagicNumber(); err != nil {
		return nil, err
	}
	if err := mr.r.Seek(dataStart); err != nil {
		return nil, mr.invalid("truncated module header")
	}

	meta, err := mr.readModuleMeta()
	if err != nil {
		return nil, err
	}

	// The module joins the pool before it is fully loaded so that
	// circular dependencies are detectable.
	module := vm.NewModule(ld.vm, meta.name, meta.version)
	module.MethodStart = meta.methodStart
	ld.vm.Modules().Add(module)
	mr.module = module

	if meta.nativeLib != "" {
		if ld.cfg.NativeResolver == nil {
			return nil, verrors.ModuleLoad(path, verrors.KindNotFound,
				"could not load native library file: no resolver configured")
		}
		lib, err := ld.cfg.NativeResolver(meta.nativeLib, filepath.Dir(path))
		if err != nil {
			return nil, verrors.New(verrors.PhaseLoad, verrors.KindNotFound).
				File(path).
				Cause(err).
				Detail("could not load native library file").
				Build()
		}
		module.NativeLib = lib
	}

	if err := mr.readStringTable(); err != nil {
		return nil, err
	}

	// References resolve before definitions, in exactly this order.
	if err := mr.readModuleRefs(); err != nil {
		return nil, err
	}
	if err := mr.readTypeRefs(); err != nil {
		return nil, err
	}
	if err := mr.readFunctionRefs(); err != nil {
		return nil, err
	}
	if err := mr.readFieldRefs(); err != nil {
		return nil, err
	}
	if err := mr.readMethodRefs(); err != nil {
		return nil, err
	}

	if err := mr.readTypeDefs(); err != nil {
		return nil, err
	}
	if err := mr.readFunctionDefs(); err != nil {
		return nil, err
	}
	if err := mr.readConstantDefs(); err != nil {
		return nil, err
	}

	mainToken, err := mr.r.ReadToken()
	if err != nil {
		return nil, mr.invalid("missing main method token")
	}
	if mainToken != 0 {
		kind := mainToken & vm.TokenKindMask
		if kind != vm.TokenMethodDef && kind != vm.TokenFunctionDef {
			return nil, mr.invalid("main method token must be a MethodDef or FunctionDef")
		}
		mainMethod := module.FindMethod(mainToken)
		if mainMethod == nil {
			return nil, verrors.UnresolvedToken(path, mainToken, "main method")
		}
		if mainMethod.Flags()&vm.MemberInstance != 0 {
			return nil, mr.invalid("main method cannot be an instance method")
		}
		module.MainMethod = mainMethod
	}

	module.FullyOpened = true
	return module, nil
}
