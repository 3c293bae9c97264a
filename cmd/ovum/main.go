package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/native"
	"github.com/osprey-lang/ovum/ovm"
	"github.com/osprey-lang/ovum/vm"
)

type ovumArgs struct {
	modulePath  string
	startupFile string
	programArgs []string
	verbose     bool
	interactive bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		printUsage()
		return 1
	}

	args, err := parseCommandLine(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		return 1
	}

	startupFile, err := filepath.Abs(args.startupFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup error: invalid startup file: %v\n", err)
		return 1
	}
	if info, err := os.Stat(startupFile); err != nil || info.IsDir() {
		fmt.Fprintf(os.Stderr, "Startup error: startup file not found: %s\n", startupFile)
		return 1
	}

	modulePath := args.modulePath
	if modulePath == "" {
		if exe, err := os.Executable(); err == nil {
			modulePath = filepath.Join(filepath.Dir(exe), "lib")
		} else {
			modulePath = "lib"
		}
	}

	logger := zap.NewNop()
	if args.verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}

	machine := vm.New(vm.Options{Logger: logger, Verbose: args.verbose})
	cfg := &ovm.Config{
		NativeResolver: native.Resolver(),
		SearchPaths:    []string{filepath.Dir(startupFile), modulePath},
	}

	if args.interactive {
		if err := runInteractive(machine, cfg, startupFile, args.programArgs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	module, err := ovm.Open(machine, startupFile, cfg)
	if err != nil {
		printLoadError(err)
		return 1
	}

	if err := machine.CheckStandardTypes(); err != nil {
		fmt.Fprintf(os.Stderr, "Startup error: %v\n", err)
		return 1
	}

	if _, err := machine.RunMain(module, args.programArgs); err != nil {
		var thrown *vm.ThrownError
		if errors.As(err, &thrown) {
			fmt.Fprint(os.Stderr, machine.FormatUnhandledError(thrown))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func parseCommandLine(argv []string) (*ovumArgs, error) {
	args := &ovumArgs{}

	i := 0
	for ; i < len(argv); i++ {
		arg := argv[i]
		if len(arg) < 2 || (arg[0] != '-' && arg[0] != '/') {
			break
		}
		switch arg[1:] {
		case "L":
			if args.modulePath != "" {
				return nil, fmt.Errorf("the /L option can be specified at most once")
			}
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("the /L option requires a directory")
			}
			i++
			args.modulePath = argv[i]
		case "v":
			args.verbose = true
		case "i":
			args.interactive = true
		default:
			return nil, fmt.Errorf("unknown option: %s", arg)
		}
	}

	if i >= len(argv) {
		return nil, fmt.Errorf("no startup file specified")
	}
	args.startupFile = argv[i]
	args.programArgs = argv[i+1:]
	return args, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: ovum [VM args] <startup file> [program args]")
	fmt.Fprintln(os.Stderr, "VM args:")
	fmt.Fprintln(os.Stderr, "  /L <dir>   library search path (at most once)")
	fmt.Fprintln(os.Stderr, "  /v         verbose startup messages")
	fmt.Fprintln(os.Stderr, "  /i         interactive module inspector")
}

func printLoadError(err error) {
	var loadErr *verrors.Error
	if errors.As(err, &loadErr) && loadErr.File != "" {
		fmt.Fprintf(os.Stderr, "Error loading module '%s': %s\n", loadErr.File, loadErr.Detail)
		if !strings.Contains(loadErr.Detail, "circular") && loadErr.Cause != nil {
			fmt.Fprintf(os.Stderr, "  caused by: %v\n", loadErr.Cause)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error loading module: %v\n", err)
}
