// Package cmd implements the zimi command
//
// It is in a sub package so it's internals can be re-used elsewhere
package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zimi/zimi/config"
	"github.com/zimi/zimi/lib/exitcode"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

// check the log level flag satisfies the flag interface
var _ pflag.Value = (*zim.LogLevel)(nil)

// Globals
var (
	// Flags
	verbose  = 0
	logLevel = zim.LogLevelNotice
	logJSON  = false
	version  bool
	// Errors
	errorCommandNotFound    = errors.New("command not found")
	errorNotEnoughArguments = errors.New("not enough arguments")
	errorTooManyArguments   = errors.New("too many arguments")
)

// Root is the main zimi command
var Root = &cobra.Command{
	Use:   "zimi",
	Short: "Offline knowledge base over ZIM archives - v" + zim.Version,
	Long: `
Zimi serves a directory of ZIM archives (Wikipedia, Stack Exchange and
other Kiwix exports) as an offline knowledge base. It answers full text
and title queries across every installed archive, reads articles as
plain text and serves the original pages for browsing.

Point it at your archives with ZIM_DIR (default /zims) and run

    zimi serve

or query the library directly from the shell, e.g.

    zimi search "general relativity"
    zimi read wikipedia A/Albert_Einstein
`,
	Run: func(command *cobra.Command, args []string) {
		if version {
			ShowVersion()
			resolveExitCode(nil)
		}
		_ = command.Usage()
		if len(args) > 0 {
			_, _ = fmt.Fprintf(os.Stderr, "Command not found.\n")
		}
		resolveExitCode(errorCommandNotFound)
	},
}

func init() {
	Root.Flags().BoolVarP(&version, "version", "V", false, "Print the version number")
	persistentFlags := Root.PersistentFlags()
	persistentFlags.CountVarP(&verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
	persistentFlags.VarP(&logLevel, "log-level", "", "Log level DEBUG|INFO|NOTICE|ERROR")
	persistentFlags.BoolVarP(&logJSON, "log-json", "", false, "Log in JSON format")
	cobra.OnInitialize(initConfig)
}

// ShowVersion prints the version to stdout
func ShowVersion() {
	fmt.Printf("zimi v%s\n", zim.Version)
	fmt.Printf("- os/type: %s\n", runtime.GOOS)
	fmt.Printf("- os/arch: %s\n", runtime.GOARCH)
	fmt.Printf("- go/version: %s\n", runtime.Version())
}

// NewLibrary opens the archive library named by the environment
// configuration and scans it.
//
// Exits with a fatal error when no reader driver is linked in or the
// archive directory can't be scanned.
func NewLibrary() (*library.Library, config.Options) {
	opt := config.FromEnv()
	if err := opt.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", opt.DataDir, err)
	}
	driver, err := zim.ActiveDriver()
	if err != nil {
		log.Fatalf("Failed to open library %q: %v", opt.ZimDir, err)
	}
	lib := library.New(opt.ZimDir, opt.DataDir, driver)
	if _, err := lib.LoadCache(false); err != nil {
		lib.Close()
		log.Fatalf("Failed to scan library %q: %v", opt.ZimDir, err)
	}
	return lib, opt
}

// Run runs the function f, logs any error against the command name and
// exits with the resolved exit code.
func Run(command *cobra.Command, f func() error) {
	err := f()
	if err != nil {
		log.Printf("Failed to %s: %v", command.Name(), err)
	}
	resolveExitCode(err)
}

// CheckArgs checks there are enough arguments and prints a message if not
func CheckArgs(MinArgs, MaxArgs int, cmd *cobra.Command, args []string) {
	if len(args) < MinArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments minimum: you provided %d non flag arguments: %q\n", cmd.Name(), MinArgs, len(args), args)
		resolveExitCode(errorNotEnoughArguments)
	} else if len(args) > MaxArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments maximum: you provided %d non flag arguments: %q\n", cmd.Name(), MaxArgs, len(args), args)
		resolveExitCode(errorTooManyArguments)
	}
}

// initConfig is run by cobra after initialising the flags
func initConfig() {
	if verbose > 0 && Root.PersistentFlags().Lookup("log-level").Changed {
		log.Fatalf("Can't set -v and --log-level")
	}
	if verbose >= 2 {
		logLevel = zim.LogLevelDebug
	} else if verbose == 1 {
		logLevel = zim.LogLevelInfo
	}
	zim.SetLogLevel(logLevel)
	zim.SetLogJSON(logJSON)

	// Write the args for debug purposes
	zim.Debugf("zimi", "Version %q starting with parameters %q", zim.Version, os.Args)
}

func resolveExitCode(err error) {
	if err == nil {
		os.Exit(exitcode.Success)
	}
	switch {
	case errors.Is(err, zim.ErrNotFound):
		os.Exit(exitcode.NotFound)
	case errors.Is(err, errorCommandNotFound),
		errors.Is(err, errorNotEnoughArguments),
		errors.Is(err, errorTooManyArguments):
		os.Exit(exitcode.UsageError)
	default:
		os.Exit(exitcode.Error)
	}
}

// Main runs zimi interpreting flags and commands out of os.Args
func Main() {
	if err := Root.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
