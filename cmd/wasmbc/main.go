package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wasmbc: %v\n", err)
		return exitCodeOf(err)
	}
	return 0
}

// state is what every subcommand shares: the file system, output streams,
// environment configuration and the flags common to all commands.
type state struct {
	fs          afero.Fs
	out, errOut io.Writer
	env         envConfig
	log         *logrus.Logger

	target    string
	sets      []string
	enables   []string
	flagsFile string
	logLevel  string
	verbose   bool
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	return newRootCmdFs(afero.NewOsFs(), out, errOut)
}

func newRootCmdFs(fs afero.Fs, out, errOut io.Writer) *cobra.Command {
	s := &state{fs: fs, out: out, errOut: errOut, log: logrus.New()}
	s.log.SetOutput(errOut)
	s.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	rootCmd := &cobra.Command{
		Use:   "wasmbc",
		Short: "wasmbc is a single-pass WebAssembly baseline compiler",
		Long: `wasmbc compiles WebAssembly function bodies to x86-64 or AArch64
machine code in one pass over the bytecode, without an intermediate
representation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.configure(cmd)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	addCommonFlags(rootCmd.PersistentFlags(), s)

	rootCmd.AddCommand(
		newCompileCmd(s),
		newRunCmd(s),
		newSettingsCmd(s),
		newTargetsCmd(s),
	)
	return rootCmd
}

// addCommonFlags registers the options every subcommand accepts.
func addCommonFlags(pf *pflag.FlagSet, s *state) {
	pf.StringVar(&s.target, "target", "", "Target triple, or native (default from WASMBC_TARGET, else native)")
	pf.StringArrayVar(&s.sets, "set", nil, "Set a compiler flag (NAME=VALUE)")
	pf.StringArrayVar(&s.enables, "enable", nil, "Enable a boolean compiler flag")
	pf.StringVar(&s.flagsFile, "flags-file", "", "YAML file mapping flag names to values")
	pf.StringVar(&s.logLevel, "log-level", "", "Log level (default from WASMBC_LOG_LEVEL, else info)")
	pf.BoolVarP(&s.verbose, "verbose", "v", false, "Log at debug level")
}
