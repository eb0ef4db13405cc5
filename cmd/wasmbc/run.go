package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raymyers/wasmbc/pkg/platform"
)

func newRunCmd(s *state) *cobra.Command {
	var invoke string
	cmd := &cobra.Command{
		Use:   "run <file.wasm> [args...]",
		Short: "Compile a module for this machine and call an export",
		Long: `Compile a module for the host, map it into executable memory and call
an exported function through its trampoline. Arguments are parsed by
the export's parameter types and results are printed one per line.
Only linux/amd64 and linux/arm64 can execute code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return classify(s.run(cmd, args[0], invoke, args[1:]))
		},
	}
	cmd.Flags().StringVar(&invoke, "invoke", "", "Exported function to call")
	_ = cmd.MarkFlagRequired("invoke")
	return cmd
}

func (s *state) run(cmd *cobra.Command, input, export string, args []string) error {
	if !platform.Supported() {
		return platform.ErrUnsupported
	}
	m, err := s.readModule(input)
	if err != nil {
		return err
	}
	idx, ok := m.Exports[export]
	if !ok {
		return fmt.Errorf("%s: no exported function %q", input, export)
	}
	ty := m.Funcs[idx].Type
	vals, err := platform.ParseArgs(ty, args)
	if err != nil {
		return err
	}

	b, err := s.builder()
	if err != nil {
		return err
	}
	inst, err := platform.Instantiate(commandContext(cmd), b.Build(), m)
	if err != nil {
		return err
	}
	defer inst.Close()

	results, err := inst.Call(idx, vals...)
	if err != nil {
		return err
	}
	for i, r := range results {
		fmt.Fprintln(s.out, platform.FormatValue(ty.Results[i], r))
	}
	return nil
}
