package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func newCompileCmd(s *state) *cobra.Command {
	var (
		output string
		fn     int
	)
	cmd := &cobra.Command{
		Use:   "compile <file.wasm>",
		Short: "Compile every function of a module into a text section",
		Long: `Compile every defined function and one host-to-wasm trampoline per
distinct signature, lay them out in a text section with calls between
functions resolved, and write the raw section bytes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = textOutputFilename(args[0])
			}
			if cmd.Flags().Changed("func") {
				return classify(s.compileOne(args[0], output, fn))
			}
			return classify(s.compileModule(commandContext(cmd), args[0], output))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <file>.text)")
	cmd.Flags().IntVar(&fn, "func", 0, "Compile only this function index")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (s *state) readModule(name string) (*wasm.Module, error) {
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		return nil, err
	}
	m, err := wasm.DecodeModuleBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

func (s *state) compileModule(ctx context.Context, input, output string) error {
	m, err := s.readModule(input)
	if err != nil {
		return err
	}
	b, err := s.builder()
	if err != nil {
		return err
	}
	art, err := b.Build().CompileModule(ctx, m)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, output, art.Text.Bytes, 0o644); err != nil {
		return err
	}
	printText(s.out, art.Text)
	fmt.Fprintf(s.out, "wrote %s (%d bytes)\n", output, len(art.Text.Bytes))
	return nil
}

func (s *state) compileOne(input, output string, index int) error {
	m, err := s.readModule(input)
	if err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("function index %d is negative", index)
	}
	b, err := s.builder()
	if err != nil {
		return err
	}
	fn, err := b.Build().CompileFunction(m, uint32(index))
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, output, fn.Code, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s size %d\n", obj.FunctionSymbol(uint32(index)), m.Funcs[index].Type, len(fn.Code))
	printFunction(s.out, fn)
	fmt.Fprintf(s.out, "wrote %s (%d bytes)\n", output, len(fn.Code))
	return nil
}

func printText(w io.Writer, text *obj.Text) {
	for _, sym := range text.Symbols {
		fmt.Fprintf(w, "%#06x %-40s size %d\n", sym.Start, sym.Name, sym.Size)
	}
	if len(text.Traps) > 0 {
		fmt.Fprintln(w, "traps:")
		for _, tr := range text.Traps {
			name := ""
			if sym, ok := text.SymbolAt(tr.Offset); ok {
				name = sym.Name
			}
			fmt.Fprintf(w, "  %#06x %s (%s)\n", tr.Offset, tr.Code, name)
		}
	}
	if len(text.Dynamic) > 0 {
		fmt.Fprintln(w, "dynamic relocations:")
		for _, r := range text.Dynamic {
			fmt.Fprintf(w, "  %#06x %s %s%+d\n", r.Offset, r.Kind, r.Target, r.Addend)
		}
	}
}

func printFunction(w io.Writer, fn compiled.Function) {
	for _, tr := range fn.Traps {
		fmt.Fprintf(w, "  trap %#06x %s\n", tr.Offset, tr.Code)
	}
	for _, r := range fn.Relocations {
		fmt.Fprintf(w, "  reloc %#06x %s %s%+d\n", r.Offset, r.Kind, r.Target, r.Addend)
	}
}

// textOutputFilename returns the default output for compile: input.wasm
// becomes input.text.
func textOutputFilename(filename string) string {
	ext := ".wasm"
	if strings.HasSuffix(filename, ext) {
		return filename[:len(filename)-len(ext)] + ".text"
	}
	return filename + ".text"
}
