package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/raymyers/wasmbc/pkg/isa"
	"github.com/raymyers/wasmbc/pkg/settings"
)

func newSettingsCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "List shared and ISA flags with their values for a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := s.builder()
			if err != nil {
				return classify(err)
			}
			fmt.Fprintf(s.out, "target %s\n", b.Triple())
			for _, group := range b.Settings() {
				printFlags(s.out, group)
			}
			return nil
		},
	}
}

func newTargetsCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the architectures wasmbc can compile for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range isa.Targets() {
				status := "enabled"
				if !t.Enabled {
					status = "disabled"
				}
				fmt.Fprintf(s.out, "%-10s %s\n", t.Arch, status)
			}
			return nil
		},
	}
}

// highlighter marks changed values; it only colors a terminal stdout.
func highlighter(w io.Writer) *color.Color {
	c := color.New(color.FgYellow, color.Bold)
	if f, ok := w.(*os.File); !ok || f != os.Stdout {
		c.DisableColor()
	}
	return c
}

func printFlags(w io.Writer, flags settings.Flags) {
	hl := highlighter(w)
	fmt.Fprintf(w, "[%s]\n", flags.Name())
	for _, v := range flags.Values() {
		value := v.Value
		if !v.IsDefault() {
			value = hl.Sprint(value)
		}
		kind := v.Kind.String()
		if v.Kind == settings.Enum {
			kind = strings.Join(v.Values, "|")
		}
		fmt.Fprintf(w, "  %-32s = %-6s # %s; %s\n", v.Name, value, kind, v.Description)
	}
}
