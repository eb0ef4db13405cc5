package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raymyers/wasmbc/pkg/compiler"
)

// envConfig is read from WASMBC_* environment variables.
type envConfig struct {
	Target   string   `envconfig:"target"`
	LogLevel string   `envconfig:"log_level"`
	Flags    []string `envconfig:"flags"` // comma-separated NAME=VALUE
}

func readEnvConfig() (conf envConfig, err error) {
	err = envconfig.Process("wasmbc", &conf)
	return conf, err
}

// configure resolves the common options once the command line is parsed.
// Command-line values win over the environment.
func (s *state) configure(cmd *cobra.Command) error {
	env, err := readEnvConfig()
	if err != nil {
		return err
	}
	s.env = env

	if !cmd.Flags().Changed("target") {
		s.target = env.Target
	}
	if s.target == "" {
		s.target = "native"
	}

	level := s.logLevel
	if level == "" {
		level = env.LogLevel
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	if s.verbose {
		lvl = logrus.DebugLevel
	}
	s.log.SetLevel(lvl)
	return nil
}

// readFlagsFile loads a YAML mapping of flag names to scalar values.
func readFlagsFile(fs afero.Fs, name string) ([][2]string, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, fmt.Sprint(raw[k])})
	}
	return out, nil
}

func splitAssignment(s string) (name, value string, err error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("expected NAME=VALUE, got %q", s)
	}
	return strings.TrimSpace(name), value, nil
}

// builder returns a compiler builder for the selected target with every
// configured flag applied: the environment, then the flags file, then
// --set and --enable. native also enables the host CPU's extensions.
func (s *state) builder() (*compiler.Builder, error) {
	b, err := compiler.NewBuilder(s.target)
	if err != nil {
		return nil, err
	}
	b.SetLogger(s.log)
	if s.target == "native" {
		if err := b.InferNative(); err != nil {
			return nil, err
		}
	}

	var assigns [][2]string
	for _, f := range s.env.Flags {
		n, v, err := splitAssignment(f)
		if err != nil {
			return nil, fmt.Errorf("WASMBC_FLAGS: %w", err)
		}
		assigns = append(assigns, [2]string{n, v})
	}
	if s.flagsFile != "" {
		file, err := readFlagsFile(s.fs, s.flagsFile)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, file...)
	}
	for _, f := range s.sets {
		n, v, err := splitAssignment(f)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, [2]string{n, v})
	}
	for _, a := range assigns {
		if err := b.Set(a[0], a[1]); err != nil {
			return nil, err
		}
	}
	for _, n := range s.enables {
		if err := b.Enable(n); err != nil {
			return nil, err
		}
	}
	s.log.WithField("target", b.Triple().String()).Debug("configured target")
	return b, nil
}
