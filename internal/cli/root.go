// Package cli implements the casorm command: configuration checks and
// region maintenance against a deployed cache.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/casorm/config"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // invalid configuration
	ExitCommandError = 2 // bad flags, unreachable backends
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

type RootOptions struct {
	ConfigPath string
	Format     string // text or json
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "casorm",
		Short:         "Inspect casorm configuration and cache regions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("invalid format %q: must be text or json", opts.Format)}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "casorm.yaml", "configuration file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newRegionCommand(opts))
	return cmd
}

func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			return nil, &ExitError{Code: ExitFailure, Err: err}
		}
		return nil, &ExitError{Code: ExitCommandError, Err: err}
	}
	return cfg, nil
}

// print writes v as JSON, or text as is.
func (o *RootOptions) print(w io.Writer, v any, text string) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
