package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Env bool // apply LOCKSTEP_* overrides before reporting
}

// ValidateResult is the effective session config of a valid file.
type ValidateResult struct {
	File            string `json:"file"`
	Listen          string `json:"listen,omitempty"`
	URL             string `json:"url,omitempty"`
	Journal         string `json:"journal,omitempty"`
	Dynamic         bool   `json:"dynamic"`
	DynamicPushWait string `json:"dynamic_push_wait"`
	DynamicTickWait string `json:"dynamic_tick_wait"`
	FixedTick       string `json:"fixed_tick"`
	FixedBuffer     int    `json:"fixed_buffer"`
	DisconnectWait  string `json:"disconnect_wait"`
	FreezeWait      string `json:"freeze_wait"`
}

func (r ValidateResult) String() string {
	mode := fmt.Sprintf("fixed (tick %s, buffer %d)", r.FixedTick, r.FixedBuffer)
	if r.Dynamic {
		mode = fmt.Sprintf("dynamic (push %s, tick %s)", r.DynamicPushWait, r.DynamicTickWait)
	}
	return fmt.Sprintf("✓ %s is valid: %s, freeze after %s, disconnect after %s", r.File, mode, r.FreezeWait, r.DisconnectWait)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a session config file",
		Long: `Validate a session config file against the schema and the timing
invariants, then print the effective settings.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (file not found, etc.)

Examples:
  lockstep validate session.yaml
  lockstep validate session.yaml --env --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Env, "env", false, "apply LOCKSTEP_* environment overrides")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	f, err := config.Load(path)
	if err == nil && opts.Env {
		f, err = config.ApplyEnv(f, nil)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "config file not found", err)
		}
		code := "E_CONFIG"
		if errors.Is(err, config.ErrSchema) {
			code = "E_SCHEMA"
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "config is invalid", err)
	}

	s := f.Session
	return formatter.Success(ValidateResult{
		File:            path,
		Listen:          f.Listen,
		URL:             f.URL,
		Journal:         f.Journal,
		Dynamic:         s.Dynamic,
		DynamicPushWait: s.DynamicPushWait.String(),
		DynamicTickWait: s.DynamicTickWait.String(),
		FixedTick:       s.FixedTick.String(),
		FixedBuffer:     s.FixedBuffer,
		DisconnectWait:  s.DisconnectWait.String(),
		FreezeWait:      s.FreezeWait.String(),
	})
}
