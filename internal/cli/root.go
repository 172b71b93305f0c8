package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
)

// Version is reported as service.version on metrics. Set with -ldflags.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Viper carries flag and OFFSYNC_* environment overrides into config.Load.
	Viper *viper.Viper

	// IDGenerator overrides the cycle id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Viper: config.NewViper()})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Viper == nil {
		opts.Viper = config.NewViper()
	}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - offline-first record sync",
		Long: `Keep a local SQLite store of records in sync with a remote server.

Local writes are logged and pushed on the next cycle; remote changes are
pulled and applied with remote-wins conflict resolution. The run command
watches connectivity and syncs whenever the remote comes back.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigPath, "config", "", "path to YAML configuration file")
	flags.String("db", "", "path to SQLite database (overrides config)")
	flags.String("remote", "", "sync server base URL (overrides config)")
	_ = opts.Viper.BindPFlag(config.KeyDatabase, flags.Lookup("db"))
	_ = opts.Viper.BindPFlag(config.KeyRemoteBaseURL, flags.Lookup("remote"))

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig resolves the configuration from the config file, flags and
// environment.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	var opts []config.Option
	if o.ConfigPath != "" {
		opts = append(opts, config.WithConfigPath(o.ConfigPath))
	}
	if o.Viper != nil {
		opts = append(opts, config.WithViper(o.Viper))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// formatter builds an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logWriter is where command logs go. Stdout stays clean for results.
func (o *RootOptions) logWriter(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}
