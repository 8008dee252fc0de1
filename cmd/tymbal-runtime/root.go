package main

import (
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd builds the root cobra command for tymbal-runtime, grounded
// on the teacher's own cobra CLI shape: a root that delegates bare
// invocation to "run", plus explicit subcommands.
func newRootCmd(v string) *cobra.Command {
	root := &cobra.Command{
		Use:   "tymbal-runtime",
		Short: "Tymbal runtime — activates and drives agent engines",
		Long:  "Tymbal runtime connects to a hub's control channel, activates engines bound to its callsigns, and relays their output back as frames.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd(v))

	root.PersistentFlags().StringP("config", "c", "", "path to runtime configuration file")
	return root
}

// resolveConfigPath returns the config path from (in priority order) a
// positional argument, the --config/-c flag, the TYMBAL_RUNTIME_CONFIG
// environment variable, or a default.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if env := os.Getenv("TYMBAL_RUNTIME_CONFIG"); env != "" {
		return env
	}
	return defaultPath
}
