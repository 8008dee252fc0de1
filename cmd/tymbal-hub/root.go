package main

import (
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd builds the root cobra command for tymbal-hub, grounded on
// the teacher's own (unreached-by-any-main) cobra CLI shape: a root
// that delegates bare invocation to "serve", plus explicit subcommands.
func newRootCmd(v string) *cobra.Command {
	root := &cobra.Command{
		Use:   "tymbal-hub",
		Short: "Tymbal hub — connection hub and broadcast fanout",
		Long:  "Tymbal hub authenticates runtimes and clients, routes frames between them, and persists channel state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd(v))

	root.PersistentFlags().StringP("config", "c", "", "path to hub configuration file")
	return root
}

// resolveConfigPath returns the config path from (in priority order)
// a positional argument, the --config/-c flag, the TYMBAL_HUB_CONFIG
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
	if env := os.Getenv("TYMBAL_HUB_CONFIG"); env != "" {
		return env
	}
	return defaultPath
}
