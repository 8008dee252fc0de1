package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(v string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runtime version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("tymbal-runtime", v)
			return nil
		},
	}
}
