package main

import (
	"github.com/spf13/cobra"

	"github.com/daviddao/persona/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			if a.jsonOut {
				a.printJSON(map[string]string{"config": path})
			} else {
				a.printf("wrote %s\n", path)
				a.printf("  edit agents and policy, then run: persona serve -c %s\n", path)
			}
			return nil
		},
	}
}
