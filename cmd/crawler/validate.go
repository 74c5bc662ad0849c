package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

// NewValidateCmd creates the validate command
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if code := doValidate(configFile, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return fmt.Errorf("configuration invalid")
			}
			return nil
		},
	}
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, warnings, err := config.Load(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(appCfg.Seeds) == 0 {
		fmt.Fprintln(stdout, "WARN: no seeds configured, pass them on the command line")
	}
	for _, s := range appCfg.Seeds {
		fmt.Fprintf(stdout, "OK: seed %s\n", s)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
