package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maftabmirza/remediation-engine-sub000/internal/config"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file ...]",
	Short: "Validate runbook definition files",
	Long: `Parse and validate runbook YAML files without starting the daemon.
With no arguments, validates every runbook in the configured runbooks
directory.`,
	RunE: func(_ *cobra.Command, args []string) error {
		return validate(args)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validate(paths []string) error {
	if len(paths) == 0 {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		defs, err := runbook.LoadDir(cfg.RunbooksDir)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Printf("no runbooks found in %s\n", cfg.RunbooksDir)
			return nil
		}
		for _, def := range defs {
			printRunbook(def)
		}
		fmt.Printf("%d runbook(s) OK\n", len(defs))
		return nil
	}

	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		defs, err := runbook.ParseDocuments(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, def := range defs {
			printRunbook(def)
		}
		total += len(defs)
	}
	fmt.Printf("%d runbook(s) OK\n", total)
	return nil
}

func printRunbook(def *runbook.Definition) {
	fmt.Printf("  %-30s steps=%d rollback=%d", def.Name, len(def.Steps), len(def.RollbackSteps))
	if def.Schedule != "" {
		fmt.Printf(" schedule=%q", def.Schedule)
	}
	if def.ApprovalRequired {
		fmt.Printf(" approval=%v", def.ApproverRoles)
	}
	fmt.Println()
}
