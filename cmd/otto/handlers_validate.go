// handlers_validate.go implements the validate command and the config
// schema printer.
package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/otto/internal/config"
	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/validation"
)

func runValidate(cmd *cobra.Command, configPath, modelID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return err
	}

	adapter := model.NewEchoAdapter()
	defer adapter.Close()

	harness := validation.NewHarness(adapter, root.ValidationStateFile(),
		validation.WithProbeTimeout(cfg.Validation.Timeout))

	res, err := harness.Run(cmd.Context(), modelID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verdict := "FAIL"
	if res.Passed {
		verdict = "PASS"
	}
	fmt.Fprintf(out, "%s  %s\n", verdict, res.ModelID)
	printCheck(out, "reasoning", res.Checks.Reasoning)
	printCheck(out, "tool-call", res.Checks.ToolCall)
	if res.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", res.Error)
	}
	if !res.Passed {
		return fmt.Errorf("validation failed for %s", res.ModelID)
	}
	return nil
}

func printCheck(out io.Writer, name string, check *validation.CheckResult) {
	switch {
	case check == nil:
		fmt.Fprintf(out, "  %-10s skipped\n", name)
	case check.Passed:
		fmt.Fprintf(out, "  %-10s ok\n", name)
	case check.Detail != "":
		fmt.Fprintf(out, "  %-10s failed: %s\n", name, check.Detail)
	default:
		fmt.Fprintf(out, "  %-10s failed\n", name)
	}
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
	return err
}
