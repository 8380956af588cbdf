package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/modgate/modgate/config"
	"github.com/modgate/modgate/core/acl"
)

var explainCmd = &cobra.Command{
	Use:   "explain <caller> <target>",
	Short: "Explain an authorization decision",
	Long: `Evaluate the configured policy for one caller/target pair and show
which rule decided the outcome.

Examples:
  modgate explain api.orders db.write
  modgate explain external billing.charge`,
	Args: cobra.ExactArgs(2),
	RunE: runExplain,
}

func init() {
	rootCmd.AddCommand(explainCmd)
}

func runExplain(cmd *cobra.Command, args []string) error {
	caller, target := args[0], args[1]

	cfg, err := loadCLIConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	policy, err := config.LoadPolicy(cfg)
	if err != nil {
		return fmt.Errorf("policy error: %w", err)
	}
	engine, err := acl.New(policy, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("policy error: %w", err)
	}

	d := engine.Evaluate(caller, target)
	fmt.Printf("Decision: %s\n", d.Effect)
	if d.Default {
		fmt.Println("  No rule matched; the policy default effect applied.")
		return nil
	}

	name := d.Rule.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("  Rule:     %s (priority %d)\n", name, d.Rule.Priority)
	fmt.Printf("  Callers:  %v\n", d.Rule.Callers)
	fmt.Printf("  Targets:  %v\n", d.Rule.Targets)

	// Specificity is diagnostic: how precisely the matching patterns pin
	// down this pair.
	for _, p := range d.Rule.Callers {
		if acl.Match(p, d.Caller) {
			fmt.Printf("  Caller pattern %q matched (specificity %d)\n", p, acl.Specificity(p))
		}
	}
	for _, p := range d.Rule.Targets {
		if acl.Match(p, d.Target) {
			fmt.Printf("  Target pattern %q matched (specificity %d)\n", p, acl.Specificity(p))
		}
	}
	return nil
}
