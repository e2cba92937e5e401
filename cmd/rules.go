package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"argus/core"
	"argus/detect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errCatalogInvalid is returned when a validated catalog has rejected entries
var errCatalogInvalid = errors.New("catalog contains invalid entries")

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate detection catalogs",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	rulesCmd.AddCommand(newRulesListCmd())
	return rulesCmd
}

func newRulesValidateCmd() *cobra.Command {
	var (
		file       string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validate a YAML rules file",
		Example: "  argus rules validate --file rules.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, sigs, err := detect.LoadCatalogFile(file)
			if rules == nil && sigs == nil && err != nil {
				return err
			}
			problems := unwrapErrors(err)

			if outputJSON {
				if jerr := outputAsJSON(cmd.OutOrStdout(), validationReport(rules, sigs, problems)); jerr != nil {
					return jerr
				}
			} else {
				renderValidation(cmd.OutOrStdout(), file, rules, sigs, problems)
			}

			if len(problems) > 0 {
				return fmt.Errorf("%w: %d rejected", errCatalogInvalid, len(problems))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Rules file to validate (required)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the built-in detection rules and signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := detect.NewDefaultCatalog(zap.NewNop().Sugar())
			rules, sigs := catalog.Rules(), catalog.Signatures()
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), validationReport(rules, sigs, nil))
			}
			renderRules(cmd.OutOrStdout(), rules, sigs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}

type catalogReport struct {
	Rules      []core.DetectionRule   `json:"rules"`
	Signatures []core.ThreatSignature `json:"signatures"`
	Errors     []string               `json:"errors,omitempty"`
}

func validationReport(rules []core.DetectionRule, sigs []core.ThreatSignature, problems []error) catalogReport {
	report := catalogReport{Rules: rules, Signatures: sigs}
	for _, p := range problems {
		report.Errors = append(report.Errors, p.Error())
	}
	return report
}

func unwrapErrors(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func renderValidation(w io.Writer, file string, rules []core.DetectionRule, sigs []core.ThreatSignature, problems []error) {
	renderRules(w, rules, sigs)
	fmt.Fprintln(w)

	if len(problems) == 0 {
		successColor.Fprintf(w, "✓ %s is valid (%d rules, %d signatures)\n", file, len(rules), len(sigs))
		return
	}
	errorColor.Fprintf(w, "✗ %s has %d invalid entries\n", file, len(problems))
	for _, p := range problems {
		fmt.Fprintf(w, "  - %v\n", p)
	}
}

func renderRules(w io.Writer, rules []core.DetectionRule, sigs []core.ThreatSignature) {
	if len(rules) == 0 && len(sigs) == 0 {
		warningColor.Fprintln(w, "No rules or signatures")
		return
	}

	if len(rules) > 0 {
		headerColor.Fprintln(w, "RULES")
		headerColor.Fprintln(w, strings.Repeat("=", 100))
		fmt.Fprintf(w, "%-28s %-10s %-10s %-8s %s\n", "ID", "Severity", "Action", "Enabled", "Pattern")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, r := range rules {
			fmt.Fprintf(w, "%-28s %-10s %-10s %-8s %s\n",
				r.ID, r.Severity, r.Action, formatBool(r.Enabled), describePattern(r.Pattern))
		}
	}

	if len(sigs) > 0 {
		if len(rules) > 0 {
			fmt.Fprintln(w)
		}
		headerColor.Fprintln(w, "SIGNATURES")
		headerColor.Fprintln(w, strings.Repeat("=", 100))
		fmt.Fprintf(w, "%-28s %-10s %-16s %-10s %s\n", "ID", "Severity", "Type", "Confidence", "Indicators")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, s := range sigs {
			fmt.Fprintf(w, "%-28s %-10s %-16s %-10.0f %d\n",
				s.ID, s.Severity, s.Type, s.Confidence, len(s.Indicators))
		}
	}
}

func describePattern(p core.Pattern) string {
	desc := p.Text
	if p.Expression != "" {
		desc = p.Expression
	}
	if desc == "" {
		desc = string(p.Kind)
	}
	if len(desc) > 48 {
		desc = desc[:45] + "..."
	}
	return desc
}

func formatBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
