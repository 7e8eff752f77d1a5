package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"wisefido-maintenance/internal/service"

	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate-schedule",
	Short: "Run one evaluation cycle for the tenant now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		c, err := newClient()
		if err != nil {
			return err
		}
		summary, err := c.GenerateSchedule(cmd.Context(), !dryRun)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record-reading METER_ID VALUE",
	Short: "Record a meter reading",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value float64
		if _, err := fmt.Sscanf(args[1], "%g", &value); err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}
		source, _ := cmd.Flags().GetString("source")
		evaluate, _ := cmd.Flags().GetBool("evaluate")

		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RecordReading(cmd.Context(), service.RecordReadingRequest{
			MeterID:          args[0],
			Value:            value,
			Source:           source,
			CreateWorkOrders: evaluate,
		})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "recorded %s = %g", args[0], value)
		if res.Reading != nil && len(res.Reading.Flags) > 0 {
			fmt.Fprintf(out, " (flags: %v)", res.Reading.Flags)
		}
		fmt.Fprintln(out)
		for _, wo := range res.WorkOrders {
			fmt.Fprintf(out, "  %s %s %s %s\n", wo.Outcome, wo.WorkOrderID, wo.Cause, wo.Priority)
		}
		return nil
	},
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show rules coming due and recent work orders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		days, _ := cmd.Flags().GetInt("days")
		c, err := newClient()
		if err != nil {
			return err
		}
		ov, err := c.Overview(cmd.Context(), days)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), ov)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tenant %s: %d active rules, %d due within %d days\n", ov.TenantID, ov.ActiveRules, len(ov.DueRules), ov.DaysAhead)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RULE\tASSET\tTRIGGER\tDUE\tOVERDUE")
		for _, r := range ov.DueRules {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", r.RuleID, r.AssetID, r.TriggerType, r.DueAt.Format(time.RFC3339), r.Overdue)
		}
		_ = tw.Flush()
		fmt.Fprintf(out, "\n%d recent work orders\n", len(ov.RecentWorkOrders))
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORK ORDER\tASSET\tCAUSE\tSTATUS\tPRIORITY")
		for _, wo := range ov.RecentWorkOrders {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", wo.WorkOrderID, wo.AssetID, wo.Cause, wo.Status, wo.Priority)
		}
		return tw.Flush()
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List PM rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rules, err := c.Rules(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), rules)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RULE\tASSET\tTRIGGER\tPRIORITY\tACTIVE")
		for _, r := range rules {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", r.RuleID, r.AssetID, r.TriggerType, r.PriorityHint, r.Active)
		}
		return tw.Flush()
	},
}

var metersCmd = &cobra.Command{
	Use:   "meters",
	Short: "List meters and their current values",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		meters, err := c.Meters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), meters)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "METER\tASSET\tTYPE\tVALUE\tUNIT")
		for _, m := range meters {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\n", m.MeterID, m.AssetID, m.MeterType, m.CurrentValue, m.Unit)
		}
		return tw.Flush()
	},
}

var predictionsCmd = &cobra.Command{
	Use:   "predictions ASSET_ID",
	Short: "Show prediction history of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, err := newClient()
		if err != nil {
			return err
		}
		history, err := c.Predictions(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), history)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EVALUATED\tPROBABILITY\tCONFIDENCE\tRISK\tSTRATEGY")
		for _, p := range history {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%s\t%s\n", p.EvaluatedAt.Format(time.RFC3339), p.FailureProbability, p.Confidence, p.RiskLevel, p.Strategy)
		}
		return tw.Flush()
	},
}

func init() {
	generateCmd.Flags().Bool("dry-run", false, "compute needs without creating work orders")
	recordCmd.Flags().String("source", "maintenancectl", "reading source tag")
	recordCmd.Flags().Bool("evaluate", false, "evaluate the asset's rules and create work orders")
	overviewCmd.Flags().Int("days", 30, "forecast horizon in days")
	predictionsCmd.Flags().Int("limit", 30, "max history entries")
}

func printSummary(w io.Writer, s *service.CycleSummary) {
	fmt.Fprintf(w, "cycle %s: %d/%d assets evaluated, %d needs, %d created, %d updated, %d duplicates",
		s.CycleID, s.AssetsEvaluated, s.AssetsTotal, s.NeedsGenerated, s.WorkOrdersCreated, s.WorkOrdersUpdated, s.DuplicatesSuppressed)
	if s.TimedOut {
		fmt.Fprint(w, " (timed out)")
	}
	fmt.Fprintln(w)
	for _, sk := range s.AssetsSkipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", sk.AssetID, sk.Reason)
	}
	for _, wo := range s.WorkOrders {
		fmt.Fprintf(w, "  %s %s %s %s %s\n", wo.Outcome, wo.AssetID, wo.WorkOrderID, wo.Cause, wo.Priority)
	}
}
