package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/posting-engine/logging"
	"github.com/warp/posting-engine/posting"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <claim-id>",
	Short: "Run the secondary claim trigger for one claim",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvaluate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <claim-id>",
	Short: "Check a claim's accounting; exits non-zero on violations",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(evaluateCmd, verifyCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	w, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer w.cleanup()

	res := w.engine.Evaluate(ctx, posting.ClaimID(args[0]))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "claim:     %s\n", res.ClaimID)
	fmt.Fprintf(out, "reason:    %s\n", res.Reason)
	fmt.Fprintf(out, "forwarded: %s\n", res.ForwardAmount.StringFixed(2))
	if res.NewClaimID != "" {
		fmt.Fprintf(out, "secondary: %s\n", res.NewClaimID)
	}
	if res.Detail != "" {
		fmt.Fprintf(out, "detail:    %s\n", res.Detail)
	}

	switch res.Reason {
	case posting.ReasonLookupFailed, posting.ReasonCreationFailed, posting.ReasonLockFailed:
		return fmt.Errorf("claim %s: %s", res.ClaimID, res.Reason)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	w, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer w.cleanup()

	report, err := w.engine.Reconcile(ctx, posting.ClaimID(args[0]))
	if err != nil {
		return err
	}

	t := report.Totals
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "claim %s\n", report.ClaimID)
	fmt.Fprintf(out, "  charge          %12s\n", t.Charge.StringFixed(2))
	fmt.Fprintf(out, "  insurance paid  %12s\n", t.InsurancePaid.StringFixed(2))
	fmt.Fprintf(out, "  patient paid    %12s\n", t.PatientPaid.StringFixed(2))
	for _, g := range posting.GroupCodes {
		fmt.Fprintf(out, "  adjustment %s   %12s\n", g, t.Adjustments.Get(g).StringFixed(2))
	}
	fmt.Fprintf(out, "  balance         %12s\n", t.Balance.StringFixed(2))

	if report.OK() {
		fmt.Fprintln(out, "OK")
		return nil
	}
	for _, v := range report.Violations {
		fmt.Fprintf(out, "  VIOLATION %s\n", v)
	}
	return report.Err()
}
