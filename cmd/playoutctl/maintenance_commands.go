package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"playout/internal/playout"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release finished entries and delete unused media now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			report, err := ctx.client().Sweep(reqCtx)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Released %d references\n", report.ReleasedReferences)
			fmt.Fprintf(out, "Retired %d renditions\n", len(report.RetiredDerived))
			for _, key := range report.RetiredDerived {
				fmt.Fprintf(out, "  %s\n", key)
			}
			fmt.Fprintf(out, "Removed %d orphaned files\n", len(report.RemovedOrphans))
			for _, key := range report.RemovedOrphans {
				fmt.Fprintf(out, "  %s\n", key)
			}
			return nil
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Ask the engine to re-arm its triggers now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			if err := ctx.client().Reconcile(reqCtx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reconcile requested")
			return nil
		},
	}
}

func newOutputCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "output",
		Short: "Show what the channel is publishing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			state, err := ctx.client().Output(reqCtx)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, state)
			}
			if state.Status != playout.OutputPublishing {
				fmt.Fprintln(cmd.OutOrStdout(), "Output is idle")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
				[]string{"Status", "File", "Session", "Since"},
				[][]string{{string(state.Status), state.Path, state.SessionID, state.Since.Format(displayLayout)}},
				nil,
			))
			return nil
		},
	}
}
