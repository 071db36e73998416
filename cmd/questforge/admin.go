package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	qf "github.com/ineyio/questforge"
)

func nowUTC() time.Time { return time.Now().UTC() }

func newAllotCmd() *cobra.Command {
	var (
		user    string
		credits int64
	)
	cmd := &cobra.Command{
		Use:   "allot",
		Short: "Set a user's credit allotment for the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cl closers
			defer cl.close()

			l, err := openLedger(cmd.Context(), settings, &cl)
			if err != nil {
				return err
			}
			if err := l.SetAllotment(cmd.Context(), user, credits, qf.PeriodStart(nowUTC())); err != nil {
				return err
			}
			acct, err := l.Account(cmd.Context(), user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d credits available\n", user, acct.Available(), acct.Allotment)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().Int64Var(&credits, "credits", 0, "allotment for the period")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("credits")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release reservations left pending by crashed requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cl closers
			defer cl.close()

			l, err := openLedger(cmd.Context(), settings, &cl)
			if err != nil {
				return err
			}
			n, err := qf.SweepReservations(cmd.Context(), l, l, olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "released %d reservations\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "only release reservations older than this")
	return cmd
}

func newRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Start the current credit period for every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cl closers
			defer cl.close()

			l, err := openLedger(cmd.Context(), settings, &cl)
			if err != nil {
				return err
			}
			period := qf.PeriodStart(nowUTC())
			n, err := l.ResetPeriod(cmd.Context(), period)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d accounts to period %s\n", n, period.Format(time.DateOnly))
			return nil
		},
	}
}
