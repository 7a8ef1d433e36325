// ticksched runs a single-goroutine tick loop fed by cron jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ticksched/internal/app"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/tickloop"
)

func main() {
	root := &cobra.Command{
		Use:           "ticksched",
		Short:         "Single-goroutine tick loop scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), benchCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(context.Background()); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./ticksched.yaml", "path to config (json or yaml)")
	return cmd
}

func benchCmd() *cobra.Command {
	var (
		interval time.Duration
		ticks    int
		mode     string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure the tick rate of an idle loop against 1000/interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := runBench(ctx, interval, ticks, tickloop.ParsePollMode(mode))
			if err != nil {
				return err
			}
			res.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", tickloop.DefaultInterval, "tick interval")
	cmd.Flags().IntVar(&ticks, "ticks", 200, "ticks to measure")
	cmd.Flags().StringVar(&mode, "mode", "sleep", "poll mode: sleep or spin")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		cfgPath string
		n       int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent task outcomes from the file or sqlite journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, driver, err := app.OpenHistory(cfgPath, logx.Nop())
			if err != nil {
				return err
			}
			switch {
			case store == nil:
				return fmt.Errorf("history is disabled in %s", cfgPath)
			case driver == "memory":
				_ = store.Close()
				return fmt.Errorf("history driver is memory; read /statusz on the running daemon instead")
			}
			defer store.Close()

			recs, err := store.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tLOOP\tSTATE\tQUEUED\tRAN\tID\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%s\t%s\n",
					r.At.Local().Format(time.DateTime), r.Loop, r.State,
					r.QueueDelay.Round(time.Microsecond), r.Duration.Round(time.Microsecond), r.ID, r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./ticksched.yaml", "path to config (json or yaml)")
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of records")
	return cmd
}
