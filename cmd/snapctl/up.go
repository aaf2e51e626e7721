package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/snap-bringup/core"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/internal/observability"
	"github.com/signalsfoundry/snap-bringup/model"
)

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the full bring-up: program, network, configure, calibrate, verify",
		Args:  cobra.NoArgs,
		RunE:  runUp,
	}
}

func runUp(cmd *cobra.Command, args []string) error {
	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	target, adcCfg, netCfg, err := boardConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewBringupCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(metricsAddr, collector, log)
	defer func() {
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	link, adc, netCore, closeLink, err := connect(ctx, log, netCfg.CoreName)
	if err != nil {
		return err
	}
	defer closeLink()

	seq := core.NewSequencer(link, adc, netCore)
	seq.Log = log
	seq.Events = model.MultiSink{collector, observability.NewTraceSink(nil)}
	seq.Config = sequencerConfig()

	session, runErr := seq.Run(ctx, target, adcCfg, netCfg)
	printReport(cmd.OutOrStdout(), session)

	switch session.Verdict {
	case model.VerdictSuccess:
		return nil
	case model.VerdictDegraded:
		return &exitError{code: exitDegraded}
	default:
		return &exitError{code: exitFatal, msg: fmt.Sprintf("bring-up failed: %v", runErr)}
	}
}

// printReport renders the operator-facing summary of a run.
func printReport(w io.Writer, s *model.BringupSession) {
	fmt.Fprintf(w, "board:    %s\n", s.Target.Addr)
	fmt.Fprintf(w, "gateware: %s\n", s.Target.Bitstream)
	fmt.Fprintf(w, "verdict:  %s (reached stage %s)\n", s.Verdict, s.Stage)

	if s.Link != nil {
		fmt.Fprintf(w, "link:     %s", s.Link.Verdict)
		if s.Link.Verdict == model.LinkOverflowed {
			fmt.Fprintf(w, " (%d overflows)", s.Link.OverflowCount)
		}
		fmt.Fprintln(w)
	}
	if cal := s.Calibration; cal != nil {
		fmt.Fprintf(w, "adc:      %s after %d attempt(s)", cal.Verdict, cal.Attempts)
		if fails := cal.Failures(); !fails.Empty() {
			fmt.Fprintf(w, ", failing lanes %s", fails)
		}
		fmt.Fprintln(w)
	}
	if s.FPGAClockMHz > 0 {
		fmt.Fprintf(w, "clock:    %.1f MHz\n", s.FPGAClockMHz)
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "warning:  %s\n", warn)
	}
	if s.Err != nil {
		fmt.Fprintf(w, "error:    %v\n", s.Err)
	}
}
