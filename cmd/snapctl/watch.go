package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/internal/observability"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

func linkEvent(at time.Time, up bool, overflow uint32) model.Event {
	verdict := model.LinkHealthy
	if !up {
		verdict = model.LinkDown
	} else if overflow > 0 {
		verdict = model.LinkOverflowed
	}
	return model.Event{
		Type:  model.EventLinkStatus,
		Stage: model.StageNetwork,
		At:    at,
		Link: &model.LinkStatus{
			Configured:    true,
			LinkUp:        up,
			OverflowCount: overflow,
			Verdict:       verdict,
		},
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [register]...",
		Short: "Poll link health, or arbitrary named registers, on a running board",
		Long: `With no arguments, watch polls the 10GbE link-up flag and transmit
overflow counter and exits nonzero if a previously healthy link degrades.
With register names it prints their values every interval instead.`,
		Args: cobra.ArbitraryArgs,
		RunE: runWatch,
	}
	cmd.Flags().Duration("interval", 10*time.Second, "poll interval")
	cobra.CheckErr(viper.BindPFlag("interval", cmd.Flags().Lookup("interval")))
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	coreName := viper.GetString("core")
	if !simulate && viper.GetString("board") == "" {
		return fmt.Errorf("--board is required (or --simulate)")
	}

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

	link, _, _, closeLink, err := connect(ctx, log, coreName)
	if err != nil {
		return err
	}
	defer closeLink()

	interval := viper.GetDuration("interval")
	clock := timectrl.Real{}

	if len(args) > 0 {
		return watchRegisters(ctx, cmd, link, clock, interval, args)
	}

	var lastOverflow uint32
	sawHealthy := false

	for {
		up, err := link.ReadRegister(ctx, coreName+"_linkup")
		if err != nil {
			return fmt.Errorf("poll link: %w", err)
		}
		overflow, err := link.ReadRegister(ctx, coreName+"_txofctr")
		if err != nil {
			return fmt.Errorf("poll overflow counter: %w", err)
		}

		healthy := up == 1 && overflow == lastOverflow
		fmt.Fprintf(cmd.OutOrStdout(), "%s link=%v overflow=%d\n",
			clock.Now().Format(time.RFC3339), up == 1, overflow)
		log.Info(ctx, "link poll",
			logging.Bool("link_up", up == 1),
			logging.Uint32("overflow", overflow))

		collector.Emit(linkEvent(clock.Now(), up == 1, overflow))

		if !healthy && sawHealthy {
			return &exitError{code: exitFatal, msg: "link degraded while watching"}
		}
		sawHealthy = sawHealthy || healthy
		lastOverflow = overflow

		if err := clock.Sleep(ctx, interval); err != nil {
			// Interrupted by the operator; a clean exit.
			return nil
		}
	}
}

// watchRegisters prints the named registers every interval until interrupted.
func watchRegisters(ctx context.Context, cmd *cobra.Command, link hw.HardwareLink, clock timectrl.Clock, interval time.Duration, names []string) error {
	for {
		line := clock.Now().Format(time.RFC3339)
		for _, name := range names {
			v, err := link.ReadRegister(ctx, name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			line += fmt.Sprintf(" %s=%d", name, v)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)

		if err := clock.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}
