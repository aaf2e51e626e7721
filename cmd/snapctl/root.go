package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/snap-bringup/core"
	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/hw/adc16"
	"github.com/signalsfoundry/snap-bringup/hw/katcp"
	"github.com/signalsfoundry/snap-bringup/hw/simboard"
	"github.com/signalsfoundry/snap-bringup/hw/tengbe"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/internal/observability"
	"github.com/signalsfoundry/snap-bringup/model"
)

// Exit codes reported to the shell.
const (
	exitSuccess  = 0
	exitFatal    = 1
	exitDegraded = 2
)

var (
	cfgFile     string
	simulate    bool
	metricsAddr string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "snapctl",
		Short:         "Bring-up and health tooling for SNAP receiver boards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default snapctl.toml in /etc/snapctl or the working directory)")
	pf.BoolVar(&simulate, "simulate", false, "run against an in-memory board instead of real hardware")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")

	pf.String("board", "", "board hostname or host:port")
	pf.String("bitstream", "", "gateware image to program")
	pf.Duration("program-timeout", 3*time.Minute, "deadline for programming the gateware")

	pf.String("core", "gbe1", "10GbE core name in the register map")
	pf.String("core-mac", "02:2e:46:e0:64:a1", "MAC address for the core")
	pf.String("core-ip", "192.168.0.20", "IPv4 address for the core")
	pf.Uint16("core-port", 60000, "fabric UDP source port")
	pf.String("dest-ip", "192.168.0.1", "IPv4 address of the payload destination")
	pf.Uint16("dest-port", 60000, "UDP port of the payload destination")
	pf.String("dest-mac", "", "MAC address of the payload destination")

	pf.Int("channels", 2, "ADC channel count (1, 2 or 4)")
	pf.Int("adc-gain", 4, "ADC coarse analog gain")
	pf.String("input-map", "1,1,2,2", "physical input per crossbar slot")

	pf.Uint32("fft-shift", 4095, "FFT shift schedule mask")
	pf.Float64("requant-gain", 1, "post-FFT quantizer gain, in (0, 2047)")
	pf.Int("cal-attempts", 3, "ADC calibration attempt budget")

	cobra.CheckErr(viper.BindPFlags(pf))

	root.AddCommand(newUpCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func execute() int {
	cobra.OnInitialize(initConfig)
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(root.ErrOrStderr(), ee.msg)
			}
			return ee.code
		}
		fmt.Fprintln(root.ErrOrStderr(), "snapctl:", err)
		return exitFatal
	}
	return exitSuccess
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("snapctl")
		viper.SetConfigType("toml")
		viper.AddConfigPath("/etc/snapctl")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("snapctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			cobra.CheckErr(err)
		}
	}
}

// exitError carries a shell exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// boardConfig resolves the board target and per-subsystem configs from viper.
func boardConfig() (model.BoardTarget, model.AdcConfig, model.NetworkConfig, error) {
	var zeroT model.BoardTarget
	var zeroA model.AdcConfig
	var zeroN model.NetworkConfig

	target := model.BoardTarget{
		Addr:           viper.GetString("board"),
		Bitstream:      viper.GetString("bitstream"),
		ProgramTimeout: viper.GetDuration("program-timeout"),
	}
	if !simulate && target.Addr == "" {
		return zeroT, zeroA, zeroN, fmt.Errorf("--board is required (or --simulate)")
	}
	if target.Bitstream == "" {
		return zeroT, zeroA, zeroN, fmt.Errorf("--bitstream is required")
	}

	inputMap, err := parseInputMap(viper.GetString("input-map"))
	if err != nil {
		return zeroT, zeroA, zeroN, err
	}
	adcCfg := model.AdcConfig{
		Name:          "snap_adc",
		SampleRateMHz: 500,
		Channels:      viper.GetInt("channels"),
		Resolution:    8,
		Gain:          viper.GetInt("adc-gain"),
		InputMap:      inputMap,
	}

	coreMAC, err := model.ParseMAC(viper.GetString("core-mac"))
	if err != nil {
		return zeroT, zeroA, zeroN, fmt.Errorf("--core-mac: %w", err)
	}
	destMACStr := viper.GetString("dest-mac")
	if destMACStr == "" {
		return zeroT, zeroA, zeroN, fmt.Errorf("--dest-mac is required to seed the ARP table")
	}
	destMAC, err := model.ParseMAC(destMACStr)
	if err != nil {
		return zeroT, zeroA, zeroN, fmt.Errorf("--dest-mac: %w", err)
	}
	coreIP, err := netip.ParseAddr(viper.GetString("core-ip"))
	if err != nil {
		return zeroT, zeroA, zeroN, fmt.Errorf("--core-ip: %w", err)
	}
	destIP, err := netip.ParseAddr(viper.GetString("dest-ip"))
	if err != nil {
		return zeroT, zeroA, zeroN, fmt.Errorf("--dest-ip: %w", err)
	}
	netCfg := model.NetworkConfig{
		CoreName: viper.GetString("core"),
		CoreMAC:  coreMAC,
		CoreIP:   coreIP,
		CorePort: viper.GetUint16("core-port"),
		DestIP:   destIP,
		DestPort: viper.GetUint16("dest-port"),
		DestMAC:  destMAC,
	}
	return target, adcCfg, netCfg, nil
}

func parseInputMap(s string) ([4]int, error) {
	var m [4]int
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return m, fmt.Errorf("--input-map needs 4 comma-separated inputs, got %q", s)
	}
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &m[i]); err != nil {
			return m, fmt.Errorf("--input-map entry %q: %w", p, err)
		}
	}
	return m, nil
}

// connect opens the hardware layer: the simulated board under --simulate,
// otherwise a live connection. The returned close func is a no-op for the
// simulator.
func connect(ctx context.Context, log logging.Logger, coreName string) (hw.HardwareLink, hw.AdcController, hw.NetworkCore, func(), error) {
	if simulate {
		board := simboard.New(coreName)
		log.Info(ctx, "running against simulated board")
		return board, board, board, func() {}, nil
	}
	client, err := katcp.Dial(ctx, viper.GetString("board"), katcp.WithLogger(log))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	adc := adc16.New(client)
	adc.Log = log
	netCore := tengbe.New(client, coreName)
	netCore.Log = log
	return client, adc, netCore, func() { client.Close() }, nil
}

func serveMetrics(addr string, collector *observability.BringupCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func sequencerConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.FFTShift = viper.GetUint32("fft-shift")
	cfg.RequantGain = viper.GetFloat64("requant-gain")
	cfg.CalAttempts = viper.GetInt("cal-attempts")
	return cfg
}
