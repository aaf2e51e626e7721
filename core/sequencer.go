package core

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/signalsfoundry/snap-bringup/hw"
	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
	"github.com/signalsfoundry/snap-bringup/timectrl"
)

// Static operational registers fixed by the gateware design.
const (
	regFFTShift    = "fft_shift"
	regChan1Select = "ch_1_sel"
	regChan2Select = "ch_2_sel"
	regRequantGain = "requant_gain"
	regClkCounter  = "sys_clkcounter"
)

// Config carries the sequencer's tunables. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// FFTShift is the per-stage shift mask written to the FFT.
	FFTShift uint32
	// Chan1/Chan2 route physical ADC input pairs to the two logical
	// output channels.
	Chan1 model.AdcPair
	Chan2 model.AdcPair
	// RequantGain is the post-FFT quantizer gain, valid strictly between
	// 0 and 2047. The register takes round(gain*32) as unsigned fixed
	// point with a 5-bit fractional part.
	RequantGain float64

	// CalAttempts bounds the calibration retry loop.
	CalAttempts int
	// CalRetryDelay is the flat pause between calibration attempts.
	CalRetryDelay time.Duration

	LockSettle  time.Duration
	LinkSettle  time.Duration
	DrainSettle time.Duration

	// ClockWindow is how long the clock-estimate stage samples the
	// free-running counter.
	ClockWindow time.Duration
}

// DefaultConfig mirrors the register defaults the gateware was validated
// with.
func DefaultConfig() Config {
	return Config{
		FFTShift:      4095,
		Chan1:         model.PairA12,
		Chan2:         model.PairB12,
		RequantGain:   1,
		CalAttempts:   3,
		CalRetryDelay: 500 * time.Millisecond,
		LockSettle:    500 * time.Millisecond,
		LinkSettle:    2 * time.Second,
		DrainSettle:   2 * time.Second,
		ClockWindow:   2 * time.Second,
	}
}

// Sequencer composes programming, network bring-up, static configuration,
// ADC calibration and clock estimation into one ordered, fail-fast pipeline.
//
// The stage order is fixed: Program, NetworkBringup, StaticRegisterConfig,
// AdcCalibration, ClockEstimate. Observed bring-up scripts disagree on
// whether networking or calibration runs first; this implementation brings
// the link up first so a mis-wired fabric is caught before the (much slower)
// calibration loop runs.
type Sequencer struct {
	Link   hw.HardwareLink
	Adc    hw.AdcController
	Net    hw.NetworkCore
	Clock  timectrl.Clock
	Log    logging.Logger
	Events model.EventSink
	Config Config
}

// NewSequencer wires a sequencer with default config, a real clock, and no
// logging; callers adjust fields before Run.
func NewSequencer(link hw.HardwareLink, adc hw.AdcController, netCore hw.NetworkCore) *Sequencer {
	return &Sequencer{
		Link:   link,
		Adc:    adc,
		Net:    netCore,
		Clock:  timectrl.Real{},
		Log:    logging.Noop(),
		Events: model.NopSink{},
		Config: DefaultConfig(),
	}
}

// Run executes the full bring-up. It always returns the session; on fatal
// failure the session records how far the run got, every completed stage's
// result, and the error that stopped it. The error return mirrors
// session.Err for callers that only care whether the run survived.
func (s *Sequencer) Run(ctx context.Context, target model.BoardTarget, adcCfg model.AdcConfig, netCfg model.NetworkConfig) (*model.BringupSession, error) {
	ctx, log := logging.WithRunLogger(ctx, s.Log)

	session := &model.BringupSession{
		Target:  target,
		Adc:     adcCfg,
		Network: netCfg,
		Stage:   model.StageNone,
	}

	// Reject bad input before any hardware is touched.
	if _, err := requantGainWord(s.Config.RequantGain); err != nil {
		return s.fail(session, err)
	}
	if adcCfg.Channels < 1 {
		return s.fail(session, &model.InvalidArgumentError{Field: "adc.channels", Reason: "must be at least 1"})
	}

	// Stage 1: program the gateware.
	s.stageStart(session, model.StageProgram)
	if err := s.program(ctx, log, target); err != nil {
		return s.fail(session, err)
	}
	s.stageDone(session, nil)

	// Stage 2: bring up and verify the 10GbE path.
	s.stageStart(session, model.StageNetwork)
	nb := &NetworkBringup{
		Link:        s.Link,
		Core:        s.Net,
		Clock:       s.Clock,
		Log:         log,
		Events:      s.Events,
		LinkSettle:  s.Config.LinkSettle,
		DrainSettle: s.Config.DrainSettle,
	}
	link, err := nb.Run(ctx, netCfg)
	session.Link = link
	if err != nil {
		s.stageDone(session, err)
		return s.fail(session, err)
	}
	s.stageDone(session, nil)

	// Stage 3: static operational registers. Idempotent single writes with
	// no hardware race, so never retried.
	s.stageStart(session, model.StageStaticConfig)
	if err := s.staticConfig(ctx, log); err != nil {
		return s.fail(session, err)
	}
	s.stageDone(session, nil)

	// Stage 4: ADC calibration, whole attempts retried up to the budget.
	s.stageStart(session, model.StageCalibration)
	cal, err := s.calibrate(ctx, log, adcCfg)
	session.Calibration = cal
	if err != nil {
		s.stageDone(session, err)
		return s.fail(session, err)
	}
	if cal.Verdict == model.CalPartial {
		degraded := &model.CalibrationDegradedError{Failures: cal.Failures()}
		session.Warn("%v", degraded)
		log.Warn(ctx, "proceeding with degraded calibration",
			logging.String("lanes", cal.Failures().String()),
			logging.Int("attempts", cal.Attempts))
	}
	s.stageDone(session, nil)

	// Stage 5: clock estimate, diagnostic only.
	s.stageStart(session, model.StageClockEstimate)
	if mhz, err := s.estimateClock(ctx); err != nil {
		log.Warn(ctx, "fpga clock estimate failed", logging.Err(err))
	} else {
		session.FPGAClockMHz = mhz
		log.Info(ctx, "fpga clock estimated", logging.Float("mhz", mhz))
		s.Events.Emit(model.Event{
			Type:     model.EventClockEstimate,
			Stage:    model.StageClockEstimate,
			At:       s.Clock.Now(),
			ClockMHz: mhz,
		})
	}
	s.stageDone(session, nil)

	session.Advance(model.StageDone)
	if len(session.Warnings) > 0 {
		session.Verdict = model.VerdictDegraded
	} else {
		session.Verdict = model.VerdictSuccess
	}
	log.Info(ctx, "bring-up complete",
		logging.String("verdict", session.Verdict.String()),
		logging.Float("fpga_clock_mhz", session.FPGAClockMHz))
	return session, nil
}

func (s *Sequencer) program(ctx context.Context, log logging.Logger, target model.BoardTarget) error {
	if !s.Link.Connected(ctx) {
		return &model.TransportError{Op: "connect", Err: errors.New("board unreachable")}
	}
	log.Info(ctx, "programming gateware",
		logging.String("bitstream", target.Bitstream),
		logging.String("board", target.Addr))

	pctx := ctx
	if target.ProgramTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, target.ProgramTimeout)
		defer cancel()
	}
	if err := s.Link.Program(pctx, target.Bitstream); err != nil {
		return err
	}
	// Programming invalidates previously resolved register addresses, so
	// the register map has to be re-resolved from the same descriptor.
	if err := s.Link.RefreshMetadata(ctx, target.Bitstream); err != nil {
		return err
	}
	log.Info(ctx, "gateware programmed")
	return nil
}

func (s *Sequencer) staticConfig(ctx context.Context, log logging.Logger) error {
	gain, err := requantGainWord(s.Config.RequantGain)
	if err != nil {
		return err
	}
	writes := []struct {
		name  string
		value uint32
	}{
		{regFFTShift, s.Config.FFTShift},
		{regChan1Select, uint32(s.Config.Chan1)},
		{regChan2Select, uint32(s.Config.Chan2)},
		{regRequantGain, gain},
	}
	for _, w := range writes {
		if err := s.Link.WriteRegister(ctx, w.name, w.value); err != nil {
			return err
		}
	}
	log.Info(ctx, "static registers configured",
		logging.Uint32("fft_shift", s.Config.FFTShift),
		logging.String("ch1", s.Config.Chan1.String()),
		logging.String("ch2", s.Config.Chan2.String()),
		logging.Uint32("requant_gain", gain))
	return nil
}

func (s *Sequencer) calibrate(ctx context.Context, log logging.Logger, cfg model.AdcConfig) (*model.CalibrationResult, error) {
	engine := &CalibrationEngine{
		Adc:        s.Adc,
		Clock:      s.Clock,
		Log:        log,
		Events:     s.Events,
		LockSettle: s.Config.LockSettle,
	}

	var last *model.CalibrationResult
	res := Retry(ctx, s.Clock, s.Config.CalAttempts, s.Config.CalRetryDelay, func(ctx context.Context, attempt int) (Outcome, error) {
		cal, err := engine.Calibrate(ctx, cfg)
		last = cal
		s.Events.Emit(model.Event{
			Type:        model.EventCalibrationAttempt,
			Stage:       model.StageCalibration,
			At:          s.Clock.Now(),
			Attempt:     attempt,
			Calibration: cal,
			Err:         err,
		})
		switch {
		case err == nil:
			return OutcomeSuccess, nil
		case errors.Is(err, model.ErrCalibrationFatal), errors.Is(err, model.ErrLaneBondFailed):
			log.Warn(ctx, "calibration attempt failed",
				logging.Int("attempt", attempt), logging.Err(err))
			return OutcomeRetry, err
		default:
			// Transport and argument errors: no point re-running.
			return OutcomeFatal, err
		}
	})

	if last != nil {
		last.Attempts = res.Attempts
	}
	return last, res.Err
}

// estimateClock samples the free-running counter over the configured window.
// Counter wrap is handled by 32-bit modular subtraction.
func (s *Sequencer) estimateClock(ctx context.Context) (float64, error) {
	first, err := s.Link.ReadRegister(ctx, regClkCounter)
	if err != nil {
		return 0, err
	}
	start := s.Clock.Now()
	if err := s.Clock.Sleep(ctx, s.Config.ClockWindow); err != nil {
		return 0, err
	}
	second, err := s.Link.ReadRegister(ctx, regClkCounter)
	if err != nil {
		return 0, err
	}
	elapsed := s.Clock.Now().Sub(start).Seconds()
	if elapsed <= 0 {
		return 0, errors.New("clock estimate window collapsed")
	}
	ticks := second - first // wraps naturally on uint32
	return float64(ticks) / elapsed / 1e6, nil
}

func (s *Sequencer) fail(session *model.BringupSession, err error) (*model.BringupSession, error) {
	session.Verdict = model.VerdictFatal
	session.Err = err
	return session, err
}

func (s *Sequencer) stageStart(session *model.BringupSession, stage model.Stage) {
	session.Advance(stage)
	s.Events.Emit(model.Event{
		Type:  model.EventStageStart,
		Stage: stage,
		At:    s.Clock.Now(),
	})
}

func (s *Sequencer) stageDone(session *model.BringupSession, err error) {
	s.Events.Emit(model.Event{
		Type:  model.EventStageDone,
		Stage: session.Stage,
		At:    s.Clock.Now(),
		Err:   err,
	})
}

// requantGainWord converts the quantizer gain to its register encoding:
// unsigned fixed point, 5 fractional bits, clamped to the 16-bit register.
// Gain must lie strictly inside (0, 2047); anything else is rejected before
// any register write happens.
func requantGainWord(gain float64) (uint32, error) {
	if !(gain > 0 && gain < 2047) {
		return 0, &model.InvalidArgumentError{
			Field:  "requant_gain",
			Reason: "must be strictly between 0 and 2047",
		}
	}
	v := math.Round(gain * 32)
	if v > math.MaxUint16 {
		v = math.MaxUint16
	}
	return uint32(v), nil
}
