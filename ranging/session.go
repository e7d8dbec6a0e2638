// Package ranging runs single-sided two-way ranging against a remote UWB node
// and turns the captured timestamps into distances.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linht/uwb-ranging/dw3000"
	"github.com/linht/uwb-ranging/uwbtime"
)

// ErrTxTimeout indicates the radio never reported the probe as sent.
var ErrTxTimeout = errors.New("transmission not confirmed in time")

// Defaults for Config
const (
	DefaultRxGuard          = 1000 * time.Nanosecond
	DefaultListenMultiplier = 99 // 1:99 transmit:listen duty ratio
	DefaultRxBufferSize     = 64
	DefaultTxTimeout        = 100 * time.Millisecond
)

// Config tunes the ranging cycle.
type Config struct {
	// RxGuard is how far past the current device time the listen window opens.
	RxGuard time.Duration `yaml:"rx_guard"`
	// ListenMultiplier scales the measured send duration into the host-side
	// listen budget.
	ListenMultiplier int `yaml:"listen_multiplier"`
	RxBufferSize     int `yaml:"rx_buffer_size"`
	// TxTimeout bounds the wait for the transmit-done event.
	TxTimeout time.Duration `yaml:"tx_timeout"`
	// PollInterval is the pause between polls. Zero yields the processor
	// instead of sleeping.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Interval is an extra pause between iterations.
	Interval    time.Duration       `yaml:"interval"`
	ProbeFrame  string              `yaml:"probe_frame"`
	Calibration uwbtime.Calibration `yaml:"calibration"`
}

// DefaultConfig returns the standard ranging parameters.
func DefaultConfig() Config {
	return Config{
		RxGuard:          DefaultRxGuard,
		ListenMultiplier: DefaultListenMultiplier,
		RxBufferSize:     DefaultRxBufferSize,
		TxTimeout:        DefaultTxTimeout,
		Calibration:      uwbtime.DefaultCalibration,
	}
}

// Validate checks the configuration for values the cycle cannot run with.
func (c Config) Validate() error {
	if c.RxGuard <= 0 {
		return fmt.Errorf("rx_guard must be positive, got %s", c.RxGuard)
	}
	if c.ListenMultiplier <= 0 {
		return fmt.Errorf("listen_multiplier must be positive, got %d", c.ListenMultiplier)
	}
	if c.RxBufferSize <= 0 {
		return fmt.Errorf("rx_buffer_size must be positive, got %d", c.RxBufferSize)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("tx_timeout must be positive, got %s", c.TxTimeout)
	}
	if c.PollInterval < 0 || c.Interval < 0 {
		return fmt.Errorf("poll_interval and interval cannot be negative")
	}
	if len(c.ProbeFrame)+2 > dw3000.MaxFrameLength {
		return fmt.Errorf("probe_frame too long: %d bytes", len(c.ProbeFrame))
	}
	return c.Calibration.Validate()
}

// State is a step of the ranging cycle.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingTxDone
	StateReceiving
	StateAwaitingRx
	StateMeasured
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingTxDone:
		return "awaiting_tx_done"
	case StateReceiving:
		return "receiving"
	case StateAwaitingRx:
		return "awaiting_rx"
	case StateMeasured:
		return "measured"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is how a successful iteration ended.
type Outcome int

const (
	OutcomeMeasured Outcome = iota + 1
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMeasured:
		return "measured"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Sample is one completed measurement.
type Sample struct {
	ID          uuid.UUID
	At          time.Time
	TxTime      uwbtime.Tick
	RxTime      uwbtime.Tick
	RoundTrip   uwbtime.Duration
	ClockOffset uwbtime.ClockOffset
	Distance    float64 // metres
	Payload     []byte
	Quality     dw3000.Quality
}

// Result is the output of one iteration. Sample is only set for OutcomeMeasured.
type Result struct {
	Outcome Outcome
	Sample  Sample
}

// Stats counts iterations by outcome.
type Stats struct {
	Iterations uint64 `json:"iterations"`
	Measured   uint64 `json:"measured"`
	TimedOut   uint64 `json:"timed_out"`
	Failed     uint64 `json:"failed"`
	State      string `json:"state"`
}

// Session owns the radio for the whole ranging cycle.
type Session struct {
	radio    dw3000.Transceiver
	cfg      Config
	clock    Clock
	logger   *slog.Logger
	onSample func(Sample)
	rxGuard  uwbtime.Duration
	exec     chan execRequest

	state      atomic.Int32
	iterations atomic.Uint64
	measured   atomic.Uint64
	timedOut   atomic.Uint64
	failed     atomic.Uint64
}

type execRequest struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the host clock.
func WithClock(c Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithSampleHandler registers fn to receive every measured sample.
func WithSampleHandler(fn func(Sample)) Option {
	return func(s *Session) {
		s.onSample = fn
	}
}

// NewSession creates a session on radio. It performs no I/O.
func NewSession(radio dw3000.Transceiver, cfg Config, opts ...Option) (*Session, error) {
	if radio == nil {
		return nil, fmt.Errorf("radio cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ranging config: %w", err)
	}
	guard, err := uwbtime.DurationFromNanos(uint64(cfg.RxGuard.Nanoseconds()), cfg.Calibration)
	if err != nil {
		return nil, fmt.Errorf("invalid rx guard: %w", err)
	}

	s := &Session{
		radio:   radio,
		cfg:     cfg,
		clock:   systemClock{},
		logger:  slog.Default(),
		rxGuard: guard,
		exec:    make(chan execRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State reports the current step of the cycle.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns the iteration counters.
func (s *Session) Stats() Stats {
	return Stats{
		Iterations: s.iterations.Load(),
		Measured:   s.measured.Load(),
		TimedOut:   s.timedOut.Load(),
		Failed:     s.failed.Load(),
		State:      s.State().String(),
	}
}

// Run repeats the ranging cycle until ctx is done. Failed iterations are
// logged and the cycle restarts from idle.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Ranging session started",
		"rx_guard", s.cfg.RxGuard,
		"listen_multiplier", s.cfg.ListenMultiplier,
		"interval", s.cfg.Interval)

	for {
		if err := s.serveExec(ctx); err != nil {
			return err
		}

		res, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Ranging session stopped")
			return ctx.Err()
		}

		switch {
		case err != nil:
			s.logger.Warn("Ranging iteration failed", "error", err)
		case res.Outcome == OutcomeTimedOut:
			s.logger.Debug("No reply within listen window")
		default:
			sm := res.Sample
			s.logger.Info("Distance measured",
				"id", sm.ID,
				"distance_m", sm.Distance,
				"round_trip_ticks", uint64(sm.RoundTrip),
				"clock_offset", sm.ClockOffset)
			if len(sm.Payload) > 0 {
				s.logger.Debug("Data received", "id", sm.ID, "payload", fmt.Sprintf("%x", sm.Payload))
			}
			if s.onSample != nil {
				s.onSample(sm)
			}
		}

		if s.cfg.Interval > 0 {
			if err := s.idle(ctx, s.cfg.Interval); err != nil {
				return err
			}
		}
	}
}

// Exec runs fn on the session goroutine between two iterations, so fn has
// exclusive use of the radio. It blocks until fn returned or ctx is done.
func (s *Session) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	req := execRequest{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.exec <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveExec runs all pending Exec requests without waiting for new ones.
func (s *Session) serveExec(ctx context.Context) error {
	for {
		select {
		case req := <-s.exec:
			req.done <- req.fn(req.ctx)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

// idle waits for d while still serving Exec requests.
func (s *Session) idle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case req := <-s.exec:
			req.done <- req.fn(req.ctx)
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single iteration: send a probe, open a delayed listen
// window and, if a reply arrives within the budget, estimate the distance.
// A missing reply is reported as OutcomeTimedOut, not as an error.
func (s *Session) RunOnce(ctx context.Context) (res Result, err error) {
	s.iterations.Add(1)
	defer func() {
		switch {
		case err != nil:
			s.failed.Add(1)
		case res.Outcome == OutcomeTimedOut:
			s.timedOut.Add(1)
		default:
			s.measured.Add(1)
		}
		s.setState(StateIdle)
	}()

	txTime, sendDur, err := s.transmit(ctx)
	if err != nil {
		return Result{}, err
	}

	s.setState(StateReceiving)
	now, err := s.radio.SystemTime(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read device time: %w", err)
	}
	rx, err := s.radio.ReceiveDelayed(ctx, now.Add(s.rxGuard))
	if err != nil {
		return Result{}, fmt.Errorf("failed to arm receiver: %w", err)
	}
	defer func() {
		// The radio must be idled even when ctx is already cancelled.
		if ferr := rx.Finish(context.WithoutCancel(ctx)); ferr != nil && err == nil {
			err = fmt.Errorf("failed to finish receive: %w", ferr)
			res = Result{}
		}
	}()

	s.setState(StateAwaitingRx)
	buf := make([]byte, s.cfg.RxBufferSize)
	budget := sendDur * time.Duration(s.cfg.ListenMultiplier)
	listenStart := s.clock.Now()

	var reception dw3000.Reception
	for {
		if s.clock.Now().Sub(listenStart) >= budget {
			s.setState(StateTimedOut)
			return Result{Outcome: OutcomeTimedOut}, nil
		}
		r, ok, err := rx.Poll(ctx, buf)
		if err != nil {
			return Result{}, fmt.Errorf("failed to poll receiver: %w", err)
		}
		if ok {
			reception = r
			break
		}
		if err := s.yield(ctx); err != nil {
			return Result{}, err
		}
	}

	s.setState(StateMeasured)
	offset, err := s.radio.ReadClockOffset(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read clock offset: %w", err)
	}
	distance, err := EstimateDistance(txTime, reception.RxTime, offset.Ratio(), s.cfg.Calibration)
	if err != nil {
		return Result{}, err
	}

	payload := make([]byte, reception.Len)
	copy(payload, buf[:reception.Len])

	return Result{
		Outcome: OutcomeMeasured,
		Sample: Sample{
			ID:          uuid.New(),
			At:          s.clock.Now(),
			TxTime:      txTime,
			RxTime:      reception.RxTime,
			RoundTrip:   reception.RxTime.Sub(txTime),
			ClockOffset: offset,
			Distance:    distance,
			Payload:     payload,
			Quality:     reception.Quality,
		},
	}, nil
}

// transmit sends the probe and waits for its departure timestamp. It returns
// the host time the send took, which sizes the listen budget.
func (s *Session) transmit(ctx context.Context) (txTime uwbtime.Tick, sendDur time.Duration, err error) {
	s.setState(StateSending)
	start := s.clock.Now()
	h, err := s.radio.Send(ctx, []byte(s.cfg.ProbeFrame), dw3000.SendNow)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send probe: %w", err)
	}
	defer func() {
		// The radio must be idled even when ctx is already cancelled.
		if ferr := h.Finish(context.WithoutCancel(ctx)); ferr != nil && err == nil {
			err = fmt.Errorf("failed to finish send: %w", ferr)
		}
	}()

	s.setState(StateAwaitingTxDone)
	for {
		ts, err := h.Poll(ctx)
		if err == nil {
			return ts, s.clock.Now().Sub(start), nil
		}
		if !errors.Is(err, dw3000.ErrWouldBlock) {
			return 0, 0, fmt.Errorf("failed to confirm transmission: %w", err)
		}
		if s.clock.Now().Sub(start) >= s.cfg.TxTimeout {
			return 0, 0, fmt.Errorf("%w after %s", ErrTxTimeout, s.cfg.TxTimeout)
		}
		if err := s.yield(ctx); err != nil {
			return 0, 0, err
		}
	}
}

// yield hands the processor back between two polls.
func (s *Session) yield(ctx context.Context) error {
	if s.cfg.PollInterval <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
