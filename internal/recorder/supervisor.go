// Package recorder keeps the capture pipeline running: it acquires the
// sources, drives one segment pass after another and cools down after
// failures.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sap-123iit/homevideorecord/internal/capture"
	"github.com/sap-123iit/homevideorecord/internal/lifecycle"
	"github.com/sap-123iit/homevideorecord/internal/logging"
	"github.com/sap-123iit/homevideorecord/internal/metrics"
	"github.com/sap-123iit/homevideorecord/internal/source"
)

// Config configures the supervisor.
type Config struct {
	Sources      []string
	Grid         capture.Grid
	FPSCap       float64
	ErrorWait    time.Duration
	MaxErrorWait time.Duration // cooldown doubles up to this; equal to ErrorWait for a fixed cooldown
	KeepWarm     bool          // keep handles open between successful segments
}

// Supervisor runs segment passes until its context is cancelled.
type Supervisor struct {
	cfg        Config
	opener     source.Opener
	sinks      capture.SinkOpener
	controller *lifecycle.Controller
	tracker    *Tracker
	log        *slog.Logger

	cooldown *backoff.ExponentialBackOff
	failures int
	wait     func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor. The tracker is registered with the controller
// so it sees every segment transition.
func New(cfg Config, opener source.Opener, sinks capture.SinkOpener, controller *lifecycle.Controller, tracker *Tracker, log *slog.Logger) (*Supervisor, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("recorder: no sources configured")
	}
	if err := cfg.Grid.Validate(len(cfg.Sources)); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if cfg.FPSCap <= 0 {
		return nil, fmt.Errorf("recorder: invalid fps cap %v", cfg.FPSCap)
	}
	if cfg.MaxErrorWait < cfg.ErrorWait {
		cfg.MaxErrorWait = cfg.ErrorWait
	}
	if tracker == nil {
		tracker = NewTracker(cfg.Sources)
	}
	if log == nil {
		log = slog.Default()
	}
	controller.OnTransition(tracker.ObserveSegment)

	cooldown := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ErrorWait,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxErrorWait,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	cooldown.Reset()

	return &Supervisor{
		cfg:        cfg,
		opener:     opener,
		sinks:      sinks,
		controller: controller,
		tracker:    tracker,
		log:        log,
		cooldown:   cooldown,
		wait:       wait,
	}, nil
}

// Tracker returns the status tracker.
func (s *Supervisor) Tracker() *Tracker {
	return s.tracker
}

// Run loops until ctx is done and then returns nil. Failures never end the
// loop; they release the sources and wait out a cooldown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("recorder started",
		"sources", len(s.cfg.Sources),
		"grid", fmt.Sprintf("%dx%d", s.cfg.Grid.Cols, s.cfg.Grid.Rows),
		"keep_warm", s.cfg.KeepWarm,
	)

	var handles []source.Handle
	defer func() {
		if handles != nil {
			s.release(handles, nil)
		}
		s.log.Info("recorder stopped")
	}()

	for ctx.Err() == nil {
		if handles == nil {
			opened, err := source.OpenAll(ctx, s.opener, s.cfg.Sources)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.sourceError(err)
				s.tracker.SourcesReleased(err)
				s.backoff(ctx, err)
				continue
			}
			handles = opened
			s.connected(handles)
		}

		if err := s.pass(ctx, handles); err != nil {
			s.release(handles, err)
			handles = nil
			if ctx.Err() != nil {
				return nil
			}
			s.backoff(ctx, err)
			continue
		}

		s.failures = 0
		s.cooldown.Reset()
		s.tracker.Recovered()
		if !s.cfg.KeepWarm {
			s.release(handles, nil)
			handles = nil
		}
	}
	return nil
}

// pass records one segment from the open handles.
func (s *Supervisor) pass(ctx context.Context, handles []source.Handle) error {
	compositor, err := capture.NewCompositor(handles, s.cfg.Grid)
	if err != nil {
		return err
	}
	writer := capture.NewWriter(compositor, s.sinks, s.log)
	fps := capture.EffectiveFPS(handles[0].FPS(), s.cfg.FPSCap)

	_, err = s.controller.Run(ctx, writer, fps)
	if err != nil {
		s.sourceError(err)
	}
	return err
}

func (s *Supervisor) connected(handles []source.Handle) {
	for _, h := range handles {
		logging.SourceLogger(s.log, h.Index(), source.Redact(h.Address())).Info("source connected", "fps", h.FPS())
		if m := metrics.Get(); m != nil {
			m.SetSourceConnected(h.Index(), true)
		}
	}
	s.tracker.SourcesConnected()
}

func (s *Supervisor) release(handles []source.Handle, cause error) {
	if err := source.CloseAll(handles); err != nil {
		s.log.Warn("error releasing sources", "error", err)
	}
	if m := metrics.Get(); m != nil {
		for _, h := range handles {
			m.SetSourceConnected(h.Index(), false)
		}
	}
	s.tracker.SourcesReleased(cause)
}

// backoff waits out the cooldown for the current failure streak.
func (s *Supervisor) backoff(ctx context.Context, cause error) {
	s.failures++
	d := s.cooldown.NextBackOff()
	s.tracker.Cooldown(s.failures, cause, time.Now().Add(d))
	s.log.Warn("recorder pass failed, cooling down",
		"error", cause,
		"consecutive_failures", s.failures,
		"retry_in", d.String(),
	)
	if err := s.wait(ctx, d); err != nil {
		s.log.Debug("cooldown interrupted", "error", err)
	}
}

func (s *Supervisor) sourceError(err error) {
	m := metrics.Get()
	if m == nil {
		return
	}
	var openErr *source.OpenError
	if errors.As(err, &openErr) {
		m.IncSourceErrors(openErr.Index, "open")
		return
	}
	var dropErr *capture.SourceDroppedError
	if errors.As(err, &dropErr) {
		m.IncSourceErrors(dropErr.Index, "read")
	}
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
