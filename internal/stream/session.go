// Package stream keeps the reconciler fed. The Session owns the one live
// event-stream connection and its reconnect/backoff lifecycle; the Poller
// covers the gaps with plain snapshot fetches whenever the stream is not
// live. Both are producers only: decoded events go to the reconciler, never
// to shared state directly.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"scansync/internal/auth"
	"scansync/internal/sse"
)

const (
	eventUserSnapshot = "user_snapshot"
	eventTaskUpdate   = "task_update"

	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultPollingAfter   = 3
)

// EventSink receives decoded stream events, in decode order.
type EventSink interface {
	ApplyStreamSnapshot(records []gjson.Result)
	ApplyUpdate(payload gjson.Result)
}

type SessionConfig struct {
	// StreamURL is the event-stream endpoint.
	StreamURL string

	Tokens auth.TokenSource

	// HTTPClient must not carry an overall timeout: the stream stays open
	// as long as bytes keep arriving. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// BackoffInitial/BackoffMax shape the reconnect delays (2s doubling to
	// a 30s cap by default).
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// PollingAfter is the retry count at which the backend is considered
	// to not support streaming and the state drops to polling. Default 3.
	PollingAfter int

	// OnStateChange observes connection-state transitions.
	OnStateChange func(ConnState)

	Logger *logrus.Logger
}

// Session drives the stream connection state machine:
// connecting → live → (retrying | polling) → connecting, with stopped
// reachable only through context cancellation. At most one connection
// attempt is in flight at any time.
type Session struct {
	cfg   SessionConfig
	sink  EventSink
	state *connStateHolder

	mu            sync.Mutex
	lastEventID   string
	retries       int
	bo            *backoff.ExponentialBackOff
	cancelAttempt context.CancelFunc

	force chan struct{}
}

func NewSession(cfg SessionConfig, sink EventSink) *Session {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.PollingAfter <= 0 {
		cfg.PollingAfter = defaultPollingAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Session{
		cfg:   cfg,
		sink:  sink,
		state: newConnStateHolder(cfg.OnStateChange),
		bo:    newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		force: make(chan struct{}, 1),
	}
}

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// State reports the current connection state.
func (s *Session) State() ConnState {
	return s.state.get()
}

// LastEventID is the resume cursor recorded from the stream.
func (s *Session) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// ForceReconnect tears down the current connection (or pending backoff
// wait) and reconnects immediately with a fresh retry budget. Called after
// local mutations that may have invalidated server-side stream state.
func (s *Session) ForceReconnect() {
	select {
	case s.force <- struct{}{}:
	default:
	}
	s.mu.Lock()
	if s.cancelAttempt != nil {
		s.cancelAttempt()
	}
	s.mu.Unlock()
}

// Run blocks, maintaining the stream until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.state.set(StateStopped)

	for ctx.Err() == nil {
		s.state.set(StateConnecting)

		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.cfg.Logger.Debugf("stream connection ended: %v", err)
		}

		if s.consumeForce() {
			s.resetRetries()
			continue
		}

		retries, delay := s.nextRetry()
		if retries >= s.cfg.PollingAfter {
			s.state.set(StatePolling)
		} else {
			s.state.set(StateRetrying)
		}
		s.cfg.Logger.WithFields(logrus.Fields{
			"retries": retries,
			"delay":   delay,
		}).Debug("stream reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.force:
			timer.Stop()
			s.resetRetries()
		case <-timer.C:
		}
	}
}

// connectOnce runs a single connection attempt: token, open, then the read
// loop until the stream ends or the attempt is cancelled.
func (s *Session) connectOnce(ctx context.Context) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	token, err := s.cfg.Tokens.Token(attemptCtx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("stream open returned status %d", resp.StatusCode)
	}

	// a confirmed open spends the retry budget back up
	s.resetRetries()

	parser := sse.NewParser()
	buf := make([]byte, 4096)
	for {
		if err := attemptCtx.Err(); err != nil {
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, frame := range parser.Feed(buf[:n]) {
				s.state.set(StateLive)
				s.handleFrame(frame)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return fmt.Errorf("stream closed by server")
			}
			return fmt.Errorf("stream read: %w", readErr)
		}
	}
}

func (s *Session) streamURL() string {
	cursor := s.LastEventID()
	if cursor == "" {
		return s.cfg.StreamURL
	}
	sep := "?"
	if strings.Contains(s.cfg.StreamURL, "?") {
		sep = "&"
	}
	return s.cfg.StreamURL + sep + "since=" + url.QueryEscape(cursor)
}

func (s *Session) handleFrame(frame sse.Frame) {
	// the cursor advances on every frame, payload or not
	if frame.ID != "" {
		s.mu.Lock()
		s.lastEventID = frame.ID
		s.mu.Unlock()
	}
	if frame.Data == "" {
		return
	}
	if !gjson.Valid(frame.Data) {
		s.cfg.Logger.WithField("event", frame.Event).Debug("dropping frame with malformed payload")
		return
	}

	payload := gjson.Parse(frame.Data)
	kind := frame.Event
	if kind == "" {
		kind = payload.Get("type").String()
	}

	switch kind {
	case eventUserSnapshot:
		s.sink.ApplyStreamSnapshot(payload.Get("tasks").Array())
	case eventTaskUpdate:
		s.sink.ApplyUpdate(payload)
	default:
		s.cfg.Logger.WithField("event", kind).Debug("ignoring unrecognized stream event")
	}
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelAttempt = cancel
	s.mu.Unlock()
}

func (s *Session) consumeForce() bool {
	select {
	case <-s.force:
		return true
	default:
		return false
	}
}

func (s *Session) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.bo.Reset()
	s.mu.Unlock()
}

func (s *Session) nextRetry() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries, s.bo.NextBackOff()
}
