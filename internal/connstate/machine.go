// Package connstate keeps the per-peer ledger of connection phase.
//
// A Machine validates transitions, reports every change, and owns a single
// side effect: entering Failed schedules a retry with exponential backoff
// (baseDelay × 2^(attempt−1)). Once the attempt cap is exceeded the machine
// reports exhaustion instead of scheduling. What a retry or an exhaustion
// means is up to the owner.
package connstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
)

var (
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrStopped           = errors.New("connection state machine stopped")
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	Failed
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var allowedTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Disconnected, Failed, Reconnecting},
	Reconnecting: {Connected, Failed, Disconnected},
	Disconnected: {Connecting, Idle},
	Failed:       {Connecting, Idle},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition describes one accepted state change.
type Transition struct {
	PeerID string
	From   State
	To     State
	Reason string
}

type Config struct {
	// Delay before the first retry. Doubles on every further attempt.
	BaseDelay time.Duration

	// Number of retries before the machine reports exhaustion.
	MaxAttempts int

	// Defaults to clock.Real()
	Clock clock.Clock

	// Called after every accepted transition, outside the machine's lock.
	OnTransition func(Transition)

	// Called when a scheduled retry comes due while the machine is still
	// in Failed. attempt starts at 1.
	OnRetry func(peerID string, attempt int)

	// Called once the machine enters Failed with its retries used up.
	OnExhausted func(peerID string, attempts int)

	Logger *slog.Logger
}

type Machine struct {
	mu sync.Mutex

	peerID  string
	config  Config
	logger  *slog.Logger
	backoff *backoff.ExponentialBackOff

	state      State
	attempt    int
	retryTimer clock.Timer
	stopped    bool
}

// New creates a machine for peerID in the Idle state.
func New(peerID string, config Config) *Machine {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     config.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRetryDelay(config.BaseDelay, config.MaxAttempts),
		MaxElapsedTime:      0,
		Clock:               config.Clock,
	}
	b.Reset()

	return &Machine{
		peerID:  peerID,
		config:  config,
		logger:  config.Logger.With("peerId", peerID),
		backoff: b,
		state:   Idle,
	}
}

func maxRetryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	return delay
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Number of consecutive failures since the last Connected.
func (m *Machine) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Transition moves the machine to `to`. An illegal transition is logged
// and rejected with ErrInvalidTransition; the state is left unchanged.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn(
			"rejected connection state transition",
			"oldState", from.String(),
			"newState", to.String(),
			"reason", reason,
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to

	exhausted := false
	switch to {
	case Connected:
		m.attempt = 0
		m.backoff.Reset()
		m.cancelRetryLocked()
	case Idle:
		m.cancelRetryLocked()
	case Failed:
		m.attempt++
		if m.attempt > m.config.MaxAttempts {
			exhausted = true
			break
		}
		delay := m.backoff.NextBackOff()
		attempt := m.attempt
		m.cancelRetryLocked()
		m.retryTimer = m.config.Clock.AfterFunc(delay, func() { m.fireRetry(attempt) })
		m.logger.Debug("retry scheduled", "attempt", attempt, "delay", delay)
	}
	attempts := m.attempt
	m.mu.Unlock()

	transition := Transition{PeerID: m.peerID, From: from, To: to, Reason: reason}
	m.logger.Info(
		"connection state transition",
		"oldState", from.String(),
		"newState", to.String(),
		"reason", reason,
	)
	if m.config.OnTransition != nil {
		m.config.OnTransition(transition)
	}
	if exhausted {
		m.logger.Warn("connection retries exhausted", "attempts", attempts-1)
		if m.config.OnExhausted != nil {
			m.config.OnExhausted(m.peerID, attempts-1)
		}
	}
	return nil
}

// Stop cancels any pending retry. Further transitions fail with ErrStopped.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cancelRetryLocked()
}

func (m *Machine) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Machine) fireRetry(attempt int) {
	m.mu.Lock()
	if m.stopped || m.state != Failed || m.attempt != attempt {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	m.logger.Info("retrying connection", "attempt", attempt)
	if m.config.OnRetry != nil {
		m.config.OnRetry(m.peerID, attempt)
	}
}
