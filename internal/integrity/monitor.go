// Package integrity watches the test environment and raises violations.
package integrity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultFocusDebounce filters out brief focus flicker.
const DefaultFocusDebounce = time.Second

// ViolationKind classifies a violation.
type ViolationKind string

const (
	ViolationFocusLoss   ViolationKind = "focus-loss"
	ViolationClipboard   ViolationKind = "clipboard"
	ViolationKeyCombo    ViolationKind = "key-combination"
	ViolationContextMenu ViolationKind = "context-menu"
)

// Violation is a detected integrity-hostile signal.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// Timer is the part of *time.Timer the debounce needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; time.AfterFunc satisfies it through a wrapper.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithFocusDebounce overrides how long focus must be lost before it counts.
// Non-positive values keep the default.
func WithFocusDebounce(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithAfterFunc replaces the debounce timer factory.
func WithAfterFunc(fn AfterFunc) MonitorOption {
	return func(m *Monitor) { m.afterFunc = fn }
}

// WithNow replaces the clock used to stamp violations.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// Monitor turns environment signals into violations. After Stop returns no
// new violation is delivered and any pending focus debounce is cancelled.
type Monitor struct {
	source    EnvironmentSignalSource
	debounce  time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	log       *slog.Logger

	mu          sync.Mutex
	running     bool
	generation  uint64
	onViolation func(Violation)
	focusTimer  Timer
}

func NewMonitor(source EnvironmentSignalSource, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:    source,
		debounce:  DefaultFocusDebounce,
		afterFunc: realAfterFunc,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the signal source.
func (m *Monitor) Start(onViolation func(Violation)) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.generation++
	m.onViolation = onViolation
	m.mu.Unlock()

	if err := m.source.Subscribe(m.handle); err != nil {
		m.mu.Lock()
		m.running = false
		m.onViolation = nil
		m.mu.Unlock()
		return fmt.Errorf("subscribe to signals: %w", err)
	}
	return nil
}

// Stop unsubscribes and cancels a pending focus debounce. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.generation++
	m.onViolation = nil
	if m.focusTimer != nil {
		m.focusTimer.Stop()
		m.focusTimer = nil
	}
	m.mu.Unlock()

	m.source.Unsubscribe()
}

func (m *Monitor) handle(sig Signal) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	var violation *Violation
	switch sig.Kind {
	case SignalFocusLost:
		if m.focusTimer == nil {
			gen := m.generation
			m.focusTimer = m.afterFunc(m.debounce, func() { m.focusExpired(gen) })
		}
	case SignalFocusGained:
		if m.focusTimer != nil {
			m.focusTimer.Stop()
			m.focusTimer = nil
		}
	case SignalCopy, SignalCut:
		violation = m.violation(ViolationClipboard, "Copying content is not allowed during the test")
	case SignalPaste:
		violation = m.violation(ViolationClipboard, "Pasting content is not allowed during the test")
	case SignalKeyDown:
		if combo, ok := disallowedCombo(sig); ok {
			violation = m.violation(ViolationKeyCombo, fmt.Sprintf("Keyboard shortcut %s is not allowed during the test", combo))
		}
	case SignalContextMenu:
		violation = m.violation(ViolationContextMenu, "The context menu is disabled during the test")
	default:
		m.log.Debug("ignoring unknown signal", slog.String("kind", string(sig.Kind)))
	}
	deliver := m.onViolation
	m.mu.Unlock()

	if violation != nil && deliver != nil {
		deliver(*violation)
	}
}

func (m *Monitor) focusExpired(gen uint64) {
	m.mu.Lock()
	if !m.running || m.generation != gen || m.focusTimer == nil {
		m.mu.Unlock()
		return
	}
	m.focusTimer = nil
	violation := m.violation(ViolationFocusLoss, "You left the test window")
	deliver := m.onViolation
	m.mu.Unlock()

	if deliver != nil {
		deliver(*violation)
	}
}

func (m *Monitor) violation(kind ViolationKind, message string) *Violation {
	return &Violation{Kind: kind, Message: message, At: m.now()}
}

var blockedShortcutKeys = map[string]struct{}{
	"c": {}, // copy
	"v": {}, // paste
	"x": {}, // cut
	"a": {}, // select all
	"f": {}, // find
	"p": {}, // print
	"s": {}, // save page
	"u": {}, // view source
}

// disallowedCombo reports whether the key event is a blocked combination and
// returns a display label for it.
func disallowedCombo(sig Signal) (string, bool) {
	key := sig.Key
	lower := strings.ToLower(key)

	if lower == "printscreen" {
		return "PrintScreen", true
	}
	if isFunctionKey(key) {
		return strings.ToUpper(key), true
	}
	if sig.Ctrl || sig.Meta {
		if _, ok := blockedShortcutKeys[lower]; ok {
			mod := "Ctrl"
			if sig.Meta {
				mod = "Cmd"
			}
			return mod + "+" + strings.ToUpper(lower), true
		}
	}
	return "", false
}

func isFunctionKey(key string) bool {
	if len(key) < 2 || len(key) > 3 || (key[0] != 'F' && key[0] != 'f') {
		return false
	}
	n := 0
	for _, r := range key[1:] {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n >= 1 && n <= 12
}
