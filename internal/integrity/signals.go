package integrity

import (
	"errors"
	"sync"
	"time"
)

// SignalKind names an environment event observed in the test window.
type SignalKind string

const (
	SignalFocusLost   SignalKind = "focus-lost"
	SignalFocusGained SignalKind = "focus-gained"
	SignalCopy        SignalKind = "copy"
	SignalCut         SignalKind = "cut"
	SignalPaste       SignalKind = "paste"
	SignalKeyDown     SignalKind = "keydown"
	SignalContextMenu SignalKind = "contextmenu"
)

// Signal is one raw environment event. Key and modifiers are set for SignalKeyDown.
type Signal struct {
	Kind  SignalKind `json:"kind"`
	Key   string     `json:"key,omitempty"`
	Ctrl  bool       `json:"ctrl,omitempty"`
	Meta  bool       `json:"meta,omitempty"`
	Shift bool       `json:"shift,omitempty"`
	Alt   bool       `json:"alt,omitempty"`
	At    time.Time  `json:"at,omitempty"`
}

// SignalHandler receives environment signals.
type SignalHandler func(Signal)

// EnvironmentSignalSource abstracts where focus, clipboard and keyboard events come from.
type EnvironmentSignalSource interface {
	Subscribe(handler SignalHandler) error
	Unsubscribe()
}

// ErrAlreadySubscribed is returned when a Feed already has a handler.
var ErrAlreadySubscribed = errors.New("signal source already subscribed")

// Feed is an EnvironmentSignalSource fed by the caller, e.g. from a websocket
// connection. Emit delivers synchronously to the current handler.
type Feed struct {
	mu      sync.RWMutex
	handler SignalHandler
}

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Subscribe(handler SignalHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		return ErrAlreadySubscribed
	}
	f.handler = handler
	return nil
}

func (f *Feed) Unsubscribe() {
	f.mu.Lock()
	f.handler = nil
	f.mu.Unlock()
}

// Emit forwards a signal; it is dropped when nobody is subscribed.
func (f *Feed) Emit(sig Signal) {
	f.mu.RLock()
	handler := f.handler
	f.mu.RUnlock()
	if handler != nil {
		handler(sig)
	}
}
