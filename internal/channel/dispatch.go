package channel

import (
	"github.com/sweeney/iono-daq/internal/logging"
)

// HandleEdge is the interrupt callback for digital inputs. It dispatches at
// most one event per distinct logical level: an interrupt that reports the
// level already dispatched is dropped. Unknown pins and read failures are
// logged and ignored.
func (r *Registry) HandleEdge(pin int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	in, ok := r.inputByPin[pin]
	if !ok {
		r.mu.Unlock()
		logging.Warn("Interrupt on unknown pin", "pin", pin)
		return
	}
	lvl, err := r.hw.Bus.Read(pin)
	if err != nil {
		r.mu.Unlock()
		logging.Error("Interrupt read failed", "input", in.Name, "pin", pin, "error", err)
		return
	}
	if in.Reverse {
		lvl = lvl.Invert()
	}
	if lvl == in.LastEvent {
		r.mu.Unlock()
		logging.Debug("Interrupt ignored, level unchanged", "input", in.Name, "level", lvl)
		return
	}
	in.LastEvent = lvl
	ev := Event{ID: in.ID, Name: in.Name, Pin: pin, Level: lvl, Time: r.now()}
	h := r.handler
	r.mu.Unlock()

	logging.Debug("Digital input event", "input", ev.Name, "id", ev.ID, "level", ev.Level)
	dispatch(h, ev)
}

// dispatch keeps a panicking handler from taking down the bus goroutine.
func dispatch(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error("Event handler panicked", "input", ev.Name, "panic", p)
		}
	}()
	h.HandleEvent(ev)
}

// SetHandler replaces the event handler. nil restores NopHandler.
func (r *Registry) SetHandler(h EventHandler) {
	if h == nil {
		h = NopHandler
	}
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}
