package typing

import (
	"sync"
	"time"
)

// QuietWindow is how long input may pause before typing is considered over.
const QuietWindow = time.Second

// Debouncer turns a stream of keystrokes into start/stop transitions. emit
// is called with true on the first keystroke after idle and with false once
// no keystroke arrived for the quiet window.
type Debouncer struct {
	quiet time.Duration
	emit  func(typing bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

func NewDebouncer(quiet time.Duration, emit func(typing bool)) *Debouncer {
	if quiet <= 0 {
		quiet = QuietWindow
	}
	return &Debouncer{quiet: quiet, emit: emit}
}

// Input records a keystroke.
func (d *Debouncer) Input() {
	d.mu.Lock()
	start := !d.typing
	d.typing = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.expire(gen) })
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Stop ends typing now, for example when the message is sent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	was := d.typing
	d.typing = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if was {
		d.emit(false)
	}
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	// A later keystroke or Stop superseded this timer.
	if gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(false)
}

func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}
