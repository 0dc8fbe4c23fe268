package main

import (
	"sync"
	"time"
)

// debounceDelay is how long a fixup list must stay quiet before a rebuild;
// editors often write a file in several steps
const debounceDelay = 500 * time.Millisecond

// debouncer coalesces bursts of change events per path into one callback
type debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timers   map[string]*time.Timer
	onChange func(string)
}

func newDebouncer(delay time.Duration, onChange func(string)) *debouncer {
	return &debouncer{
		delay:    delay,
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

func (d *debouncer) trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.timers[path]; exists {
		timer.Stop()
	}

	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.onChange(path)
	})
}

// stop cancels pending callbacks
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
}
