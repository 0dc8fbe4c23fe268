//go:build darwin

package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// FileWatcher reports writes to fixup lists through kqueue
type FileWatcher struct {
	kq       int
	mu       sync.Mutex
	watchMap map[int]string
	debounce *debouncer
	closed   atomic.Bool
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue failed: %v", err)
	}

	return &FileWatcher{
		kq:       kq,
		watchMap: make(map[int]string),
		debounce: newDebouncer(debounceDelay, onChange),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	fd, err := unix.Open(absPath, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", absPath, err)
	}

	event := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_VNODE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
		Fflags: unix.NOTE_WRITE | unix.NOTE_ATTRIB,
	}

	if _, err := unix.Kevent(fw.kq, []unix.Kevent_t{event}, nil, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to add kevent for %s: %v", absPath, err)
	}

	fw.mu.Lock()
	fw.watchMap[fd] = absPath
	fw.mu.Unlock()

	return nil
}

// Watch blocks until Close is called
func (fw *FileWatcher) Watch() {
	events := make([]unix.Kevent_t, 10)
	timeout := unix.NsecToTimespec(int64(200 * time.Millisecond))

	for !fw.closed.Load() {
		n, err := unix.Kevent(fw.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if fw.closed.Load() {
				return
			}
			if VerboseMode {
				logf("Error reading kevent: %v\n", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for i := 0; i < n; i++ {
			fw.mu.Lock()
			path := fw.watchMap[int(events[i].Ident)]
			fw.mu.Unlock()

			if path != "" {
				fw.debounce.trigger(path)
			}
		}
	}
}

func (fw *FileWatcher) Close() error {
	if fw.closed.Swap(true) {
		return nil
	}
	fw.debounce.stop()

	fw.mu.Lock()
	for fd := range fw.watchMap {
		unix.Close(fd)
	}
	fw.mu.Unlock()

	return unix.Close(fw.kq)
}
