// Completion: 100% - Platform-specific module complete
//go:build linux

package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileWatcher reports writes to fixup lists through inotify
type FileWatcher struct {
	fd       int
	mu       sync.Mutex
	watchMap map[int]string
	debounce *debouncer
	closed   atomic.Bool
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init failed: %v", err)
	}

	return &FileWatcher{
		fd:       fd,
		watchMap: make(map[int]string),
		debounce: newDebouncer(debounceDelay, onChange),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	wd, err := unix.InotifyAddWatch(fw.fd, absPath, unix.IN_MODIFY|unix.IN_CLOSE_WRITE)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %v", absPath, err)
	}

	fw.mu.Lock()
	fw.watchMap[wd] = absPath
	fw.mu.Unlock()

	return nil
}

// Watch blocks until Close is called
func (fw *FileWatcher) Watch() {
	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*4)

	for !fw.closed.Load() {
		n, err := unix.Read(fw.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if fw.closed.Load() {
				return
			}
			if VerboseMode {
				logf("Error reading inotify events: %v\n", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)

			if event.Mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) == 0 {
				continue
			}
			fw.mu.Lock()
			path := fw.watchMap[int(event.Wd)]
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
	return unix.Close(fw.fd)
}
