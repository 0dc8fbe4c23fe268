//go:build windows

package main

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWatcher polls modification times of fixup lists
type FileWatcher struct {
	mu       sync.Mutex
	watchMap map[string]time.Time
	debounce *debouncer
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	return &FileWatcher{
		watchMap: make(map[string]time.Time),
		debounce: newDebouncer(debounceDelay, onChange),
		stopChan: make(chan struct{}),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var mod time.Time
	if info, err := os.Stat(absPath); err == nil {
		mod = info.ModTime()
	}
	fw.mu.Lock()
	fw.watchMap[absPath] = mod
	fw.mu.Unlock()

	return nil
}

// Watch blocks until Close is called
func (fw *FileWatcher) Watch() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.checkFiles()
		case <-fw.stopChan:
			return
		}
	}
}

func (fw *FileWatcher) checkFiles() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for path, lastMod := range fw.watchMap {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod) {
			fw.watchMap[path] = info.ModTime()
			fw.debounce.trigger(path)
		}
	}
}

func (fw *FileWatcher) Close() error {
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.debounce.stop()
	})
	return nil
}
