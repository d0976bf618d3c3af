package storage

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollDebounce coalesces the burst of WAL/SHM writes a single commit causes.
const pollDebounce = 50 * time.Millisecond

// fsWatcher watches the store directory and calls onChange (debounced) when
// the database or its WAL is written, by this process or another one.
type fsWatcher struct {
	w        *fsnotify.Watcher
	onChange func()
	done     chan struct{}
	once     sync.Once
}

func newFSWatcher(dir string, onChange func()) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	fw := &fsWatcher{w: w, onChange: onChange, done: make(chan struct{})}
	go fw.loop()
	return fw, nil
}

func (fw *fsWatcher) loop() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-fw.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if !isDBFile(ev.Name) || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pollDebounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			fw.onChange()
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			log.Warnf("directory watch error: %v", err)
		}
	}
}

// isDBFile matches docs.db, docs.db-wal and docs.db-shm.
func isDBFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), DBFile)
}

func (fw *fsWatcher) Close() {
	fw.once.Do(func() {
		close(fw.done)
		fw.w.Close()
	})
}
