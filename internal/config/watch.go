package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ThresholdWatcher reloads the thresholds section when the config file changes
type ThresholdWatcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	onChange func(map[string]Threshold)
	done     chan struct{}
	wg       sync.WaitGroup
}

// WatchThresholds starts watching path. The parent directory is watched so
// that editors replacing the file are noticed too.
func WatchThresholds(path string, debounce time.Duration, onChange func(map[string]Threshold)) (*ThresholdWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &ThresholdWatcher{
		path:     abs,
		debounce: debounce,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Stop terminates the watcher
func (w *ThresholdWatcher) Stop() {
	close(w.done)
	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *ThresholdWatcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ Config watcher error: %v", err)

		case <-timerC:
			timerC = nil
			thresholds, err := LoadThresholds(w.path)
			if err != nil {
				log.Printf("⚠️ Keeping previous thresholds: %v", err)
				continue
			}
			log.Printf("✓ Thresholds reloaded from %s", w.path)
			w.onChange(thresholds)
		}
	}
}
