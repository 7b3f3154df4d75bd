package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/vortexdp/hugealloc/internal/xlog"
)

// Watcher follows a configuration file and re-applies its runtime
// tunables on change. The reservation layout is immutable after startup,
// so a reload only touches LegacyMem and ShrinkThreshold; everything
// else in the new file is validated and reported to the callback for the
// embedding runtime to act on.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	mc   *MemConfig
	onC  func(*File)
	done chan struct{}
}

// Watch starts following path. onChange may be nil.
func Watch(path string, mc *MemConfig, onChange func(*File)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch held on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{w: fw, path: path, mc: mc, onC: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			xlog.Errorf("config watch: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		xlog.Errorf("config reload skipped: %v", err)
		return
	}
	w.mc.SetLegacyMem(f.LegacyMem)
	w.mc.SetShrinkThreshold(uintptr(f.ShrinkThreshold))
	xlog.Debugf("config reloaded from %s (legacy_mem=%v shrink_threshold=%d)",
		w.path, f.LegacyMem, f.ShrinkThreshold)
	if w.onC != nil {
		w.onC(f)
	}
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
