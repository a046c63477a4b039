package project

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"orchd/internal/logging"
)

// Priorities is the operator-maintained focus file consumed by the
// context assembler: focus-listed projects sort first, skip-listed are
// excluded, block-listed never execute, notes pass through verbatim.
type Priorities struct {
	Focus []string `yaml:"focus"`
	Skip  []string `yaml:"skip"`
	Block []string `yaml:"block"`
	Notes string   `yaml:"notes"`
}

// Has reports membership in a list.
func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func (p Priorities) IsFocus(name string) bool { return contains(p.Focus, name) }
func (p Priorities) IsSkip(name string) bool  { return contains(p.Skip, name) }
func (p Priorities) IsBlock(name string) bool { return contains(p.Block, name) }

// LoadPriorities reads the priorities file; a missing file is empty
// priorities, not an error.
func LoadPriorities(path string) (Priorities, error) {
	var p Priorities
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Priorities{}, err
	}
	return p, nil
}

// PrioritiesWatcher hot-reloads the priorities file on change so
// operator edits take effect without a restart.
type PrioritiesWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Priorities
	done    chan struct{}
}

// WatchPriorities loads the file and begins watching it. When the watch
// cannot be established the watcher still works as a static snapshot.
func WatchPriorities(path string) *PrioritiesWatcher {
	pw := &PrioritiesWatcher{path: path, done: make(chan struct{})}
	if p, err := LoadPriorities(path); err == nil {
		pw.current = p
	} else {
		logging.ScanDebug("failed to load priorities: %v", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.ScanDebug("priorities watch unavailable: %v", err)
		return pw
	}
	// Watch the directory: editors replace the file by rename.
	if err := w.Add(dirOf(path)); err != nil {
		logging.ScanDebug("priorities watch failed: %v", err)
		_ = w.Close()
		return pw
	}
	pw.watcher = w
	go pw.run()
	return pw
}

func dirOf(path string) string {
	if i := lastSlash(path); i >= 0 {
		return path[:i]
	}
	return "."
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' || s[i] == '\\' {
			return i
		}
	}
	return -1
}

func (pw *PrioritiesWatcher) run() {
	for {
		select {
		case <-pw.done:
			return
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != pw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p, err := LoadPriorities(pw.path)
			if err != nil {
				logging.ScanDebug("priorities reload failed: %v", err)
				continue
			}
			pw.mu.Lock()
			pw.current = p
			pw.mu.Unlock()
			logging.Scan("priorities reloaded (%d focus, %d skip, %d block)",
				len(p.Focus), len(p.Skip), len(p.Block))
		case _, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns the current priorities snapshot.
func (pw *PrioritiesWatcher) Get() Priorities {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.current
}

// Close stops the watch.
func (pw *PrioritiesWatcher) Close() {
	close(pw.done)
	if pw.watcher != nil {
		_ = pw.watcher.Close()
	}
}
