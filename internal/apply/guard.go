package apply

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/autorefactor/pipeline/internal/logging"
)

// ExclusivityGuard watches a repository root for writes that did not
// originate from this process's own Apply/Restore calls, the same
// Start/run/Stop fsnotify lifecycle the teacher's VCS branch watcher uses,
// re-purposed here to detect a concurrent external mutation during a backup
// window rather than to track git HEAD.
type ExclusivityGuard struct {
	watcher  *fsnotify.Watcher
	repoRoot string

	mu        sync.Mutex
	suppress  bool // true while this engine's own Apply/Restore is writing
	violation chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
}

// NewExclusivityGuard starts watching repoRoot's top-level directory. It
// returns (nil, nil) rather than an error when fsnotify setup fails, since a
// missing guard degrades to "no concurrent-write detection" rather than
// blocking the pipeline.
func NewExclusivityGuard(repoRoot string) (*ExclusivityGuard, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Str("repo", repoRoot).Msg("apply: exclusivity guard disabled, fsnotify unavailable")
		return nil, nil
	}
	if err := w.Add(repoRoot); err != nil {
		w.Close()
		logging.Warn().Err(err).Str("repo", repoRoot).Msg("apply: exclusivity guard disabled, cannot watch repo root")
		return nil, nil
	}

	return &ExclusivityGuard{
		watcher:   w,
		repoRoot:  repoRoot,
		violation: make(chan string, 8),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
func (g *ExclusivityGuard) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()
	go g.run()
}

func (g *ExclusivityGuard) run() {
	defer close(g.doneCh)
	for {
		select {
		case <-g.stopCh:
			return
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			g.mu.Lock()
			suppressed := g.suppress
			g.mu.Unlock()
			if suppressed {
				continue
			}
			select {
			case g.violation <- ev.Name:
			default:
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("apply: exclusivity guard watch error")
		}
	}
}

// Suppress marks an upcoming window of self-inflicted writes so they are not
// reported as violations; callers wrap their own Apply/Restore calls with
// Suppress(true) before and Suppress(false) after.
func (g *ExclusivityGuard) Suppress(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suppress = on
}

// Violations returns the channel of externally-originated file paths
// observed changing during an unsuppressed window.
func (g *ExclusivityGuard) Violations() <-chan string {
	return g.violation
}

// Stop shuts the guard down.
func (g *ExclusivityGuard) Stop() error {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
	if started {
		<-g.doneCh
	}
	return g.watcher.Close()
}
