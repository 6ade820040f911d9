package service

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"waveforge/internal/logging"
	"waveforge/internal/types"
)

// Watcher resumes a gate-blocked masterplan when its acceptance tests are
// edited on disk. The operator fixes the failing tests or requirements; the
// next write retriggers the run without a manual resume.
type Watcher struct {
	svc          *Service
	masterplanID string
	dir          string
	debounce     time.Duration
}

// NewWatcher builds a watcher over dir. Debounce coalesces editor save
// bursts; default 2s.
func NewWatcher(svc *Service, masterplanID, dir string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{svc: svc, masterplanID: masterplanID, dir: dir, debounce: debounce}
}

// Run watches until the context dies. Blocking; callers run it in a
// goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryService)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return types.WrapError(types.KindInvalidInput, err, "create watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return types.WrapError(types.KindInvalidInput, err, "watch %s", w.dir)
	}
	log.Infow("watching tests", "dir", w.dir, "masterplan", w.masterplanID)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warnw("watch error", "err", err)
		case <-fire:
			fire = nil
			w.tryResume()
		}
	}
}

// tryResume resumes only a blocked run; paused and active runs are left to
// the operator.
func (w *Watcher) tryResume() {
	log := logging.Get(logging.CategoryService)
	run, ok, err := w.svc.st.LiveRunForMasterplan(w.masterplanID)
	if err != nil || !ok {
		return
	}
	if run.Status != types.RunBlocked {
		return
	}
	if _, err := w.svc.Resume(w.masterplanID, true); err != nil {
		log.Warnw("auto-resume failed", "masterplan", w.masterplanID, "err", err)
		return
	}
	log.Infow("auto-resumed blocked run after test change", "run", run.RunID)
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := strings.ToLower(ev.Name)
	return strings.HasSuffix(name, ".py") || strings.HasSuffix(name, ".js") ||
		strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".json")
}
