package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/document"
)

// watchDebounce batches a burst of file events into a single reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the store whenever documents in its directory change,
// until the context is cancelled. External writers race with this
// process; the reload after their last write wins, which is the
// documented single-directory contract.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("graph: create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("graph: watch %s: %w", s.dir, err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !relevantEvent(ev) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					fire = timer.C
				} else {
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("document watcher error")
			case <-fire:
				timer = nil
				fire = nil
				if n, err := s.Load(); err != nil {
					s.log.WithError(err).Warn("reload after change failed")
				} else {
					s.log.WithFields(logrus.Fields{"documents": n}).Debug("reloaded after change")
				}
			}
		}
	}()
	return nil
}

func relevantEvent(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, document.Extension) {
		return false
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
}
