package shell

import (
	"context"
	"sync"
)

// progressWriter persists one book's reading position. Writes run one at a
// time in page-change order; positions that arrive while a write is in
// flight collapse into the newest one.
type progressWriter struct {
	mu      sync.Mutex
	pending *progressUpdate
	running bool
}

func (s *Shell) queueProgress(bookID string, u progressUpdate) {
	s.mu.Lock()
	w, ok := s.writers[bookID]
	if !ok {
		w = &progressWriter{}
		s.writers[bookID] = w
	}
	s.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = &u
	if w.running {
		return
	}
	w.running = true
	s.wg.Add(1)
	go s.drainProgress(bookID, w)
}

func (s *Shell) drainProgress(bookID string, w *progressWriter) {
	defer s.wg.Done()
	for {
		w.mu.Lock()
		u := w.pending
		w.pending = nil
		if u == nil {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if _, err := s.persistProgress(ctx, bookID, *u); err != nil {
			s.log.WithError(err).WithField("book_id", bookID).Warn("Failed to record reading progress")
		}
		cancel()
	}
}

// Flush blocks until queued reading-progress writes have finished.
func (s *Shell) Flush() {
	s.wg.Wait()
}
