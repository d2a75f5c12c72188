package shell

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionNotFound = errors.New("viewer session not found")
	ErrTooManyViewers  = errors.New("too many open viewers")
)

// Session is one open reader for one book.
type Session struct {
	ID        string         `json:"id"`
	BookID    string         `json:"bookId"`
	CreatedAt time.Time      `json:"createdAt"`
	Viewer    *viewer.Viewer `json:"-"`
}

// ViewerOptions are the reader's presentation choices when opening a book.
type ViewerOptions struct {
	Mode viewer.Mode
	Zoom float64
}

// OpenViewer selects the book and opens it at its stored page. A document
// that fails to load still yields a session, in the error state, so the
// reader can retry.
func (s *Shell) OpenViewer(ctx context.Context, bookID string, opts ViewerOptions) (*Session, error) {
	book, err := s.Book(ctx, bookID)
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: uuid.NewString(), BookID: book.ID, CreatedAt: s.now()}
	sess.Viewer = viewer.New(s.opener, book.FileURL, viewer.Options{
		InitialPage:  book.CurrentPage,
		Mode:         opts.Mode,
		Zoom:         opts.Zoom,
		OnOpen:       s.pageCountKnown(book.ID),
		OnPageChange: s.pageChanged(book.ID),
	})

	s.mu.Lock()
	if s.sessionLimit > 0 && len(s.sessions) >= s.sessionLimit {
		s.mu.Unlock()
		sess.Viewer.Close()
		return nil, ErrTooManyViewers
	}
	s.sessions[sess.ID] = sess
	s.selected = book.ID
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"book_id": book.ID, "session_id": sess.ID}).Info("Opening viewer")
	if err := sess.Viewer.Open(ctx); err != nil {
		s.log.WithError(err).WithField("book_id", book.ID).Warn("Viewer opened in error state")
	}
	return sess, nil
}

// Viewer returns an open session.
func (s *Shell) Viewer(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// CloseViewer releases the session's document and returns to the library.
func (s *Shell) CloseViewer(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	if s.selected == sess.BookID {
		s.selected = ""
	}
	s.mu.Unlock()

	sess.Viewer.Close()
	return nil
}

// Close releases every viewer session and waits for pending progress
// writes.
func (s *Shell) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = map[string]*Session{}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Viewer.Close()
	}
	s.Flush()
}

// pageCountKnown persists the page count the first time a book is opened.
func (s *Shell) pageCountKnown(bookID string) func(int) {
	return func(total int) {
		s.mu.RLock()
		b := s.find(bookID)
		known := b != nil && b.TotalPages > 0
		s.mu.RUnlock()
		if known {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.Update(ctx, bookID, models.BookUpdate{TotalPages: &total}); err != nil {
			s.log.WithError(err).WithField("book_id", bookID).Warn("Failed to record page count")
		}
	}
}

// pageChanged moves the local copy at once and queues the remote write.
func (s *Shell) pageChanged(bookID string) func(int, int) {
	return func(current, total int) {
		s.queueProgress(bookID, s.applyProgress(bookID, current, total))
	}
}
