package shell

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/maneesh/pdfshelf/internal/library"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/maneesh/pdfshelf/internal/storage"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Library is the subset of library.Service the shell drives.
type Library interface {
	UploadBook(ctx context.Context, file library.File, meta models.BookMetadata, onProgress library.ProgressFunc) (*models.Book, error)
	GetBooks(ctx context.Context) []*models.Book
	GetBook(ctx context.Context, id string) (*models.Book, error)
	UpdateBook(ctx context.Context, id string, upd models.BookUpdate) (*models.Book, error)
	UpdateReadingProgress(ctx context.Context, id string, currentPage, totalPages int) (*models.Book, error)
	DeleteBook(ctx context.Context, id string) error
	TestConnection(ctx context.Context) bool
}

// Status is the library's load state.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

const unreachableMessage = "unable to reach library"

var ErrBookNotFound = errors.New("book not found")

// persistTimeout bounds remote writes triggered by reading, which run
// outside any request context.
const persistTimeout = 10 * time.Second

// Shell holds application state: the in-memory collection, the selected
// book, display preferences and open viewer sessions.
type Shell struct {
	mu       sync.RWMutex
	lib      Library
	opener   viewer.Opener
	thumbs   *viewer.Thumbnailer
	log      *logrus.Entry
	now      func() time.Time
	books    []*models.Book
	selected string
	darkMode bool
	status   Status
	lastErr  string

	sessions     map[string]*Session
	sessionLimit int

	// writes counts local changes per book. A remote result is applied only
	// if no newer local change happened while it was in flight.
	writes  map[string]uint64
	writers map[string]*progressWriter
	wg      sync.WaitGroup
}

// New creates a shell. thumbs may be nil.
func New(lib Library, opener viewer.Opener, thumbs *viewer.Thumbnailer, sessionLimit int) *Shell {
	return &Shell{
		lib:          lib,
		opener:       opener,
		thumbs:       thumbs,
		log:          logrus.WithField("component", "shell"),
		now:          func() time.Time { return time.Now().UTC() },
		books:        []*models.Book{},
		status:       StatusLoading,
		sessions:     map[string]*Session{},
		sessionLimit: sessionLimit,
		writes:       map[string]uint64{},
		writers:      map[string]*progressWriter{},
	}
}

// Load probes the store and, if it answers, replaces the collection.
func (s *Shell) Load(ctx context.Context) Status {
	s.mu.Lock()
	s.status = StatusLoading
	s.lastErr = ""
	s.mu.Unlock()

	if !s.lib.TestConnection(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.status = StatusError
		s.lastErr = unreachableMessage
		s.log.Warn("Library store unreachable")
		return s.status
	}

	books := s.lib.GetBooks(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = books
	s.status = StatusReady
	s.log.WithField("count", len(books)).Info("Library loaded")
	return s.status
}

// Retry reloads after a connectivity failure.
func (s *Shell) Retry(ctx context.Context) Status {
	return s.Load(ctx)
}

// State is a snapshot of shell-level state.
type State struct {
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	BookCount  int    `json:"bookCount"`
	SelectedID string `json:"selectedId,omitempty"`
	DarkMode   bool   `json:"darkMode"`
	Viewers    int    `json:"viewers"`
}

func (s *Shell) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Status:     s.status,
		Error:      s.lastErr,
		BookCount:  len(s.books),
		SelectedID: s.selected,
		DarkMode:   s.darkMode,
		Viewers:    len(s.sessions),
	}
}

// Books returns copies of the books matching query, in collection order.
func (s *Shell) Books(query string) []*models.Book {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := library.Filter(s.books, query)
	out := make([]*models.Book, len(matched))
	for i, b := range matched {
		out[i] = cloneBook(b)
	}
	return out
}

// Book returns the book from the collection, falling back to the store.
func (s *Shell) Book(ctx context.Context, id string) (*models.Book, error) {
	if b := s.copyOf(id); b != nil {
		return b, nil
	}
	book, err := s.lib.GetBook(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrap(ErrBookNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return book, nil
}

// Upload checks that body is a PDF, then hands it to the library service
// and prepends the stored book. Non-PDF input never reaches the store.
func (s *Shell) Upload(ctx context.Context, uploadID, filename string, body io.Reader, size int64, meta models.BookMetadata, onProgress library.ProgressFunc) (*models.Book, error) {
	br := bufio.NewReaderSize(body, library.SniffLen)
	head, err := br.Peek(library.SniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "failed to read upload")
	}
	if err := library.ValidatePDF(filename, head); err != nil {
		return nil, err
	}

	if meta.Title == "" {
		meta.Title = library.DraftMetadata(filename).Title
	}
	stamp := func(p models.UploadProgress) {
		p.UploadID = uploadID
		if onProgress != nil {
			onProgress(p)
		}
	}

	book, err := s.lib.UploadBook(ctx, library.File{Name: filename, Body: br, Size: size, ContentType: "application/pdf"}, meta, stamp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.books = append([]*models.Book{book}, s.books...)
	s.mu.Unlock()
	return cloneBook(book), nil
}

// Update applies upd to the local copy immediately, then persists it. A
// remote failure is logged and the local change is kept.
func (s *Shell) Update(ctx context.Context, id string, upd models.BookUpdate) (*models.Book, error) {
	s.mu.Lock()
	local := s.find(id)
	if local != nil {
		library.Apply(local, upd, s.now())
		local.UpdatedAt = s.now()
	}
	seq := s.touch(id)
	s.mu.Unlock()

	remote, err := s.lib.UpdateBook(ctx, id, upd)
	if err != nil {
		if local == nil {
			return nil, err
		}
		s.log.WithError(err).WithField("book_id", id).Warn("Failed to persist book update")
		return s.copyOf(id), nil
	}
	s.replace(remote, seq)
	return cloneBook(remote), nil
}

// UpdateProgress records the reader's position locally and remotely.
func (s *Shell) UpdateProgress(ctx context.Context, id string, currentPage, totalPages int) (*models.Book, error) {
	u := s.applyProgress(id, currentPage, totalPages)
	return s.persistProgress(ctx, id, u)
}

type progressUpdate struct {
	current, total int
	seq            uint64
	known          bool
}

// applyProgress moves the local copy to the new position.
func (s *Shell) applyProgress(id string, currentPage, totalPages int) progressUpdate {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	local := s.find(id)
	if local != nil {
		if totalPages > 0 {
			local.TotalPages = totalPages
		}
		local.CurrentPage = library.ClampPage(currentPage, local.TotalPages)
		local.ReadingProgress = library.ComputeProgress(local.CurrentPage, local.TotalPages)
		local.LastRead = &now
		local.UpdatedAt = now
	}
	return progressUpdate{current: currentPage, total: totalPages, seq: s.touch(id), known: local != nil}
}

func (s *Shell) persistProgress(ctx context.Context, id string, u progressUpdate) (*models.Book, error) {
	remote, err := s.lib.UpdateReadingProgress(ctx, id, u.current, u.total)
	if err != nil {
		if !u.known {
			return nil, err
		}
		s.log.WithError(err).WithField("book_id", id).Warn("Failed to persist reading progress")
		return s.copyOf(id), nil
	}
	s.replace(remote, u.seq)
	return cloneBook(remote), nil
}

// Delete removes the book remotely, then from the collection. Viewers of
// the book are closed.
func (s *Shell) Delete(ctx context.Context, id string) error {
	if err := s.lib.DeleteBook(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.books[:0]
	for _, b := range s.books {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	s.books = kept
	delete(s.writes, id)
	delete(s.writers, id)
	if s.selected == id {
		s.selected = ""
	}
	var stale []*Session
	for sid, sess := range s.sessions {
		if sess.BookID == id {
			stale = append(stale, sess)
			delete(s.sessions, sid)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.Viewer.Close()
	}
	if s.thumbs != nil {
		s.thumbs.Forget(id)
	}
	return nil
}

// Select marks id as the book being read. An empty id returns to the
// library.
func (s *Shell) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
}

func (s *Shell) SetDarkMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.darkMode = on
}

func (s *Shell) DarkMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.darkMode
}

// Thumbnail returns the first-page preview for a book.
func (s *Shell) Thumbnail(ctx context.Context, id string) (string, error) {
	if s.thumbs == nil {
		return "", errors.New("thumbnails are disabled")
	}
	book, err := s.Book(ctx, id)
	if err != nil {
		return "", err
	}
	return s.thumbs.Thumbnail(ctx, book.ID, book.FileURL)
}

func (s *Shell) find(id string) *models.Book {
	for _, b := range s.books {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (s *Shell) copyOf(id string) *models.Book {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.find(id); b != nil {
		return cloneBook(b)
	}
	return nil
}

// touch records a local change to id. Caller holds mu.
func (s *Shell) touch(id string) uint64 {
	s.writes[id]++
	return s.writes[id]
}

// replace stores a remote result unless a newer local change superseded
// the write that produced it.
func (s *Shell) replace(book *models.Book, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes[book.ID] != seq {
		return
	}
	for i, b := range s.books {
		if b.ID == book.ID {
			s.books[i] = cloneBook(book)
			return
		}
	}
}

func cloneBook(b *models.Book) *models.Book {
	c := *b
	c.Tags = append([]string{}, b.Tags...)
	if b.LastRead != nil {
		t := *b.LastRead
		c.LastRead = &t
	}
	return &c
}

// Ping reports whether the library store is reachable.
func (s *Shell) Ping(ctx context.Context) bool {
	return s.lib.TestConnection(ctx)
}
