package library

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pdfshelf-library")

// BookStore persists book records.
type BookStore interface {
	InsertBook(ctx context.Context, rec *models.BookRecord) error
	ListBooks(ctx context.Context) ([]*models.BookRecord, error)
	GetBook(ctx context.Context, id string) (*models.BookRecord, error)
	UpdateBook(ctx context.Context, rec *models.BookRecord) error
	DeleteBook(ctx context.Context, id string) error
	Probe(ctx context.Context) error
}

// ObjectStore holds book binaries.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PublicURL(key string) string
	KeyOf(fileURL string) (string, error)
	Remove(ctx context.Context, key string) error
}

// RecordCache caches hydrated books by id. A nil book from GetBook is a miss.
type RecordCache interface {
	GetBook(ctx context.Context, id string) (*models.Book, error)
	SetBook(ctx context.Context, book *models.Book) error
	InvalidateBook(ctx context.Context, id string) error
}

// NoCache is the RecordCache used when Redis is disabled.
type NoCache struct{}

func (NoCache) GetBook(context.Context, string) (*models.Book, error) { return nil, nil }
func (NoCache) SetBook(context.Context, *models.Book) error          { return nil }
func (NoCache) InvalidateBook(context.Context, string) error         { return nil }

// File is the binary half of an upload.
type File struct {
	Name        string
	Body        io.Reader
	Size        int64
	ContentType string
}

// ProgressFunc receives upload progress events. It may be nil.
type ProgressFunc func(models.UploadProgress)

// Service is the only component that talks to the record and object stores.
type Service struct {
	store   BookStore
	objects ObjectStore
	cache   RecordCache
	log     *logrus.Entry

	now   func() time.Time
	newID func() string
}

// NewService creates a library service. cache may be nil.
func NewService(store BookStore, objects ObjectStore, cache RecordCache) *Service {
	if cache == nil {
		cache = NoCache{}
	}
	return &Service{
		store:   store,
		objects: objects,
		cache:   cache,
		log:     logrus.WithField("component", "library"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// UploadBook stores the binary, then inserts the metadata record that
// points at it. A failure after the binary is stored leaves it orphaned.
func (s *Service) UploadBook(ctx context.Context, file File, meta models.BookMetadata, onProgress ProgressFunc) (*models.Book, error) {
	id := s.newID()
	ctx, span := tracer.Start(ctx, "upload_book",
		trace.WithAttributes(
			attribute.String("book_id", id),
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	emit := func(progress int, status models.UploadStatus) {
		if onProgress != nil {
			onProgress(models.UploadProgress{BookID: id, Progress: progress, Status: status})
		}
	}
	fail := func(step string, err error) (*models.Book, error) {
		err = errors.Wrap(err, step)
		span.RecordError(err)
		s.log.WithError(err).WithField("book_id", id).Warn("Upload failed")
		if onProgress != nil {
			onProgress(models.UploadProgress{BookID: id, Status: models.UploadError, Error: err.Error()})
		}
		return nil, err
	}

	emit(0, models.UploadUploading)
	key := ObjectKey(id, file.Name)
	contentType := file.ContentType
	if contentType == "" {
		contentType = pdfMIME
	}

	s.log.WithFields(logrus.Fields{"book_id": id, "object_key": key}).Info("Uploading binary")
	emit(25, models.UploadUploading)
	if err := s.objects.Upload(ctx, key, file.Body, file.Size, contentType); err != nil {
		return fail("failed to upload file", err)
	}
	fileURL := s.objects.PublicURL(key)
	emit(50, models.UploadProcessing)

	draft := DraftMetadata(file.Name)
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = draft.Title
	}
	author := strings.TrimSpace(meta.Author)
	if author == "" {
		author = models.DefaultAuthor
	}
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}

	now := s.now()
	book := &models.Book{
		ID:          id,
		Title:       title,
		Author:      author,
		Description: strings.TrimSpace(meta.Description),
		Tags:        tags,
		FileURL:     fileURL,
		FileSize:    file.Size,
		CurrentPage: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := ToRecord(book)
	if err != nil {
		return fail("failed to save book details", err)
	}

	emit(75, models.UploadProcessing)
	s.log.WithField("book_id", id).Info("Saving book record")
	if err := s.store.InsertBook(ctx, rec); err != nil {
		return fail("failed to save book details", err)
	}

	emit(100, models.UploadCompleted)
	s.log.WithFields(logrus.Fields{"book_id": id, "title": title}).Info("Upload completed")
	return book, nil
}

// GetBooks returns the whole library, most recently read first. Failures
// produce an empty result; use TestConnection to tell the cases apart.
func (s *Service) GetBooks(ctx context.Context) []*models.Book {
	records, err := s.store.ListBooks(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to load books")
		return []*models.Book{}
	}

	books := make([]*models.Book, 0, len(records))
	for _, rec := range records {
		book, err := ToBook(rec)
		if err != nil {
			s.log.WithError(err).Warn("Skipping unreadable book record")
			continue
		}
		books = append(books, book)
	}
	return books
}

// GetBook looks up one book, through the cache when possible.
func (s *Service) GetBook(ctx context.Context, id string) (*models.Book, error) {
	cached, err := s.cache.GetBook(ctx, id)
	if err != nil {
		s.log.WithError(err).Warn("Cache lookup failed")
	}
	if cached != nil {
		return cached, nil
	}

	rec, err := s.store.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	book, err := ToBook(rec)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetBook(ctx, book); err != nil {
		s.log.WithError(err).Warn("Failed to update cache")
	}
	return book, nil
}

// UpdateBook merges upd into the stored book and persists it. LastRead
// defaults to now when upd does not set it.
func (s *Service) UpdateBook(ctx context.Context, id string, upd models.BookUpdate) (*models.Book, error) {
	ctx, span := tracer.Start(ctx, "update_book",
		trace.WithAttributes(attribute.String("book_id", id)),
	)
	defer span.End()

	rec, err := s.store.GetBook(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	book, err := ToBook(rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.now()
	Apply(book, upd, now)
	book.UpdatedAt = now

	rec, err = ToRecord(book)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateBook(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to update book")
	}
	s.invalidate(ctx, id)
	return book, nil
}

// Apply merges upd into book the same way UpdateBook does, without
// persisting anything. Progress is always derived from the page fields.
func Apply(book *models.Book, upd models.BookUpdate, now time.Time) {
	if upd.Title != nil && strings.TrimSpace(*upd.Title) != "" {
		book.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Author != nil {
		book.Author = strings.TrimSpace(*upd.Author)
		if book.Author == "" {
			book.Author = models.DefaultAuthor
		}
	}
	if upd.Description != nil {
		book.Description = *upd.Description
	}
	if upd.Tags != nil {
		book.Tags = append([]string{}, (*upd.Tags)...)
	}
	if upd.TotalPages != nil && *upd.TotalPages > 0 {
		book.TotalPages = *upd.TotalPages
	}
	if upd.CurrentPage != nil {
		book.CurrentPage = *upd.CurrentPage
	}
	book.CurrentPage = ClampPage(book.CurrentPage, book.TotalPages)

	switch {
	case book.TotalPages > 0:
		book.ReadingProgress = ComputeProgress(book.CurrentPage, book.TotalPages)
	case upd.ReadingProgress != nil:
		book.ReadingProgress = *upd.ReadingProgress
	}

	lastRead := now
	if upd.LastRead != nil {
		lastRead = *upd.LastRead
	}
	book.LastRead = &lastRead
}

// UpdateReadingProgress records the reader's position.
func (s *Service) UpdateReadingProgress(ctx context.Context, id string, currentPage, totalPages int) (*models.Book, error) {
	page := ClampPage(currentPage, totalPages)
	progress := ComputeProgress(page, totalPages)
	upd := models.BookUpdate{
		CurrentPage:     &page,
		ReadingProgress: &progress,
	}
	if totalPages > 0 {
		upd.TotalPages = &totalPages
	}
	return s.UpdateBook(ctx, id, upd)
}

// DeleteBook removes the record, then tries to remove the binary. Only the
// record removal decides success.
func (s *Service) DeleteBook(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "delete_book",
		trace.WithAttributes(attribute.String("book_id", id)),
	)
	defer span.End()

	rec, err := s.store.GetBook(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.store.DeleteBook(ctx, id); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to delete book")
	}
	s.invalidate(ctx, id)

	key, err := s.objects.KeyOf(rec.FileURL)
	if err != nil {
		s.log.WithError(err).WithField("book_id", id).Warn("Cannot locate stored file; leaving it in place")
		return nil
	}
	if err := s.objects.Remove(ctx, key); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"book_id": id, "object_key": key}).Warn("Failed to remove stored file")
	}
	return nil
}

// TestConnection reports whether the record store answers.
func (s *Service) TestConnection(ctx context.Context) bool {
	if err := s.store.Probe(ctx); err != nil {
		s.log.WithError(err).Warn("Connection test failed")
		return false
	}
	return true
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.InvalidateBook(ctx, id); err != nil {
		s.log.WithError(err).Warn("Failed to invalidate cache")
	}
}
