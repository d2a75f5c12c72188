package library

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/pdfshelf/internal/db"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/maneesh/pdfshelf/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failRemove bool
	uploads    int
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if _, ok := m.objects[key]; ok {
		return storage.ErrObjectExists
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memObjects) PublicURL(key string) string { return "http://objects.test/pdfs/" + key }

func (m *memObjects) KeyOf(fileURL string) (string, error) {
	return storage.KeyFromURL("http://objects.test/pdfs", fileURL)
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemove {
		return errors.New("storage unavailable")
	}
	delete(m.objects, key)
	return nil
}

func setupService(t *testing.T) (*Service, *memObjects) {
	t.Helper()
	conn, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn, "sqlite3"))

	objects := newMemObjects()
	return NewService(storage.NewBookStore(conn, "sqlite3"), objects, nil), objects
}

func uploadSample(t *testing.T, s *Service, title string) *models.Book {
	t.Helper()
	book, err := s.UploadBook(context.Background(), File{
		Name: title + ".pdf",
		Body: bytes.NewReader(samplePDF),
		Size: int64(len(samplePDF)),
	}, models.BookMetadata{Title: title, Tags: []string{"fiction"}}, nil)
	require.NoError(t, err)
	return book
}

func TestUploadBook_Success(t *testing.T) {
	s, objects := setupService(t)
	ctx := context.Background()

	var events []models.UploadProgress
	book, err := s.UploadBook(ctx, File{
		Name: "Dune.PDF",
		Body: bytes.NewReader(samplePDF),
		Size: int64(len(samplePDF)),
	}, models.BookMetadata{Title: "  Dune ", Tags: []string{"sci-fi"}}, func(p models.UploadProgress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	assert.NotEmpty(t, book.FileURL)
	assert.Equal(t, "http://objects.test/pdfs/"+book.ID+".pdf", book.FileURL)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, models.DefaultAuthor, book.Author)
	assert.Equal(t, 1, book.CurrentPage)
	assert.Zero(t, book.ReadingProgress)
	assert.Nil(t, book.LastRead)
	assert.Contains(t, objects.objects, book.ID+".pdf")

	var percents []int
	for _, e := range events {
		percents = append(percents, e.Progress)
		assert.Equal(t, book.ID, e.BookID)
	}
	assert.Equal(t, []int{0, 25, 50, 75, 100}, percents)
	assert.Equal(t, models.UploadCompleted, events[len(events)-1].Status)

	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentPage)
	assert.Zero(t, stored.ReadingProgress)
	assert.Equal(t, []string{"sci-fi"}, stored.Tags)
}

func TestUploadBook_BinaryFailure(t *testing.T) {
	store := new(mockBookStore)
	objects := new(mockObjectStore)
	objects.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, "application/pdf").
		Return(errors.New("bucket gone"))
	s := NewService(store, objects, nil)

	var last models.UploadProgress
	_, err := s.UploadBook(context.Background(), File{Name: "a.pdf", Body: bytes.NewReader(samplePDF)}, models.BookMetadata{Title: "A"},
		func(p models.UploadProgress) { last = p })

	require.Error(t, err)
	assert.Equal(t, models.UploadError, last.Status)
	assert.Contains(t, last.Error, "bucket gone")
	store.AssertNotCalled(t, "InsertBook", mock.Anything, mock.Anything)
}

func TestUploadBook_InsertFailureOrphansBinary(t *testing.T) {
	store := new(mockBookStore)
	objects := new(mockObjectStore)
	objects.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("InsertBook", mock.Anything, mock.Anything).Return(errors.New("insert refused"))
	s := NewService(store, objects, nil)

	var statuses []models.UploadStatus
	_, err := s.UploadBook(context.Background(), File{Name: "a.pdf", Body: bytes.NewReader(samplePDF)}, models.BookMetadata{Title: "A"},
		func(p models.UploadProgress) { statuses = append(statuses, p.Status) })

	require.ErrorContains(t, err, "insert refused")
	assert.Equal(t, models.UploadError, statuses[len(statuses)-1])
	objects.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestGetBooks_Ordering(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	clock := base
	s.now = func() time.Time { return clock }

	unread := uploadSample(t, s, "Unread")
	clock = base.Add(time.Hour)
	first := uploadSample(t, s, "First")
	clock = base.Add(2 * time.Hour)
	second := uploadSample(t, s, "Second")
	clock = base.Add(3 * time.Hour)
	unreadNewer := uploadSample(t, s, "UnreadNewer")

	t1 := base.Add(10 * time.Hour)
	t2 := base.Add(20 * time.Hour)
	_, err := s.UpdateBook(ctx, first.ID, models.BookUpdate{LastRead: &t1})
	require.NoError(t, err)
	_, err = s.UpdateBook(ctx, second.ID, models.BookUpdate{LastRead: &t2})
	require.NoError(t, err)

	var ids []string
	for _, b := range s.GetBooks(ctx) {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{second.ID, first.ID, unreadNewer.ID, unread.ID}, ids)
}

func TestGetBooks_FailureIsEmpty(t *testing.T) {
	store := new(mockBookStore)
	store.On("ListBooks", mock.Anything).Return(nil, errors.New("down"))
	s := NewService(store, new(mockObjectStore), nil)

	books := s.GetBooks(context.Background())
	assert.NotNil(t, books)
	assert.Empty(t, books)
}

func TestUpdateBook_DefaultsLastReadAndMerges(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()
	book := uploadSample(t, s, "Merge")

	now := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	author := "Frank Herbert"
	updated, err := s.UpdateBook(ctx, book.ID, models.BookUpdate{Author: &author})
	require.NoError(t, err)
	assert.Equal(t, "Merge", updated.Title)
	assert.Equal(t, author, updated.Author)
	require.NotNil(t, updated.LastRead)
	assert.True(t, now.Equal(*updated.LastRead))
}

func TestUpdateBook_MissingBook(t *testing.T) {
	s, _ := setupService(t)
	_, err := s.UpdateBook(context.Background(), "missing", models.BookUpdate{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestUpdateReadingProgress(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()
	book := uploadSample(t, s, "Progress")

	updated, err := s.UpdateReadingProgress(ctx, book.ID, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.CurrentPage)
	assert.Equal(t, 10, updated.TotalPages)
	assert.InDelta(t, 50.0, updated.ReadingProgress, 1e-9)

	// out of range pages are clamped
	updated, err = s.UpdateReadingProgress(ctx, book.ID, 42, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, updated.CurrentPage)
	assert.InDelta(t, 100.0, updated.ReadingProgress, 1e-9)

	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.CurrentPage)
	assert.NotNil(t, stored.LastRead)
}

func TestDeleteBook_RemovesRecordWhenBinaryRemovalFails(t *testing.T) {
	s, objects := setupService(t)
	ctx := context.Background()
	keep := uploadSample(t, s, "Keep")
	gone := uploadSample(t, s, "Gone")

	objects.failRemove = true
	require.NoError(t, s.DeleteBook(ctx, gone.ID))

	for _, b := range s.GetBooks(ctx) {
		assert.NotEqual(t, gone.ID, b.ID)
	}
	assert.Len(t, s.GetBooks(ctx), 1)
	assert.Contains(t, objects.objects, gone.ID+".pdf", "binary stays behind when removal fails")

	objects.failRemove = false
	require.NoError(t, s.DeleteBook(ctx, keep.ID))
	assert.NotContains(t, objects.objects, keep.ID+".pdf")
}

func TestDeleteBook_RecordFailureIsRaised(t *testing.T) {
	store := new(mockBookStore)
	objects := new(mockObjectStore)
	store.On("GetBook", mock.Anything, "b1").Return(&models.BookRecord{ID: "b1", FileURL: "http://objects.test/pdfs/b1.pdf"}, nil)
	store.On("DeleteBook", mock.Anything, "b1").Return(errors.New("locked"))
	s := NewService(store, objects, nil)

	assert.ErrorContains(t, s.DeleteBook(context.Background(), "b1"), "locked")
	objects.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestTestConnection(t *testing.T) {
	store := new(mockBookStore)
	store.On("Probe", mock.Anything).Return(nil).Once()
	store.On("Probe", mock.Anything).Return(errors.New("no route")).Once()
	s := NewService(store, new(mockObjectStore), nil)

	assert.True(t, s.TestConnection(context.Background()))
	assert.False(t, s.TestConnection(context.Background()))
}

type recordingCache struct {
	NoCache
	books       map[string]*models.Book
	invalidated []string
}

func (c *recordingCache) GetBook(_ context.Context, id string) (*models.Book, error) {
	return c.books[id], nil
}

func (c *recordingCache) SetBook(_ context.Context, b *models.Book) error {
	c.books[b.ID] = b
	return nil
}

func (c *recordingCache) InvalidateBook(_ context.Context, id string) error {
	delete(c.books, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func TestGetBook_CacheAside(t *testing.T) {
	store := new(mockBookStore)
	rec := &models.BookRecord{
		ID: "b1", Title: "Cached", Author: "A", FileURL: "http://objects.test/pdfs/b1.pdf", CurrentPage: 1,
		Tags: sql.NullString{String: `["x"]`, Valid: true},
	}
	store.On("GetBook", mock.Anything, "b1").Return(rec, nil).Once()
	cache := &recordingCache{books: map[string]*models.Book{}}
	s := NewService(store, new(mockObjectStore), cache)

	first, err := s.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	second, err := s.GetBook(context.Background(), "b1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	store.AssertNumberOfCalls(t, "GetBook", 1)
}
