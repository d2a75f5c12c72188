package library

import (
	"context"
	"io"

	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/stretchr/testify/mock"
)

type mockBookStore struct {
	mock.Mock
}

func (m *mockBookStore) InsertBook(ctx context.Context, rec *models.BookRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockBookStore) ListBooks(ctx context.Context) ([]*models.BookRecord, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]*models.BookRecord)
	return recs, args.Error(1)
}

func (m *mockBookStore) GetBook(ctx context.Context, id string) (*models.BookRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*models.BookRecord)
	return rec, args.Error(1)
}

func (m *mockBookStore) UpdateBook(ctx context.Context, rec *models.BookRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockBookStore) DeleteBook(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockBookStore) Probe(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return m.Called(ctx, key, body, size, contentType).Error(0)
}

func (m *mockObjectStore) PublicURL(key string) string {
	return "http://objects.test/pdfs/" + key
}

func (m *mockObjectStore) KeyOf(fileURL string) (string, error) {
	args := m.Called(fileURL)
	return args.String(0), args.Error(1)
}

func (m *mockObjectStore) Remove(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}
