package storage

import (
	"context"
	"database/sql"

	"github.com/maneesh/pdfshelf/internal/db"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pdfshelf-storage")

// ErrNotFound is returned when no book record has the requested id.
var ErrNotFound = errors.New("book not found")

const bookColumns = `id, title, author, description, tags, file_size, total_pages, file_url,
	current_page, reading_progress, last_read, created_at, updated_at`

// BookStore wraps the books table with tracing
type BookStore struct {
	db     *sql.DB
	driver string
}

// NewBookStore wraps an open connection. driver selects the placeholder style.
func NewBookStore(conn *sql.DB, driver string) *BookStore {
	return &BookStore{db: conn, driver: driver}
}

// Close closes the database connection
func (bs *BookStore) Close() error {
	return bs.db.Close()
}

func (bs *BookStore) q(query string) string {
	return db.Rebind(bs.driver, query)
}

// InsertBook inserts a new book record with tracing
func (bs *BookStore) InsertBook(ctx context.Context, rec *models.BookRecord) error {
	ctx, span := tracer.Start(ctx, "sql.insert_book",
		trace.WithAttributes(
			attribute.String("book_id", rec.ID),
			attribute.String("title", rec.Title),
			attribute.Int64("file_size", rec.FileSize),
		),
	)
	defer span.End()

	if err := rec.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	query := `INSERT INTO books (` + bookColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := bs.db.ExecContext(ctx, bs.q(query),
		rec.ID, rec.Title, rec.Author, rec.Description, rec.Tags, rec.FileSize, rec.TotalPages,
		rec.FileURL, rec.CurrentPage, rec.ReadingProgress, rec.LastRead, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to insert book")
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// ListBooks returns every record, most recently read first. Books never
// opened sort after all read ones, newest upload first.
func (bs *BookStore) ListBooks(ctx context.Context) ([]*models.BookRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.list_books")
	defer span.End()

	query := `SELECT ` + bookColumns + `
			  FROM books
			  ORDER BY CASE WHEN last_read IS NULL THEN 1 ELSE 0 END, last_read DESC, created_at DESC`

	rows, err := bs.db.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to query books")
	}
	defer rows.Close()

	var records []*models.BookRecord
	for rows.Next() {
		rec, err := scanBook(rows)
		if err != nil {
			span.RecordError(err)
			return nil, errors.Wrap(err, "failed to scan book")
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "error iterating books")
	}

	span.SetAttributes(attribute.Int("book_count", len(records)))
	return records, nil
}

// GetBook retrieves one record by id with tracing
func (bs *BookStore) GetBook(ctx context.Context, id string) (*models.BookRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.get_book",
		trace.WithAttributes(
			attribute.String("book_id", id),
		),
	)
	defer span.End()

	query := `SELECT ` + bookColumns + ` FROM books WHERE id = ?`

	rec, err := scanBook(bs.db.QueryRowContext(ctx, bs.q(query), id))
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, errors.Wrapf(ErrNotFound, "book %s", id)
	} else if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to query book")
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// UpdateBook writes every mutable column of rec
func (bs *BookStore) UpdateBook(ctx context.Context, rec *models.BookRecord) error {
	ctx, span := tracer.Start(ctx, "sql.update_book",
		trace.WithAttributes(
			attribute.String("book_id", rec.ID),
			attribute.Int("current_page", rec.CurrentPage),
		),
	)
	defer span.End()

	if err := rec.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	query := `UPDATE books
			  SET title = ?, author = ?, description = ?, tags = ?, total_pages = ?,
			      current_page = ?, reading_progress = ?, last_read = ?, updated_at = ?
			  WHERE id = ?`

	res, err := bs.db.ExecContext(ctx, bs.q(query),
		rec.Title, rec.Author, rec.Description, rec.Tags, rec.TotalPages,
		rec.CurrentPage, rec.ReadingProgress, rec.LastRead, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to update book")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "book %s", rec.ID)
	}

	span.SetAttributes(attribute.Bool("update_success", true))
	return nil
}

// DeleteBook removes one record
func (bs *BookStore) DeleteBook(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sql.delete_book",
		trace.WithAttributes(
			attribute.String("book_id", id),
		),
	)
	defer span.End()

	res, err := bs.db.ExecContext(ctx, bs.q(`DELETE FROM books WHERE id = ?`), id)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to delete book")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "book %s", id)
	}

	span.SetAttributes(attribute.Bool("delete_success", true))
	return nil
}

// Probe checks the books table answers a trivial query
func (bs *BookStore) Probe(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sql.probe")
	defer span.End()

	var id string
	err := bs.db.QueryRowContext(ctx, `SELECT id FROM books LIMIT 1`).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		span.RecordError(err)
		return errors.Wrap(err, "library store unreachable")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*models.BookRecord, error) {
	var rec models.BookRecord
	err := row.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Author,
		&rec.Description,
		&rec.Tags,
		&rec.FileSize,
		&rec.TotalPages,
		&rec.FileURL,
		&rec.CurrentPage,
		&rec.ReadingProgress,
		&rec.LastRead,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
