package library

import (
	"database/sql"
	"encoding/json"
	"math"

	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
)

// ToBook converts a stored record into the application's Book.
func ToBook(rec *models.BookRecord) (*models.Book, error) {
	tags := []string{}
	if rec.Tags.Valid && rec.Tags.String != "" {
		if err := json.Unmarshal([]byte(rec.Tags.String), &tags); err != nil {
			return nil, errors.Wrapf(err, "book %s has malformed tags", rec.ID)
		}
		if tags == nil {
			tags = []string{}
		}
	}

	book := &models.Book{
		ID:              rec.ID,
		Title:           rec.Title,
		Author:          rec.Author,
		Description:     rec.Description.String,
		Tags:            tags,
		FileURL:         rec.FileURL,
		FileSize:        rec.FileSize,
		TotalPages:      int(rec.TotalPages.Int64),
		CurrentPage:     rec.CurrentPage,
		ReadingProgress: rec.ReadingProgress,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if book.CurrentPage < 1 {
		book.CurrentPage = 1
	}
	if rec.LastRead.Valid {
		t := rec.LastRead.Time
		book.LastRead = &t
	}
	return book, nil
}

// ToRecord converts a Book into the shape stored in the books table.
func ToRecord(book *models.Book) (*models.BookRecord, error) {
	tags := book.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tags")
	}

	rec := &models.BookRecord{
		ID:              book.ID,
		Title:           book.Title,
		Author:          book.Author,
		Description:     sql.NullString{String: book.Description, Valid: book.Description != ""},
		Tags:            sql.NullString{String: string(encoded), Valid: true},
		FileSize:        book.FileSize,
		TotalPages:      sql.NullInt64{Int64: int64(book.TotalPages), Valid: book.TotalPages > 0},
		FileURL:         book.FileURL,
		CurrentPage:     book.CurrentPage,
		ReadingProgress: book.ReadingProgress,
		CreatedAt:       book.CreatedAt,
		UpdatedAt:       book.UpdatedAt,
	}
	if book.LastRead != nil {
		rec.LastRead = sql.NullTime{Time: *book.LastRead, Valid: true}
	}
	return rec, nil
}

// ComputeProgress returns current/total as a whole percentage in [0, 100].
// An unknown total yields 0.
func ComputeProgress(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := math.Round(float64(current) / float64(total) * 100)
	return math.Max(0, math.Min(100, p))
}

// ClampPage keeps page within [1, total]. With an unknown total only the
// lower bound applies.
func ClampPage(page, total int) int {
	if page < 1 {
		return 1
	}
	if total > 0 && page > total {
		return total
	}
	return page
}
