package models

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// DefaultAuthor is stored when the uploader leaves the author blank.
const DefaultAuthor = "Unknown Author"

// Book is the application's view of one library entry
type Book struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Description     string     `json:"description,omitempty"`
	Tags            []string   `json:"tags"`
	FileURL         string     `json:"fileUrl"`
	FileSize        int64      `json:"fileSize"`
	TotalPages      int        `json:"totalPages,omitempty"`
	CurrentPage     int        `json:"currentPage"`
	ReadingProgress float64    `json:"readingProgress"`
	LastRead        *time.Time `json:"lastRead,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// BookRecord is one row of the books table
type BookRecord struct {
	ID              string
	Title           string
	Author          string
	Description     sql.NullString
	Tags            sql.NullString // JSON array
	FileSize        int64
	TotalPages      sql.NullInt64
	FileURL         string
	CurrentPage     int
	ReadingProgress float64
	LastRead        sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the columns the schema declares NOT NULL.
func (r *BookRecord) Validate() error {
	if r.ID == "" {
		return errors.New("book record has no id")
	}
	if r.Title == "" {
		return errors.New("book record has no title")
	}
	if r.FileURL == "" {
		return errors.New("book record has no file url")
	}
	if r.CurrentPage < 1 {
		return errors.Errorf("book record has invalid current page %d", r.CurrentPage)
	}
	return nil
}

// BookMetadata is what the uploader supplies before the upload starts
type BookMetadata struct {
	Title       string   `json:"title"`
	Author      string   `json:"author"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
}

// BookUpdate holds the fields of a partial update. Nil fields are left alone.
type BookUpdate struct {
	Title           *string    `json:"title,omitempty"`
	Author          *string    `json:"author,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Tags            *[]string  `json:"tags,omitempty"`
	TotalPages      *int       `json:"totalPages,omitempty"`
	CurrentPage     *int       `json:"currentPage,omitempty"`
	ReadingProgress *float64   `json:"readingProgress,omitempty"`
	LastRead        *time.Time `json:"lastRead,omitempty"`
}

// UploadStatus is the phase of an in-flight upload
type UploadStatus string

const (
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadError      UploadStatus = "error"
)

// UploadProgress is an ephemeral progress event for one upload
type UploadProgress struct {
	UploadID string       `json:"uploadId"`
	BookID   string       `json:"bookId"`
	Progress int          `json:"progress"`
	Status   UploadStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// Done reports whether no further events follow this one.
func (p UploadProgress) Done() bool {
	return p.Status == UploadCompleted || p.Status == UploadError
}
