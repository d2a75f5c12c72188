package library

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
)

// ErrNotPDF is returned for files whose content is not a PDF document.
var ErrNotPDF = errors.New("only PDF files can be added to the library")

const pdfMIME = "application/pdf"

// SniffLen is how many leading bytes ValidatePDF needs to see.
const SniffLen = 3072

// ValidatePDF checks the leading bytes of an upload look like a PDF.
func ValidatePDF(filename string, head []byte) error {
	if len(head) == 0 {
		return errors.Wrapf(ErrNotPDF, "%s is empty", filename)
	}
	if mt := mimetype.Detect(head); !mt.Is(pdfMIME) {
		return errors.Wrapf(ErrNotPDF, "%s is %s", filename, mt.String())
	}
	return nil
}

// ObjectKey names the stored binary for a book: "{id}{.ext}".
func ObjectKey(id, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}
	return id + ext
}

// DraftMetadata pre-fills the metadata form shown before an upload starts.
func DraftMetadata(filename string) models.BookMetadata {
	base := filepath.Base(filename)
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	title = strings.NewReplacer("_", " ").Replace(title)
	if title == "" || title == "." {
		title = "Untitled"
	}
	return models.BookMetadata{
		Title:  title,
		Author: models.DefaultAuthor,
		Tags:   []string{},
	}
}

// ParseTags splits a comma-separated tag list, dropping blanks and
// keeping the order given.
func ParseTags(s string) []string {
	tags := []string{}
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Filter returns the books whose title, author or any tag contains query,
// ignoring case. An empty query matches everything.
func Filter(books []*models.Book, query string) []*models.Book {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return books
	}
	out := make([]*models.Book, 0, len(books))
	for _, b := range books {
		if matches(b, q) {
			out = append(out, b)
		}
	}
	return out
}

func matches(b *models.Book, q string) bool {
	if strings.Contains(strings.ToLower(b.Title), q) || strings.Contains(strings.ToLower(b.Author), q) {
		return true
	}
	for _, tag := range b.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}
