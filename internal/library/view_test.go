package library

import (
	"testing"

	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	fiction := &models.Book{ID: "1", Title: "The Hobbit", Author: "Tolkien", Tags: []string{"fiction"}}
	dune := &models.Book{ID: "2", Title: "Dune", Author: "Frank Herbert", Tags: []string{}}
	books := []*models.Book{fiction, dune}

	assert.Equal(t, []*models.Book{fiction}, Filter(books, "fic"))
	assert.Equal(t, []*models.Book{dune}, Filter(books, "HERB"))
	assert.Equal(t, []*models.Book{fiction}, Filter(books, "hobb"))
	assert.Equal(t, books, Filter(books, "   "))
	assert.Empty(t, Filter(books, "zzz"))
}

func TestValidatePDF(t *testing.T) {
	assert.NoError(t, ValidatePDF("book.pdf", samplePDF))
	assert.NoError(t, ValidatePDF("renamed.bin", samplePDF))

	err := ValidatePDF("notes.pdf", []byte("just some text pretending"))
	assert.True(t, errors.Is(err, ErrNotPDF))

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.True(t, errors.Is(ValidatePDF("cover.png", png), ErrNotPDF))
	assert.True(t, errors.Is(ValidatePDF("empty.pdf", nil), ErrNotPDF))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "abc.pdf", ObjectKey("abc", "My Book.PDF"))
	assert.Equal(t, "abc.pdf", ObjectKey("abc", "noext"))
}

func TestDraftMetadata(t *testing.T) {
	d := DraftMetadata("/tmp/uploads/the_left_hand.pdf")
	assert.Equal(t, "the left hand", d.Title)
	assert.Equal(t, models.DefaultAuthor, d.Author)
	assert.Empty(t, d.Tags)

	assert.Equal(t, "Untitled", DraftMetadata(".pdf").Title)
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"fiction", "sci-fi"}, ParseTags(" fiction, ,sci-fi ,"))
	assert.Equal(t, []string{}, ParseTags(""))
}
