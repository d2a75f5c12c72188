package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/maneesh/pdfshelf/internal/library"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// multipartMemory is how much of a multipart upload is held in memory
// before spilling to disk.
const multipartMemory = 32 << 20

func (h *Handler) listBooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.shell.Books(r.URL.Query().Get("q")))
}

func (h *Handler) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.shell.Book(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

func (h *Handler) draft(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		respondError(w, badRequest("missing 'filename' query parameter"))
		return
	}
	respondJSON(w, http.StatusOK, library.DraftMetadata(filename))
}

// uploadBook handles POST /api/books as multipart/form-data with a "file"
// part and optional title, author, description, tags and upload_id fields.
// Progress is pushed over /ws/uploads.
func (h *Handler) uploadBook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_book_request",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		span.RecordError(err)
		respondError(w, badRequest("invalid upload: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, badRequest("missing 'file' part"))
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		respondError(w, badRequest("file exceeds upload limit"))
		return
	}

	uploadID := r.FormValue("upload_id")
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	meta := models.BookMetadata{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Tags:        library.ParseTags(r.FormValue("tags")),
	}

	span.SetAttributes(
		attribute.String("upload_id", uploadID),
		attribute.String("file_name", header.Filename),
		attribute.Int64("file_size", header.Size),
	)
	h.log.WithFields(logrus.Fields{"upload_id": uploadID, "file_name": header.Filename}).Info("Receiving upload")

	book, err := h.shell.Upload(ctx, uploadID, header.Filename, file, header.Size, meta, h.hub.PublishProgress)
	if err != nil {
		span.RecordError(err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, book)
}

func (h *Handler) updateBook(w http.ResponseWriter, r *http.Request) {
	var upd models.BookUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, err)
		return
	}
	book, err := h.shell.Update(r.Context(), mux.Vars(r)["id"], upd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

type progressRequest struct {
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
}

func (h *Handler) updateProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.CurrentPage < 1 {
		respondError(w, badRequest("currentPage must be at least 1"))
		return
	}
	book, err := h.shell.UpdateProgress(r.Context(), mux.Vars(r)["id"], req.CurrentPage, req.TotalPages)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

func (h *Handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.shell.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) thumbnail(w http.ResponseWriter, r *http.Request) {
	uri, err := h.shell.Thumbnail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"thumbnail": uri})
}
