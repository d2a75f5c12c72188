package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/pdfshelf/internal/library"
	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/maneesh/pdfshelf/internal/pin"
	"github.com/maneesh/pdfshelf/internal/shell"
	"github.com/maneesh/pdfshelf/internal/storage"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/maneesh/pdfshelf/internal/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLibrary keeps books in memory.
type fakeLibrary struct {
	mu      sync.Mutex
	books   map[string]*models.Book
	online  bool
	uploads int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{books: map[string]*models.Book{}, online: true}
}

func (f *fakeLibrary) UploadBook(ctx context.Context, file library.File, meta models.BookMetadata, onProgress library.ProgressFunc) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(file.Body)
	if err != nil {
		return nil, err
	}
	f.uploads++
	id := "up" + string(rune('0'+f.uploads))
	book := &models.Book{
		ID: id, Title: meta.Title, Author: meta.Author, Tags: meta.Tags,
		FileURL: "http://objects.test/pdfs/" + id + ".pdf", FileSize: int64(len(data)),
		CurrentPage: 1, CreatedAt: time.Now(),
	}
	f.books[id] = book
	cp := *book
	if onProgress != nil {
		onProgress(models.UploadProgress{BookID: id, Progress: 100, Status: models.UploadCompleted})
	}
	return &cp, nil
}

func (f *fakeLibrary) GetBooks(ctx context.Context) []*models.Book {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Book{}
	for _, b := range f.books {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

func (f *fakeLibrary) GetBook(ctx context.Context, id string) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "book %s", id)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeLibrary) UpdateBook(ctx context.Context, id string, upd models.BookUpdate) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "book %s", id)
	}
	library.Apply(b, upd, time.Now())
	cp := *b
	return &cp, nil
}

func (f *fakeLibrary) UpdateReadingProgress(ctx context.Context, id string, currentPage, totalPages int) (*models.Book, error) {
	return f.UpdateBook(ctx, id, models.BookUpdate{CurrentPage: &currentPage, TotalPages: &totalPages})
}

func (f *fakeLibrary) DeleteBook(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.books[id]; !ok {
		return errors.Wrapf(storage.ErrNotFound, "book %s", id)
	}
	delete(f.books, id)
	return nil
}

func (f *fakeLibrary) TestConnection(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

type stubDoc struct{}

func (stubDoc) PageCount() int { return 3 }
func (stubDoc) PageSize(int) (float64, float64, error) { return 612, 792, nil }
func (stubDoc) Close() error { return nil }
func (stubDoc) RenderPage(context.Context, int, float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 20, 26)), nil
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type testServer struct {
	*httptest.Server
	lib   *fakeLibrary
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	lib := newFakeLibrary()
	lib.books["b1"] = &models.Book{ID: "b1", Title: "The Hobbit", Author: "Tolkien", Tags: []string{"fiction"}, FileURL: "http://objects.test/pdfs/b1.pdf", CurrentPage: 2}

	opener := viewer.OpenerFunc(func(ctx context.Context, url string) (viewer.Document, error) {
		return stubDoc{}, nil
	})
	thumbs, err := viewer.NewThumbnailer(opener, 0.5, 8)
	require.NoError(t, err)

	sh := shell.New(lib, opener, thumbs, 4)
	sh.Load(context.Background())
	t.Cleanup(sh.Close)

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	gate := pin.NewGate("1234", "test-secret", time.Hour)
	token, err := gate.Issue()
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(NewHandler(sh, gate, hub, 1<<20), []string{"*"}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, lib: lib, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(t *testing.T, method, path string, v interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if v != nil {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	return ts.do(t, method, path, body, "application/json")
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	fw.Write(content)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.lib.mu.Lock()
	ts.lib.online = false
	ts.lib.mu.Unlock()
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnlockAndAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/unlock", "application/json", strings.NewReader(`{"pin":"9999"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/unlock", "application/json", strings.NewReader(`{"pin":"1234"}`))
	require.NoError(t, err)
	var out struct {
		Token string `json:"token"`
	}
	decode(t, resp, &out)
	resp.Body.Close()
	assert.NotEmpty(t, out.Token)

	resp, err = http.Get(ts.URL + "/api/books")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBooks_ListGetAndFilter(t *testing.T) {
	ts := newTestServer(t)

	var books []*models.Book
	decode(t, ts.do(t, http.MethodGet, "/api/books?q=FIC", nil, ""), &books)
	require.Len(t, books, 1)
	assert.Equal(t, "b1", books[0].ID)

	resp := ts.do(t, http.MethodGet, "/api/books/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e map[string]string
	decode(t, resp, &e)
	assert.Contains(t, e["error"], "not found")

	var draft models.BookMetadata
	decode(t, ts.do(t, http.MethodGet, "/api/uploads/draft?filename=war_and_peace.pdf", nil, ""), &draft)
	assert.Equal(t, "war and peace", draft.Title)
	assert.Equal(t, models.DefaultAuthor, draft.Author)
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartUpload(t, "notes.pdf", []byte("this is not a pdf"), nil)
	resp := ts.do(t, http.MethodPost, "/api/books", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, ts.lib.uploads)

	body, ct = multipartUpload(t, "dune.pdf", samplePDF, map[string]string{
		"title": "Dune", "author": "Frank Herbert", "tags": "sci-fi, classic", "upload_id": "u1",
	})
	resp = ts.do(t, http.MethodPost, "/api/books", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var book models.Book
	decode(t, resp, &book)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, []string{"sci-fi", "classic"}, book.Tags)
	assert.Equal(t, int64(len(samplePDF)), book.FileSize)

	var books []*models.Book
	decode(t, ts.do(t, http.MethodGet, "/api/books", nil, ""), &books)
	require.Len(t, books, 2)
	assert.Equal(t, book.ID, books[0].ID)
}

func TestUpdateProgressAndDelete(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.doJSON(t, http.MethodPut, "/api/books/b1/progress", map[string]int{"currentPage": 5, "totalPages": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var book models.Book
	decode(t, resp, &book)
	assert.Equal(t, 50.0, book.ReadingProgress)

	resp = ts.doJSON(t, http.MethodPut, "/api/books/b1/progress", map[string]int{"currentPage": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	title := "The Hobbit, Annotated"
	resp = ts.doJSON(t, http.MethodPatch, "/api/books/b1", models.BookUpdate{Title: &title})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &book)
	assert.Equal(t, title, book.Title)

	resp = ts.do(t, http.MethodDelete, "/api/books/b1", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/api/books/b1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThumbnail(t *testing.T) {
	ts := newTestServer(t)

	var out map[string]string
	resp := ts.do(t, http.MethodGet, "/api/books/b1/thumbnail", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.True(t, strings.HasPrefix(out["thumbnail"], "data:image/jpeg;base64,"))
}

func TestViewerLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.doJSON(t, http.MethodPost, "/api/books/b1/viewer", map[string]string{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.doJSON(t, http.MethodPost, "/api/books/b1/viewer", map[string]string{"mode": "single"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var opened struct {
		Session shell.Session   `json:"session"`
		State   viewer.Snapshot `json:"state"`
	}
	decode(t, resp, &opened)
	sid := opened.Session.ID
	assert.Equal(t, "ready", opened.State.State)
	assert.Equal(t, 2, opened.State.CurrentPage)
	assert.Equal(t, 3, opened.State.TotalPages)

	var nav struct {
		Changed bool            `json:"changed"`
		State   viewer.Snapshot `json:"state"`
	}
	decode(t, ts.doJSON(t, http.MethodPost, "/api/viewer/"+sid+"/navigate", map[string]string{"action": "next"}), &nav)
	assert.True(t, nav.Changed)
	assert.Equal(t, 3, nav.State.CurrentPage)

	decode(t, ts.doJSON(t, http.MethodPost, "/api/viewer/"+sid+"/navigate", map[string]string{"action": "input", "input": "42"}), &nav)
	assert.False(t, nav.Changed)

	var snap viewer.Snapshot
	decode(t, ts.doJSON(t, http.MethodPost, "/api/viewer/"+sid+"/zoom", map[string]float64{"zoom": 9}), &snap)
	assert.Equal(t, viewer.MaxZoom, snap.Zoom)

	assert.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/viewer/"+sid+"/pages/3", nil, "")
		return resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Type") == "image/png"
	}, 2*time.Second, 20*time.Millisecond)

	decode(t, ts.doJSON(t, http.MethodPost, "/api/viewer/"+sid+"/mode", map[string]string{"mode": "scroll"}), &snap)
	assert.Equal(t, "scroll", snap.Mode)
	assert.Equal(t, 3, snap.ScrollTarget)

	resp = ts.do(t, http.MethodDelete, "/api/viewer/"+sid, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/viewer/"+sid, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreferences(t *testing.T) {
	ts := newTestServer(t)

	var p preferences
	decode(t, ts.doJSON(t, http.MethodPut, "/api/preferences", preferences{DarkMode: true}), &p)
	assert.True(t, p.DarkMode)

	var state shell.State
	decode(t, ts.do(t, http.MethodGet, "/api/library", nil, ""), &state)
	assert.True(t, state.DarkMode)
	assert.Equal(t, shell.StatusReady, state.Status)
	assert.Equal(t, 1, state.BookCount)
}
