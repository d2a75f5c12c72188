package handlers

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/maneesh/pdfshelf/internal/pin"
	"github.com/maneesh/pdfshelf/internal/shell"
	"github.com/maneesh/pdfshelf/internal/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pdfshelf-handlers")

// Handler serves the browser client.
type Handler struct {
	shell          *shell.Shell
	gate           *pin.Gate
	hub            *websocket.Hub
	maxUploadBytes int64
	log            *logrus.Entry
}

func NewHandler(sh *shell.Shell, gate *pin.Gate, hub *websocket.Hub, maxUploadBytes int64) *Handler {
	return &Handler{
		shell:          sh,
		gate:           gate,
		hub:            hub,
		maxUploadBytes: maxUploadBytes,
		log:            logrus.WithField("component", "handlers"),
	}
}

// NewRouter wires every route. Everything except /health and /api/unlock
// requires a session token when the PIN gate is enabled.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	route := func(r *mux.Router, path, method string, fn http.HandlerFunc) {
		r.Handle(path, otelhttp.NewHandler(fn, method+" "+path)).Methods(method, http.MethodOptions)
	}

	route(router, "/api/unlock", http.MethodPost, h.unlock)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(pin.Middleware(h.gate))

	route(api, "/library", http.MethodGet, h.libraryState)
	route(api, "/library/retry", http.MethodPost, h.retryLibrary)
	route(api, "/preferences", http.MethodGet, h.getPreferences)
	route(api, "/preferences", http.MethodPut, h.putPreferences)

	route(api, "/books", http.MethodGet, h.listBooks)
	route(api, "/books", http.MethodPost, h.uploadBook)
	route(api, "/uploads/draft", http.MethodGet, h.draft)
	route(api, "/books/{id}", http.MethodGet, h.getBook)
	route(api, "/books/{id}", http.MethodPatch, h.updateBook)
	route(api, "/books/{id}", http.MethodDelete, h.deleteBook)
	route(api, "/books/{id}/progress", http.MethodPut, h.updateProgress)
	route(api, "/books/{id}/thumbnail", http.MethodGet, h.thumbnail)
	route(api, "/books/{id}/viewer", http.MethodPost, h.openViewer)

	route(api, "/viewer/{sid}", http.MethodGet, h.viewerState)
	route(api, "/viewer/{sid}", http.MethodDelete, h.closeViewer)
	route(api, "/viewer/{sid}/navigate", http.MethodPost, h.navigate)
	route(api, "/viewer/{sid}/mode", http.MethodPost, h.setMode)
	route(api, "/viewer/{sid}/zoom", http.MethodPost, h.setZoom)
	route(api, "/viewer/{sid}/viewport", http.MethodPost, h.setViewport)
	route(api, "/viewer/{sid}/visibility", http.MethodPost, h.observe)
	route(api, "/viewer/{sid}/scroll", http.MethodPost, h.scroll)
	route(api, "/viewer/{sid}/retry", http.MethodPost, h.retryViewer)
	route(api, "/viewer/{sid}/pages/{n:[0-9]+}", http.MethodGet, h.page)

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(pin.Middleware(h.gate))
	ws.HandleFunc("/uploads", h.hub.ServeWs).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	return c.Handler(router)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !h.shell.Ping(r.Context()) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type unlockRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	token, err := h.gate.Unlock(req.PIN)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"token": token, "locked": h.gate.Enabled()})
}

func (h *Handler) libraryState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.shell.State())
}

func (h *Handler) retryLibrary(w http.ResponseWriter, r *http.Request) {
	h.shell.Retry(r.Context())
	respondJSON(w, http.StatusOK, h.shell.State())
}

type preferences struct {
	DarkMode bool `json:"darkMode"`
}

func (h *Handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, preferences{DarkMode: h.shell.DarkMode()})
}

func (h *Handler) putPreferences(w http.ResponseWriter, r *http.Request) {
	var p preferences
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, err)
		return
	}
	h.shell.SetDarkMode(p.DarkMode)
	respondJSON(w, http.StatusOK, p)
}
