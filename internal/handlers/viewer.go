package handlers

import (
	"bytes"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/pdfshelf/internal/shell"
	"github.com/maneesh/pdfshelf/internal/viewer"
)

type openViewerRequest struct {
	Mode string  `json:"mode"`
	Zoom float64 `json:"zoom"`
}

type viewerResponse struct {
	Session *shell.Session  `json:"session"`
	State   viewer.Snapshot `json:"state"`
}

func (h *Handler) openViewer(w http.ResponseWriter, r *http.Request) {
	var req openViewerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	opts := shell.ViewerOptions{Zoom: req.Zoom}
	if req.Mode != "" {
		mode, err := viewer.ParseMode(req.Mode)
		if err != nil {
			respondError(w, badRequest(err.Error()))
			return
		}
		opts.Mode = mode
	}

	sess, err := h.shell.OpenViewer(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewerResponse{Session: sess, State: sess.Viewer.Snapshot()})
}

// session resolves {sid}, writing the error response itself on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*shell.Session, bool) {
	sess, err := h.shell.Viewer(mux.Vars(r)["sid"])
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) viewerState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

func (h *Handler) closeViewer(w http.ResponseWriter, r *http.Request) {
	if err := h.shell.CloseViewer(mux.Vars(r)["sid"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type navigateRequest struct {
	Action string  `json:"action"`
	Page   int     `json:"page"`
	Input  string  `json:"input"`
	DeltaY float64 `json:"deltaY"`
	X      float64 `json:"x"`
}

type navigateResponse struct {
	Changed bool            `json:"changed"`
	State   viewer.Snapshot `json:"state"`
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req navigateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	v := sess.Viewer
	var changed bool
	switch req.Action {
	case "next":
		changed = v.Next()
	case "prev":
		changed = v.Prev()
	case "goto":
		changed = v.GoTo(req.Page)
	case "input":
		changed = v.GoToInput(req.Input)
	case "wheel":
		changed = v.Wheel(req.DeltaY)
	case "tap":
		changed = v.Tap(req.X)
	default:
		respondError(w, badRequest("unknown action "+strconv.Quote(req.Action)))
		return
	}
	respondJSON(w, http.StatusOK, navigateResponse{Changed: changed, State: v.Snapshot()})
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	mode, err := viewer.ParseMode(req.Mode)
	if err != nil {
		respondError(w, badRequest(err.Error()))
		return
	}
	sess.Viewer.SetMode(mode)
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

func (h *Handler) setZoom(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Action string  `json:"action"`
		Zoom   float64 `json:"zoom"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	switch req.Action {
	case "in":
		sess.Viewer.ZoomIn()
	case "out":
		sess.Viewer.ZoomOut()
	case "", "set":
		sess.Viewer.SetZoom(req.Zoom)
	default:
		respondError(w, badRequest("unknown zoom action "+strconv.Quote(req.Action)))
		return
	}
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

func (h *Handler) setViewport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Width < 0 || req.Height < 0 {
		respondError(w, badRequest("viewport dimensions must not be negative"))
		return
	}
	sess.Viewer.SetViewport(req.Width, req.Height)
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

// observe takes {"fractions": {"3": 0.42, "4": 0.58}} from the client's
// intersection observer.
func (h *Handler) observe(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Fractions map[string]float64 `json:"fractions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	fractions := make(map[int]float64, len(req.Fractions))
	for k, f := range req.Fractions {
		page, err := strconv.Atoi(k)
		if err != nil {
			respondError(w, badRequest("page keys must be integers"))
			return
		}
		fractions[page] = f
	}
	sess.Viewer.Observe(fractions)
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

func (h *Handler) scroll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Offset float64 `json:"offset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	sess.Viewer.ScrollTo(req.Offset)
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

func (h *Handler) retryViewer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Viewer.Retry(r.Context()); err != nil {
		h.log.WithError(err).WithField("session_id", sess.ID).Warn("Viewer retry failed")
	}
	respondJSON(w, http.StatusOK, sess.Viewer.Snapshot())
}

// page serves a rendered page as PNG, or 202 while it is still rendering.
func (h *Handler) page(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		respondError(w, badRequest("invalid page number"))
		return
	}
	if sess.Viewer.State() != viewer.StateReady {
		respondError(w, viewer.ErrNotReady)
		return
	}

	rp, ok := sess.Viewer.Page(n)
	if !ok {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rp.Image); err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Page-Scale", strconv.FormatFloat(rp.Scale, 'f', -1, 64))
	w.Write(buf.Bytes())
}
