package viewer

import (
	"context"
	"image"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pdfshelf-viewer")

const (
	MinZoom  = 0.5
	MaxZoom  = 3.0
	ZoomStep = 0.25

	// VisibilityThreshold is the visible fraction a page needs before scroll
	// mode treats it as the current page.
	VisibilityThreshold = 0.10
)

// DefaultPageSize is used when a page's size cannot be read (US Letter).
var DefaultPageSize = Size{Width: 612, Height: 792}

var (
	ErrClosed   = errors.New("viewer is closed")
	ErrNotReady = errors.New("document is not ready")
	ErrNoPages  = errors.New("document has no pages")
)

// State is the lifecycle state of an open document.
type State int

const (
	StateLoading State = iota
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Mode selects how pages are presented.
type Mode int

const (
	ModeSingle Mode = iota
	ModeScroll
)

func (m Mode) String() string {
	if m == ModeScroll {
		return "scroll"
	}
	return "single"
}

// ParseMode accepts "single" or "scroll".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return ModeSingle, nil
	case "scroll":
		return ModeScroll, nil
	}
	return ModeSingle, errors.Errorf("unknown view mode %q", s)
}

// Options configures a Viewer. Callbacks run outside the viewer's lock and
// may call back into it.
type Options struct {
	InitialPage int
	Mode        Mode
	Zoom        float64

	// OnPageChange fires after a page render in single mode, and whenever
	// scroll mode infers a new current page.
	OnPageChange func(currentPage, totalPages int)
	// OnOpen fires once the page count is known.
	OnOpen  func(totalPages int)
	OnError func(err error)
	OnClose func()
}

// RenderedPage is one rasterised page.
type RenderedPage struct {
	Number int
	Scale  float64
	Image  image.Image
}

// Viewer renders one book for reading and tracks where the reader is.
type Viewer struct {
	mu     sync.Mutex
	opener Opener
	url    string
	opts   Options
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state State
	err   error
	doc   Document
	sizes []Size
	total int

	current int
	mode    Mode
	zoom    float64
	vw, vh  float64

	// epoch changes whenever cached rasters become invalid (open, close,
	// mode switch, zoom or viewport change).
	epoch     uint64
	renderSeq uint64
	pages     map[int]*RenderedPage
	inflight  map[int]bool
	failed    map[int]bool
	visible   map[int]float64

	scrollTarget int
	announce     int
}

// New creates a viewer for the document at url. Call Open to load it.
func New(opener Opener, url string, opts Options) *Viewer {
	ctx, cancel := context.WithCancel(context.Background())
	zoom := opts.Zoom
	if zoom == 0 {
		zoom = 1
	}
	return &Viewer{
		opener:   opener,
		url:      url,
		opts:     opts,
		log:      logrus.WithField("component", "viewer"),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateLoading,
		mode:     opts.Mode,
		zoom:     clampZoom(zoom),
		pages:    map[int]*RenderedPage{},
		inflight: map[int]bool{},
		failed:   map[int]bool{},
		visible:  map[int]float64{},
	}
}

// Open fetches and decodes the document. On failure the viewer enters
// StateError and Retry may be called.
func (v *Viewer) Open(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "viewer.open", trace.WithAttributes(attribute.String("url", v.url)))
	defer span.End()

	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.state = StateLoading
	v.err = nil
	v.epoch++
	epoch := v.epoch
	v.mu.Unlock()

	doc, err := v.opener.Open(ctx, v.url)

	var sizes []Size
	total := 0
	if err == nil {
		total = doc.PageCount()
		if total <= 0 {
			doc.Close()
			err = ErrNoPages
		} else {
			sizes = readSizes(doc, total)
		}
	}

	v.mu.Lock()
	if v.state == StateClosed || v.epoch != epoch {
		v.mu.Unlock()
		if doc != nil && err == nil {
			doc.Close()
		}
		return ErrClosed
	}
	if err != nil {
		v.state = StateError
		v.err = errors.Wrap(err, "failed to load document")
		loadErr, onError := v.err, v.opts.OnError
		v.mu.Unlock()
		span.RecordError(err)
		v.log.WithError(err).WithField("url", v.url).Warn("Document failed to load")
		if onError != nil {
			onError(loadErr)
		}
		return loadErr
	}

	v.doc = v.swapDoc(doc)
	v.sizes = sizes
	v.total = total
	v.current = clampPage(v.opts.InitialPage, total)
	v.state = StateReady
	v.resetPages()

	var notify []func()
	if v.opts.OnOpen != nil {
		onOpen := v.opts.OnOpen
		notify = append(notify, func() { onOpen(total) })
	}
	if v.mode == ModeScroll {
		v.enterScroll()
	} else {
		v.renderSingle()
	}
	v.mu.Unlock()

	span.SetAttributes(attribute.Int("page_count", total))
	run(notify)
	return nil
}

// swapDoc closes any previously held document. Caller holds mu.
func (v *Viewer) swapDoc(doc Document) Document {
	if v.doc != nil && v.doc != doc {
		v.doc.Close()
	}
	return doc
}

// Retry reopens a document that failed to load.
func (v *Viewer) Retry(ctx context.Context) error {
	v.mu.Lock()
	state := v.state
	v.mu.Unlock()
	if state != StateError {
		return errors.Errorf("cannot retry a %s document", state)
	}
	return v.Open(ctx)
}

// Close releases the document once in-flight renders have returned. Their
// results are dropped. Close must not be called from a viewer callback.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	v.state = StateClosed
	v.epoch++
	v.renderSeq++
	v.cancel()
	doc := v.doc
	v.doc = nil
	v.resetPages()
	onClose := v.opts.OnClose
	v.mu.Unlock()

	// Renderers may ignore cancellation, so the handle stays open until
	// every render goroutine is done with it.
	v.wg.Wait()
	if doc != nil {
		if err := doc.Close(); err != nil {
			v.log.WithError(err).Warn("Failed to close document")
		}
	}

	if onClose != nil {
		onClose()
	}
}

// Wait blocks until in-flight renders have finished.
func (v *Viewer) Wait() {
	v.wg.Wait()
}

// Next moves forward one page. It reports whether the page changed.
func (v *Viewer) Next() bool {
	v.mu.Lock()
	page := v.current + 1
	v.mu.Unlock()
	return v.GoTo(page)
}

// Prev moves back one page.
func (v *Viewer) Prev() bool {
	v.mu.Lock()
	page := v.current - 1
	v.mu.Unlock()
	return v.GoTo(page)
}

// GoTo jumps to page (1-based). Out-of-range pages are ignored.
func (v *Viewer) GoTo(page int) bool {
	v.mu.Lock()
	if v.state != StateReady || page < 1 || page > v.total || page == v.current {
		v.mu.Unlock()
		return false
	}
	v.current = page

	if v.mode == ModeSingle {
		v.renderSingle()
	} else {
		v.scrollTarget = page
		v.announce = page
		v.renderScroll(page)
	}
	v.mu.Unlock()
	return true
}

// GoToInput handles a page number typed by the reader. Non-numeric or
// out-of-range input is ignored.
func (v *Viewer) GoToInput(input string) bool {
	page, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return false
	}
	return v.GoTo(page)
}

// Wheel turns pages in single mode: positive delta is forward.
func (v *Viewer) Wheel(deltaY float64) bool {
	if v.Mode() != ModeSingle || deltaY == 0 {
		return false
	}
	if deltaY > 0 {
		return v.Next()
	}
	return v.Prev()
}

// Tap turns pages in single mode: the left half of the viewport goes back,
// the right half forward.
func (v *Viewer) Tap(x float64) bool {
	v.mu.Lock()
	mode, width := v.mode, v.vw
	v.mu.Unlock()
	if mode != ModeSingle || width <= 0 {
		return false
	}
	if x < width/2 {
		return v.Prev()
	}
	return v.Next()
}

// SetViewport records the size of the rendering area.
func (v *Viewer) SetViewport(width, height float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if width == v.vw && height == v.vh {
		return
	}
	v.vw, v.vh = width, height
	v.rerender()
}

// SetZoom sets the zoom level, clamped to [MinZoom, MaxZoom].
func (v *Viewer) SetZoom(zoom float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	zoom = clampZoom(zoom)
	if zoom != v.zoom {
		v.zoom = zoom
		v.rerender()
	}
	return v.zoom
}

func (v *Viewer) ZoomIn() float64 {
	return v.SetZoom(v.Zoom() + ZoomStep)
}

func (v *Viewer) ZoomOut() float64 {
	return v.SetZoom(v.Zoom() - ZoomStep)
}

// SetMode switches presentation mode. Cached pages are discarded. Entering
// scroll mode scrolls to the current page once it is rendered.
func (v *Viewer) SetMode(mode Mode) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateReady {
		v.mode = mode
		return false
	}
	if mode == v.mode {
		return false
	}
	v.mode = mode
	v.epoch++
	v.renderSeq++
	v.resetPages()
	if mode == ModeScroll {
		v.enterScroll()
	} else {
		v.renderSingle()
	}
	return true
}

// Observe takes the visible fraction of every page currently intersecting
// the viewport (scroll mode). Visible pages missing a raster are rendered,
// and the most visible page becomes current if it clears
// VisibilityThreshold.
func (v *Viewer) Observe(fractions map[int]float64) {
	v.mu.Lock()
	if v.state != StateReady || v.mode != ModeScroll {
		v.mu.Unlock()
		return
	}
	v.visible = map[int]float64{}
	best, bestFraction := 0, 0.0
	for page, f := range fractions {
		if page < 1 || page > v.total || f <= 0 {
			continue
		}
		v.visible[page] = f
		if f > bestFraction || (f == bestFraction && page < best) {
			best, bestFraction = page, f
		}
	}
	for page := range v.visible {
		v.renderScroll(page)
	}

	var notify []func()
	if best != 0 && bestFraction > VisibilityThreshold && best != v.current {
		v.current = best
		notify = append(notify, v.pageChanged(best))
	}
	v.mu.Unlock()
	run(notify)
}

// ScrollTo observes visibility for a scroll offset using the page layout,
// for clients that report scroll position instead of intersections.
func (v *Viewer) ScrollTo(offset float64) {
	v.mu.Lock()
	if v.state != StateReady || v.mode != ModeScroll || v.vh <= 0 {
		v.mu.Unlock()
		return
	}
	fractions := v.layout().Visibility(offset, v.vh)
	v.mu.Unlock()
	v.Observe(fractions)
}

// Page returns the rendered raster for page, if there is one. In scroll
// mode a missing page is queued for rendering.
func (v *Viewer) Page(page int) (*RenderedPage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rp, ok := v.pages[page]; ok {
		return rp, true
	}
	if v.state == StateReady && v.mode == ModeScroll && page >= 1 && page <= v.total {
		v.renderScroll(page)
	}
	return nil, false
}

func (v *Viewer) Mode() Mode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

func (v *Viewer) Zoom() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.zoom
}

func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Snapshot is a point-in-time copy of the viewer's navigation state.
type Snapshot struct {
	State        string  `json:"state"`
	Error        string  `json:"error,omitempty"`
	Mode         string  `json:"mode"`
	CurrentPage  int     `json:"currentPage"`
	TotalPages   int     `json:"totalPages"`
	Zoom         float64 `json:"zoom"`
	Scale        float64 `json:"scale"`
	ScrollTarget int     `json:"scrollTarget,omitempty"`
	ScrollOffset float64 `json:"scrollOffset,omitempty"`
	Pages        []Size  `json:"pages,omitempty"`
	Rendered     []int   `json:"rendered"`
	Pending      []int   `json:"pending"`
}

func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		State:       v.state.String(),
		Mode:        v.mode.String(),
		CurrentPage: v.current,
		TotalPages:  v.total,
		Zoom:        v.zoom,
		Rendered:    []int{},
		Pending:     []int{},
	}
	if v.err != nil {
		s.Error = v.err.Error()
	}
	if v.state != StateReady {
		return s
	}
	s.Scale = v.singleScale(v.current)
	if v.mode == ModeScroll {
		s.ScrollTarget = v.scrollTarget
		s.ScrollOffset = v.layout().OffsetOf(v.scrollTarget)
		s.Pages = v.scaledSizes()
	}
	for page := range v.pages {
		s.Rendered = append(s.Rendered, page)
	}
	for page := range v.inflight {
		s.Pending = append(s.Pending, page)
	}
	for page := range v.failed {
		if !v.inflight[page] {
			s.Pending = append(s.Pending, page)
		}
	}
	sort.Ints(s.Rendered)
	sort.Ints(s.Pending)
	return s
}

// FitScale is the scale that fits a page inside the viewport while
// keeping its aspect ratio, multiplied by zoom. Without a viewport the
// zoom alone is used.
func FitScale(viewportW, viewportH, pageW, pageH, zoom float64) float64 {
	zoom = clampZoom(zoom)
	if viewportW <= 0 || viewportH <= 0 || pageW <= 0 || pageH <= 0 {
		return zoom
	}
	return math.Min(viewportW/pageW, viewportH/pageH) * zoom
}

// The helpers below expect mu to be held.

func (v *Viewer) resetPages() {
	v.pages = map[int]*RenderedPage{}
	v.inflight = map[int]bool{}
	v.failed = map[int]bool{}
	v.visible = map[int]float64{}
}

func (v *Viewer) rerender() {
	if v.state != StateReady {
		return
	}
	v.epoch++
	v.renderSeq++
	v.pages = map[int]*RenderedPage{}
	v.inflight = map[int]bool{}
	v.failed = map[int]bool{}
	if v.mode == ModeSingle {
		v.renderSingle()
		return
	}
	if v.announce != 0 {
		v.renderScroll(v.announce)
	}
	for page := range v.visible {
		v.renderScroll(page)
	}
}

func (v *Viewer) enterScroll() {
	v.scrollTarget = v.current
	v.announce = v.current
	v.renderScroll(v.current)
}

func (v *Viewer) size(page int) Size {
	if page >= 1 && page <= len(v.sizes) {
		return v.sizes[page-1]
	}
	return DefaultPageSize
}

func (v *Viewer) singleScale(page int) float64 {
	s := v.size(page)
	return FitScale(v.vw, v.vh, s.Width, s.Height, v.zoom)
}

// scrollScale fits page width to the viewport width.
func (v *Viewer) scrollScale(page int) float64 {
	s := v.size(page)
	if v.vw <= 0 || s.Width <= 0 {
		return v.zoom
	}
	return v.vw / s.Width * v.zoom
}

func (v *Viewer) scaledSizes() []Size {
	out := make([]Size, len(v.sizes))
	for i, s := range v.sizes {
		scale := v.scrollScale(i + 1)
		out[i] = Size{Width: s.Width * scale, Height: s.Height * scale}
	}
	return out
}

func (v *Viewer) layout() Layout {
	scales := make([]float64, len(v.sizes))
	for i := range v.sizes {
		scales[i] = v.scrollScale(i + 1)
	}
	return NewLayout(v.sizes, scales, PageGap)
}

func (v *Viewer) pageChanged(page int) func() {
	total := v.total
	cb := v.opts.OnPageChange
	return func() {
		if cb != nil {
			cb(page, total)
		}
	}
}

// renderSingle renders the current page. A completion is applied only if
// no newer navigation happened in the meantime.
func (v *Viewer) renderSingle() {
	v.renderSeq++
	seq, epoch := v.renderSeq, v.epoch
	page, scale, doc := v.current, v.singleScale(v.current), v.doc

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		img, err := v.render(doc, page, scale)

		v.mu.Lock()
		if seq != v.renderSeq || epoch != v.epoch || v.state != StateReady {
			v.mu.Unlock()
			return
		}
		if err != nil {
			v.mu.Unlock()
			v.log.WithError(err).WithField("page", page).Warn("Page render failed")
			return
		}
		v.pages = map[int]*RenderedPage{page: {Number: page, Scale: scale, Image: img}}
		notify := v.pageChanged(page)
		v.mu.Unlock()
		notify()
	}()
}

// renderScroll renders page in the background unless it is cached or
// already rendering. A failed page stays pending and is retried the next
// time it is requested.
func (v *Viewer) renderScroll(page int) {
	if _, ok := v.pages[page]; ok || v.inflight[page] {
		if v.announce == page && ok {
			v.announce = 0
			notify := v.pageChanged(page)
			v.wg.Add(1)
			go func() {
				defer v.wg.Done()
				notify()
			}()
		}
		return
	}
	v.inflight[page] = true
	epoch, scale, doc := v.epoch, v.scrollScale(page), v.doc

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		img, err := v.render(doc, page, scale)

		v.mu.Lock()
		if epoch != v.epoch || v.state != StateReady {
			v.mu.Unlock()
			return
		}
		delete(v.inflight, page)
		if err != nil {
			v.failed[page] = true
			v.log.WithError(err).WithField("page", page).Warn("Page render failed")
		} else {
			delete(v.failed, page)
			v.pages[page] = &RenderedPage{Number: page, Scale: scale, Image: img}
		}
		var notify []func()
		if v.announce == page {
			v.announce = 0
			notify = append(notify, v.pageChanged(page))
		}
		v.mu.Unlock()
		run(notify)
	}()
}

func (v *Viewer) render(doc Document, page int, scale float64) (image.Image, error) {
	ctx, span := tracer.Start(v.ctx, "viewer.render_page",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Float64("scale", scale),
		),
	)
	defer span.End()

	img, err := doc.RenderPage(ctx, page-1, scale)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "render page %d", page)
	}
	return img, nil
}

func readSizes(doc Document, total int) []Size {
	sizes := make([]Size, total)
	for i := range sizes {
		w, h, err := doc.PageSize(i)
		if err != nil || w <= 0 || h <= 0 {
			sizes[i] = DefaultPageSize
			continue
		}
		sizes[i] = Size{Width: w, Height: h}
	}
	return sizes
}

func clampZoom(z float64) float64 {
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}

func clampPage(page, total int) int {
	if page < 1 {
		return 1
	}
	if page > total {
		return total
	}
	return page
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
