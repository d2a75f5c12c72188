package render

import (
	"context"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/maneesh/pdfshelf/internal/chunker"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pdfshelf-render")

// pointsPerInch is the PDF user-space unit; scale 1 renders at 72 DPI.
const pointsPerInch = 72.0

// FitzOpener downloads documents over HTTP and decodes them with MuPDF.
type FitzOpener struct {
	client  *http.Client
	chunker *chunker.Chunker
	log     *logrus.Entry
}

// NewFitzOpener creates an opener. maxBytes bounds a single download; 0
// disables the bound.
func NewFitzOpener(timeout time.Duration, maxBytes int64) *FitzOpener {
	return &FitzOpener{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		chunker: chunker.NewChunker(chunker.DefaultChunkSize, maxBytes),
		log:     logrus.WithField("component", "render"),
	}
}

// Open fetches url and decodes it as a PDF.
func (o *FitzOpener) Open(ctx context.Context, url string) (viewer.Document, error) {
	ctx, span := tracer.Start(ctx, "render.open", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	data, err := o.fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return Decode(data.Data)
}

func (o *FitzOpener) fetch(ctx context.Context, url string) (*chunker.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build document request")
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch document")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch document: %s", resp.Status)
	}

	res, err := o.chunker.ReadAll(resp.Body, resp.ContentLength)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read document")
	}
	o.log.WithFields(logrus.Fields{
		"url":    url,
		"bytes":  len(res.Data),
		"sha256": res.Hash,
	}).Debug("Fetched document")
	return res, nil
}

// Decode opens an in-memory PDF.
func Decode(data []byte) (viewer.Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	return &fitzDocument{doc: doc}, nil
}

// fitzDocument serialises Close against in-flight calls: MuPDF frees the
// document's context on Close without waiting for a render that holds it.
type fitzDocument struct {
	mu     sync.RWMutex
	closed bool
	doc    *fitz.Document
}

var errDocumentClosed = errors.New("document is closed")

func (d *fitzDocument) PageCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0
	}
	return d.doc.NumPage()
}

func (d *fitzDocument) PageSize(index int) (float64, float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, 0, errDocumentClosed
	}
	bounds, err := d.doc.Bound(index)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read page %d bounds", index+1)
	}
	return float64(bounds.Dx()), float64(bounds.Dy()), nil
}

func (d *fitzDocument) RenderPage(ctx context.Context, index int, scale float64) (image.Image, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errDocumentClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.doc.ImageDPI(index, pointsPerInch*scale)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render page %d", index+1)
	}
	return img, nil
}

// Close waits for running calls and is idempotent.
func (d *fitzDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}
