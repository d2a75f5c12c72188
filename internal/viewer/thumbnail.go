package viewer

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	thumbnailWidth  uint = 200
	thumbnailHeight uint = 300

	DefaultThumbnailScale = 0.5

	thumbnailTimeout = 2 * time.Minute
)

// Thumbnailer produces first-page previews for library tiles. Results are
// kept in memory only and documents are processed one at a time.
type Thumbnailer struct {
	opener Opener
	scale  float64
	cache  *lru.Cache[string, string]
	group  singleflight.Group
	sem    *semaphore.Weighted
	log    *logrus.Entry
}

func NewThumbnailer(opener Opener, scale float64, cacheSize int) (*Thumbnailer, error) {
	if scale <= 0 {
		scale = DefaultThumbnailScale
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create thumbnail cache")
	}
	return &Thumbnailer{
		opener: opener,
		scale:  scale,
		cache:  cache,
		sem:    semaphore.NewWeighted(1),
		log:    logrus.WithField("component", "thumbnailer"),
	}, nil
}

// Thumbnail returns a data URI for the first page of the book's document.
// Concurrent requests for the same book share one render.
func (t *Thumbnailer) Thumbnail(ctx context.Context, bookID, url string) (string, error) {
	if uri, ok := t.cache.Get(bookID); ok {
		return uri, nil
	}

	// The shared render outlives any single caller's request.
	ch := t.group.DoChan(bookID, func() (interface{}, error) {
		if uri, ok := t.cache.Get(bookID); ok {
			return uri, nil
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), thumbnailTimeout)
		defer cancel()
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return "", errors.Wrap(err, "waiting for thumbnail slot")
		}
		defer t.sem.Release(1)

		uri, err := t.generate(ctx, bookID, url)
		if err != nil {
			return "", err
		}
		t.cache.Add(bookID, uri)
		return uri, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Forget drops a cached thumbnail, e.g. after the book is deleted.
func (t *Thumbnailer) Forget(bookID string) {
	t.cache.Remove(bookID)
}

// Purge clears every cached thumbnail.
func (t *Thumbnailer) Purge() {
	t.cache.Purge()
}

func (t *Thumbnailer) generate(ctx context.Context, bookID, url string) (string, error) {
	ctx, span := tracer.Start(ctx, "viewer.thumbnail",
		trace.WithAttributes(attribute.String("book_id", bookID)),
	)
	defer span.End()

	doc, err := t.opener.Open(ctx, url)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrapf(err, "failed to open document for %s", bookID)
	}
	defer doc.Close()

	if doc.PageCount() < 1 {
		return "", ErrNoPages
	}
	img, err := doc.RenderPage(ctx, 0, t.scale)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrapf(err, "failed to render first page of %s", bookID)
	}

	uri, err := EncodeThumbnail(img)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	t.log.WithField("book_id", bookID).Debug("Generated thumbnail")
	return uri, nil
}

// EncodeThumbnail resizes img to tile size and encodes it as a base64 JPEG
// data URI.
func EncodeThumbnail(img image.Image) (string, error) {
	var resized image.Image
	if img.Bounds().Dy() > img.Bounds().Dx() {
		resized = resize.Resize(thumbnailWidth, 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, thumbnailHeight, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 75}); err != nil {
		return "", errors.Wrap(err, "failed to encode jpeg")
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
