package viewer

import (
	"context"
	"image"
)

// Document is an opened PDF. Page indexes are zero-based.
type Document interface {
	PageCount() int
	// PageSize reports the page's dimensions at scale 1.
	PageSize(index int) (width, height float64, err error)
	RenderPage(ctx context.Context, index int, scale float64) (image.Image, error)
	Close() error
}

// Opener fetches and decodes the document stored at url.
type Opener interface {
	Open(ctx context.Context, url string) (Document, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) (Document, error)

func (f OpenerFunc) Open(ctx context.Context, url string) (Document, error) {
	return f(ctx, url)
}
