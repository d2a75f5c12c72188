package viewer

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
)

// fakeDoc renders solid rectangles. Pages listed in gates block until their
// channel is closed; pages listed in fail return an error.
type fakeDoc struct {
	mu       sync.Mutex
	pages    int
	gates    map[int]chan struct{}
	fail     map[int]bool
	rendered []int
	closed   bool
}

func newFakeDoc(pages int) *fakeDoc {
	return &fakeDoc{pages: pages, gates: map[int]chan struct{}{}, fail: map[int]bool{}}
}

func (d *fakeDoc) PageCount() int { return d.pages }

func (d *fakeDoc) PageSize(index int) (float64, float64, error) {
	return 600, 800, nil
}

func (d *fakeDoc) RenderPage(ctx context.Context, index int, scale float64) (image.Image, error) {
	d.mu.Lock()
	gate := d.gates[index+1]
	fail := d.fail[index+1]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("corrupt page")
	}

	d.mu.Lock()
	d.rendered = append(d.rendered, index+1)
	d.mu.Unlock()

	w, h := int(600*scale), int(800*scale)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.Black)
	}
	return img, nil
}

func (d *fakeDoc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDoc) block(page int) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[page] = ch
	return ch
}

func (d *fakeDoc) renderedPages() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.rendered...)
}

func (d *fakeDoc) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func openerFor(doc Document) Opener {
	return OpenerFunc(func(ctx context.Context, url string) (Document, error) {
		return doc, nil
	})
}

// pageLog records OnPageChange calls.
type pageLog struct {
	mu    sync.Mutex
	calls [][2]int
}

func (l *pageLog) record(cur, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, [2]int{cur, total})
}

func (l *pageLog) all() [][2]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]int(nil), l.calls...)
}
