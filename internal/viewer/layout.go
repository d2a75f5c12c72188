package viewer

import "math"

// PageGap is the vertical space between pages in scroll mode, in pixels.
const PageGap = 16.0

// Size is a page's width and height.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Layout places pages in one vertical column, the way scroll mode shows them.
type Layout struct {
	offsets []float64
	heights []float64
	gap     float64
}

// NewLayout stacks pages scaled to the given scale factors. scales[i]
// applies to sizes[i].
func NewLayout(sizes []Size, scales []float64, gap float64) Layout {
	l := Layout{
		offsets: make([]float64, len(sizes)),
		heights: make([]float64, len(sizes)),
		gap:     gap,
	}
	y := 0.0
	for i, s := range sizes {
		l.offsets[i] = y
		l.heights[i] = s.Height * scales[i]
		y += l.heights[i] + gap
	}
	return l
}

// Height is the total height of the column.
func (l Layout) Height() float64 {
	n := len(l.offsets)
	if n == 0 {
		return 0
	}
	return l.offsets[n-1] + l.heights[n-1]
}

// OffsetOf returns the scroll offset that puts the top of page (1-based)
// at the top of the viewport.
func (l Layout) OffsetOf(page int) float64 {
	if page < 1 || page > len(l.offsets) {
		return 0
	}
	return l.offsets[page-1]
}

// Visibility returns, for every page intersecting the viewport
// [scrollTop, scrollTop+viewportHeight), the fraction of the page's area
// that is visible. Pages that do not intersect are omitted.
func (l Layout) Visibility(scrollTop, viewportHeight float64) map[int]float64 {
	out := map[int]float64{}
	bottom := scrollTop + viewportHeight
	for i := range l.offsets {
		top, h := l.offsets[i], l.heights[i]
		if h <= 0 {
			continue
		}
		if top >= bottom {
			break
		}
		visible := math.Min(top+h, bottom) - math.Max(top, scrollTop)
		if visible > 0 {
			out[i+1] = visible / h
		}
	}
	return out
}
