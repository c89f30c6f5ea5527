package anchor

import (
	"sync"

	"margin/api/internal/prosemirror"
)

// Rect is a rendered block rectangle in viewport coordinates.
type Rect struct {
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// Position is a block's rectangle relative to the gutter origin.
type Position struct {
	BlockID string `json:"blockId"`
	Rect
}

// Editor is the rich-text engine as seen by the resolver.
type Editor interface {
	// Doc returns the current document tree.
	Doc() prosemirror.Node
	// BlockRect returns the rendered rectangle for a block, false when the
	// node is not rendered yet.
	BlockRect(blockID string) (Rect, bool)
	// OnTransaction subscribes to document transactions.
	OnTransaction(fn func()) (unsubscribe func())
}

// Viewport is the scroll container and window hosting the editor.
type Viewport interface {
	OnScroll(fn func()) (unsubscribe func())
	OnResize(fn func()) (unsubscribe func())
	// Origin is the gutter's top-left corner in viewport coordinates.
	Origin() (top, left float64)
}

// FrameScheduler runs fn once before the next frame is painted.
type FrameScheduler interface {
	RequestFrame(fn func())
}

// Resolver keeps block positions current for one editor view.
type Resolver struct {
	view      View
	editor    Editor
	viewport  Viewport
	scheduler FrameScheduler
	onUpdate  func([]Position)

	mu        sync.Mutex
	attached  bool
	pending   bool
	epoch     uint64 // bumped on every attach and detach
	positions []Position
	releases  []func()
}

// NewResolver wires a resolver; onUpdate may be nil.
func NewResolver(view View, editor Editor, viewport Viewport, scheduler FrameScheduler, onUpdate func([]Position)) *Resolver {
	return &Resolver{
		view:      view,
		editor:    editor,
		viewport:  viewport,
		scheduler: scheduler,
		onUpdate:  onUpdate,
	}
}

// Attach computes positions once and subscribes to transactions, scroll and
// resize. The returned release detaches every listener and is safe to call
// more than once. When annotations are disabled for the view nothing is
// registered.
func (r *Resolver) Attach() (release func()) {
	if !r.view.AnnotationsEnabled() {
		return func() {}
	}

	r.mu.Lock()
	if r.attached {
		current := r.epoch
		r.mu.Unlock()
		return func() { r.detach(current) }
	}
	r.attached = true
	r.epoch++
	epoch := r.epoch
	r.mu.Unlock()

	r.recompute()

	releases := []func(){r.editor.OnTransaction(r.schedule)}
	if r.viewport != nil {
		releases = append(releases, r.viewport.OnScroll(r.schedule), r.viewport.OnResize(r.schedule))
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// Released while subscribing; nobody else will drop these.
		r.mu.Unlock()
		runReleases(releases)
		return func() {}
	}
	r.releases = releases
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.detach(epoch) }) }
}

// detach drops the listeners of the given attachment. A stale epoch means a
// later attach owns the resolver now and is left alone.
func (r *Resolver) detach(epoch uint64) {
	r.mu.Lock()
	if !r.attached || r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	releases := r.releases
	r.releases = nil
	r.attached = false
	r.pending = false
	r.epoch++
	r.mu.Unlock()

	runReleases(releases)
}

func runReleases(releases []func()) {
	for _, release := range releases {
		if release != nil {
			release()
		}
	}
}

// schedule coalesces any number of triggers into one recompute per frame.
func (r *Resolver) schedule() {
	r.mu.Lock()
	if !r.attached || r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = true
	r.mu.Unlock()

	r.scheduler.RequestFrame(r.flush)
}

func (r *Resolver) flush() {
	r.mu.Lock()
	if !r.attached || !r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = false
	r.mu.Unlock()

	r.recompute()
}

func (r *Resolver) recompute() {
	positions := Compute(r.editor, r.viewport)

	r.mu.Lock()
	r.positions = positions
	onUpdate := r.onUpdate
	r.mu.Unlock()

	if onUpdate != nil {
		onUpdate(positions)
	}
}

// Positions returns the latest computed positions in document order.
func (r *Resolver) Positions() []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Position, len(r.positions))
	copy(out, r.positions)
	return out
}

// HoverAt returns the block under a gutter-relative y coordinate.
func (r *Resolver) HoverAt(y float64) (string, bool) {
	return BlockAt(r.Positions(), y)
}

// Compute walks the editor document and measures every anchored block that
// is currently rendered. Positions are relative to the viewport origin.
func Compute(editor Editor, viewport Viewport) []Position {
	var originTop, originLeft float64
	if viewport != nil {
		originTop, originLeft = viewport.Origin()
	}

	positions := make([]Position, 0)
	editor.Doc().Walk(func(node prosemirror.Node) bool {
		blockID := node.BlockID()
		if blockID == "" {
			return true
		}
		rect, ok := editor.BlockRect(blockID)
		if !ok {
			return true
		}
		positions = append(positions, Position{
			BlockID: blockID,
			Rect: Rect{
				Top:    rect.Top - originTop,
				Height: rect.Height,
				Left:   rect.Left - originLeft,
				Right:  rect.Right - originLeft,
			},
		})
		return true
	})
	return positions
}

// BlockAt returns the first block in document order whose vertical span
// contains y. Nested blocks overlap their parents, so the outer block wins.
func BlockAt(positions []Position, y float64) (string, bool) {
	for _, pos := range positions {
		if y >= pos.Top && y <= pos.Top+pos.Height {
			return pos.BlockID, true
		}
	}
	return "", false
}
