package anchor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin/api/internal/prosemirror"
)

type fakeEditor struct {
	mu        sync.Mutex
	doc       prosemirror.Node
	rects     map[string]Rect
	listeners map[int]func()
	nextID    int
	measured  int
}

func newFakeEditor(t *testing.T, raw string, rects map[string]Rect) *fakeEditor {
	t.Helper()
	doc, err := prosemirror.Parse([]byte(raw))
	require.NoError(t, err)
	return &fakeEditor{doc: doc, rects: rects, listeners: map[int]func(){}}
}

func (e *fakeEditor) Doc() prosemirror.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

func (e *fakeEditor) BlockRect(blockID string) (Rect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.measured++
	rect, ok := e.rects[blockID]
	return rect, ok
}

func (e *fakeEditor) OnTransaction(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *fakeEditor) fire() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *fakeEditor) listenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

type fakeViewport struct {
	top, left float64
	scroll    []func()
	resize    []func()
	released  int
	onResize  func() // runs before the resize listener is registered
}

func (v *fakeViewport) OnScroll(fn func()) func() {
	v.scroll = append(v.scroll, fn)
	return func() { v.released++ }
}

func (v *fakeViewport) OnResize(fn func()) func() {
	if v.onResize != nil {
		v.onResize()
	}
	v.resize = append(v.resize, fn)
	return func() { v.released++ }
}

func (v *fakeViewport) Origin() (float64, float64) { return v.top, v.left }

// manualFrames runs queued callbacks only when the test advances a frame.
type manualFrames struct {
	queue []func()
}

func (m *manualFrames) RequestFrame(fn func()) { m.queue = append(m.queue, fn) }

func (m *manualFrames) advance() {
	queue := m.queue
	m.queue = nil
	for _, fn := range queue {
		fn()
	}
}

const gutterDoc = `{"type":"doc","content":[
  {"type":"paragraph","attrs":{"data-block-id":"b1"},"content":[{"type":"text","text":"one"}]},
  {"type":"blockquote","attrs":{"data-block-id":"b2"},"content":[
    {"type":"paragraph","attrs":{"data-block-id":"b3"},"content":[{"type":"text","text":"inner"}]}
  ]},
  {"type":"paragraph","attrs":{"data-block-id":"hidden"}}
]}`

func enabledView() View {
	return View{ProblemID: "prb_1", ClassID: "cls_1", CallerID: "usr_1", Visible: true, ShowComments: true}
}

func gutterRects() map[string]Rect {
	return map[string]Rect{
		"b1": {Top: 110, Height: 20, Left: 40, Right: 500},
		"b2": {Top: 140, Height: 60, Left: 40, Right: 500},
		"b3": {Top: 150, Height: 20, Left: 60, Right: 480},
	}
}

func TestComputeRelativeToOriginInDocumentOrder(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	positions := Compute(editor, &fakeViewport{top: 100, left: 20})

	require.Len(t, positions, 3)
	assert.Equal(t, "b1", positions[0].BlockID)
	assert.Equal(t, Rect{Top: 10, Height: 20, Left: 20, Right: 480}, positions[0].Rect)
	assert.Equal(t, "b2", positions[1].BlockID)
	assert.Equal(t, "b3", positions[2].BlockID)
}

func TestBlockAtFirstMatchWins(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	positions := Compute(editor, &fakeViewport{top: 100})

	id, ok := BlockAt(positions, 55)
	require.True(t, ok)
	assert.Equal(t, "b2", id, "outer block precedes nested block in document order")

	id, ok = BlockAt(positions, 10)
	require.True(t, ok)
	assert.Equal(t, "b1", id)

	_, ok = BlockAt(positions, 35)
	assert.False(t, ok)
}

func TestResolverCoalescesTriggersPerFrame(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	viewport := &fakeViewport{top: 100}
	frames := &manualFrames{}
	updates := 0
	resolver := NewResolver(enabledView(), editor, viewport, frames, func([]Position) { updates++ })

	release := resolver.Attach()
	assert.Equal(t, 1, updates, "attach computes once immediately")

	editor.fire()
	editor.fire()
	viewport.scroll[0]()
	viewport.resize[0]()
	require.Len(t, frames.queue, 1)

	frames.advance()
	assert.Equal(t, 2, updates)

	editor.mu.Lock()
	editor.rects["b1"] = Rect{Top: 300, Height: 10}
	editor.mu.Unlock()
	editor.fire()
	frames.advance()
	assert.Equal(t, 3, updates)

	id, ok := resolver.HoverAt(203)
	require.True(t, ok)
	assert.Equal(t, "b1", id)

	release()
	release()
	assert.Equal(t, 0, editor.listenerCount())
	assert.Equal(t, 2, viewport.released)
}

func TestResolverIgnoresFramesAfterRelease(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	frames := &manualFrames{}
	updates := 0
	resolver := NewResolver(enabledView(), editor, nil, frames, func([]Position) { updates++ })

	release := resolver.Attach()
	editor.fire()
	release()
	frames.advance()

	assert.Equal(t, 1, updates)
}

func TestResolverReleasedWhileSubscribingDropsListeners(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	viewport := &fakeViewport{}
	resolver := NewResolver(enabledView(), editor, viewport, &manualFrames{}, nil)
	viewport.onResize = func() { resolver.Attach()() }

	stale := resolver.Attach()
	assert.Equal(t, 0, editor.listenerCount())
	assert.Equal(t, 2, viewport.released)

	viewport.onResize = nil
	release := resolver.Attach()
	require.Equal(t, 1, editor.listenerCount())

	stale()
	assert.Equal(t, 1, editor.listenerCount(), "an old release leaves a newer attachment alone")
	release()
	assert.Equal(t, 0, editor.listenerCount())
	assert.Equal(t, 4, viewport.released)
}

func TestResolverDisabledViewRegistersNothing(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	view := enabledView()
	view.ShowComments = false

	resolver := NewResolver(view, editor, &fakeViewport{}, &manualFrames{}, nil)
	release := resolver.Attach()
	defer release()

	assert.Equal(t, 0, editor.listenerCount())
	assert.Empty(t, resolver.Positions())
}

func TestViewAnnotationsEnabled(t *testing.T) {
	view := enabledView()
	assert.True(t, view.AnnotationsEnabled())

	noClass := view
	noClass.ClassID = " "
	assert.False(t, noClass.AnnotationsEnabled())

	hidden := view
	hidden.Visible = false
	assert.False(t, hidden.AnnotationsEnabled())
}

func TestIntervalSchedulerBatchesRequests(t *testing.T) {
	scheduler := NewIntervalScheduler(120)
	defer scheduler.Stop()

	var calls atomic.Int32
	done := make(chan struct{})
	scheduler.RequestFrame(func() { calls.Add(1) })
	scheduler.RequestFrame(func() { calls.Add(1); close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never ran")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolverWithIntervalScheduler(t *testing.T) {
	editor := newFakeEditor(t, gutterDoc, gutterRects())
	scheduler := NewIntervalScheduler(240)
	defer scheduler.Stop()

	updated := make(chan []Position, 4)
	resolver := NewResolver(enabledView(), editor, nil, scheduler, func(p []Position) { updated <- p })
	release := resolver.Attach()
	defer release()
	<-updated

	for i := 0; i < 10; i++ {
		editor.fire()
	}

	select {
	case positions := <-updated:
		assert.Len(t, positions, 3)
	case <-time.After(time.Second):
		t.Fatal("no recompute after transactions")
	}
}
