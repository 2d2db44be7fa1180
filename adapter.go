package caddy_resumable_uploads

import (
	"net/http"
	"sync"
)

// uploadAdapter binds one physical HTTP request/response pair to a session,
// per spec §4.4 "UploadAdapter". Exactly one adapter is attached to a
// session at a time; a new physical request (a resumption PATCH, say)
// creates a fresh adapter rather than reusing a prior one.
type uploadAdapter struct {
	w http.ResponseWriter
	r *http.Request

	flusher http.Flusher

	closedOnce sync.Once
	closed     bool

	doneOnce  sync.Once
	doneCh    chan struct{}
	resultErr error
}

func newUploadAdapter(w http.ResponseWriter, r *http.Request) *uploadAdapter {
	a := &uploadAdapter{w: w, r: r, doneCh: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		a.flusher = f
	}
	return a
}

// writeHead copies header into the physical ResponseWriter's header map and
// writes status, unless the adapter has already been closed out from under
// this physical request (e.g. a concurrent cancellation beat us to it).
func (a *uploadAdapter) writeHead(status int, header http.Header) {
	if a.closed {
		return
	}
	dst := a.w.Header()
	for k, vs := range header {
		dst[k] = vs
	}
	a.w.WriteHeader(status)
}

func (a *uploadAdapter) writeBody(p []byte) (int, error) {
	if a.closed {
		return 0, ErrParentNotPresent
	}
	return a.w.Write(p)
}

func (a *uploadAdapter) flush() {
	if a.closed || a.flusher == nil {
		return
	}
	a.flusher.Flush()
}

// closePhysical marks the adapter unusable for further writes. There is no
// way to force-close a still-open net/http ResponseWriter from the
// handler side; the physical connection actually closes once ServeHTTP
// returns, which finish() below unblocks.
func (a *uploadAdapter) closePhysical() {
	a.closedOnce.Do(func() { a.closed = true })
}

// finish signals the goroutine driving this adapter's ServeHTTP call that
// it may return. err, if non-nil, is surfaced to the caller as the handler
// error (the caller decides whether to propagate it to Caddy's error
// logging or suppress it as an ordinary client disconnect).
func (a *uploadAdapter) finish(err error) {
	a.doneOnce.Do(func() {
		a.resultErr = err
		close(a.doneCh)
	})
}

// wait blocks until finish has been called, and returns what it was called
// with.
func (a *uploadAdapter) wait() error {
	<-a.doneCh
	return a.resultErr
}
