package caddy_resumable_uploads

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChannelEvents lets an upstream handler (or a test) observe the virtual
// channel's lifecycle independently of reading its request body, mirroring
// the register/active/errorCaught/inactive callbacks of spec §4.4's
// ChannelHandler model. Retrieve it from the request context with
// EventsFromContext.
type ChannelEvents struct {
	active        chan struct{}
	errorCh       chan error
	inactive      chan struct{}
	writableCh    chan bool
	readRequestCh chan struct{}
}

func newChannelEvents() *ChannelEvents {
	return &ChannelEvents{
		active:        make(chan struct{}),
		errorCh:       make(chan error, 1),
		inactive:      make(chan struct{}),
		writableCh:    make(chan bool, 1),
		readRequestCh: make(chan struct{}, 1),
	}
}

// Active closes once the channel is registered, before any data is
// forwarded to the application.
func (e *ChannelEvents) Active() <-chan struct{} { return e.active }

// ErrorCaught delivers the channel's terminal cause exactly once (nil for
// a clean, successful completion).
func (e *ChannelEvents) ErrorCaught() <-chan error { return e.errorCh }

// Inactive closes once the channel has fully ended.
func (e *ChannelEvents) Inactive() <-chan struct{} { return e.inactive }

// Writability reports writabilityChanged transitions (spec §4.4): true once
// an adapter attaches and the application's writes can reach a physical
// response again, false once it detaches. Buffered by one; a slow consumer
// only ever observes the most recent transition, not every intermediate one.
func (e *ChannelEvents) Writability() <-chan bool { return e.writableCh }

// RequestRead pulls the next body chunk when the channel's autoRead is
// disabled (spec §4.4 "autoRead"): with autoRead on (the default) the body
// pump never waits on this and the call is a no-op. With autoRead off, the
// application must call this once per chunk it wants delivered, after
// consuming the previous one.
func (e *ChannelEvents) RequestRead() {
	select {
	case e.readRequestCh <- struct{}{}:
	default:
	}
}

type channelEventsKey struct{}

// EventsFromContext retrieves the ChannelEvents installed on a request
// built by the virtual channel, or nil if r did not come from one.
func EventsFromContext(ctx context.Context) *ChannelEvents {
	events, _ := ctx.Value(channelEventsKey{}).(*ChannelEvents)
	return events
}

// virtualChannel is the long-lived bridge between a session's many
// physical legs and the single upstream application invocation that
// processes the whole logical upload, per spec §4.4 "VirtualChannel". It
// exists once a session accepts its first request and lasts until the
// session is destroyed.
type virtualChannel struct {
	session *uploadSession
	next    caddyhttp.Handler

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	appRequest *http.Request
	appWriter  *virtualResponseWriter
	appCancel  context.CancelFunc

	events *ChannelEvents

	writable bool
	autoRead bool

	endOnce sync.Once
}

func newVirtualChannel(session *uploadSession, next caddyhttp.Handler, headRequest *http.Request, autoRead bool) *virtualChannel {
	pr, pw := io.Pipe()

	events := newChannelEvents()
	ctx, cancel := context.WithCancel(headRequest.Context())
	ctx = context.WithValue(ctx, channelEventsKey{}, events)

	req := headRequest.Clone(ctx)
	req.Body = pr
	req.GetBody = nil
	stripProtocolHeaders(req.Header)

	vc := &virtualChannel{
		session:    session,
		next:       next,
		pipeReader: pr,
		pipeWriter: pw,
		appRequest: req,
		appCancel:  cancel,
		events:     events,
		writable:   true,
		autoRead:   autoRead,
	}
	vc.appWriter = &virtualResponseWriter{vc: vc, header: make(http.Header)}
	return vc
}

// awaitNextRead gates the body pump's next physical read (spec §4.4
// "autoRead"). With autoRead enabled it returns immediately, so the pump's
// own design -- read, forward, repeat -- already is the "auto-issue read
// upstream on readComplete" behavior. With autoRead disabled it blocks
// until the application calls ChannelEvents.RequestRead, or the physical
// request is cancelled.
func (vc *virtualChannel) awaitNextRead(ctx context.Context) error {
	if vc.autoRead {
		return nil
	}
	select {
	case <-vc.events.readRequestCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start registers the channel and launches the upstream application
// pipeline on its own goroutine, joined through an errgroup so a single
// supervisor goroutine learns when it returns (spec §4.4 "register",
// "the application runs for the lifetime of the logical upload").
func (vc *virtualChannel) start() {
	close(vc.events.active)

	var eg errgroup.Group
	eg.Go(func() error {
		return vc.next.ServeHTTP(vc.appWriter, vc.appRequest)
	})

	go func() {
		err := eg.Wait()
		vc.session.enqueue(func() {
			vc.session.onApplicationDone(err)
		})
	}()

	go vc.logWritabilityChanges()
}

// logWritabilityChanges consumes writabilityChanged transitions (spec
// §4.4) for as long as the channel is alive. This is the one built-in
// consumer of ChannelEvents.Writability; an embedding application can read
// the same channel itself for its own backpressure decisions.
func (vc *virtualChannel) logWritabilityChanges() {
	for {
		select {
		case w := <-vc.events.Writability():
			vc.session.logger.Debug("writability changed",
				zap.String("resume_path", vc.session.resumePath), zap.Bool("writable", w))
		case <-vc.events.Inactive():
			return
		}
	}
}

// end delivers the channel's terminal cause to the application (by closing
// its request body, which surfaces as a Read error -- the Go analogue of
// errorCaught) and marks the channel inactive. Idempotent.
func (vc *virtualChannel) end(cause error) {
	vc.endOnce.Do(func() {
		if cause != nil {
			vc.pipeWriter.CloseWithError(cause)
		} else {
			vc.pipeWriter.Close()
		}
		vc.appCancel()

		select {
		case vc.events.errorCh <- cause:
		default:
		}
		close(vc.events.inactive)
	})
}

// notifyWritability is called by the session on every attach/detach and
// publishes the transition on events.Writability (spec §4.4
// "writabilityChanged").
func (vc *virtualChannel) notifyWritability(w bool) {
	vc.writable = w
	select {
	case vc.events.writableCh <- w:
	default:
		// a consumer is behind by more than one transition; drop the
		// stale value so the buffered slot always holds the latest.
		select {
		case <-vc.events.writableCh:
		default:
		}
		select {
		case vc.events.writableCh <- w:
		default:
		}
	}
}

// virtualResponseWriter is what the upstream application actually writes
// its single response to. Every call is serialized onto the session's loop
// via session.call, which is what gives the "at most one adapter is
// written to at a time" invariant for free.
type virtualResponseWriter struct {
	vc *virtualChannel

	header      http.Header
	wroteHeader bool
	status      int
}

func (w *virtualResponseWriter) Header() http.Header { return w.header }

func (w *virtualResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.vc.session.call(func() {
		w.vc.session.writeHeadPart(w.vc, status, w.header)
	})
}

func (w *virtualResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	var n int
	var err error
	w.vc.session.call(func() {
		n, err = w.vc.session.writeBodyPart(w.vc, p)
	})
	return n, err
}

func (w *virtualResponseWriter) Flush() {
	w.vc.session.call(func() {
		w.vc.session.flushPart(w.vc)
	})
}
