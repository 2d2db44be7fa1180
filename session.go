package caddy_resumable_uploads

import (
	"errors"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

// endAction is the result of receiveEnd: either the upload's single
// response is being forwarded to the application (the final leg), or the
// session must synthesize a 201 Created and await a future resumption.
type endAction int

const (
	endForward endAction = iota
	endReplyCreated
)

// uploadSession is the logical upload (spec §3, §4.3). It is pinned to a
// single dedicated goroutine -- its "loop" -- spawned in newUploadSession
// and torn down once the session ends. Every field below is touched only
// from within a function submitted through enqueue/call; external callers
// (other request goroutines, the idle timer, the application's virtual
// channel writer) never read or write session state directly. This is the
// Go rendering of spec §5's single-threaded event loop and §9's loop-hop
// wrapper / generation-checked callback.
type uploadSession struct {
	registry *uploadRegistry
	logger   *zap.Logger

	resumePath string

	offset          int64
	uploadLength    int64
	hasUploadLength bool

	requestIsCreation bool
	requestComplete   bool
	uploadComplete    bool
	responseStarted   bool

	interopVersion interopVersion

	pendingRead  bool
	pendingError error

	idleTimer       *time.Timer
	attachedAdapter *uploadAdapter
	channel         *virtualChannel

	ended bool

	cmdCh  chan func()
	doneCh chan struct{}
}

func newUploadSession(registry *uploadRegistry, logger *zap.Logger) *uploadSession {
	s := &uploadSession{
		registry: registry,
		logger:   logger,
		cmdCh:    make(chan func(), 16),
		doneCh:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// loop is the session's dedicated goroutine. It is the only goroutine that
// ever reads or writes session fields outside of this file's accessors.
func (s *uploadSession) loop() {
	for fn := range s.cmdCh {
		fn()
		if s.ended {
			close(s.doneCh)
			return
		}
	}
}

// enqueue submits fn to run on the session's loop. If the session has
// already ended, fn is dropped: this is the "no-op if the session has since
// moved on" half of the generation-checking discipline from spec §9.
func (s *uploadSession) enqueue(fn func()) {
	select {
	case s.cmdCh <- fn:
	case <-s.doneCh:
	}
}

// call runs fn on the session's loop and blocks the caller until it
// completes (or the session ends first, in which case fn may never run).
func (s *uploadSession) call(fn func()) {
	done := make(chan struct{})
	s.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.doneCh:
	}
}

// beginCreation implements the Creation branch of spec §4.3 "Receiving a
// request head". It attaches adapter as the session's first adapter and
// registers the session, or reports a conflict if length reconciliation
// fails (a complete request whose Content-Length disagrees with its
// Upload-Length).
func (s *uploadSession) beginCreation(adapter *uploadAdapter, intent uploadIntent) (resumePath string, conflict bool) {
	if !s.saveUploadLength(intent.complete, intent.contentLength, intent.hasContentLength, intent.uploadLength, intent.hasUploadLength) {
		return "", true
	}
	s.requestIsCreation = true
	s.requestComplete = intent.complete
	s.interopVersion = intent.version
	s.attachedAdapter = adapter
	s.resumePath = s.registry.startUpload(s)
	s.logger.Info("upload created", zap.String("resume_path", s.resumePath), zap.Bool("complete", intent.complete))
	return s.resumePath, false
}

// createVirtualChannel installs the application pipeline over a brand-new
// virtual channel, per spec §4.3 "Forward a stripped head through a newly
// created virtual channel." Called at most once per session. autoRead sets
// the channel's autoRead option (spec §4.4).
func (s *uploadSession) createVirtualChannel(next caddyhttp.Handler, headRequest *http.Request, autoRead bool) *virtualChannel {
	vc := newVirtualChannel(s, next, headRequest, autoRead)
	s.channel = vc
	vc.start()
	return vc
}

// beginAppending implements the Appending branch of spec §4.3. Any
// conflict -- an adapter already attached, an offset mismatch, a response
// already in flight, or disagreeing length information -- destroys the
// whole session with BadResumption, matching the state diagram's
// "Appending conflicts -> 409, channel destroyed, END".
func (s *uploadSession) beginAppending(adapter *uploadAdapter, intent uploadIntent) (conflict bool, offset int64, complete bool) {
	conflict = s.attachedAdapter != nil || s.offset != intent.offset || s.responseStarted
	if !conflict {
		if !s.saveUploadLength(intent.complete, intent.contentLength, intent.hasContentLength, intent.uploadLength, intent.hasUploadLength) {
			conflict = true
		}
	}
	if conflict {
		offset, complete = s.offset, s.uploadComplete
		s.destroy(ErrBadResumption)
		return true, offset, complete
	}

	s.requestIsCreation = false
	s.requestComplete = intent.complete
	s.interopVersion = intent.version
	s.attach(adapter)
	return false, 0, false
}

// saveUploadLength reconciles length knowledge per spec §4.3
// "saveUploadLength". computed is the length implied by a complete request
// whose Content-Length is known; declared is an explicit Upload-Length.
func (s *uploadSession) saveUploadLength(complete bool, contentLength int64, hasContentLength bool, declared int64, hasDeclared bool) bool {
	var computed int64
	hasComputed := false
	if complete && hasContentLength {
		computed = s.offset + contentLength
		hasComputed = true
	}

	if s.hasUploadLength {
		if hasComputed && computed != s.uploadLength {
			return false
		}
		if hasDeclared && declared != s.uploadLength {
			return false
		}
		return true
	}

	if hasComputed && hasDeclared && computed != declared {
		return false
	}

	switch {
	case hasComputed:
		s.uploadLength = computed
		s.hasUploadLength = true
	case hasDeclared:
		s.uploadLength = declared
		s.hasUploadLength = true
	}
	return true
}

// receiveBodyChunk advances offset by n and reports whether the chunk would
// overflow a known upload length (spec §4.3 "Receiving a body chunk").
func (s *uploadSession) receiveBodyChunk(n int64) (overflow bool) {
	s.offset += n
	if s.registry.metrics != nil {
		s.registry.metrics.addBytesReceived(n)
	}
	return s.hasUploadLength && s.offset > s.uploadLength
}

// receiveEnd implements spec §4.3 "Receiving end-of-stream" for a session
// that has a resumePath (protocol-bearing requests only; the pass-through
// "None" case never reaches a session at all in this implementation, see
// DESIGN.md).
func (s *uploadSession) receiveEnd() (action endAction, offset int64, location string) {
	if s.requestComplete {
		s.uploadComplete = true
		return endForward, 0, ""
	}

	loc := ""
	if s.requestIsCreation {
		loc = s.registry.Origin + s.resumePath
	}
	offset = s.offset
	s.detach(false)
	return endReplyCreated, offset, loc
}

// adapterEnd implements spec §4.3 "Adapter end": the physical request
// backing adapter ended (cleanly or with err) outside of the ordinary
// receiveEnd path, e.g. the client disconnected mid-body.
func (s *uploadSession) adapterEnd(adapter *uploadAdapter, err error) {
	if s.ended || s.attachedAdapter != adapter {
		return // stale: this adapter has already been superseded
	}
	if !s.uploadComplete && s.resumePath != "" {
		s.pendingError = err
		s.detach(false)
		return
	}
	s.destroy(err)
}

// onApplicationDone is invoked once the upstream application's single
// next.ServeHTTP call returns, via the virtual channel's supervisor
// goroutine. This is what actually tears the session down on the
// successful path: the application only returns after it has produced and
// fully written its one response.
func (s *uploadSession) onApplicationDone(err error) {
	if s.ended {
		return
	}
	if err == nil && s.registry.metrics != nil {
		s.registry.metrics.incUploadsFinished()
	}
	s.destroy(err)
}

// onIdleTimeout fires the idle timer's callback on the session loop. A
// stale timer (already superseded by a fresh attach, or ended) is ignored.
func (s *uploadSession) onIdleTimeout() {
	if s.ended || s.attachedAdapter != nil {
		return
	}
	cause := s.pendingError
	if cause == nil {
		cause = ErrTimeoutWaitingForResumption
	}
	if s.registry.metrics != nil {
		s.registry.metrics.incUploadsTimedOut()
	}
	s.logger.Info("upload idle timeout", zap.String("resume_path", s.resumePath), zap.Error(cause))
	s.destroy(cause)
}

// attach implements spec §4.3 "Attach".
func (s *uploadSession) attach(adapter *uploadAdapter) {
	s.logger.Debug("adapter attached", zap.String("resume_path", s.resumePath), zap.Int64("offset", s.offset))
	s.pendingError = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.attachedAdapter = adapter
	if s.channel != nil {
		s.channel.notifyWritability(true)
	}
	if s.pendingRead {
		s.pendingRead = false
	}
}

// detach implements spec §4.3 "Detach". closePhysical asks the outgoing
// adapter to close its physical channel before being released.
func (s *uploadSession) detach(closePhysical bool) {
	adapter := s.attachedAdapter
	s.attachedAdapter = nil
	if adapter != nil {
		s.logger.Debug("adapter detached", zap.String("resume_path", s.resumePath), zap.Int64("offset", s.offset), zap.Bool("close_physical", closePhysical))
	}
	if s.channel != nil {
		s.channel.notifyWritability(false)
	}
	if adapter != nil {
		if closePhysical {
			adapter.closePhysical()
		}
		adapter.finish(nil)
	}
	if !s.ended && s.channel != nil {
		s.startIdleTimer()
	}
}

func (s *uploadSession) startIdleTimer() {
	timeout := s.registry.IdleTimeout
	s.idleTimer = time.AfterFunc(timeout, func() {
		s.enqueue(s.onIdleTimeout)
	})
}

// destroy ends the session for good: spec §3 "A session is destroyed when
// the virtual channel ends (due to success, cancellation, timeout, or
// fatal error)." Idempotent.
func (s *uploadSession) destroy(cause error) {
	if s.ended {
		return
	}
	s.ended = true

	if errors.Is(cause, ErrUploadCancelled) {
		s.logger.Info("upload cancelled", zap.String("resume_path", s.resumePath))
	} else if cause != nil {
		s.logger.Info("upload ended", zap.String("resume_path", s.resumePath), zap.Error(cause))
	} else {
		s.logger.Info("upload finished", zap.String("resume_path", s.resumePath))
	}

	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	adapter := s.attachedAdapter
	s.attachedAdapter = nil
	if adapter != nil {
		adapter.closePhysical()
		adapter.finish(cause)
	}

	s.registry.stopUpload(s)

	if s.channel != nil {
		s.channel.end(cause)
	}

	if cause != nil && s.registry.metrics != nil && errors.Is(cause, ErrUploadCancelled) {
		s.registry.metrics.incUploadsCancelled()
	}
}

// writeHeadPart, writeBodyPart, and flushPart are the virtual channel's
// egress operations (spec §4.3 "Virtual channel egress: write / flush").
// vc is checked against s.channel so that a superseded channel (there is
// never more than one per session, but the check is cheap and guards
// against any use-after-destroy) cannot mutate a live session.
func (s *uploadSession) writeHeadPart(vc *virtualChannel, status int, header http.Header) {
	if s.ended || s.channel != vc {
		return
	}
	s.responseStarted = true
	if s.attachedAdapter == nil {
		s.destroy(ErrParentNotPresent)
		return
	}
	location := ""
	if s.requestIsCreation {
		location = s.registry.Origin + s.resumePath
	}
	postProcessHead(header, s.interopVersion, s.offset, s.uploadComplete, location)
	s.attachedAdapter.writeHead(status, header)
}

func (s *uploadSession) writeBodyPart(vc *virtualChannel, p []byte) (int, error) {
	if s.ended || s.channel != vc {
		return 0, ErrParentNotPresent
	}
	if s.attachedAdapter == nil {
		s.destroy(ErrParentNotPresent)
		return 0, ErrParentNotPresent
	}
	return s.attachedAdapter.writeBody(p)
}

func (s *uploadSession) flushPart(vc *virtualChannel) {
	if s.ended || s.channel != vc {
		return
	}
	if s.attachedAdapter == nil {
		s.destroy(ErrParentNotPresent)
		return
	}
	s.attachedAdapter.flush()
}

// read implements the virtual channel's upward "read" request (spec §4.3
// "read: forward to adapter if attached; else set pendingRead"). In this
// implementation the attached adapter already pulls bytes from its
// physical request body into the channel's pipe on its own goroutine, so
// there is nothing to "forward" when attached; pendingRead exists purely
// for state-model fidelity with spec §3. Nothing in the package calls read,
// and attach only clears the flag.
func (s *uploadSession) read(vc *virtualChannel) {
	if s.ended || s.channel != vc {
		return
	}
	if s.attachedAdapter == nil {
		s.pendingRead = true
	}
}
