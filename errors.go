package caddy_resumable_uploads

import "errors"

// Session-lifecycle errors. These are delivered to the upstream application
// as errorCaught(err) followed by inactive; they never reach the wire as an
// HTTP status because, by the time one of these fires, the response (if any)
// has already been handed off to the application.
var (
	// ErrUploadCancelled is reported when the client sends DELETE for the
	// resumption path while the virtual channel is still active.
	ErrUploadCancelled = errors.New("rufh: upload cancelled")

	// ErrParentNotPresent is reported when the virtual channel tries to
	// write or flush while no adapter is attached.
	ErrParentNotPresent = errors.New("rufh: no adapter attached to session")

	// ErrTimeoutWaitingForResumption is reported when the idle timer fires
	// before a resumption attempt re-attaches an adapter.
	ErrTimeoutWaitingForResumption = errors.New("rufh: timed out waiting for resumption")

	// ErrBadResumption is reported when an Appending request conflicts with
	// session state (offset mismatch, already attached, already responded,
	// or disagreeing upload length).
	ErrBadResumption = errors.New("rufh: bad resumption attempt")
)

// Protocol parse errors. Each is fully recovered by the codec into a 400
// response with Content-Length: 0; none of these ever reach the application.
var (
	ErrUnsupportedInteropVersion = errors.New("rufh: unsupported Upload-Draft-Interop-Version")
	ErrUnknownMethod             = errors.New("rufh: unknown method for resumption path")
	ErrInvalidPath               = errors.New("rufh: invalid resumption path")
	ErrMissingHeaderField        = errors.New("rufh: missing required header field")
	ErrExtraHeaderField          = errors.New("rufh: unexpected header field present")
)

// isProtocolError reports whether err is one of the parse errors above, all
// of which the codec maps to a 400 response.
func isProtocolError(err error) bool {
	switch {
	case errors.Is(err, ErrUnsupportedInteropVersion),
		errors.Is(err, ErrUnknownMethod),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrMissingHeaderField),
		errors.Is(err, ErrExtraHeaderField):
		return true
	default:
		return false
	}
}
