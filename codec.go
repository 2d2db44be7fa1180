package caddy_resumable_uploads

import (
	"fmt"
	"net/http"
	"strconv"
)

// interopVersion is the negotiated "Upload-Draft-Interop-Version". v4 was
// skipped by the draft series itself; requests declaring it are rejected
// the same way an out-of-range version would be. See spec Open Questions.
type interopVersion int

const (
	interopV3 interopVersion = 3
	interopV5 interopVersion = 5
	interopV6 interopVersion = 6

	// latestInteropVersion is the newest version this handler understands.
	// Every response, OPTIONS included, echoes the version the request
	// declared, so no response currently carries this constant.
	latestInteropVersion = interopV6
)

func parseInteropVersion(raw string) (interopVersion, error) {
	n, err := parseSFInteger(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedInteropVersion, err)
	}
	switch interopVersion(n) {
	case interopV3, interopV5, interopV6:
		return interopVersion(n), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedInteropVersion, n)
	}
}

// intentKind classifies an inbound request per spec §4.1.
type intentKind int

const (
	intentNone intentKind = iota
	intentCreation
	intentOffsetRetrieval
	intentAppending
	intentCancellation
	intentOptions
)

// uploadIntent is the typed result of classifying one inbound request.
type uploadIntent struct {
	kind    intentKind
	version interopVersion

	complete    bool
	hasComplete bool

	offset    int64
	hasOffset bool

	contentLength    int64
	hasContentLength bool

	uploadLength    int64
	hasUploadLength bool
}

const (
	headerInteropVersion = "Upload-Draft-Interop-Version"
	headerComplete       = "Upload-Complete"
	headerIncomplete     = "Upload-Incomplete"
	headerOffset         = "Upload-Offset"
	headerLength         = "Upload-Length"
	headerLimit          = "Upload-Limit"
	headerContentType    = "Content-Type"
	partialUploadMedia   = "application/partial-upload"
)

// classify turns an *http.Request into a typed uploadIntent, per spec §4.1.
// isResumption reports whether r.URL.Path falls under the registry's
// configured resumption prefix.
func classify(r *http.Request, isResumption bool) (uploadIntent, error) {
	rawVersion := r.Header.Get(headerInteropVersion)
	if rawVersion == "" {
		return uploadIntent{kind: intentNone}, nil
	}

	version, err := parseInteropVersion(rawVersion)
	if err != nil {
		return uploadIntent{}, err
	}

	if r.Method == http.MethodOptions {
		if err := rejectExtraHeaders(r); err != nil {
			return uploadIntent{}, err
		}
		return uploadIntent{kind: intentOptions, version: version}, nil
	}

	if isResumption {
		switch r.Method {
		case http.MethodHead:
			if err := rejectExtraHeaders(r); err != nil {
				return uploadIntent{}, err
			}
			return uploadIntent{kind: intentOffsetRetrieval, version: version}, nil
		case http.MethodDelete:
			if err := rejectExtraHeaders(r); err != nil {
				return uploadIntent{}, err
			}
			return uploadIntent{kind: intentCancellation, version: version}, nil
		case http.MethodPatch:
			return classifyAppending(r, version)
		default:
			return uploadIntent{}, ErrUnknownMethod
		}
	}

	// Non-resumption path: only creation (any method carrying the protocol
	// headers, conventionally POST) is recognized; everything else that
	// nonetheless carries Upload-Draft-Interop-Version is treated as a
	// malformed creation attempt rather than silently ignored, since the
	// client has unambiguously opted into the protocol.
	return classifyCreation(r, version)
}

func classifyCreation(r *http.Request, version interopVersion) (uploadIntent, error) {
	complete, hasComplete, err := readComplete(r, version)
	if err != nil {
		return uploadIntent{}, err
	}
	if !hasComplete {
		return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerComplete)
	}

	intent := uploadIntent{kind: intentCreation, version: version, complete: complete, hasComplete: true}

	if raw := r.Header.Get(headerOffset); raw != "" {
		offset, err := parseSFInteger(raw)
		if err != nil {
			return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerOffset)
		}
		if offset != 0 {
			return uploadIntent{}, fmt.Errorf("%w: %s must be 0 on creation", ErrExtraHeaderField, headerOffset)
		}
	}

	if raw := r.Header.Get(headerLength); raw != "" {
		n, err := parseSFInteger(raw)
		if err != nil {
			return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerLength)
		}
		intent.uploadLength = n
		intent.hasUploadLength = true
	}

	if cl := r.ContentLength; cl >= 0 {
		intent.contentLength = cl
		intent.hasContentLength = true
	}

	return intent, nil
}

func classifyAppending(r *http.Request, version interopVersion) (uploadIntent, error) {
	if version >= interopV6 {
		ct := r.Header.Get(headerContentType)
		if ct != partialUploadMedia {
			return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerContentType)
		}
	}

	complete, hasComplete, err := readComplete(r, version)
	if err != nil {
		return uploadIntent{}, err
	}
	if !hasComplete {
		return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerComplete)
	}

	rawOffset := r.Header.Get(headerOffset)
	if rawOffset == "" {
		return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerOffset)
	}
	offset, err := parseSFInteger(rawOffset)
	if err != nil {
		return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerOffset)
	}

	intent := uploadIntent{
		kind:        intentAppending,
		version:     version,
		complete:    complete,
		hasComplete: true,
		offset:      offset,
		hasOffset:   true,
	}

	if raw := r.Header.Get(headerLength); raw != "" {
		n, err := parseSFInteger(raw)
		if err != nil {
			return uploadIntent{}, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerLength)
		}
		intent.uploadLength = n
		intent.hasUploadLength = true
	}

	if cl := r.ContentLength; cl >= 0 {
		intent.contentLength = cl
		intent.hasContentLength = true
	}

	return intent, nil
}

// readComplete implements the Upload-Complete (v5+) / Upload-Incomplete (v3)
// duality.
func readComplete(r *http.Request, version interopVersion) (complete bool, present bool, err error) {
	if version >= interopV5 {
		raw := r.Header.Get(headerComplete)
		if raw == "" {
			return false, false, nil
		}
		b, err := parseSFBoolean(raw)
		if err != nil {
			return false, false, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerComplete)
		}
		return b, true, nil
	}

	raw := r.Header.Get(headerIncomplete)
	if raw == "" {
		return false, false, nil
	}
	b, err := parseSFBoolean(raw)
	if err != nil {
		return false, false, fmt.Errorf("%w: %s", ErrMissingHeaderField, headerIncomplete)
	}
	return !b, true, nil
}

// rejectExtraHeaders enforces that OPTIONS/HEAD/DELETE carry none of the
// upload-progress headers.
func rejectExtraHeaders(r *http.Request) error {
	for _, h := range []string{headerComplete, headerIncomplete, headerOffset, headerLength} {
		if r.Header.Get(h) != "" {
			return fmt.Errorf("%w: %s", ErrExtraHeaderField, h)
		}
	}
	return nil
}

// stripProtocolHeaders removes the upload-progress headers before a
// creation's request head is forwarded to the upstream application: the
// application must see an ordinary HTTP request.
func stripProtocolHeaders(h http.Header) {
	h.Del(headerComplete)
	h.Del(headerIncomplete)
	h.Del(headerOffset)
}

// setCompleteness writes the Upload-Complete/Upload-Incomplete header for
// the given version, per the duality spec §4.1 describes.
func setCompleteness(h http.Header, version interopVersion, complete bool) {
	if version >= interopV5 {
		h.Set(headerComplete, formatSFBoolean(complete))
		return
	}
	h.Set(headerIncomplete, formatSFBoolean(!complete))
}

// statusUploadResumptionSupported is the draft's non-standard 104
// informational status; net/http has no named constant for it.
const statusUploadResumptionSupported = 104

// writeInformational sends the 104 Upload Resumption Supported response
// immediately upon accepting a creation request, ahead of the final
// response.
func writeInformational(w http.ResponseWriter, version interopVersion, location string) {
	h := w.Header()
	h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	h.Set("Location", location)
	w.WriteHeader(statusUploadResumptionSupported)
}

// writeStatusWithOffset is the common shape shared by 201/409 responses:
// interop version header, completeness header, Upload-Offset, and an
// optional Location.
func writeStatusWithOffset(w http.ResponseWriter, version interopVersion, status int, offset int64, complete bool, location string) {
	h := w.Header()
	h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	setCompleteness(h, version, complete)
	h.Set(headerOffset, formatSFInteger(offset))
	if location != "" {
		h.Set("Location", location)
	}
	if status == http.StatusNotFound || status == http.StatusConflict {
		h.Set("Content-Length", "0")
	}
	w.WriteHeader(status)
}

func writeNotFound(w http.ResponseWriter, version interopVersion) {
	h := w.Header()
	if version != 0 {
		h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	}
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusNotFound)
}

func writeBadRequest(w http.ResponseWriter) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusBadRequest)
}

func writeOffsetRetrieval(w http.ResponseWriter, version interopVersion, offset int64, complete bool) {
	h := w.Header()
	h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	setCompleteness(h, version, complete)
	h.Set(headerOffset, formatSFInteger(offset))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func writeCancellation(w http.ResponseWriter, version interopVersion) {
	h := w.Header()
	h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	w.WriteHeader(http.StatusNoContent)
}

// postProcessHead augments an application-produced response head with the
// protocol headers, per spec §4.1 "Response post-processing". location is
// only set when this response concludes a creation request.
func postProcessHead(h http.Header, version interopVersion, offset int64, complete bool, location string) {
	h.Set(headerInteropVersion, strconv.Itoa(int(version)))
	setCompleteness(h, version, complete)
	h.Set(headerOffset, formatSFInteger(offset))
	if location != "" {
		h.Set("Location", location)
	}
}

// rewriteOptionsResponse applies the OPTIONS 501->200 rewrite described in
// spec §4.1. It returns the status code the codec should actually write.
func rewriteOptionsResponse(h http.Header, status int, limit uploadLimit) int {
	if status != http.StatusNotImplemented {
		return status
	}
	h.Set(headerLimit, limit.format())
	return http.StatusOK
}
