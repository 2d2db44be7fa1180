package caddy_resumable_uploads

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Interface guards
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("resumable_uploads", parseCaddyfile)
}

// registryKey identifies one (origin, path_prefix) configuration so that
// repeated Provision calls across a config reload share the same
// uploadRegistry rather than orphaning in-flight sessions, matching spec
// §4.2's "one registry per configured mount point".
type registryKey struct {
	origin     string
	pathPrefix string
}

var (
	registriesMu sync.Mutex
	registries   = map[registryKey]*uploadRegistry{}
)

// Middleware implements the resumable-upload protocol as a Caddy HTTP
// handler. Configuration names the origin new uploads are minted under,
// the path prefix resumption requests live under, how long a session
// tolerates being unattached before it is destroyed, and the limits it
// advertises to clients.
type Middleware struct {
	logger *zap.Logger

	// Origin is the scheme://host prepended to minted Location headers.
	// It has no default: Caddy modules provision once, not per-request, so
	// it cannot be derived from a request, and Validate rejects it empty.
	Origin string `json:"origin,omitempty"`

	// PathPrefix is the URL path prefix resumable-upload tokens are minted
	// under. Defaults to "/resumable_upload/".
	PathPrefix string `json:"path_prefix,omitempty"`

	// IdleTimeoutSeconds bounds how long a session survives with no
	// attached adapter before it is destroyed with TimeoutWaitingForResumption.
	// Defaults to one hour.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds,omitempty"`

	// MinSize, MaxSize, MinAppendSize, MaxAppendSize, and ExpiresSeconds
	// populate the Upload-Limit dictionary advertised on OPTIONS responses.
	// min-size is always advertised (0 by default); for the other members
	// zero means "absent", matching the dictionary's optional members.
	MinSize        int64 `json:"min_size,omitempty"`
	MaxSize        int64 `json:"max_size,omitempty"`
	MinAppendSize  int64 `json:"min_append_size,omitempty"`
	MaxAppendSize  int64 `json:"max_append_size,omitempty"`
	ExpiresSeconds int64 `json:"expires_seconds,omitempty"`

	// MetricsPath, if set, serves Prometheus metrics for this handler's
	// registry at that exact request path instead of dispatching through
	// the resumable-upload protocol.
	MetricsPath string `json:"metrics_path,omitempty"`

	// AutoReadDisabled turns off the virtual channel's autoRead option
	// (spec §4.4). When true, the upstream application must call
	// ChannelEvents.RequestRead after consuming each chunk to pull the
	// next one; when false (the default), the channel keeps pumping
	// chunks on its own.
	AutoReadDisabled bool `json:"auto_read_disabled,omitempty"`

	registry *uploadRegistry
	metrics  *metricsCollector
}

func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.resumable_uploads",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	idleTimeout := time.Duration(m.IdleTimeoutSeconds) * time.Second
	limit := uploadLimit{}
	if m.MinSize >= 0 {
		limit.MinSize = &m.MinSize
	}
	if m.MaxSize > 0 {
		limit.MaxSize = &m.MaxSize
	}
	if m.MinAppendSize > 0 {
		limit.MinAppendSize = &m.MinAppendSize
	}
	if m.MaxAppendSize > 0 {
		limit.MaxAppendSize = &m.MaxAppendSize
	}
	if m.ExpiresSeconds > 0 {
		limit.ExpiresSeconds = &m.ExpiresSeconds
	}

	key := registryKey{origin: m.Origin, pathPrefix: m.PathPrefix}

	registriesMu.Lock()
	reg, ok := registries[key]
	if !ok {
		m.metrics = newMetricsCollector()
		reg = newUploadRegistry(m.Origin, m.PathPrefix, idleTimeout, limit, m.metrics)
		registries[key] = reg
	} else {
		m.metrics = reg.metrics
	}
	registriesMu.Unlock()

	m.registry = reg

	m.logger.Info("provisioning resumable-upload handler",
		zap.String("origin", m.Origin),
		zap.String("path_prefix", reg.PathPrefix),
		zap.Duration("idle_timeout", reg.IdleTimeout))

	return nil
}

func (m *Middleware) Validate() error {
	if m.Origin == "" {
		return fmt.Errorf("resumable_uploads: origin must be set")
	}
	return nil
}

// UnmarshalCaddyfile parses:
//
//	resumable_uploads {
//	    origin https://example.com
//	    path_prefix /resumable_upload/
//	    idle_timeout 1h
//	    limit {
//	        min_size 1
//	        max_size 1073741824
//	        min_append_size 1
//	        max_append_size 1048576
//	        expires 3600
//	    }
//	    metrics_path /metrics/resumable-uploads
//	    auto_read off
//	}
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "origin":
				if !d.Args(&m.Origin) {
					return d.ArgErr()
				}
			case "path_prefix":
				if !d.Args(&m.PathPrefix) {
					return d.ArgErr()
				}
			case "idle_timeout":
				var raw string
				if !d.Args(&raw) {
					return d.ArgErr()
				}
				dur, err := time.ParseDuration(raw)
				if err != nil {
					return d.Errf("invalid idle_timeout %q: %v", raw, err)
				}
				m.IdleTimeoutSeconds = int(dur.Seconds())
			case "metrics_path":
				if !d.Args(&m.MetricsPath) {
					return d.ArgErr()
				}
			case "auto_read":
				var raw string
				if !d.Args(&raw) {
					return d.ArgErr()
				}
				switch raw {
				case "on":
					m.AutoReadDisabled = false
				case "off":
					m.AutoReadDisabled = true
				default:
					return d.Errf("invalid auto_read value %q: expected on or off", raw)
				}
			case "limit":
				for nesting := d.Nesting(); d.NextBlock(nesting); {
					if err := m.unmarshalLimitField(d); err != nil {
						return err
					}
				}
			default:
				return d.ArgErr()
			}
		}
	}
	return nil
}

func (m *Middleware) unmarshalLimitField(d *caddyfile.Dispenser) error {
	var raw string
	if !d.Args(&raw) {
		return d.ArgErr()
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return d.Errf("invalid %s value %q: %v", d.Val(), raw, err)
	}
	switch d.Val() {
	case "min_size":
		m.MinSize = n
	case "max_size":
		m.MaxSize = n
	case "min_append_size":
		m.MinAppendSize = n
	case "max_append_size":
		m.MaxAppendSize = n
	case "expires":
		m.ExpiresSeconds = n
	default:
		return d.ArgErr()
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return &m, err
}

const bodyCopyBufferSize = 32 * 1024

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, HEAD, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Upload-Draft-Interop-Version, Upload-Offset, Upload-Complete, Upload-Limit, Location")

	m.logger.Info("serving request", zap.String("method", r.Method), zap.String("path", r.URL.Path))

	if m.MetricsPath != "" && r.URL.Path == m.MetricsPath {
		promhttp.HandlerFor(prometheusRegistryFor(m.metrics), promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return nil
	}

	isResumption := m.registry.isResumption(r.URL.Path)
	intent, err := classify(r, isResumption)
	if err != nil {
		if isProtocolError(err) {
			writeBadRequest(w)
			return nil
		}
		m.logger.Error("serving request", zap.Error(err))
		return err
	}

	if m.metrics != nil {
		m.metrics.incRequests(r.Method)
	}

	switch intent.kind {
	case intentNone:
		err = next.ServeHTTP(w, r)
	case intentOptions:
		err = m.handleOptions(w, r, next, intent)
	case intentCreation:
		err = m.handleCreation(w, r, next, intent)
	case intentOffsetRetrieval:
		err = m.handleOffsetRetrieval(w, intent, r.URL.Path)
	case intentAppending:
		err = m.handleAppending(w, r, intent)
	case intentCancellation:
		err = m.handleCancellation(w, intent, r.URL.Path)
	}
	if err != nil {
		m.logger.Error("serving request", zap.Error(err))
	}
	return err
}

// handleOptions forwards straight to the upstream application through
// optionsResponseWriter: capability discovery does not need a session (see
// DESIGN.md for why this departs from a literal per-session virtual-channel
// forward).
func (m *Middleware) handleOptions(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler, intent uploadIntent) error {
	ow := &optionsResponseWriter{ResponseWriter: w, limit: m.registry.Limit, version: intent.version}
	return next.ServeHTTP(ow, r)
}

// optionsResponseWriter rewrites a 501 Not Implemented from the upstream
// application into a 200 OK carrying Upload-Limit, per spec §4.1.
type optionsResponseWriter struct {
	http.ResponseWriter
	limit       uploadLimit
	version     interopVersion
	wroteHeader bool
}

func (w *optionsResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.Header().Set(headerInteropVersion, strconv.Itoa(int(w.version)))
	status = rewriteOptionsResponse(w.Header(), status, w.limit)
	w.ResponseWriter.WriteHeader(status)
}

func (w *optionsResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (m *Middleware) handleCreation(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler, intent uploadIntent) error {
	adapter := newUploadAdapter(w, r)
	session := newUploadSession(m.registry, m.logger)

	var resumePath string
	var conflict bool
	session.call(func() {
		resumePath, conflict = session.beginCreation(adapter, intent)
	})
	if conflict {
		writeStatusWithOffset(w, intent.version, http.StatusConflict, 0, false, "")
		return nil
	}

	location := m.registry.Origin + resumePath
	writeInformational(w, intent.version, location)

	var vc *virtualChannel
	session.call(func() {
		vc = session.createVirtualChannel(next, r, !m.AutoReadDisabled)
	})

	return m.forwardBodyAndAwaitResponse(adapter, session, vc, intent)
}

func (m *Middleware) handleAppending(w http.ResponseWriter, r *http.Request, intent uploadIntent) error {
	path := r.URL.Path
	session, ok := m.registry.findUpload(path)
	if !ok {
		writeNotFound(w, intent.version)
		return nil
	}

	adapter := newUploadAdapter(w, r)
	var conflict bool
	var offset int64
	var complete bool
	session.call(func() {
		conflict, offset, complete = session.beginAppending(adapter, intent)
	})
	if conflict {
		writeStatusWithOffset(w, intent.version, http.StatusConflict, offset, complete, "")
		return nil
	}

	var vc *virtualChannel
	session.call(func() { vc = session.channel })

	return m.forwardBodyAndAwaitResponse(adapter, session, vc, intent)
}

// forwardBodyAndAwaitResponse drives the data plane for one physical leg
// (Creation or Appending): stream the request body into the virtual
// channel's pipe, accounting for offset and overflow as each chunk
// arrives, then act on how the leg ends, per spec §4.3's body/end-of-stream
// rules.
func (m *Middleware) forwardBodyAndAwaitResponse(adapter *uploadAdapter, session *uploadSession, vc *virtualChannel, intent uploadIntent) error {
	buf := make([]byte, bodyCopyBufferSize)
	for {
		if err := vc.awaitNextRead(adapter.r.Context()); err != nil {
			session.call(func() { session.adapterEnd(adapter, err) })
			return nil
		}
		n, rerr := adapter.r.Body.Read(buf)
		if n > 0 {
			var overflow bool
			session.call(func() {
				overflow = session.receiveBodyChunk(int64(n))
			})
			if overflow {
				var offset int64
				session.call(func() { offset = session.offset })
				writeStatusWithOffset(adapter.w, intent.version, http.StatusConflict, offset, false, "")
				session.call(func() { session.destroy(ErrBadResumption) })
				return nil
			}
			if _, werr := vc.pipeWriter.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			session.call(func() { session.adapterEnd(adapter, rerr) })
			return nil
		}
	}

	var action endAction
	var offset int64
	var location string
	session.call(func() {
		action, offset, location = session.receiveEnd()
	})

	switch action {
	case endForward:
		vc.pipeWriter.Close()
		return adapter.wait()
	case endReplyCreated:
		writeStatusWithOffset(adapter.w, intent.version, http.StatusCreated, offset, false, location)
		return nil
	default:
		return nil
	}
}

func (m *Middleware) handleOffsetRetrieval(w http.ResponseWriter, intent uploadIntent, path string) error {
	session, ok := m.registry.findUpload(path)
	if !ok {
		writeNotFound(w, intent.version)
		return nil
	}

	var offset int64
	var complete bool
	session.call(func() {
		session.detach(true)
		offset = session.offset
		complete = session.uploadComplete
	})

	writeOffsetRetrieval(w, intent.version, offset, complete)
	return nil
}

func (m *Middleware) handleCancellation(w http.ResponseWriter, intent uploadIntent, path string) error {
	session, ok := m.registry.findUpload(path)
	if !ok {
		writeNotFound(w, intent.version)
		return nil
	}

	session.call(func() {
		session.destroy(ErrUploadCancelled)
	})

	writeCancellation(w, intent.version)
	return nil
}
