package caddy_resumable_uploads

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPathPrefix is used when the module's Caddyfile/JSON config leaves
// PathPrefix empty, matching spec §6.
const defaultPathPrefix = "/resumable_upload/"

// defaultIdleTimeout is used when IdleTimeout is zero in config.
const defaultIdleTimeout = time.Hour

// uploadRegistry is the only process-wide mutable state in the handler
// (spec §4.2, §9 "Global state"). One registry is shared by every
// Middleware instance loaded from the same Caddy config, keyed by origin and
// path prefix (see registries in module.go).
type uploadRegistry struct {
	Origin      string
	PathPrefix  string
	IdleTimeout time.Duration
	Limit       uploadLimit

	mu       sync.Mutex
	sessions map[string]*uploadSession // token -> session

	metrics *metricsCollector
}

func newUploadRegistry(origin, pathPrefix string, idleTimeout time.Duration, limit uploadLimit, metrics *metricsCollector) *uploadRegistry {
	if pathPrefix == "" {
		pathPrefix = defaultPathPrefix
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &uploadRegistry{
		Origin:      origin,
		PathPrefix:  pathPrefix,
		IdleTimeout: idleTimeout,
		Limit:       limit,
		sessions:    make(map[string]*uploadSession),
		metrics:     metrics,
	}
}

// isResumption reports whether path falls under the registry's configured
// resumption prefix.
func (reg *uploadRegistry) isResumption(path string) bool {
	return strings.HasPrefix(path, reg.PathPrefix)
}

// startUpload mints a unique token, registers session under it, and returns
// the full resumption path the caller should hand back to the client as
// Location. Precondition (caller-enforced, not checked here): no collision,
// per spec §4.2 "Collisions are disallowed by precondition" -- google/uuid's
// v4 generation draws from crypto/rand, so in practice a collision here
// would indicate a catastrophic RNG failure, not a benign race.
func (reg *uploadRegistry) startUpload(session *uploadSession) string {
	token := uuid.NewString()

	reg.mu.Lock()
	reg.sessions[token] = session
	count := len(reg.sessions)
	reg.mu.Unlock()

	if reg.metrics != nil {
		reg.metrics.setActiveUploads(count)
		reg.metrics.incUploadsCreated()
	}

	return reg.PathPrefix + token
}

// stopUpload removes session from the registry by its resumePath. Idempotent.
func (reg *uploadRegistry) stopUpload(session *uploadSession) {
	token := reg.tokenOf(session.resumePath)
	if token == "" {
		return
	}

	reg.mu.Lock()
	_, existed := reg.sessions[token]
	delete(reg.sessions, token)
	count := len(reg.sessions)
	reg.mu.Unlock()

	if existed && reg.metrics != nil {
		reg.metrics.setActiveUploads(count)
	}
}

// findUpload looks up a session by full request path. The returned pointer
// is safe to hold from any goroutine; callers MUST route mutation through
// session.enqueue rather than touching fields directly (spec §5, §9
// "Cross-loop session lookup").
func (reg *uploadRegistry) findUpload(path string) (*uploadSession, bool) {
	token := reg.tokenOf(path)
	if token == "" {
		return nil, false
	}

	reg.mu.Lock()
	session, ok := reg.sessions[token]
	reg.mu.Unlock()
	return session, ok
}

func (reg *uploadRegistry) tokenOf(path string) string {
	if !strings.HasPrefix(path, reg.PathPrefix) {
		return ""
	}
	return strings.TrimPrefix(path, reg.PathPrefix)
}
