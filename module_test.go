package caddy_resumable_uploads

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoHandler reads the whole request body, then writes it back verbatim
// with status 200, standing in for "the upstream application" throughout
// these tests.
func echoHandler() caddyhttp.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	}
}

func newTestMiddleware(t *testing.T, origin string, idleTimeout time.Duration) *Middleware {
	t.Helper()
	m := &Middleware{
		Origin:      origin,
		PathPrefix:  "/resumable_upload/",
		MaxSize:     1 << 20,
		logger:      zap.NewNop(),
		metrics:     newMetricsCollector(),
	}
	m.registry = newUploadRegistry(m.Origin, m.PathPrefix, idleTimeout, uploadLimit{MaxSize: &m.MaxSize}, m.metrics)
	return m
}

func newTestServer(t *testing.T, m *Middleware, next caddyhttp.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.ServeHTTP(w, r, next); err != nil {
			t.Logf("handler error: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreation_CleanSmallUpload(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	var got1xx bool
	trace := &httptrace.ClientTrace{
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			if code == statusUploadResumptionSupported {
				got1xx = true
			}
			return nil
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(context.Background(), trace), http.MethodPost, srv.URL+"/new", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set(headerInteropVersion, "6")
	req.Header.Set(headerComplete, "?1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, got1xx, "expected a 104 Upload Resumption Supported informational response")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "?1", resp.Header.Get(headerComplete))
	assert.Equal(t, "5", resp.Header.Get(headerOffset))
}

func TestCreation_TwoSegmentResumption(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	createReq, err := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("abc"))
	require.NoError(t, err)
	createReq.Header.Set(headerInteropVersion, "6")
	createReq.Header.Set(headerComplete, "?0")

	createResp, err := srv.Client().Do(createReq)
	require.NoError(t, err)
	io.Copy(io.Discard, createResp.Body)
	createResp.Body.Close()

	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	location := createResp.Header.Get("Location")
	require.NotEmpty(t, location)
	assert.Equal(t, "3", createResp.Header.Get(headerOffset))
	assert.Equal(t, "?0", createResp.Header.Get(headerComplete))

	// Location carries the configured origin; send to the test server instead.
	patchReq, err := http.NewRequest(http.MethodPatch, srv.URL+strings.TrimPrefix(location, m.Origin), strings.NewReader("def"))
	require.NoError(t, err)
	patchReq.Header.Set(headerInteropVersion, "6")
	patchReq.Header.Set(headerComplete, "?1")
	patchReq.Header.Set(headerOffset, "3")
	patchReq.Header.Set(headerContentType, partialUploadMedia)

	patchResp, err := srv.Client().Do(patchReq)
	require.NoError(t, err)
	defer patchResp.Body.Close()

	body, err := io.ReadAll(patchResp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, patchResp.StatusCode)
	assert.Equal(t, "abcdef", string(body))
	assert.Equal(t, "6", patchResp.Header.Get(headerOffset))
	assert.Equal(t, "?1", patchResp.Header.Get(headerComplete))
}

func TestAppending_OffsetMismatchConflict(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("abc"))
	createReq.Header.Set(headerInteropVersion, "6")
	createReq.Header.Set(headerComplete, "?0")
	createResp, err := srv.Client().Do(createReq)
	require.NoError(t, err)
	io.Copy(io.Discard, createResp.Body)
	createResp.Body.Close()
	location := createResp.Header.Get("Location")

	patchReq, _ := http.NewRequest(http.MethodPatch, srv.URL+strings.TrimPrefix(location, m.Origin), strings.NewReader("zz"))
	patchReq.Header.Set(headerInteropVersion, "6")
	patchReq.Header.Set(headerComplete, "?1")
	patchReq.Header.Set(headerOffset, "0") // wrong: server is at offset 3
	patchReq.Header.Set(headerContentType, partialUploadMedia)

	patchResp, err := srv.Client().Do(patchReq)
	require.NoError(t, err)
	defer patchResp.Body.Close()

	assert.Equal(t, http.StatusConflict, patchResp.StatusCode)
	assert.Equal(t, "3", patchResp.Header.Get(headerOffset))
}

func TestOffsetRetrieval_ReportsCurrentOffset(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("abc"))
	createReq.Header.Set(headerInteropVersion, "6")
	createReq.Header.Set(headerComplete, "?0")
	createResp, err := srv.Client().Do(createReq)
	require.NoError(t, err)
	io.Copy(io.Discard, createResp.Body)
	createResp.Body.Close()
	location := createResp.Header.Get("Location")

	headReq, _ := http.NewRequest(http.MethodHead, srv.URL+strings.TrimPrefix(location, m.Origin), nil)
	headReq.Header.Set(headerInteropVersion, "6")

	headResp, err := srv.Client().Do(headReq)
	require.NoError(t, err)
	defer headResp.Body.Close()

	assert.Equal(t, http.StatusNoContent, headResp.StatusCode)
	assert.Equal(t, "3", headResp.Header.Get(headerOffset))
	assert.Equal(t, "?0", headResp.Header.Get(headerComplete))
}

func TestCancellation_ThenNotFound(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("abc"))
	createReq.Header.Set(headerInteropVersion, "6")
	createReq.Header.Set(headerComplete, "?0")
	createResp, err := srv.Client().Do(createReq)
	require.NoError(t, err)
	io.Copy(io.Discard, createResp.Body)
	createResp.Body.Close()
	location := createResp.Header.Get("Location")

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+strings.TrimPrefix(location, m.Origin), nil)
	delReq.Header.Set(headerInteropVersion, "6")
	delResp, err := srv.Client().Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	headReq, _ := http.NewRequest(http.MethodHead, srv.URL+strings.TrimPrefix(location, m.Origin), nil)
	headReq.Header.Set(headerInteropVersion, "6")
	headResp, err := srv.Client().Do(headReq)
	require.NoError(t, err)
	headResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, headResp.StatusCode)
}

func TestIdleTimeout_DestroysSession(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", 20*time.Millisecond)
	srv := newTestServer(t, m, echoHandler())

	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("abc"))
	createReq.Header.Set(headerInteropVersion, "6")
	createReq.Header.Set(headerComplete, "?0")
	createResp, err := srv.Client().Do(createReq)
	require.NoError(t, err)
	io.Copy(io.Discard, createResp.Body)
	createResp.Body.Close()
	location := createResp.Header.Get("Location")

	require.Eventually(t, func() bool {
		headReq, _ := http.NewRequest(http.MethodHead, srv.URL+strings.TrimPrefix(location, m.Origin), nil)
		headReq.Header.Set(headerInteropVersion, "6")
		resp, err := srv.Client().Do(headReq)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond, "session should be destroyed after idle timeout")
}

func TestServeHTTP_SetsCORSHeaders(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	srv := newTestServer(t, m, echoHandler())

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/resumable_upload/anything", nil)
	req.Header.Set(headerInteropVersion, "6")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Upload-Offset")
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Upload-Complete")
}

func TestAutoReadDisabled_RequiresManualRequestRead(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	m.AutoReadDisabled = true

	pulled := make(chan struct{}, 1)
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		events := EventsFromContext(r.Context())
		require.NotNil(t, events)
		events.RequestRead()
		pulled <- struct{}{}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	})
	srv := newTestServer(t, m, next)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/new", strings.NewReader("hello"))
	req.Header.Set(headerInteropVersion, "6")
	req.Header.Set(headerComplete, "?1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	select {
	case <-pulled:
	case <-time.After(time.Second):
		t.Fatal("application never observed RequestRead unblocking the pump")
	}

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}

func TestOptions_AdvertisesUploadLimit(t *testing.T) {
	t.Parallel()

	m := newTestMiddleware(t, "http://example.test", time.Hour)
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNotImplemented)
		return nil
	})
	srv := newTestServer(t, m, next)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/resumable_upload/anything", nil)
	req.Header.Set(headerInteropVersion, "6")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(headerLimit), "max-size=1048576")
}
