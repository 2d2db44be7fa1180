package caddy_resumable_uploads

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_NoVersionHeaderIsNone(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	intent, err := classify(r, false)
	require.NoError(t, err)
	assert.Equal(t, intentNone, intent.kind)
}

func TestClassify_UnsupportedVersionIsRejected(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/new", nil)
	r.Header.Set(headerInteropVersion, "4")
	_, err := classify(r, false)
	assert.ErrorIs(t, err, ErrUnsupportedInteropVersion)
}

func TestClassify_CreationRequiresCompleteHeader(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/new", nil)
	r.Header.Set(headerInteropVersion, "6")
	_, err := classify(r, false)
	assert.ErrorIs(t, err, ErrMissingHeaderField)
}

func TestClassify_CreationWithV3UsesIncompleteHeader(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/new", nil)
	r.Header.Set(headerInteropVersion, "3")
	r.Header.Set(headerIncomplete, "?0")
	intent, err := classify(r, false)
	require.NoError(t, err)
	assert.Equal(t, intentCreation, intent.kind)
	assert.True(t, intent.complete)
}

func TestClassify_ResumptionPathUnknownMethodRejected(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPut, "/resumable_upload/abc", nil)
	r.Header.Set(headerInteropVersion, "6")
	_, err := classify(r, true)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestClassify_AppendingRequiresOffset(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPatch, "/resumable_upload/abc", nil)
	r.Header.Set(headerInteropVersion, "6")
	r.Header.Set(headerComplete, "?0")
	r.Header.Set(headerContentType, partialUploadMedia)
	_, err := classify(r, true)
	assert.ErrorIs(t, err, ErrMissingHeaderField)
}

func TestClassify_AppendingV6RequiresPartialUploadContentType(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPatch, "/resumable_upload/abc", nil)
	r.Header.Set(headerInteropVersion, "6")
	r.Header.Set(headerComplete, "?0")
	r.Header.Set(headerOffset, "0")
	_, err := classify(r, true)
	assert.ErrorIs(t, err, ErrMissingHeaderField)
}

func TestClassify_HeadAndDeleteRejectExtraHeaders(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodHead, "/resumable_upload/abc", nil)
	r.Header.Set(headerInteropVersion, "6")
	r.Header.Set(headerOffset, "0")
	_, err := classify(r, true)
	assert.ErrorIs(t, err, ErrExtraHeaderField)

	d := httptest.NewRequest(http.MethodDelete, "/resumable_upload/abc", nil)
	d.Header.Set(headerInteropVersion, "6")
	d.Header.Set(headerComplete, "?1")
	_, err = classify(d, true)
	assert.ErrorIs(t, err, ErrExtraHeaderField)
}

func TestPostProcessHead_SetsLocationOnlyWhenGiven(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	postProcessHead(h, interopV6, 42, true, "")
	assert.Equal(t, "42", h.Get(headerOffset))
	assert.Equal(t, "?1", h.Get(headerComplete))
	assert.Empty(t, h.Get("Location"))

	h2 := http.Header{}
	postProcessHead(h2, interopV6, 0, false, "https://example.test/resumable_upload/abc")
	assert.Equal(t, "https://example.test/resumable_upload/abc", h2.Get("Location"))
}

func TestRewriteOptionsResponse_OnlyRewritesNotImplemented(t *testing.T) {
	t.Parallel()

	max := int64(10)
	limit := uploadLimit{MaxSize: &max}

	h := http.Header{}
	status := rewriteOptionsResponse(h, http.StatusNotImplemented, limit)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "max-size=10", h.Get(headerLimit))

	h2 := http.Header{}
	status2 := rewriteOptionsResponse(h2, http.StatusOK, limit)
	assert.Equal(t, http.StatusOK, status2)
	assert.Empty(t, h2.Get(headerLimit))
}
