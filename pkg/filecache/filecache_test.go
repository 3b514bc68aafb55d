package filecache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzbkk/pacprism/pkg/fetchclient"
	"github.com/tzbkk/pacprism/pkg/filecache"
	"github.com/tzbkk/pacprism/pkg/storage/local"
)

func newCache(t *testing.T, upstream *httptest.Server) *filecache.FileCache {
	t.Helper()

	store, err := local.New(context.Background(), t.TempDir())
	require.NoError(t, err)

	host := strings.TrimPrefix(upstream.URL, "http://")
	fetcher := fetchclient.New(host, fetchclient.Options{MaxRetries: 2})

	return filecache.New(store, fetcher)
}

func TestServeCacheMissFetchesAndCaches(t *testing.T) {
	var calls int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("package-bytes"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/debian/pool/main/v/vim/vim_1_amd64.deb", nil)
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "package-bytes", rec.Body.String())
	assert.Equal(t, "13", rec.Header().Get("Content-Length"))

	// Second request must not hit upstream again.
	req2 := httptest.NewRequest(http.MethodGet, "/debian/pool/main/v/vim/vim_1_amd64.deb", nil)
	rec2 := httptest.NewRecorder()
	fc.Serve(context.Background(), rec2, req2, req2.URL.Path)

	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestServeUpstream404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to fetch file from upstream.\n", rec.Body.String())
}

func TestServeConditionalIfNoneMatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/file", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	fc.Serve(context.Background(), rec2, req2, req2.URL.Path)

	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestServeRangeRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())
	assert.Equal(t, "bytes 2-4/10", rec.Header().Get("Content-Range"))
}

func TestServeRangeSuffixForm(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	req.Header.Set("Range", "bytes=-3")
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "789", rec.Body.String())
}

func TestServeRangeOpenEndedForm(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	req.Header.Set("Range", "bytes=7-")
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "789", rec.Body.String())
}

func TestServeRangeNotSatisfiable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	req.Header.Set("Range", "bytes=100-200")
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)

	// An unsatisfiable range silently falls back to a full 200 response.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Range"))
}

func TestServeRangeTakesPrecedenceOverConditional(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	rec := httptest.NewRecorder()
	fc.Serve(context.Background(), rec, req, req.URL.Path)
	etag := rec.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "/file", nil)
	req2.Header.Set("If-None-Match", etag)
	req2.Header.Set("Range", "bytes=0-2")
	rec2 := httptest.NewRecorder()
	fc.Serve(context.Background(), rec2, req2, req2.URL.Path)

	assert.Equal(t, http.StatusPartialContent, rec2.Code)
	assert.Equal(t, "012", rec2.Body.String())
}

func TestEnsureDedupesConcurrentMisses(t *testing.T) {
	var calls int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("shared"))
	}))
	defer upstream.Close()

	fc := newCache(t, upstream)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			req := httptest.NewRequest(http.MethodGet, "/shared-path", nil)
			rec := httptest.NewRecorder()
			fc.Serve(context.Background(), rec, req, req.URL.Path)
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
