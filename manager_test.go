package imgcache

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onePixelPNG is a valid 1x1 PNG for decode-validation tests.
var onePixelPNG = func() []byte {
	const b64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panic(err)
	}
	return data
}()

type resolveResult struct {
	res Result
	err error
}

func resolveWait(t *testing.T, m *Manager, url string, opts ResolveOptions) resolveResult {
	t.Helper()
	ch := make(chan resolveResult, 4)
	_, err := m.Resolve(url, opts, nil, func(res Result, err error) {
		ch <- resolveResult{res, err}
	})
	require.NoError(t, err)
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not complete")
		return resolveResult{}
	}
}

// byteServer serves a fixed payload and counts requests.
func byteServer(t *testing.T, payload []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestResolveFetchesThenServesFromMemory(t *testing.T) {
	t.Parallel()

	payload := []byte("fresh bytes")
	srv, hits := byteServer(t, payload)

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)

	got := resolveWait(t, m, srv.URL, ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, payload, got.res.Data)
	assert.Equal(t, TierNone, got.res.Tier)
	assert.Equal(t, srv.URL, got.res.URL)
	assert.True(t, got.res.Finished)

	got = resolveWait(t, m, srv.URL, ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, payload, got.res.Data)
	assert.Equal(t, TierMemory, got.res.Tier)
	assert.Equal(t, int32(1), hits.Load(), "second resolve must not hit the network")
}

func TestResolveServesFromDisk(t *testing.T) {
	t.Parallel()

	payload := []byte("durable bytes")
	srv, hits := byteServer(t, payload)

	m, err := New(WithDecoder(nil), WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(m.Cache().Close)

	got := resolveWait(t, m, srv.URL, ResolveOptions{})
	require.NoError(t, got.err)

	// Drop the fast tier; the next resolve must come from disk, not network.
	m.Cache().ClearMemory()
	require.True(t, m.Cache().ContainsOnDisk(srv.URL))

	got = resolveWait(t, m, srv.URL, ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, payload, got.res.Data)
	assert.Equal(t, TierDisk, got.res.Tier)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveCacheMemoryOnlySkipsDisk(t *testing.T) {
	t.Parallel()

	srv, _ := byteServer(t, []byte("ephemeral"))

	m, err := New(WithDecoder(nil), WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(m.Cache().Close)

	got := resolveWait(t, m, srv.URL, ResolveOptions{CacheMemoryOnly: true})
	require.NoError(t, got.err)

	_, ok := m.Cache().Get(srv.URL)
	assert.True(t, ok)
	assert.False(t, m.Cache().ContainsOnDisk(srv.URL))
}

func TestResolveBlacklistsFailedURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)

	got := resolveWait(t, m, srv.URL, ResolveOptions{})
	var terr *TransportError
	require.ErrorAs(t, got.err, &terr)

	// Second resolve short-circuits without a request.
	got = resolveWait(t, m, srv.URL, ResolveOptions{})
	assert.ErrorIs(t, got.err, ErrBlacklisted)
	assert.Equal(t, int32(1), hits.Load())

	// RetryFailed clears the entry and fetches again.
	got = resolveWait(t, m, srv.URL, ResolveOptions{RetryFailed: true})
	require.ErrorAs(t, got.err, &terr)
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolveWithoutFailureBlacklist(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	m, err := New(WithDecoder(nil), WithoutFailureBlacklist())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got := resolveWait(t, m, srv.URL, ResolveOptions{})
		assert.Error(t, got.err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolveCanceledFetchIsNotBlacklisted(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 2)
	canceled := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-r.Context().Done()
		canceled <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)

	op, err := m.Resolve(srv.URL, ResolveOptions{}, nil, func(Result, error) {
		t.Error("canceled resolve delivered a callback")
	})
	require.NoError(t, err)
	<-entered
	op.Cancel()
	<-canceled
	assert.False(t, m.IsBusy())

	// The cancellation must not poison the URL: a later resolve reaches the
	// transport again instead of short-circuiting on the blacklist.
	op2, err := m.Resolve(srv.URL, ResolveOptions{}, nil, nil)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second resolve never reached the transport")
	}
	op2.Cancel()
	<-canceled
}

func TestResolveShouldFetchDeclined(t *testing.T) {
	t.Parallel()

	m, err := New(
		WithDecoder(nil),
		WithShouldFetch(func(string) bool { return false }),
	)
	require.NoError(t, err)

	got := resolveWait(t, m, "https://example.com/never-fetched.png", ResolveOptions{})
	require.NoError(t, got.err, "a declined fetch is an empty success")
	assert.Nil(t, got.res.Data)
	assert.Equal(t, TierNone, got.res.Tier)
	assert.True(t, got.res.Finished)
}

func TestResolveShouldFetchStillServesCache(t *testing.T) {
	t.Parallel()

	m, err := New(
		WithDecoder(nil),
		WithShouldFetch(func(string) bool { return false }),
	)
	require.NoError(t, err)

	const url = "https://example.com/seeded.png"
	m.Cache().Store(url, []byte("seeded"), 0, false, nil)

	got := resolveWait(t, m, url, ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, []byte("seeded"), got.res.Data)
	assert.Equal(t, TierMemory, got.res.Tier)
}

func TestResolveRefreshCachedDeliversTwice(t *testing.T) {
	t.Parallel()

	srv, hits := byteServer(t, []byte("new"))

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)
	m.Cache().Store(srv.URL, []byte("old"), 0, false, nil)

	ch := make(chan resolveResult, 2)
	_, err = m.Resolve(srv.URL, ResolveOptions{RefreshCached: true}, nil, func(res Result, err error) {
		ch <- resolveResult{res, err}
	})
	require.NoError(t, err)

	first := <-ch
	require.NoError(t, first.err)
	assert.Equal(t, []byte("old"), first.res.Data)
	assert.Equal(t, TierMemory, first.res.Tier)
	assert.False(t, first.res.Finished, "cached delivery precedes the network result")

	second := <-ch
	require.NoError(t, second.err)
	assert.Equal(t, []byte("new"), second.res.Data)
	assert.Equal(t, TierNone, second.res.Tier)
	assert.True(t, second.res.Finished)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveNotModifiedServesCachedBytes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)
	m.Cache().Store(srv.URL, []byte("cached"), 0, false, nil)

	ch := make(chan resolveResult, 2)
	_, err = m.Resolve(srv.URL, ResolveOptions{RefreshCached: true}, nil, func(res Result, err error) {
		ch <- resolveResult{res, err}
	})
	require.NoError(t, err)

	<-ch // cached delivery
	revalidated := <-ch
	require.NoError(t, revalidated.err)
	assert.Equal(t, []byte("cached"), revalidated.res.Data, "not-modified must fall back to cached bytes")
	assert.Equal(t, TierMemory, revalidated.res.Tier)
	assert.True(t, revalidated.res.Finished)
}

func TestResolveTransformAppliedBeforeCaching(t *testing.T) {
	t.Parallel()

	srv, _ := byteServer(t, []byte("raw"))

	m, err := New(
		WithDecoder(nil),
		WithTransform(func(url string, data []byte) []byte {
			return append(data, []byte("+cooked")...)
		}),
	)
	require.NoError(t, err)

	got := resolveWait(t, m, srv.URL, ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, []byte("raw+cooked"), got.res.Data)

	cached, ok := m.Cache().Get(srv.URL)
	require.True(t, ok)
	assert.Equal(t, []byte("raw+cooked"), cached, "the cache holds the transformed bytes")
}

func TestResolveNilTransformResultFails(t *testing.T) {
	t.Parallel()

	srv, _ := byteServer(t, []byte("raw"))

	m, err := New(
		WithDecoder(nil),
		WithTransform(func(string, []byte) []byte { return nil }),
	)
	require.NoError(t, err)

	got := resolveWait(t, m, srv.URL, ResolveOptions{})
	var derr *DecodeError
	assert.ErrorAs(t, got.err, &derr)
}

func TestResolveDecodeValidation(t *testing.T) {
	t.Parallel()

	t.Run("valid image passes", func(t *testing.T) {
		t.Parallel()
		srv, _ := byteServer(t, onePixelPNG)

		m, err := New()
		require.NoError(t, err)

		got := resolveWait(t, m, srv.URL, ResolveOptions{})
		require.NoError(t, got.err)
		assert.Equal(t, onePixelPNG, got.res.Data)
	})

	t.Run("undecodable payload fails", func(t *testing.T) {
		t.Parallel()
		srv, _ := byteServer(t, []byte("this is not an image"))

		m, err := New()
		require.NoError(t, err)

		got := resolveWait(t, m, srv.URL, ResolveOptions{})
		var derr *DecodeError
		require.ErrorAs(t, got.err, &derr)

		_, ok := m.Cache().Get(srv.URL)
		assert.False(t, ok, "rejected payloads must not be cached")
	})
}

func TestResolveInvalidURL(t *testing.T) {
	t.Parallel()

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)

	_, err = m.Resolve("", ResolveOptions{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestCacheKeyFilterCollapsesVariants(t *testing.T) {
	t.Parallel()

	srv, hits := byteServer(t, []byte("shared"))

	m, err := New(
		WithDecoder(nil),
		WithCacheKeyFilter(func(url string) string {
			if i := strings.IndexByte(url, '?'); i >= 0 {
				return url[:i]
			}
			return url
		}),
	)
	require.NoError(t, err)

	got := resolveWait(t, m, srv.URL+"/pic.png?token=a", ResolveOptions{})
	require.NoError(t, got.err)

	got = resolveWait(t, m, srv.URL+"/pic.png?token=b", ResolveOptions{})
	require.NoError(t, got.err)
	assert.Equal(t, TierMemory, got.res.Tier)
	assert.Equal(t, int32(1), hits.Load(), "signed variants of one resource share a cache entry")
	assert.Equal(t, srv.URL+"/pic.png", m.CacheKeyFor(srv.URL+"/pic.png?token=c"))
}

func TestCancelAllAndIsBusy(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	m, err := New(WithDecoder(nil))
	require.NoError(t, err)
	assert.False(t, m.IsBusy())

	for _, path := range []string{"/a", "/b"} {
		_, err := m.Resolve(srv.URL+path, ResolveOptions{}, nil, nil)
		require.NoError(t, err)
	}
	<-entered
	<-entered
	assert.True(t, m.IsBusy())

	m.CancelAll()
	assert.False(t, m.IsBusy())
}

func TestDefaultManagerIsSingleton(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	require.NotNil(t, a)
	assert.Same(t, a, b)
}
