package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testClient returns an http.Client built the same way the crawler builds it
func testClient() *http.Client {
	return NewClient(config.HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		MaxRedirects:        5,
	}, testLogger())
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.WriteHeader(statusCodes[idx])
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantKind   utils.ErrorKind
	}{
		{"200 OK", http.StatusOK, utils.KindNone},
		{"204 No Content", http.StatusNoContent, utils.KindNone},
		{"404 Not Found", http.StatusNotFound, utils.KindFatal},
		{"410 Gone", http.StatusGone, utils.KindFatal},
		{"403 Forbidden", http.StatusForbidden, utils.KindFatal},
		{"402 Payment Required", http.StatusPaymentRequired, utils.KindFatal},
		{"408 Request Timeout", http.StatusRequestTimeout, utils.KindTransient},
		{"429 Too Many Requests", http.StatusTooManyRequests, utils.KindTransient},
		{"500 Internal Server Error", http.StatusInternalServerError, utils.KindTransient},
		{"503 Service Unavailable", http.StatusServiceUnavailable, utils.KindTransient},
		{"304 Not Modified", http.StatusNotModified, utils.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, attempts := mockServer(t, []int{tt.statusCode})
			fetcher := NewFetcher(testClient(), nil, testLogger())

			resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL)})
			assert.Equal(t, tt.wantKind, utils.Classify(err))
			assert.Equal(t, int32(1), attempts.Load(), "fetcher must not retry on its own")
			require.NotNil(t, resp)
			assert.Equal(t, tt.statusCode, resp.StatusCode)
			if err == nil {
				require.NotNil(t, resp.Body)
				resp.Body.Close()
			} else {
				assert.Nil(t, resp.Body)
			}
		})
	}
}

func TestFetch_CategorizesStatusErrors(t *testing.T) {
	server, _ := mockServer(t, []int{http.StatusNotFound})
	fetcher := NewFetcher(testClient(), nil, testLogger())

	_, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL)})
	require.Error(t, err)
	assert.Equal(t, "HTTP_404", utils.CategorizeError(err))
}

func TestFetch_ContentLengthAboveLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1000))
	}))
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL), MaxSize: 100})
	require.ErrorIs(t, err, utils.ErrTooLarge)
	assert.Equal(t, utils.KindFatal, utils.Classify(err))
	require.NotNil(t, resp)
	assert.Equal(t, int64(1000), resp.ContentLength)
}

func TestFetch_TruncatesUndeclaredBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 10; i++ {
			_, _ = w.Write(bytes.Repeat([]byte("y"), 100))
			flusher.Flush() // Chunked, no Content-Length
		}
	}))
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL), MaxSize: 250})
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, 250)
}

func TestFetch_DecodesContentEncoding(t *testing.T) {
	const payload = "<html><body>compressed page</body></html>"

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(payload))
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(payload))
	require.NoError(t, bw.Close())

	bodies := map[string][]byte{"gzip": gz.Bytes(), "br": br.Bytes()}

	for encoding, body := range bodies {
		t.Run(encoding, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), encoding)
				w.Header().Set("Content-Encoding", encoding)
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write(body)
			}))
			defer server.Close()

			fetcher := NewFetcher(testClient(), nil, testLogger())
			resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL)})
			require.NoError(t, err)
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(data))
			assert.Equal(t, "text/html", resp.ContentType)
		})
	}
}

func TestFetch_HeadHasNoBody(t *testing.T) {
	var method atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.Header().Set("Content-Type", "image/png")
	}))
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL), Method: http.MethodHead})
	require.NoError(t, err)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, http.MethodHead, method.Load())
}

func TestFetch_RedirectSetsFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/page.html", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new/page.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL+"/old")})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "/new/page.html", resp.FinalURL.Path)
}

func TestFetch_TooManyRedirectsIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	_, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL+"/a")})
	require.ErrorIs(t, err, utils.ErrOtherHTTPError)
	assert.Equal(t, utils.KindFatal, utils.Classify(err))
}

func TestFetch_CookieJar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
			return
		}
		c, err := r.Cookie("session")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	fetcher := NewFetcher(testClient(), nil, testLogger())

	resp, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL+"/login"), Jar: jar})
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL+"/private"), Jar: jar})
	require.NoError(t, err)
	resp.Body.Close()

	_, err = fetcher.Fetch(context.Background(), Request{URL: mustParse(t, server.URL+"/private")})
	assert.ErrorIs(t, err, utils.ErrClientHTTPError, "no jar, no cookie")
}

func TestFetch_Headers(t *testing.T) {
	var gotUA, gotReferer atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotReferer.Store(r.Header.Get("Referer"))
	}))
	defer server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	resp, err := fetcher.Fetch(context.Background(), Request{
		URL:       mustParse(t, server.URL+"/page"),
		UserAgent: "site-mirror-test",
		Referrer:  mustParse(t, server.URL+"/index.html#top"),
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "site-mirror-test", gotUA.Load())
	assert.Equal(t, server.URL+"/index.html", gotReferer.Load())
}

func TestRefererFor(t *testing.T) {
	tests := []struct {
		referrer string
		target   string
		want     string
	}{
		{"http://a.com/x", "http://a.com/y", "http://a.com/x"},
		{"https://a.com/x", "https://b.com/y", "https://a.com/x"},
		{"https://a.com/x", "http://a.com/y", ""}, // Downgrade
		{"ftp://a.com/x", "http://a.com/y", ""},
		{"http://user:pw@a.com/x#frag", "http://a.com/y", "http://a.com/x"},
	}
	for _, tt := range tests {
		got := refererFor(mustParse(t, tt.referrer), mustParse(t, tt.target))
		assert.Equal(t, tt.want, got, "%s -> %s", tt.referrer, tt.target)
	}
	assert.Empty(t, refererFor(nil, mustParse(t, "http://a.com/")))
}

func TestFetch_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	_, err := fetcher.Fetch(ctx, Request{URL: mustParse(t, server.URL)})
	require.Error(t, err)
	assert.Equal(t, utils.KindCanceled, utils.Classify(err))
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	fetcher := NewFetcher(testClient(), nil, testLogger())

	_, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, "gopher://a.com/")})
	assert.ErrorIs(t, err, utils.ErrScopeRejected)

	_, err = fetcher.Fetch(context.Background(), Request{URL: mustParse(t, "ftp://a.com/file.txt")})
	assert.ErrorIs(t, err, utils.ErrScopeRejected, "ftp disabled without an FTPFetcher")

	_, err = fetcher.Fetch(context.Background(), Request{})
	assert.ErrorIs(t, err, utils.ErrRequestCreation)
}

func TestFetch_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	fetcher := NewFetcher(testClient(), nil, testLogger())
	_, err := fetcher.Fetch(context.Background(), Request{URL: mustParse(t, addr)})
	require.ErrorIs(t, err, utils.ErrTransient)
	assert.Equal(t, utils.KindTransient, utils.Classify(err))
	assert.True(t, strings.HasPrefix(utils.CategorizeError(err), "Transient_"))
}
