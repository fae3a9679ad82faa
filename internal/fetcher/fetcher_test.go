package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

func init() {
	logger.IsTest = true
}

func testConfig() models.FetchConfig {
	return models.FetchConfig{
		Timeout:       time.Second,
		MaxRedirects:  3,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		MaxHTMLBytes:  1024,
		AllowedHosts:  []string{"127.0.0.1"},
	}
}

func TestFetchHTML_Success(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := New(testConfig())
	html, err := f.FetchHTML(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, html, "ok")
	assert.Contains(t, gotUA, "nfce-invoice-parser")
	assert.True(t, strings.HasPrefix(gotLang, "pt-BR"))
}

func TestFetchHTML_DecodesLatin1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		// "PÃO" in ISO-8859-1
		w.Write([]byte{'P', 0xC3, 'O'})
	}))
	defer srv.Close()

	html, err := New(testConfig()).FetchHTML(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "PÃO", html)
}

func TestFetchHTML_UndeclaredCharsetKeepsUTF8(t *testing.T) {
	page := "<html><head><title>NFC-e</title>" + strings.Repeat("<!-- cabecalho -->", 80) +
		`</head><body><span class="txtTit">AÇÚCAR CRISTAL</span></body></html>`
	require.Greater(t, strings.Index(page, "AÇÚCAR"), 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxHTMLBytes = 8 * 1024
	html, err := New(cfg).FetchHTML(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, html, `<span class="txtTit">AÇÚCAR CRISTAL</span>`)
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
	}{
		{"utf-8 without declaration", []byte("FEIJÃO"), "text/html", "FEIJÃO"},
		{"declared latin-1", []byte{'P', 0xC3, 'O'}, "text/html; charset=ISO-8859-1", "PÃO"},
		{"undeclared latin-1 bytes", []byte{'P', 0xC3, 'O'}, "text/html", "PÃO"},
		{"declared utf-8", []byte("MAÇÃ"), "text/html; charset=utf-8", "MAÇÃ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeBody(tt.body, tt.contentType))
		})
	}
}

func TestFetchHTML_RetryBoundOnTimeout(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.RetryAttempts = 1

	_, err := New(cfg).FetchHTML(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.TimedOut), "got %v", err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchHTML_NonSuccessStatusIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryAttempts = 3

	_, err := New(cfg).FetchHTML(context.Background(), srv.URL)
	require.Error(t, err)
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.FetchFailed, pe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Details["status"])
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchHTML_SizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "declared content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "4096")
				w.Write([]byte(strings.Repeat("a", 4096)))
			},
		},
		{
			name: "streamed body without length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				flusher := w.(http.Flusher)
				for i := 0; i < 8; i++ {
					w.Write([]byte(strings.Repeat("b", 512)))
					flusher.Flush()
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := New(testConfig()).FetchHTML(context.Background(), srv.URL)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.FetchFailed), "got %v", err)
		})
	}
}

func TestFetchHTML_RedirectLimit(t *testing.T) {
	var hops atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops.Add(1)
		http.Redirect(w, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(testConfig()).FetchHTML(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.FetchFailed), "got %v", err)
	assert.Equal(t, int32(4), hops.Load())
}

func TestFetchHTML_RedirectToUnlistedHostIsBlocked(t *testing.T) {
	var reachedInternal atomic.Bool
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/internal" {
			reachedInternal.Store(true)
			w.Write([]byte("<html>internal</html>"))
			return
		}
		// Same server under a host name that is not on the allow-list.
		target := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1) + "/internal"
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer srv.Close()

	html, err := New(testConfig()).FetchHTML(context.Background(), srv.URL+"/nfce")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.FetchFailed), "got %v", err)
	assert.ErrorIs(t, err, errRedirectNotAllowed)
	assert.Empty(t, html)
	assert.False(t, reachedInternal.Load())
}

func TestNew_ZeroRetryDelayIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = 0
	assert.Equal(t, time.Duration(0), New(cfg).cfg.RetryDelay)

	cfg.RetryDelay = -time.Second
	assert.Equal(t, DefaultRetryDelay, New(cfg).cfg.RetryDelay)
}

func TestFetchHTML_RejectsUnknownHost(t *testing.T) {
	_, err := New(models.FetchConfig{}).FetchHTML(context.Background(), "https://example.com/nfce?p=1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.FetchFailed))
}

func TestFetchHTML_ConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(testConfig()).FetchHTML(context.Background(), url)
	require.Error(t, err)
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.NetworkFailed, pe.Kind)
	assert.Equal(t, 2, pe.Details["attempts"])
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}
