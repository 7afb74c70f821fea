package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type memStore struct {
	mu      sync.Mutex
	records []storage.UploadRecord
}

func (m *memStore) SaveUpload(_ context.Context, record storage.UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) ListUploads(_ context.Context, ownerID string) ([]storage.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.UploadRecord
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, endpoint string) (*Client, *memStore) {
	t.Helper()
	store := &memStore{}
	c := NewClient(config.UploadConfig{
		Endpoint:    endpoint,
		APIKey:      "secret",
		MaxAttempts: 3,
		FallbackDir: t.TempDir(),
		MaxSize:     1 << 10,
	}, store, zerolog.Nop())
	c.retryDelay = time.Millisecond
	return c, store
}

func TestUploadToService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "u1", r.FormValue("owner_id"))
		assert.Equal(t, "freelancer", r.FormValue("role"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, pngHeader, data)
		assert.Equal(t, "avatar.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/avatar.png"}`))
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	rec, err := c.Upload(context.Background(), Request{
		OwnerID:  "u1",
		Role:     "freelancer",
		Filename: "../../avatar.png",
		Data:     pngHeader,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "https://cdn.example.com/avatar.png", rec.URL)
	assert.Equal(t, "image/png", rec.ContentType)
	assert.False(t, rec.Fallback)

	saved, err := store.ListUploads(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)
}

func TestUploadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/x"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	rec, err := c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "x.png", Data: pngHeader})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "https://cdn.example.com/x", rec.URL)
}

func TestUploadGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	_, err := c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "x.png", Data: pngHeader})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, store.records)
}

func TestUploadPolicyBlockFallsBackToDisk(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusUnavailableForLegalReasons} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c, store := newTestClient(t, srv.URL)
			rec, err := c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "scan.png", Data: pngHeader})
			require.NoError(t, err)

			assert.Equal(t, int32(1), calls.Load())
			assert.True(t, rec.Fallback)
			assert.True(t, strings.HasPrefix(rec.URL, "file://"))

			path := filepath.Join(c.fallbackDir, "u1", rec.ID+"-scan.png")
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, pngHeader, data)
			assert.Len(t, store.records, 1)
		})
	}
}

func TestUploadClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad file", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "x.png", Data: pngHeader})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadWithoutEndpointUsesFallback(t *testing.T) {
	c, _ := newTestClient(t, "")
	rec, err := c.Upload(context.Background(), Request{OwnerID: "u2", Filename: "", Data: []byte("plain notes\n")})
	require.NoError(t, err)
	assert.True(t, rec.Fallback)
	assert.Equal(t, "upload.txt", rec.Filename)
	assert.True(t, strings.HasPrefix(rec.ContentType, "text/plain"))
}

func TestUploadValidation(t *testing.T) {
	c, _ := newTestClient(t, "")

	_, err := c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "a"})
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = c.Upload(context.Background(), Request{OwnerID: "u1", Filename: "a", Data: make([]byte, 2<<10)})
	assert.ErrorIs(t, err, ErrTooLarge)
}
