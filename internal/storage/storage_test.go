package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVideo(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLocalPublish(t *testing.T) {
	id := uuid.New()
	p := writeVideo(t, "mp4 bytes")

	url, err := NewLocal("").Publish(context.Background(), id, p)
	require.NoError(t, err)
	assert.Equal(t, "/videos/"+id.String()+".mp4", url)

	url, err = NewLocal("https://render.example.com").Publish(context.Background(), id, p)
	require.NoError(t, err)
	assert.Equal(t, "https://render.example.com/videos/"+id.String()+".mp4", url)

	_, err = NewLocal("").Publish(context.Background(), id, filepath.Join(t.TempDir(), "missing.mp4"))
	assert.ErrorContains(t, err, "output missing")

	_, err = NewLocal("").Publish(context.Background(), id, writeVideo(t, ""))
	assert.ErrorContains(t, err, "empty")
}

func newTestSupabase(url string) *Supabase {
	s := NewSupabase(url, "service-key", "rendered-videos", nil)
	s.retryBase = time.Millisecond
	return s
}

func TestSupabasePublishRetriesTransientFailures(t *testing.T) {
	id := uuid.New()
	var attempts int32
	var mu sync.Mutex
	var gotBody, gotPath, gotAuth, gotType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotPath = string(body), r.URL.Path
		gotAuth, gotType = r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	url, err := newTestSupabase(srv.URL).Publish(context.Background(), id, writeVideo(t, "final video"))
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, srv.URL+"/storage/v1/object/public/rendered-videos/videos/"+id.String()+".mp4", url)
	assert.Equal(t, "/storage/v1/object/rendered-videos/videos/"+id.String()+".mp4", gotPath)
	assert.Equal(t, "final video", gotBody, "every attempt resends the whole file")
	assert.Equal(t, "Bearer service-key", gotAuth)
	assert.Equal(t, "video/mp4", gotType)
}

func TestSupabasePublishStopsOnClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, `{"error":"Payload too large"}`, http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	_, err := newTestSupabase(srv.URL).Publish(context.Background(), uuid.New(), writeVideo(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 413")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestSupabasePublishGivesUp(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestSupabase(srv.URL).Publish(context.Background(), uuid.New(), writeVideo(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 5 attempts")
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&attempts))
}

func TestRetryDelay(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(time.Second, attempt)
		floor := time.Second << (attempt - 1)
		if floor > maxRetryDelay {
			floor = maxRetryDelay
		}
		assert.GreaterOrEqual(t, d, floor)
		assert.LessOrEqual(t, d, floor+floor/4)
	}
}

func TestS3Publish(t *testing.T) {
	id := uuid.New()
	var mu sync.Mutex
	var method, path, contentType, body string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, contentType, body = r.Method, r.URL.Path, r.Header.Get("Content-Type"), string(data)
		mu.Unlock()
		w.Header().Set("ETag", `"9b2cf535f27731c974343645a3985328"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint := srv.Listener.Addr().String()
	s3, err := NewS3(S3Options{
		Endpoint:  endpoint,
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "rendered-videos",
		Region:    "us-east-1",
	}, nil)
	require.NoError(t, err)

	url, err := s3.Publish(context.Background(), id, writeVideo(t, "s3 video"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/rendered-videos/videos/"+id.String()+".mp4", path)
	assert.Equal(t, "video/mp4", contentType)
	// Plain-HTTP endpoints get a chunk-signed payload
	assert.Contains(t, body, "s3 video")
	assert.Equal(t, "http://"+endpoint+"/rendered-videos/videos/"+id.String()+".mp4", url)
}

func TestS3PublicURLOverride(t *testing.T) {
	s3, err := NewS3(S3Options{
		Endpoint:  "minio:9000",
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "v",
		PublicURL: "https://cdn.example.com/v/",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v", s3.publicURL)
}
