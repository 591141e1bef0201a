package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTransport struct {
	calls int32
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return nil, errors.New("network must not be used")
}

func TestAllowlistMatching(t *testing.T) {
	a := NewAllowlist([]string{"pexels.com", " CDN.Pixabay.com ", "", ".freesound.org", "pexels.com"})

	assert.Equal(t, []string{"pexels.com", "cdn.pixabay.com", "freesound.org"}, a.Domains())

	allowed := []string{"pexels.com", "images.pexels.com", "a.b.pexels.com", "cdn.pixabay.com", "CDN.PIXABAY.COM.", "freesound.org"}
	for _, h := range allowed {
		assert.True(t, a.AllowsHost(h), h)
	}

	denied := []string{"", "evilpexels.com", "pexels.com.evil.net", "pixabay.com", "xcdn.pixabay.com", "localhost"}
	for _, h := range denied {
		assert.False(t, a.AllowsHost(h), h)
	}
}

func TestAllowlistCheck(t *testing.T) {
	a := NewAllowlist([]string{"pexels.com"})

	_, err := a.Check("https://images.pexels.com/photo.jpg")
	assert.NoError(t, err)
	_, err = a.Check("http://pexels.com:8080/x")
	assert.NoError(t, err)

	for _, raw := range []string{
		"ftp://images.pexels.com/photo.jpg",
		"file:///etc/passwd",
		"https://evil.com/photo.jpg",
		"https://pexels.com@evil.com/photo.jpg",
		"//images.pexels.com/x",
		"::not a url",
	} {
		_, err := a.Check(raw)
		assert.ErrorIs(t, err, ErrDisallowed, raw)
	}
}

func TestFetchDisallowedDoesNoNetworkIO(t *testing.T) {
	transport := &countingTransport{}
	f := New(NewAllowlist([]string{"pexels.com"}), Options{}, nil)
	f.client.SetTransport(transport)

	dest := filepath.Join(t.TempDir(), "raw", "item.jpg")
	err := f.Fetch(context.Background(), "https://attacker.example/payload", dest)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisallowed)
	assert.Zero(t, atomic.LoadInt32(&transport.calls))
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
	assert.NoDirExists(t, filepath.Dir(dest))
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("voiceover-bytes"))
	}))
	defer srv.Close()

	f := New(NewAllowlist([]string{"127.0.0.1"}), Options{Timeout: 5 * time.Second}, nil)
	dest := filepath.Join(t.TempDir(), "voice.mp3")

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/voice.mp3", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "voiceover-bytes", string(data))
	assert.NoFileExists(t, dest+".part")
}

func TestFetchNon2xxRemovesPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer srv.Close()

	f := New(NewAllowlist([]string{"127.0.0.1"}), Options{}, nil)
	dest := filepath.Join(t.TempDir(), "clip.mp4")

	err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", dest)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestFetchTimeoutRemovesPartialFile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(NewAllowlist([]string{"127.0.0.1"}), Options{Timeout: 200 * time.Millisecond}, nil)
	dest := filepath.Join(t.TempDir(), "slow.mp4")

	err := f.Fetch(context.Background(), srv.URL+"/slow.mp4", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestFetchRejectsRedirectOffAllowlist(t *testing.T) {
	var hits int32
	outside := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("secret"))
	}))
	defer outside.Close()

	// Same listener, but addressed by a host name that is not allowlisted
	target := strings.Replace(outside.URL, "127.0.0.1", "localhost", 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target+"/internal", http.StatusFound)
	}))
	defer srv.Close()

	f := New(NewAllowlist([]string{"127.0.0.1"}), Options{}, nil)
	dest := filepath.Join(t.TempDir(), "redirect.jpg")

	err := f.Fetch(context.Background(), srv.URL+"/image.jpg", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisallowed)
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.NoFileExists(t, dest)
}

func TestFetchEnforcesMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	f := New(NewAllowlist([]string{"127.0.0.1"}), Options{MaxBytes: 16}, nil)
	dest := filepath.Join(t.TempDir(), "big.bin")

	err := f.Fetch(context.Background(), srv.URL, dest)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}
