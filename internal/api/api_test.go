package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/bobarin/promptvideo/internal/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{
	"segments": [{"text": "Once upon a time"}],
	"mediaItems": [
		{"type": "image", "startTime": "00:00:00", "endTime": "00:00:05", "url": "https://images.pexels.com/a.jpg"},
		{"type": "video", "startTime": "00:00:05", "endTime": "00:00:13", "url": "https://videos.pexels.com/b.mp4", "transition": "fade"}
	],
	"audioUrl": "https://api.elevenlabs.io/v1/voice.mp3",
	"musicUrl": "https://cdn.freesound.org/music.mp3",
	"aspectRatio": "9:16",
	"fitMode": "crop",
	"musicMixing": {"backgroundMusicVolume": 0.25, "voiceoverVolume": 1.0}
}`

type testServer struct {
	store     *jobstore.MemoryStore
	queue     *queue.MemoryQueue
	outputDir string
	handler   http.Handler
}

func newTestServer(t *testing.T, cfg RouterConfig, capacity int) *testServer {
	ts := &testServer{
		store:     jobstore.NewMemoryStore(),
		queue:     queue.NewMemoryQueue(capacity),
		outputDir: t.TempDir(),
	}
	ts.handler = NewRouter(NewHandler(ts.store, ts.queue, ts.outputDir, nil), cfg, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStartRenderAcceptsAndEnqueues(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, 4)

	rec := ts.do(t, http.MethodPost, "/v1/render", validBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[models.RenderAcceptedResponse](t, rec)
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Equal(t, 0, resp.Progress)

	job, err := ts.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	task, err := ts.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, resp.JobID, task.JobID)
	assert.Equal(t, models.AspectRatioPortrait, task.Request.AspectRatio)
	assert.Len(t, task.Request.MediaItems, 2)
	assert.InDelta(t, 0.25, task.Request.MusicMixing.MusicGain(), 1e-9)
}

func TestStartRenderRejectsInvalidRequests(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, 4)

	cases := map[string]struct {
		body  string
		field string
		tag   string
	}{
		"missing audio": {
			body:  `{"aspectRatio":"16:9","mediaItems":[]}`,
			field: "audioUrl", tag: "required",
		},
		"bad aspect ratio": {
			body:  `{"audioUrl":"https://api.elevenlabs.io/a.mp3","aspectRatio":"4:3"}`,
			field: "aspectRatio", tag: "oneof",
		},
		"bad media type": {
			body:  `{"audioUrl":"https://api.elevenlabs.io/a.mp3","aspectRatio":"16:9","mediaItems":[{"type":"gif","url":"https://images.pexels.com/a.gif"}]}`,
			field: "mediaItems[0].type", tag: "oneof",
		},
		"negative fade": {
			body:  `{"audioUrl":"https://api.elevenlabs.io/a.mp3","aspectRatio":"16:9","musicMixing":{"fadeInDuration":-1}}`,
			field: "musicMixing.fadeInDuration", tag: "gte",
		},
		"bad fit mode": {
			body:  `{"audioUrl":"https://api.elevenlabs.io/a.mp3","aspectRatio":"16:9","fitMode":"stretch"}`,
			field: "fitMode", tag: "oneof",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/render", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			resp := decode[struct {
				Error   string            `json:"error"`
				Details map[string]string `json:"details"`
			}](t, rec)
			assert.Equal(t, "Validation failed", resp.Error)
			assert.Equal(t, tc.tag, resp.Details[tc.field], "details: %v", resp.Details)
		})
	}

	rec := ts.do(t, http.MethodPost, "/v1/render", `{"audioUrl":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := ts.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejected requests never create jobs")
}

func TestStartRenderFailsJobWhenQueueIsFull(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, 1)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/render", validBody).Code)

	rec := ts.do(t, http.MethodPost, "/v1/render", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRender(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, 4)
	ctx := context.Background()

	job := models.NewRenderJob()
	require.NoError(t, ts.store.CreateJob(ctx, job))
	_, err := ts.store.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusProcessing),
		Progress: models.IntPtr(42),
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/render/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobId":"`+job.ID.String()+`","status":"processing","progress":42}`, rec.Body.String())

	_, err = ts.store.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusCompleted),
		Progress: models.IntPtr(100),
		VideoURL: models.StrPtr("/videos/" + job.ID.String() + ".mp4"),
	})
	require.NoError(t, err)

	resp := decode[models.RenderStatusResponse](t, ts.do(t, http.MethodGet, "/v1/render/"+job.ID.String(), ""))
	assert.Equal(t, models.JobStatusCompleted, resp.Status)
	require.NotNil(t, resp.VideoURL)
	assert.Nil(t, resp.Error)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/render/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/render/not-a-uuid", "").Code)
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, RouterConfig{BackendAPIKey: "secret"}, 4)
	path := "/v1/render/" + uuid.NewString()

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, path, "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "", "Authorization", "Bearer secret").Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code, "health stays public")
}

func TestGetVideoServesOnlyCompletedJobs(t *testing.T) {
	ts := newTestServer(t, RouterConfig{ServeVideos: true}, 4)
	ctx := context.Background()

	job := models.NewRenderJob()
	require.NoError(t, ts.store.CreateJob(ctx, job))
	require.NoError(t, os.WriteFile(filepath.Join(ts.outputDir, job.ID.String()+".mp4"), []byte("video"), 0o644))
	path := "/videos/" + job.ID.String() + ".mp4"

	_, err := ts.store.UpdateJob(ctx, job.ID, models.JobUpdate{Status: models.StatusPtr(models.JobStatusProcessing)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "").Code, "partial output is not served")

	_, err = ts.store.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusCompleted),
		Progress: models.IntPtr(100),
		VideoURL: models.StrPtr(path),
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/videos/../etc/passwd", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/videos/"+uuid.NewString()+".mp4", "").Code)
}

func TestHealthReportsQueueDepth(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, 4)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/render", validBody).Code)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","queued":1}`, rec.Body.String())
}
