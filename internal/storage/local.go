package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// VideosRoute is where the API serves the output directory.
const VideosRoute = "/videos"

// Local leaves the video in the output directory and links to the API's
// static route for it.
type Local struct {
	baseURL string
}

// NewLocal returns a publisher producing "<baseURL>/videos/<jobId>.mp4".
// An empty baseURL yields relative URLs.
func NewLocal(baseURL string) *Local {
	return &Local{baseURL: baseURL}
}

func (l *Local) Publish(ctx context.Context, jobID uuid.UUID, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("output %s is empty", localPath)
	}
	return l.URL(jobID), nil
}

func (l *Local) URL(jobID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s.mp4", l.baseURL, VideosRoute, jobID)
}
