package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 512 << 20
	maxRedirects    = 5
	userAgent       = "promptvideo-renderer/1.0"
)

var (
	ErrDisallowed = errors.New("url not allowed")
	ErrTimeout    = errors.New("download timed out")
	ErrTooLarge   = errors.New("download exceeds size limit")
)

// Error describes a failed download. StatusCode is zero when no response was received.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Options struct {
	Timeout  time.Duration // Per download, covers connect and body transfer
	MaxBytes int64
}

// Fetcher downloads allowlisted URLs to local files.
type Fetcher struct {
	client    *resty.Client
	allowlist *Allowlist
	timeout   time.Duration
	maxBytes  int64
	logger    *zap.Logger
}

func New(allowlist *Allowlist, opts Options, logger *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Every hop must pass the same policy as the original URL
			return allowlist.checkURL(req.URL)
		}))

	return &Fetcher{
		client:    client,
		allowlist: allowlist,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		logger:    logger.Named("fetch"),
	}
}

// Fetch downloads rawURL to dest. On success exactly one file exists at dest;
// on any failure nothing is left behind.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	if _, err := f.allowlist.Check(rawURL); err != nil {
		f.logger.Warn("Rejected download", zap.String("url", rawURL), zap.Error(err))
		return &Error{URL: rawURL, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	n, err := f.download(dlCtx, rawURL, dest)
	if err != nil {
		if errors.Is(dlCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &Error{URL: rawURL, Err: fmt.Errorf("%w after %s", ErrTimeout, f.timeout)}
		}
		f.logger.Warn("Download failed", zap.String("url", rawURL), zap.Error(err))
		return err
	}

	f.logger.Debug("Downloaded",
		zap.String("url", rawURL),
		zap.Int64("bytes", n),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (int64, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return 0, &Error{URL: rawURL, Err: err}
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return 0, &Error{URL: rawURL, StatusCode: resp.StatusCode(), Err: fmt.Errorf("unexpected status %s", resp.Status())}
	}

	partPath := dest + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", partPath, err)
	}

	n, err := io.Copy(file, io.LimitReader(body, f.maxBytes+1))
	closeErr := file.Close()
	if err == nil && n > f.maxBytes {
		err = fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxBytes)
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return 0, &Error{URL: rawURL, Err: err}
	}

	if err := os.Rename(partPath, dest); err != nil {
		os.Remove(partPath)
		return 0, fmt.Errorf("failed to finalize download: %w", err)
	}

	return n, nil
}
