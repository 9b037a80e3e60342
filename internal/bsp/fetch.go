package bsp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Artifact describes one upstream file: where it comes from, what it must
// hash to and where it lives in the download cache.
type Artifact struct {
	URL       string
	Hash      Checksum
	LocalPath string
	// Strip is passed as --strip-components when the artifact is extracted.
	Strip int
	// Dest is the extraction directory relative to the scope's work dir.
	Dest string
}

// Name is the file name of the artifact.
func (a Artifact) Name() string {
	return filepath.Base(a.LocalPath)
}

// LocalPathFor maps a remote URL onto the cache, mirroring its path.
func LocalPathFor(cacheRoot, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid artifact url %q: %w", rawURL, err)
	}
	rel := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if rel == "" || rel == "." {
		return "", fmt.Errorf("artifact url %q has no path", rawURL)
	}
	return filepath.Join(cacheRoot, filepath.FromSlash(rel)), nil
}

// EnsureOptions mirror --always-download and --dont-verify.
type EnsureOptions struct {
	AlwaysDownload bool
	SkipVerify     bool
}

// DownloadError wraps any network or IO failure while fetching.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Fetcher keeps the download cache in sync with the artifact registry.
type Fetcher struct {
	Client *http.Client
	S3     ObjectStore
	Log    *log.Logger
	// ShowProgress draws a byte progress bar on the terminal.
	ShowProgress bool
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// the NVIDIA CDN is slow to hand out TLS sessions at times
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

func NewFetcher(logger *log.Logger, store ObjectStore) *Fetcher {
	return &Fetcher{
		Client:       newHttpClient(),
		S3:           store,
		Log:          logger,
		ShowProgress: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Ensure makes sure a.LocalPath holds a file matching a.Hash, downloading it
// when missing, mismatching or when AlwaysDownload is set. The new content is
// written next to the target and only renamed into place once verified.
func (f *Fetcher) Ensure(ctx context.Context, a Artifact, opts EnsureOptions) error {
	if a.Hash.IsZero() {
		return fmt.Errorf("no checksum configured for %s", a.URL)
	}
	entry := f.Log.WithField("file", a.Name())

	if !opts.AlwaysDownload {
		ok, _, err := matches(a.LocalPath, a.Hash)
		if err != nil {
			return fmt.Errorf("failed to verify cached %s: %w", a.LocalPath, err)
		}
		if ok {
			entry.Debug("up to date")
			return nil
		}
		if exists(a.LocalPath) {
			entry.Info("cached copy does not match, downloading again")
		}
	}

	if err := os.MkdirAll(filepath.Dir(a.LocalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory for %s: %w", a.LocalPath, err)
	}

	banner(f.Log, "Downloading %s", a.Name())
	part := a.LocalPath + ".part"
	if err := f.download(ctx, a.URL, part, a.Name()); err != nil {
		_ = os.Remove(part)
		return err
	}

	if !opts.SkipVerify {
		ok, got, err := matches(part, a.Hash)
		if err != nil {
			_ = os.Remove(part)
			return fmt.Errorf("failed to verify %s: %w", part, err)
		}
		if !ok {
			_ = os.Remove(part)
			return &ChecksumMismatchError{Path: a.LocalPath, Expected: a.Hash, Actual: got}
		}
	} else {
		entry.Warn("checksum verification skipped")
	}

	if err := os.Rename(part, a.LocalPath); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("failed to move %s into place: %w", a.LocalPath, err)
	}
	entry.Debug("download complete")
	return nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest, name string) error {
	body, size, err := f.open(ctx, rawURL)
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var bar *progressbar.ProgressBar
	if f.ShowProgress {
		bar = progressbar.DefaultBytes(size, name)
	} else {
		bar = progressbar.DefaultBytesSilent(size, name)
	}

	n, err := io.Copy(io.MultiWriter(out, bar), body)
	_ = bar.Finish()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	f.Log.WithField("file", name).WithField("bytes", n).Debug("received")
	return nil
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, err
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, err
		}
		client := f.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, fmt.Errorf("unexpected status: %s", resp.Status)
		}
		return resp.Body, resp.ContentLength, nil
	case "s3":
		if f.S3 == nil {
			return nil, 0, fmt.Errorf("no S3 store configured")
		}
		bucket, key, err := ParseS3URL(rawURL)
		if err != nil {
			return nil, 0, err
		}
		return f.S3.GetObject(ctx, bucket, key)
	}
	return nil, 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
}
