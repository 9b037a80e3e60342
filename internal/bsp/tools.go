package bsp

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EnvAVTRelease overrides the release identifier embedded in package
// versions and the bundle name.
const EnvAVTRelease = "AVT_RELEASE"

// Tools bundles the operations every phase needs.
type Tools struct {
	Fetcher      *Fetcher
	Exec         *Executor
	Log          *log.Logger
	FetchOptions EnsureOptions
}

// Fetch ensures an artifact is present in the download cache.
func (t *Tools) Fetch(ctx context.Context, a Artifact) error {
	return t.Fetcher.Ensure(ctx, a, t.FetchOptions)
}

// Run executes an external command.
func (t *Tools) Run(ctx context.Context, argv []string, opts RunOptions) error {
	return t.Exec.Run(ctx, argv, opts)
}

// Sudo executes an external command with elevated privileges.
func (t *Tools) Sudo(ctx context.Context, argv []string, opts RunOptions) error {
	opts.Sudo = true
	return t.Exec.Run(ctx, argv, opts)
}

// RenderTemplate renders the template src (read from fsys) into dst.
func (t *Tools) RenderTemplate(fsys fs.FS, src, dst string, vars TemplateVars) error {
	data, err := fs.ReadFile(fsys, src)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", src, err)
	}
	out, err := vars.Render(string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(out), 0o644)
}

// AVTRelease returns $AVT_RELEASE or, failing that, the short hash of the
// current git commit.
func (t *Tools) AVTRelease(ctx context.Context, getenv func(string) string) (string, error) {
	if getenv != nil {
		if v := strings.TrimSpace(getenv(EnvAVTRelease)); v != "" {
			return v, nil
		}
	}
	rev, err := t.Exec.Output(ctx, []string{"git", "rev-parse", "--short", "HEAD"}, RunOptions{})
	if err != nil {
		return "", fmt.Errorf("cannot determine release: set %s or run inside a git checkout: %w", EnvAVTRelease, err)
	}
	return rev, nil
}

// KernelRelease reads the release string kbuild wrote for the common kernel.
func KernelRelease(c *Common) (string, error) {
	data, err := os.ReadFile(c.KernelReleaseFile())
	if err != nil {
		return "", fmt.Errorf("kernel release unknown, was the build step run? %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
