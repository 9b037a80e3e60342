package bsp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Builder implements every pipeline phase on top of Tools.
type Builder struct {
	Tools    *Tools
	Settings Settings
	Common   *Common
	Store    ObjectStore
	Log      *log.Logger
	Getenv   func(string) string

	avtRelease string
}

var _ Phases = (*Builder)(nil)

// ClearCache deletes the whole download cache.
func (b *Builder) ClearCache(ctx context.Context) error {
	b.Log.WithField("dir", b.Settings.CacheDir).Info("removing download cache")
	if err := os.RemoveAll(b.Settings.CacheDir); err != nil {
		return fmt.Errorf("failed to remove download cache: %w", err)
	}
	return nil
}

// removeTree deletes a work directory. Deploy leaves root-owned files behind,
// so this goes through sudo.
func (b *Builder) removeTree(ctx context.Context, dir string) error {
	if !exists(dir) {
		b.Log.WithField("dir", dir).Debug("nothing to clean")
		return nil
	}
	b.Log.WithField("dir", dir).Info("removing work directory")
	return b.Tools.Sudo(ctx, []string{"rm", "-rf", dir}, RunOptions{})
}

func (b *Builder) CleanCommon(ctx context.Context) error {
	return b.removeTree(ctx, b.Common.Dir)
}

func (b *Builder) Clean(ctx context.Context, board *Board) error {
	return b.removeTree(ctx, board.BuildDir)
}

func (b *Builder) fetchAll(ctx context.Context, files []Artifact) error {
	for _, a := range files {
		if err := b.Tools.Fetch(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) DownloadCommon(ctx context.Context) error {
	return b.fetchAll(ctx, b.Common.Files)
}

func (b *Builder) Download(ctx context.Context, board *Board) error {
	return b.fetchAll(ctx, board.Files)
}

// extract unpacks archive with the host tar, or natively when no tar is
// installed.
func (b *Builder) extract(ctx context.Context, archive, dest string, strip int) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	b.Log.WithField("archive", filepath.Base(archive)).WithField("dest", dest).Debug("extracting")
	if _, err := exec.LookPath("tar"); err != nil {
		b.Log.Debug("tar not found, using built-in extractor")
		return ExtractNative(archive, dest, strip)
	}
	args, err := TarArgs(archive, dest, strip)
	if err != nil {
		return err
	}
	return b.Tools.Run(ctx, args, RunOptions{})
}

func (b *Builder) extractAll(ctx context.Context, files []Artifact, root string) error {
	for _, a := range files {
		banner(b.Log, "Extracting %s", a.Name())
		if err := b.extract(ctx, a.LocalPath, filepath.Join(root, a.Dest), a.Strip); err != nil {
			return err
		}
	}
	return nil
}

// PrepareCommon unpacks the toolchain and the public sources, then the kernel
// source archive nested inside the latter.
func (b *Builder) PrepareCommon(ctx context.Context) error {
	if err := b.extractAll(ctx, b.Common.Files, b.Common.Dir); err != nil {
		return err
	}
	if b.Settings.KernelDir != "" {
		b.Log.WithField("dir", b.Settings.KernelDir).Info("using external kernel tree")
		return nil
	}
	if b.Common.KernelSource == "" {
		return nil
	}
	banner(b.Log, "Extracting kernel sources")
	return b.extract(ctx, filepath.Join(b.Common.Dir, b.Common.KernelSource), filepath.Join(b.Common.Dir, "kernel_src"), 0)
}

func (b *Builder) Prepare(ctx context.Context, board *Board) error {
	return b.extractAll(ctx, board.Files, board.BuildDir)
}

// Build cross-compiles the kernel, device trees and modules out of tree into
// the common kernel build directory.
func (b *Builder) Build(ctx context.Context, board *Board) error {
	src := b.Common.KernelSourceDir
	if !exists(src) {
		return fmt.Errorf("kernel source %s not found, run prepare-common or pass --kernel-dir", src)
	}
	out := b.Common.KernelBuildDir()
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	opts := RunOptions{Dir: src, Env: b.Common.KernelEnv()}

	banner(b.Log, "Configuring kernel (%s)", b.Common.Defconfig)
	if err := b.Tools.Run(ctx, []string{"make", "O=" + out, b.Common.Defconfig}, opts); err != nil {
		return err
	}
	banner(b.Log, "Compiling kernel for %s", board.Name)
	return b.Tools.Run(ctx, []string{"make", "O=" + out, "-j" + strconv.Itoa(runtime.NumCPU()), "Image", "dtbs", "modules"}, opts)
}

func (b *Builder) release(ctx context.Context) (string, error) {
	if b.avtRelease != "" {
		return b.avtRelease, nil
	}
	rel, err := b.Tools.AVTRelease(ctx, b.Getenv)
	if err != nil {
		return "", err
	}
	b.avtRelease = rel
	return rel, nil
}

// templateVars collects the packaging variables for board.
func (b *Builder) templateVars(ctx context.Context, board *Board) (TemplateVars, error) {
	kernelRelease, err := KernelRelease(b.Common)
	if err != nil {
		return TemplateVars{}, err
	}
	rel, err := b.release(ctx)
	if err != nil {
		return TemplateVars{}, err
	}
	name := board.BundleName
	if name == "" {
		name = board.Name
	}
	return TemplateVars{
		L4TToolsVersion: board.ToolsVersion,
		KernelRelease:   kernelRelease,
		L4TVersion:      board.L4TVersion,
		AVTRelease:      rel,
		BoardName:       name,
	}, nil
}
