package bsp

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
)

const (
	// RepositoryBundle is the apt repository archive shipped in every bundle.
	RepositoryBundle = "avt_l4t_repository.tar.xz"
	// InstallerName is the installer binary inside a bundle.
	InstallerName = "l4tbsp-installer"
)

// socFromBUP maps a BUP family to the SoC the capsule is generated for.
func socFromBUP(bup string) string {
	switch bup {
	case "t19x":
		return "t194"
	case "t23x":
		return "t234"
	}
	return ""
}

// Deploy turns the built kernel into the vendor packages, the signed apt
// repository and the installable bundle.
func (b *Builder) Deploy(ctx context.Context, board *Board) error {
	vars, err := b.templateVars(ctx, board)
	if err != nil {
		return err
	}
	b.Log.WithField("board", board.Name).WithField("release", vars.AVTRelease).Info("deploying")

	steps := []func(context.Context, *Board, TemplateVars) error{
		b.copyFilesToL4T,
		b.buildBUPs,
		b.cleanDeployDir,
		b.extractDebs,
		b.buildKernelDeb,
		b.buildDTBDeb,
		b.buildBootloaderDeb,
		b.buildHeadersDeb,
		b.buildRepository,
		b.signRepository,
		b.bundleRepository,
		b.buildTarBundle,
		b.publish,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, board, vars); err != nil {
			return err
		}
	}
	return nil
}

// copyFilesToL4T places the kernel and device trees into the driver package
// so the BUP and flashing scripts pick them up.
func (b *Builder) copyFilesToL4T(ctx context.Context, board *Board, _ TemplateVars) error {
	banner(b.Log, "Copying kernel image")
	if err := b.Tools.Sudo(ctx, []string{"cp", b.Common.KernelImage(), board.L4TPath("kernel")}, RunOptions{}); err != nil {
		return err
	}
	return b.copyDeviceTrees(ctx, board, board.L4TPath("kernel", "dtb"))
}

func (b *Builder) buildBUPs(ctx context.Context, board *Board, _ TemplateVars) error {
	if len(board.BUPs) == 0 {
		return nil
	}
	banner(b.Log, "Creating BUPs")
	for _, bup := range board.BUPs {
		b.Log.WithField("bup", bup).Info("generating bootloader update payload")
		if err := b.Tools.Sudo(ctx, []string{"./l4t_generate_soc_bup.sh", bup}, RunOptions{Dir: board.L4TDir()}); err != nil {
			return err
		}
		soc := socFromBUP(bup)
		if soc == "" {
			b.Log.WithField("bup", bup).Warn("no capsule SoC known for BUP family")
			continue
		}
		err := b.Tools.Sudo(ctx, []string{
			board.L4TPath("generate_capsule", "l4t_generate_soc_capsule.sh"),
			"-i", "bl_only_payload", "-o", "TEGRA_BL.Cap", soc,
		}, RunOptions{Dir: board.L4TPath("bootloader", "payloads_"+bup)})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) cleanDeployDir(ctx context.Context, board *Board, _ TemplateVars) error {
	if !exists(board.DeployDir()) {
		return nil
	}
	b.Log.Info("cleaning package build directory")
	return b.Tools.Sudo(ctx, []string{"rm", "-rf", board.DeployDir()}, RunOptions{})
}

// extractDebs unpacks the stock NVIDIA kernel packages into kernel/origin so
// their maintainer scripts and headers can be reused.
func (b *Builder) extractDebs(ctx context.Context, board *Board, _ TemplateVars) error {
	banner(b.Log, "Extracting original NVIDIA kernel packages")
	kernelDir := board.L4TPath("kernel")
	if err := os.MkdirAll(board.OriginDir(), 0o755); err != nil {
		return err
	}
	debs, err := filepath.Glob(filepath.Join(kernelDir, "nvidia-l4t-kernel*.deb"))
	if err != nil {
		return err
	}
	sort.Strings(debs)
	for _, deb := range debs {
		name := filepath.Base(deb)
		part, ok := originPart(name)
		if !ok {
			continue
		}
		b.Log.WithField("package", name).Debug("extracting")
		opts := RunOptions{Dir: kernelDir}
		if err := b.Tools.Run(ctx, []string{"dpkg", "-x", name, path.Join("origin", part)}, opts); err != nil {
			return err
		}
		if err := b.Tools.Run(ctx, []string{"dpkg", "-e", name, path.Join("origin", part, "debian")}, opts); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) buildRepository(ctx context.Context, board *Board, _ TemplateVars) error {
	banner(b.Log, "Building debian repository")
	dir := board.DeployDir()
	for _, kind := range []struct{ cmd, file string }{
		{"packages", "Packages"},
		{"release", "Release"},
	} {
		if err := b.ftparchive(ctx, dir, kind.cmd, kind.file); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) ftparchive(ctx context.Context, dir, cmd, file string) (err error) {
	out, err := os.Create(filepath.Join(dir, file))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	return b.Tools.Run(ctx, []string{"apt-ftparchive", cmd, "."}, RunOptions{Dir: dir, Stdout: out})
}

func (b *Builder) signRepository(ctx context.Context, board *Board, _ TemplateVars) error {
	key := b.Settings.SignKey
	if key == "" {
		return nil
	}
	banner(b.Log, "Signing debian repository")
	dir := board.DeployDir()
	opts := RunOptions{Dir: dir}
	if err := b.Tools.Run(ctx, []string{"gpg", "--armor", "--output", filepath.Join(dir, "KEY.gpg"), "--export", key}, opts); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, "Release.gpg")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return b.Tools.Run(ctx, []string{"gpg", "--default-key", key, "-abs", "-o", "Release.gpg", "Release"}, opts)
}

// repositoryEntries lists what goes into the repository archive.
func repositoryEntries(dir string, signed bool) ([]TarEntry, error) {
	var names []string
	if signed {
		names = append(names, "Release.gpg", "KEY.gpg")
	}
	names = append(names, "Release", "Packages")
	debs, err := filepath.Glob(filepath.Join(dir, "*.deb"))
	if err != nil {
		return nil, err
	}
	sort.Strings(debs)
	for _, d := range debs {
		names = append(names, filepath.Base(d))
	}

	entries := make([]TarEntry, len(names))
	for i, n := range names {
		entries[i] = TarEntry{Source: filepath.Join(dir, n), Name: n}
	}
	return entries, nil
}

func (b *Builder) bundleRepository(_ context.Context, board *Board, _ TemplateVars) error {
	banner(b.Log, "Bundling debian repository")
	dir := board.DeployDir()
	entries, err := repositoryEntries(dir, b.Settings.SignKey != "")
	if err != nil {
		return err
	}
	return WriteTarball(filepath.Join(dir, RepositoryBundle), entries)
}

// BundlePath is where the final tarball for board is written.
func BundlePath(board *Board, vars TemplateVars) string {
	return filepath.Join(board.DeployDir(), vars.BundleName(board.BundleName != "")+".tar.gz")
}

func (b *Builder) buildTarBundle(_ context.Context, board *Board, vars TemplateVars) error {
	banner(b.Log, "Building tar bundle")
	dir := board.DeployDir()
	name := vars.BundleName(board.BundleName != "")

	script := filepath.Join(dir, "install.sh")
	if err := writeEmbedded("files/installer/install.sh", script); err != nil {
		return err
	}
	entries := []TarEntry{
		{Source: filepath.Join(dir, RepositoryBundle), Name: path.Join(name, RepositoryBundle)},
		{Source: script, Name: path.Join(name, "install.sh")},
	}
	if bin := b.Settings.InstallerBin; bin != "" {
		entries = append(entries, TarEntry{Source: bin, Name: path.Join(name, InstallerName)})
	}

	dest := BundlePath(board, vars)
	if err := WriteTarball(dest, entries); err != nil {
		return err
	}
	b.Log.WithField("bundle", dest).Info("bundle written")
	return nil
}

func (b *Builder) publish(ctx context.Context, board *Board, vars TemplateVars) error {
	target := b.Settings.Publish
	if target == "" {
		return nil
	}
	if b.Store == nil {
		return fmt.Errorf("cannot publish to %s: no object store configured", target)
	}
	bucket, prefix, err := ParseS3URL(target)
	if err != nil {
		return err
	}
	bundle := BundlePath(board, vars)
	key := path.Join(prefix, filepath.Base(bundle))
	banner(b.Log, "Publishing %s", filepath.Base(bundle))
	if err := b.Store.UploadFile(ctx, bucket, key, bundle); err != nil {
		return fmt.Errorf("failed to publish bundle to s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
