package bsp

import (
	"bufio"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed files/kernel-deb files/kernel-dtb-deb files/kernel-headers-deb files/bootloader files/installer
var packagingFiles embed.FS

// debCC is the C compiler dpkg-buildpackage is pointed at for arm64 builds.
const debCC = "aarch64-linux-gnu-gcc"

var executableFiles = map[string]bool{
	"rules":      true,
	"postinst":   true,
	"postrm":     true,
	"config":     true,
	"install.sh": true,
}

func fileMode(name string) os.FileMode {
	if executableFiles[path.Base(name)] {
		return 0o755
	}
	return 0o644
}

// writeEmbedded copies a packaging file verbatim.
func writeEmbedded(src, dst string) error {
	data, err := fs.ReadFile(packagingFiles, src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, fileMode(src))
}

// debPackage describes one vendor package staged under the deploy directory.
type debPackage struct {
	// Name is the staging directory below kernel/avt.
	Name string
	// Templates is the embedded directory holding the debian/ files.
	Templates string
	Static    []string
	Rendered  []string
}

var (
	kernelDeb = debPackage{
		Name:      "kernel",
		Templates: "files/kernel-deb",
		Static:    []string{"rules", "install", "compat", "source/format"},
		Rendered:  []string{"control", "changelog", "postinst"},
	}
	dtbDeb = debPackage{
		Name:      "kernel-dtbs",
		Templates: "files/kernel-dtb-deb",
		Static:    []string{"rules", "install", "compat", "source/format"},
		Rendered:  []string{"control", "changelog"},
	}
	bootloaderDeb = debPackage{
		Name:      "bootloader",
		Templates: "files/bootloader",
		Static:    []string{"rules", "install", "compat", "source/format", "postinst", "postrm", "config", "templates"},
		Rendered:  []string{"control", "changelog"},
	}
	headersDeb = debPackage{
		Name:      "kernel-headers",
		Templates: "files/kernel-headers-deb",
		Static:    []string{"rules", "install", "compat", "source/format"},
		Rendered:  []string{"control", "changelog"},
	}
)

func (p debPackage) Dir(b *Board) string    { return filepath.Join(b.DeployDir(), p.Name) }
func (p debPackage) Debian(b *Board) string { return filepath.Join(p.Dir(b), "debian") }
func (p debPackage) Out(b *Board) string    { return filepath.Join(p.Debian(b), "out") }

// stage writes the debian/ directory from the embedded templates.
func (p debPackage) stage(t *Tools, b *Board, vars TemplateVars) error {
	debian := p.Debian(b)
	for _, f := range p.Static {
		if err := writeEmbedded(path.Join(p.Templates, f), filepath.Join(debian, f)); err != nil {
			return err
		}
	}
	for _, f := range p.Rendered {
		dst := filepath.Join(debian, f)
		if err := t.RenderTemplate(packagingFiles, path.Join(p.Templates, f), dst, vars); err != nil {
			return err
		}
		if err := os.Chmod(dst, fileMode(f)); err != nil {
			return err
		}
	}
	return nil
}

// build runs dpkg-buildpackage. The .deb lands in the deploy directory.
func (p debPackage) build(ctx context.Context, t *Tools, b *Board) error {
	banner(t.Log, "Building %s package", p.Name)
	return t.Run(ctx, []string{"dpkg-buildpackage", "-uc", "-b", "-d", "-a", "arm64"}, RunOptions{
		Dir: p.Dir(b),
		Env: []string{"CC=" + debCC},
	})
}

func mkdirs(root string, dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// copyMappings copies board files from Linux_for_Tegra into a package root.
func copyMappings(b *Board, out string, mappings []FileMapping) error {
	for _, m := range mappings {
		if err := copyFile(b.L4TPath(m.From), filepath.Join(out, m.To)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", m.From, err)
		}
	}
	return nil
}

var originDebRe = regexp.MustCompile(`^nvidia-l4t-(kernel(-[^_]+)?)`)

// originPart names the origin directory a stock NVIDIA kernel package is
// unpacked to: kernel, kernel-dtbs or kernel-headers.
func originPart(debName string) (string, bool) {
	m := originDebRe.FindStringSubmatch(debName)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// maintainerScriptLine reports whether a line of a stock maintainer script
// survives into the vendor package.
func maintainerScriptLine(line string) bool {
	return !strings.HasPrefix(line, "nv-update-extlinux") && !strings.Contains(line, "modprobe")
}

// rewriteMaintainerScript copies a stock maintainer script, dropping the
// extlinux and modprobe hooks and pointing it at the rebuilt kernel release.
func rewriteMaintainerScript(src, dst, upstream, release string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if !maintainerScriptLine(line) {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	data := sb.String()
	if upstream != "" {
		data = strings.ReplaceAll(data, upstream, release)
	}
	return os.WriteFile(dst, []byte(data), 0o755)
}

// copyOriginFile copies a file from an unpacked stock package when present.
func (b *Builder) copyOriginFile(board *Board, part, name, dst string) error {
	src := filepath.Join(board.OriginDir(), part, "debian", name)
	if !exists(src) {
		b.Log.WithField("file", src).Debug("stock package has no such maintainer script")
		return nil
	}
	return copyFile(src, dst)
}

// dtbNames lists the compiled device trees matching the board's filters.
func dtbNames(c *Common, b *Board) ([]string, error) {
	var names []string
	for _, filter := range b.DTBFilters {
		matches, err := filepath.Glob(filepath.Join(c.DTBDir(), filter+"*.dtb*"))
		if err != nil {
			return nil, err
		}
		names = append(names, matches...)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no device trees in %s match %v", c.DTBDir(), b.DTBFilters)
	}
	return names, nil
}

func (b *Builder) copyDeviceTrees(ctx context.Context, board *Board, dest string) error {
	names, err := dtbNames(b.Common, board)
	if err != nil {
		return err
	}
	b.Log.WithField("count", len(names)).Info("copying device tree blobs")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	argv := append([]string{"cp"}, names...)
	return b.Tools.Sudo(ctx, append(argv, dest), RunOptions{})
}

// signDeviceTrees signs the Xavier (tegra194) device trees in dir.
func (b *Builder) signDeviceTrees(ctx context.Context, board *Board, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "tegra194*.dtb"))
	if err != nil {
		return err
	}
	for _, f := range matches {
		err := b.Tools.Sudo(ctx, []string{board.L4TPath("l4t_sign_image.sh"), "--file", filepath.Base(f), "--chip", "0x19", "--type", "kernel_dtb"}, RunOptions{Dir: dir})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) buildKernelDeb(ctx context.Context, board *Board, vars TemplateVars) error {
	banner(b.Log, "Building kernel package")
	pkg := kernelDeb
	out := pkg.Out(board)
	modules := filepath.Join(out, "lib", "modules", vars.KernelRelease)

	dirs := []string{"usr/share/doc", "boot", "lib/modules"}
	for _, m := range board.KernelExtraFiles {
		dirs = append(dirs, path.Dir(m.To))
	}
	if err := mkdirs(out, dirs...); err != nil {
		return err
	}

	b.Log.Info("installing kernel modules")
	err := b.Tools.Sudo(ctx, []string{"make", "O=" + b.Common.KernelBuildDir(), "INSTALL_MOD_PATH=" + out, "modules_install"}, RunOptions{
		Dir: b.Common.KernelSourceDir,
		Env: b.Common.KernelEnv(),
	})
	if err != nil {
		return err
	}
	for _, stale := range []string{filepath.Join(out, "lib", "firmware"), filepath.Join(modules, "build"), filepath.Join(modules, "source")} {
		if err := b.Tools.Sudo(ctx, []string{"rm", "-rf", stale}, RunOptions{}); err != nil {
			return err
		}
	}

	boot := filepath.Join(out, "boot")
	if err := copyFile(b.Common.KernelImage(), filepath.Join(boot, "Image")); err != nil {
		return fmt.Errorf("failed to copy kernel image: %w", err)
	}

	if board.HasBUP("t19x") {
		b.Log.Info("signing kernel image for t19x")
		if err := copyFile(filepath.Join(boot, "Image"), filepath.Join(boot, "Image.t19x")); err != nil {
			return err
		}
		err := b.Tools.Sudo(ctx, []string{board.L4TPath("l4t_sign_image.sh"), "--file", "Image.t19x", "--chip", "0x19", "--type", "kernel"}, RunOptions{Dir: boot})
		if err != nil {
			return err
		}
	}

	if board.HasBUP("t23x") {
		b.Log.Info("adding display drivers")
		display := filepath.Join(board.OriginDir(), "display")
		if err := b.extract(ctx, board.L4TPath("kernel", "kernel_display_supplements.tbz2"), display, 0); err != nil {
			return err
		}
		extra := filepath.Join(display, "lib", "modules", b.Common.UpstreamKernelRelease, "extra")
		if err := b.Tools.Sudo(ctx, []string{"cp", "-a", extra, filepath.Join(modules, "extra")}, RunOptions{}); err != nil {
			return err
		}
	}

	if err := copyMappings(board, out, board.KernelExtraFiles); err != nil {
		return err
	}
	if err := pkg.stage(b.Tools, board, vars); err != nil {
		return err
	}
	for _, f := range []string{"triggers", "postrm"} {
		src := filepath.Join(board.OriginDir(), "kernel", "debian", f)
		if !exists(src) {
			continue
		}
		if err := rewriteMaintainerScript(src, filepath.Join(pkg.Debian(board), f), b.Common.UpstreamKernelRelease, vars.KernelRelease); err != nil {
			return fmt.Errorf("failed to rewrite %s: %w", f, err)
		}
	}
	return pkg.build(ctx, b.Tools, board)
}

func (b *Builder) buildDTBDeb(ctx context.Context, board *Board, vars TemplateVars) error {
	banner(b.Log, "Building device tree package")
	pkg := dtbDeb
	out := pkg.Out(board)
	if err := mkdirs(out, "usr/share/doc", "boot"); err != nil {
		return err
	}
	boot := filepath.Join(out, "boot")
	if err := b.copyDeviceTrees(ctx, board, boot); err != nil {
		return err
	}
	if err := b.signDeviceTrees(ctx, board, boot); err != nil {
		return err
	}
	if err := pkg.stage(b.Tools, board, vars); err != nil {
		return err
	}
	for _, f := range []string{"postinst", "postrm"} {
		if err := b.copyOriginFile(board, "kernel-dtbs", f, filepath.Join(pkg.Debian(board), f)); err != nil {
			return err
		}
	}
	return pkg.build(ctx, b.Tools, board)
}

func (b *Builder) buildBootloaderDeb(ctx context.Context, board *Board, vars TemplateVars) error {
	banner(b.Log, "Building bootloader package")
	pkg := bootloaderDeb
	out := pkg.Out(board)
	dirs := []string{"usr/share/doc"}
	for _, m := range board.BootloaderPayloadFiles {
		dirs = append(dirs, path.Dir(m.To))
	}
	if err := mkdirs(out, dirs...); err != nil {
		return err
	}
	if err := copyMappings(board, out, board.BootloaderPayloadFiles); err != nil {
		return err
	}
	if err := pkg.stage(b.Tools, board, vars); err != nil {
		return err
	}
	return pkg.build(ctx, b.Tools, board)
}

func (b *Builder) buildHeadersDeb(ctx context.Context, board *Board, vars TemplateVars) error {
	banner(b.Log, "Building kernel headers package")
	pkg := headersDeb
	out := pkg.Out(board)
	modules := filepath.Join(out, "lib", "modules", vars.KernelRelease)
	if err := mkdirs(out, "usr/share/doc", filepath.Join("lib", "modules", vars.KernelRelease)); err != nil {
		return err
	}
	if err := pkg.stage(b.Tools, board, vars); err != nil {
		return err
	}
	if err := b.copyOriginFile(board, "kernel-headers", "postrm", filepath.Join(pkg.Debian(board), "postrm")); err != nil {
		return err
	}

	origin := filepath.Join(board.OriginDir(), "kernel-headers")
	if err := b.Tools.Run(ctx, []string{"cp", "-a", filepath.Join(origin, "usr", "src"), filepath.Join(out, "usr", "src")}, RunOptions{}); err != nil {
		return err
	}
	// the stock build link points into usr/src and is kept as a link
	link := filepath.Join(origin, "lib", "modules", b.Common.UpstreamKernelRelease, "build")
	target, err := os.Readlink(link)
	if err != nil {
		return fmt.Errorf("failed to read headers link: %w", err)
	}
	if err := os.Symlink(target, filepath.Join(modules, "build")); err != nil {
		return err
	}
	return pkg.build(ctx, b.Tools, board)
}
