package bsp

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocFromBUP(t *testing.T) {
	assert.Equal(t, "t194", socFromBUP("t19x"))
	assert.Equal(t, "t234", socFromBUP("t23x"))
	assert.Equal(t, "", socFromBUP("t21x"))
}

func TestOriginPart(t *testing.T) {
	tests := map[string]string{
		"nvidia-l4t-kernel_5.10.104-tegra-35.3.1-20230319081403_arm64.deb":         "kernel",
		"nvidia-l4t-kernel-dtbs_5.10.104-tegra-35.3.1-20230319081403_arm64.deb":    "kernel-dtbs",
		"nvidia-l4t-kernel-headers_5.10.104-tegra-35.3.1-20230319081403_arm64.deb": "kernel-headers",
	}
	for deb, want := range tests {
		got, ok := originPart(deb)
		assert.True(t, ok, deb)
		assert.Equal(t, want, got, deb)
	}

	_, ok := originPart("nvidia-l4t-core_35.3.1-20230319081403_arm64.deb")
	assert.False(t, ok)
}

func TestRewriteMaintainerScript(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "postrm")
	stock := `#!/bin/bash
if [ "$1" = "remove" ]; then
	rm -f /boot/initrd-5.10.104-tegra
	modprobe -r nvgpu || true
fi
nv-update-extlinux post-remove 5.10.104-tegra
exit 0
`
	require.NoError(t, os.WriteFile(src, []byte(stock), 0o644))
	dst := filepath.Join(dir, "out")

	require.NoError(t, rewriteMaintainerScript(src, dst, "5.10.104-tegra", "5.10.104-avt"))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `#!/bin/bash
if [ "$1" = "remove" ]; then
	rm -f /boot/initrd-5.10.104-avt
fi
exit 0
`, string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func touch(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRepositoryEntries(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"Release", "Packages", "b_1.0_arm64.deb", "a_1.0_arm64.deb"} {
		touch(t, filepath.Join(dir, f), f)
	}

	names := func(entries []TarEntry) []string {
		var out []string
		for _, e := range entries {
			assert.Equal(t, filepath.Join(dir, e.Name), e.Source)
			out = append(out, e.Name)
		}
		return out
	}

	entries, err := repositoryEntries(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Release", "Packages", "a_1.0_arm64.deb", "b_1.0_arm64.deb"}, names(entries))

	entries, err = repositoryEntries(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Release.gpg", "KEY.gpg", "Release", "Packages", "a_1.0_arm64.deb", "b_1.0_arm64.deb"}, names(entries))
}

func TestDTBNames(t *testing.T) {
	c := &Common{Dir: t.TempDir()}
	for _, f := range []string{
		"tegra194-p2888-0001-p2822-0000.dtb",
		"tegra194-p3668-0000-p3509-0000.dtb",
		"tegra234-p3701-0000-p3737-0000.dtb",
		"tegra186-quill-p3310-1000-c03-00-base.dtb",
	} {
		touch(t, filepath.Join(c.DTBDir(), f), "")
	}

	got, err := dtbNames(c, &Board{DTBFilters: []string{"tegra194-"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Contains(t, filepath.Base(p), "tegra194-")
	}

	got, err = dtbNames(c, &Board{DTBFilters: []string{"tegra194-", "tegra234-"}})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = dtbNames(c, &Board{DTBFilters: []string{"tegra210-"}})
	assert.Error(t, err)
}

func TestBundlePath(t *testing.T) {
	b := &Board{BuildDir: "/work/xavier", BundleName: "Xavier"}
	assert.Equal(t, "/work/xavier/Linux_for_Tegra/kernel/avt/AlliedVision_NVidia_Xavier_L4T_35.3.1_5.0.0.tar.gz", BundlePath(b, testVars))

	b.BundleName = ""
	assert.Equal(t, "/work/xavier/Linux_for_Tegra/kernel/avt/AlliedVision_NVidia_L4T_35.3.1_5.0.0.tar.gz", BundlePath(b, testVars))
}

func TestStageDebPackage(t *testing.T) {
	board := &Board{BuildDir: t.TempDir()}
	tools := &Tools{Log: quietLogger()}

	require.NoError(t, kernelDeb.stage(tools, board, testVars))

	debian := kernelDeb.Debian(board)
	control, err := os.ReadFile(filepath.Join(debian, "control"))
	require.NoError(t, err)
	assert.Contains(t, string(control), "Provides: nvidia-l4t-kernel (= 35.3.1-20230319081403)")
	assert.Contains(t, string(control), "Depends: ${misc:Depends}")

	postinst, err := os.ReadFile(filepath.Join(debian, "postinst"))
	require.NoError(t, err)
	assert.Contains(t, string(postinst), "depmod -a 5.10.104-tegra")

	modes := map[string]os.FileMode{
		"rules":         0o755,
		"postinst":      0o755,
		"control":       0o644,
		"changelog":     0o644,
		"source/format": 0o644,
	}
	for f, want := range modes {
		info, err := os.Stat(filepath.Join(debian, f))
		require.NoError(t, err, f)
		assert.Equal(t, want, info.Mode().Perm(), f)
	}
}

func TestStageBootloaderPackage(t *testing.T) {
	board := &Board{BuildDir: t.TempDir()}
	require.NoError(t, bootloaderDeb.stage(&Tools{Log: quietLogger()}, board, testVars))

	for _, f := range []string{"postinst", "postrm", "config", "templates", "control", "changelog"} {
		assert.FileExists(t, filepath.Join(bootloaderDeb.Debian(board), f))
	}
}

func tarGzNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 0, hdr.Uid, hdr.Name)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func newDeployBuilder(t *testing.T, settings Settings) (*Builder, *Board) {
	board := &Board{Key: "xavier", Name: "Jetson AGX Xavier", BuildDir: t.TempDir(), BundleName: "Xavier"}
	dir := board.DeployDir()
	for _, f := range []string{"Release", "Packages", "avt-nvidia-l4t-kernel_35.3.1-20230319081403_arm64.deb"} {
		touch(t, filepath.Join(dir, f), f)
	}
	b := &Builder{
		Tools:    &Tools{Log: quietLogger()},
		Settings: settings,
		Log:      quietLogger(),
	}
	return b, board
}

func TestBundleAndTarBundle(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "installer")
	touch(t, bin, "ELF")
	b, board := newDeployBuilder(t, Settings{InstallerBin: bin})
	ctx := context.Background()

	require.NoError(t, b.bundleRepository(ctx, board, testVars))
	require.FileExists(t, filepath.Join(board.DeployDir(), RepositoryBundle))

	dest := t.TempDir()
	require.NoError(t, ExtractNative(filepath.Join(board.DeployDir(), RepositoryBundle), dest, 0))
	assert.FileExists(t, filepath.Join(dest, "Packages"))
	assert.FileExists(t, filepath.Join(dest, "avt-nvidia-l4t-kernel_35.3.1-20230319081403_arm64.deb"))
	assert.NoFileExists(t, filepath.Join(dest, "Release.gpg"))

	require.NoError(t, b.buildTarBundle(ctx, board, testVars))
	prefix := "AlliedVision_NVidia_Xavier_L4T_35.3.1_5.0.0/"
	assert.Equal(t, []string{
		prefix + RepositoryBundle,
		prefix + "install.sh",
		prefix + InstallerName,
	}, tarGzNames(t, BundlePath(board, testVars)))
}

func TestBundleRepositoryRequiresSignature(t *testing.T) {
	b, board := newDeployBuilder(t, Settings{SignKey: "builder@example.com"})
	err := b.bundleRepository(context.Background(), board, testVars)
	assert.Error(t, err, "a signed repository without Release.gpg must not be bundled")
}

func TestPublish(t *testing.T) {
	b, board := newDeployBuilder(t, Settings{Publish: "s3://releases/l4t/35.3.1"})
	ctx := context.Background()
	require.NoError(t, b.bundleRepository(ctx, board, testVars))
	require.NoError(t, b.buildTarBundle(ctx, board, testVars))

	err := b.publish(ctx, board, testVars)
	require.Error(t, err, "no object store configured")

	store := &memStore{}
	b.Store = store
	require.NoError(t, b.publish(ctx, board, testVars))
	assert.Contains(t, store.uploaded, "releases/l4t/35.3.1/AlliedVision_NVidia_Xavier_L4T_35.3.1_5.0.0.tar.gz")

	b.Settings.Publish = ""
	store.uploaded = nil
	require.NoError(t, b.publish(ctx, board, testVars))
	assert.Empty(t, store.uploaded)
}

func TestTemplateVars(t *testing.T) {
	c := &Common{Dir: t.TempDir()}
	touch(t, c.KernelReleaseFile(), "5.10.104-tegra\n")
	b := &Builder{
		Tools:  &Tools{Log: quietLogger()},
		Common: c,
		Log:    quietLogger(),
		Getenv: func(k string) string {
			if k == EnvAVTRelease {
				return "5.0.0"
			}
			return ""
		},
	}
	board := &Board{Name: "Jetson AGX Orin", L4TVersion: "35.3.1", ToolsVersion: "35.3.1-20230319081403"}

	vars, err := b.templateVars(context.Background(), board)
	require.NoError(t, err)
	assert.Equal(t, TemplateVars{
		L4TToolsVersion: "35.3.1-20230319081403",
		KernelRelease:   "5.10.104-tegra",
		L4TVersion:      "35.3.1",
		AVTRelease:      "5.0.0",
		BoardName:       "Jetson AGX Orin",
	}, vars)

	_, err = b.templateVars(context.Background(), board)
	require.NoError(t, err)

	b.Common = &Common{Dir: t.TempDir()}
	_, err = b.templateVars(context.Background(), board)
	assert.Error(t, err, "kernel was never built")
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://releases/l4t/35.3.1")
	require.NoError(t, err)
	assert.Equal(t, "releases", bucket)
	assert.Equal(t, "l4t/35.3.1", key)

	_, _, err = ParseS3URL("https://releases/l4t")
	assert.Error(t, err)
	_, _, err = ParseS3URL("s3:///l4t")
	assert.Error(t, err)
}
