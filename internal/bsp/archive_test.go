package bsp

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarArgs(t *testing.T) {
	tests := []struct {
		archive string
		strip   int
		want    []string
	}{
		{"a.tbz2", 0, []string{"tar", "xf", "a.tbz2", "-C", "out", "-j"}},
		{"a.tar.bz2", 1, []string{"tar", "xf", "a.tar.bz2", "-C", "out", "-j", "--strip-components=1"}},
		{"a.tgz", 0, []string{"tar", "xf", "a.tgz", "-C", "out", "-z"}},
		{"a.tar.gz", 2, []string{"tar", "xf", "a.tar.gz", "-C", "out", "-z", "--strip-components=2"}},
		{"a.tar.xz", 0, []string{"tar", "xf", "a.tar.xz", "-C", "out", "-J"}},
		{"a.tar.zst", 0, []string{"tar", "xf", "a.tar.zst", "-C", "out", "--zstd"}},
		{"a.tar", 0, []string{"tar", "xf", "a.tar", "-C", "out"}},
	}
	for _, tt := range tests {
		t.Run(tt.archive, func(t *testing.T) {
			got, err := TarArgs(tt.archive, "out", tt.strip)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := TarArgs("a.zip", "out", 0)
	assert.Error(t, err)
}

func writeTree(t *testing.T, root string, files map[string]string) []TarEntry {
	var entries []TarEntry
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		entries = append(entries, TarEntry{Source: p, Name: "Linux_for_Tegra/" + name})
	}
	return entries
}

func TestWriteTarballExtractNativeRoundTrip(t *testing.T) {
	files := map[string]string{
		"flash.sh":              "#!/bin/sh\n",
		"kernel/Image":          "kernel image",
		"bootloader/BCT/readme": "bct",
	}

	for _, ext := range []string{".tar", ".tar.gz", ".tar.xz", ".tar.zst"} {
		t.Run(ext, func(t *testing.T) {
			src := t.TempDir()
			entries := writeTree(t, src, files)
			archive := filepath.Join(t.TempDir(), "bundle"+ext)
			require.NoError(t, WriteTarball(archive, entries))

			dest := t.TempDir()
			require.NoError(t, ExtractNative(archive, dest, 1))
			for name, content := range files {
				data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
				require.NoError(t, err, name)
				assert.Equal(t, content, string(data))
			}
			assert.NoDirExists(t, filepath.Join(dest, "Linux_for_Tegra"))
		})
	}
}

func TestExtractNativeRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../evil", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(t.TempDir(), "dest")
	err = ExtractNative(archive, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal file path")
}

type tarItem struct {
	hdr  tar.Header
	body string
}

func writeEntries(t *testing.T, archive string, items []tarItem) {
	t.Helper()
	f, err := os.Create(archive)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	for _, it := range items {
		hdr := it.hdr
		hdr.Size = int64(len(it.body))
		require.NoError(t, tw.WriteHeader(&hdr))
		_, err = tw.Write([]byte(it.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())
}

func TestExtractNativeRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	archive := filepath.Join(t.TempDir(), "evil.tar")
	writeEntries(t, archive, []tarItem{
		{hdr: tar.Header{Name: "escape", Linkname: outside, Typeflag: tar.TypeSymlink}},
		{hdr: tar.Header{Name: "escape/pwned", Mode: 0o644, Typeflag: tar.TypeReg}, body: "owned"},
	})

	err := ExtractNative(archive, filepath.Join(t.TempDir(), "dest"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal file path")
	assert.NoFileExists(t, filepath.Join(outside, "pwned"))
}

func TestExtractNativeRejectsHardLinkEscape(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("original"), 0o644))
	base := t.TempDir()
	dest := filepath.Join(base, "dest")
	archive := filepath.Join(t.TempDir(), "evil.tar")
	rel, err := filepath.Rel(dest, outside)
	require.NoError(t, err)
	writeEntries(t, archive, []tarItem{
		{hdr: tar.Header{Name: "victim", Linkname: rel, Typeflag: tar.TypeLink}},
		{hdr: tar.Header{Name: "victim", Mode: 0o644, Typeflag: tar.TypeReg}, body: "owned"},
	})

	err = ExtractNative(archive, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal link target")

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestExtractNativeReplacesSymlinkWithFile(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("original"), 0o644))
	archive := filepath.Join(t.TempDir(), "replace.tar")
	writeEntries(t, archive, []tarItem{
		{hdr: tar.Header{Name: "etc/l4t.conf", Linkname: outside, Typeflag: tar.TypeSymlink}},
		{hdr: tar.Header{Name: "etc/l4t.conf", Mode: 0o644, Typeflag: tar.TypeReg}, body: "bundled"},
	})

	dest := t.TempDir()
	require.NoError(t, ExtractNative(archive, dest, 0))

	data, err := os.ReadFile(filepath.Join(dest, "etc/l4t.conf"))
	require.NoError(t, err)
	assert.Equal(t, "bundled", string(data))
	data, err = os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestExtractNativeInTreeSymlinkDir(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "tree.tar")
	writeEntries(t, archive, []tarItem{
		{hdr: tar.Header{Name: "usr/lib/", Mode: 0o755, Typeflag: tar.TypeDir}},
		{hdr: tar.Header{Name: "lib", Linkname: "usr/lib", Typeflag: tar.TypeSymlink}},
		{hdr: tar.Header{Name: "lib/firmware.bin", Mode: 0o644, Typeflag: tar.TypeReg}, body: "fw"},
	})

	dest := t.TempDir()
	require.NoError(t, ExtractNative(archive, dest, 0))
	data, err := os.ReadFile(filepath.Join(dest, "usr/lib/firmware.bin"))
	require.NoError(t, err)
	assert.Equal(t, "fw", string(data))
}

func TestExtractNativeLinks(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "links.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	body := []byte("headers")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/src/linux-headers/Makefile", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "lib/modules/5.10.104-tegra/build", Linkname: "/usr/src/linux-headers", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/src/Makefile.copy", Linkname: "usr/src/linux-headers/Makefile", Typeflag: tar.TypeLink}))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	dest := t.TempDir()
	require.NoError(t, ExtractNative(archive, dest, 0))

	target, err := os.Readlink(filepath.Join(dest, "lib/modules/5.10.104-tegra/build"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/src/linux-headers", target)

	data, err := os.ReadFile(filepath.Join(dest, "usr/src/Makefile.copy"))
	require.NoError(t, err)
	assert.Equal(t, "headers", string(data))
}

func TestStripComponents(t *testing.T) {
	assert.Equal(t, "bin/gcc", stripComponents("./toolchain/bin/gcc", 1))
	assert.Equal(t, "", stripComponents("toolchain/", 1))
	assert.Equal(t, "a/b", stripComponents("a/b", 0))
}
