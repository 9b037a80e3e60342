package bsp

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// Compression of a tar archive, detected from its file name.
type Compression int

const (
	NoCompression Compression = iota
	Gzip
	Bzip2
	XZ
	Zstd
)

// DetectCompression dispatches on the archive suffix.
func DetectCompression(name string) (Compression, error) {
	switch {
	case strings.HasSuffix(name, ".tbz2"), strings.HasSuffix(name, ".tbz"), strings.HasSuffix(name, ".bz2"):
		return Bzip2, nil
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".gz"):
		return Gzip, nil
	case strings.HasSuffix(name, ".txz"), strings.HasSuffix(name, ".xz"):
		return XZ, nil
	case strings.HasSuffix(name, ".zst"):
		return Zstd, nil
	case strings.HasSuffix(name, ".tar"):
		return NoCompression, nil
	}
	return NoCompression, fmt.Errorf("unsupported archive format: %s", name)
}

// TarArgs builds the host tar invocation for extracting archive into dest.
func TarArgs(archive, dest string, strip int) ([]string, error) {
	comp, err := DetectCompression(archive)
	if err != nil {
		return nil, err
	}
	args := []string{"tar", "xf", archive, "-C", dest}
	switch comp {
	case Bzip2:
		args = append(args, "-j")
	case Gzip:
		args = append(args, "-z")
	case XZ:
		args = append(args, "-J")
	case Zstd:
		args = append(args, "--zstd")
	}
	if strip > 0 {
		args = append(args, "--strip-components="+strconv.Itoa(strip))
	}
	return args, nil
}

func decompressor(r io.Reader, comp Compression) (io.Reader, func(), error) {
	switch comp {
	case Gzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { gz.Close() }, nil
	case Bzip2:
		return bzip2.NewReader(r), func() {}, nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() {}, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

// ExtractNative extracts archive into dest without the host tar. It strips
// the first strip path components and refuses entries escaping dest.
func ExtractNative(archive, dest string, strip int) error {
	comp, err := DetectCompression(archive)
	if err != nil {
		return err
	}
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	r, closeFn, err := decompressor(f, comp)
	if err != nil {
		return fmt.Errorf("failed to create decompressor for %s: %w", archive, err)
	}
	defer closeFn()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		targetPath := filepath.Join(dest, name)
		if !insideDir(dest, targetPath) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}
		// earlier symlink entries must not redirect later entries
		if err := resolvesInside(realDest, filepath.Dir(targetPath)); err != nil {
			return fmt.Errorf("illegal file path in archive: %s: %w", hdr.Name, err)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			// replace links instead of writing through them
			if fi, err := os.Lstat(targetPath); err == nil && !fi.IsDir() {
				if err := os.Remove(targetPath); err != nil {
					return fmt.Errorf("failed to replace %s: %w", targetPath, err)
				}
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			// symlink times are cosmetic, failures are ignored
			_ = unix.Lutimes(targetPath, []unix.Timeval{mtime, mtime})
		case tar.TypeLink:
			linkTarget := filepath.Join(dest, stripComponents(hdr.Linkname, strip))
			if !insideDir(dest, linkTarget) {
				return fmt.Errorf("illegal link target in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := resolvesInside(realDest, filepath.Dir(linkTarget)); err != nil {
				return fmt.Errorf("illegal link target in archive: %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
			_ = os.Remove(targetPath)
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", targetPath, err)
			}
		}
	}
	return nil
}

func insideDir(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// resolvesInside follows symlinks along the existing part of dir and
// requires the result to stay under root. Missing trailing components are
// created later as plain directories.
func resolvesInside(root, dir string) error {
	existing := dir
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	if !insideDir(root, resolved) {
		return fmt.Errorf("%s resolves to %s outside %s", existing, resolved, root)
	}
	return nil
}

func stripComponents(name string, n int) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(name, '/')
		if idx == -1 {
			return ""
		}
		name = name[idx+1:]
	}
	return strings.TrimSuffix(name, "/")
}

// TarEntry maps a file on disk to its name inside an archive.
type TarEntry struct {
	Source string
	Name   string
}

// WriteTarball writes entries into dest, compressing according to the file
// name (.tar.gz via pgzip, .tar.xz via xz).
func WriteTarball(dest string, entries []TarEntry) (err error) {
	comp, err := DetectCompression(dest)
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.WriteCloser
	switch comp {
	case Gzip:
		w = pgzip.NewWriter(out)
	case XZ:
		xw, err := xz.NewWriter(out)
		if err != nil {
			return err
		}
		w = xw
	case Zstd:
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return err
		}
		w = zw
	case NoCompression:
		w = nopWriteCloser{out}
	default:
		return fmt.Errorf("cannot write %s archives", dest)
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		if err := addFileToTar(tw, e); err != nil {
			return fmt.Errorf("failed to add %s to %s: %w", e.Source, dest, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return w.Close()
}

func addFileToTar(tw *tar.Writer, e TarEntry) error {
	f, err := os.Open(e.Source)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = e.Name
	// root-owned build outputs must not leak the builder's ids
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "root", "root"
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
