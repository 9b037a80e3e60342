package bsp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// banner logs a user-facing progress line. The console formatter renders
// these in the arrow style.
func banner(logger log.FieldLogger, format string, a ...any) {
	logger.WithField(bannerField, true).Info(fmt.Sprintf(format, a...))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
