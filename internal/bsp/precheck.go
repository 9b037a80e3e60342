package bsp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HostPackages are the Debian packages a build host needs.
var HostPackages = []string{
	"apt-utils",
	"bc",
	"bison",
	"build-essential",
	"debhelper",
	"device-tree-compiler",
	"dpkg-dev",
	"flex",
	"gcc-aarch64-linux-gnu",
	"git",
	"gnupg",
	"libssl-dev",
	"python3",
	"qemu-user-static",
}

// MissingPreconditionError lists required host packages that are not
// installed.
type MissingPreconditionError struct {
	Packages []string
}

func (e *MissingPreconditionError) Error() string {
	return fmt.Sprintf("missing host packages: %s (install them or pass --install-missing)", strings.Join(e.Packages, " "))
}

// Precheck verifies the build host before any step runs.
type Precheck struct {
	Tools          *Tools
	Log            *log.Logger
	Packages       []string
	InstallMissing bool
	// Dir is checked for at least MinFreeGB of free space.
	Dir       string
	MinFreeGB int
}

func (p *Precheck) Run(ctx context.Context) error {
	missing, err := p.missingPackages(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if !p.InstallMissing {
			return &MissingPreconditionError{Packages: missing}
		}
		banner(p.Log, "Installing missing host packages")
		argv := append([]string{"apt-get", "install", "-y"}, missing...)
		if err := p.Tools.Sudo(ctx, argv, RunOptions{Env: []string{"DEBIAN_FRONTEND=noninteractive"}}); err != nil {
			return fmt.Errorf("failed to install host packages: %w", err)
		}
	}
	return p.checkFreeSpace()
}

// missingPackages asks dpkg which of the required packages are not fully
// installed.
func (p *Precheck) missingPackages(ctx context.Context) ([]string, error) {
	var missing []string
	for _, pkg := range p.Packages {
		status, err := p.Tools.Exec.Output(ctx, []string{"dpkg-query", "-W", "--showformat=${Status}", pkg}, RunOptions{})
		if err != nil {
			var perr *ProcessError
			if errors.As(err, &perr) {
				// dpkg-query exits 1 for unknown packages
				missing = append(missing, pkg)
				continue
			}
			return nil, fmt.Errorf("failed to query package %s: %w", pkg, err)
		}
		if !PackageInstalled(status) {
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}

// PackageInstalled interprets a dpkg ${Status} field.
func PackageInstalled(status string) bool {
	fields := strings.Fields(status)
	return len(fields) == 3 && fields[2] == "installed"
}

func (p *Precheck) checkFreeSpace() error {
	if p.MinFreeGB <= 0 {
		return nil
	}
	dir := p.Dir
	// the build directory may not exist yet
	for !exists(dir) && dir != "/" && dir != "." {
		dir = filepath.Dir(dir)
	}
	free, err := FreeSpace(dir)
	if err != nil {
		return fmt.Errorf("failed to determine free space on %s: %w", dir, err)
	}
	need := uint64(p.MinFreeGB) << 30
	p.Log.WithField("dir", dir).WithField("free_gb", free>>30).Debug("free space")
	if free < need {
		return fmt.Errorf("only %d GiB free on %s, at least %d GiB needed", free>>30, dir, p.MinFreeGB)
	}
	return nil
}

// FreeSpace returns the bytes available to unprivileged users on the file
// system containing dir.
func FreeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Authenticate primes the sudo timestamp once so later non-interactive sudo
// calls succeed, and keeps it fresh until ctx ends.
func Authenticate(ctx context.Context, logger *log.Logger) error {
	if os.Geteuid() == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}

	go func() {
		ticker := time.NewTicker(4 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = exec.Command("sudo", "-nv").Run()
			}
		}
	}()
	logger.Debug("authenticated via sudo")
	return nil
}
