package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"l4tbsp/internal/bsp"
)

// Paths are the files the installer reads and writes.
type Paths struct {
	BootConfig  string
	Repository  string
	PackagesDir string
	SourcesList string
}

// DefaultPaths expects the repository archive next to the installer.
func DefaultPaths() Paths {
	return Paths{
		BootConfig:  DefaultBootConfig,
		Repository:  bsp.RepositoryBundle,
		PackagesDir: "/opt/avt/packages",
		SourcesList: "/etc/apt/sources.list.d/avt-l4t-sources.list",
	}
}

// Steps are shown on the progress page in this order.
var Steps = []string{
	"Extracting repository",
	"Repository setup",
	"Bootloader setup",
	"Update cache",
	"Download packages",
	"Install packages",
}

// Progress receives installation progress.
type Progress interface {
	// SetStep sets the progress of the current step in percent.
	SetStep(percent int, description string)
	// NextStep completes the current step.
	NextStep()
}

// Plan is what the user confirmed.
type Plan struct {
	Config    *BootConfig
	Detection *Detection
}

// Installer installs the vendor repository and packages on the target.
type Installer struct {
	Paths Paths
	Apt   *Apt
	Log   *log.Logger
}

func statusReporter(p Progress) func(Status) {
	return func(st Status) {
		desc := st.Message
		if st.Package != "" && st.Kind == "pmstatus" {
			desc = st.Package + ": " + st.Message
		}
		p.SetStep(int(st.Percent), desc)
	}
}

// Install runs every step, reporting to p.
func (i *Installer) Install(ctx context.Context, plan Plan, p Progress) error {
	i.Log.WithField("board", plan.Detection.Board.Name).WithField("target", plan.Detection.Current().TargetBoard).Info("installing")

	if err := os.MkdirAll(i.Paths.PackagesDir, 0o755); err != nil {
		return err
	}
	if err := bsp.ExtractNative(i.Paths.Repository, i.Paths.PackagesDir, 0); err != nil {
		return fmt.Errorf("failed to extract repository: %w", err)
	}
	p.NextStep()

	if err := i.setupRepository(ctx); err != nil {
		return err
	}
	p.NextStep()

	if plan.Detection.Matched {
		if err := i.writeBootConfig(plan); err != nil {
			return err
		}
	}
	p.NextStep()

	report := statusReporter(p)
	if err := i.Apt.Update(ctx, report); err != nil {
		return fmt.Errorf("failed to update package lists: %w", err)
	}
	p.NextStep()

	pkgs, reconfigure, err := i.packages(ctx, plan)
	if err != nil {
		return err
	}
	if err := i.Apt.Download(ctx, pkgs, report); err != nil {
		return fmt.Errorf("failed to download packages: %w", err)
	}
	p.NextStep()

	if reconfigure {
		if err := i.Apt.Reconfigure(ctx, BootloaderPackage); err != nil {
			return err
		}
	}
	if err := i.Apt.Install(ctx, pkgs, report); err != nil {
		return fmt.Errorf("failed to install packages: %w", err)
	}
	p.NextStep()
	i.Log.Info("installation complete")
	return nil
}

func (i *Installer) setupRepository(ctx context.Context) error {
	key := filepath.Join(i.Paths.PackagesDir, "KEY.gpg")
	if _, err := os.Stat(key); err == nil {
		if err := i.Apt.AddKey(ctx, key); err != nil {
			return err
		}
	} else {
		i.Log.Warn("repository is not signed")
	}
	if _, err := os.Stat(i.Paths.SourcesList); err == nil {
		return nil
	}
	line := "deb file:" + i.Paths.PackagesDir + " ./"
	if err := os.WriteFile(i.Paths.SourcesList, []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", i.Paths.SourcesList, err)
	}
	return nil
}

func (i *Installer) writeBootConfig(plan Plan) error {
	target := plan.Detection.Current().TargetBoard
	i.Log.WithField("target", target).Info("updating boot configuration")
	data := plan.Config.Retarget(target)
	if err := os.WriteFile(i.Paths.BootConfig, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write boot configuration: %w", err)
	}
	return nil
}

// packages decides what to install. An installed, current bootloader is only
// reconfigured when the boot configuration changed.
func (i *Installer) packages(ctx context.Context, plan Plan) ([]string, bool, error) {
	state, err := i.Apt.State(ctx, BootloaderPackage)
	if err != nil {
		return nil, false, err
	}
	pkgs := []string{KernelPackage, DTBPackage, HeadersPackage}
	if state.IsInstalled && !state.Upgradable() {
		return pkgs, plan.Detection.Matched, nil
	}
	return append([]string{BootloaderPackage}, pkgs...), false, nil
}
