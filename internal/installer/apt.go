package installer

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"l4tbsp/internal/bsp"
)

// Packages installed from the vendor repository.
const (
	BootloaderPackage = "avt-nvidia-l4t-bootloader"
	KernelPackage     = "avt-nvidia-l4t-kernel"
	DTBPackage        = "avt-nvidia-l4t-kernel-dtbs"
	HeadersPackage    = "avt-nvidia-l4t-kernel-headers"
)

// Status is one progress record apt writes to APT::Status-Fd.
type Status struct {
	// Kind is dlstatus, pmstatus, pmerror or pmconffile.
	Kind    string
	Package string
	Percent float64
	Message string
}

// ParseStatus parses a Status-Fd line such as
// "pmstatus:avt-nvidia-l4t-kernel:42.8571:Unpacking avt-nvidia-l4t-kernel".
func ParseStatus(line string) (Status, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 4)
	if len(parts) != 4 {
		return Status{}, false
	}
	switch parts[0] {
	case "dlstatus", "pmstatus", "pmerror", "pmconffile":
	default:
		return Status{}, false
	}
	pct, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Status{}, false
	}
	return Status{Kind: parts[0], Package: parts[1], Percent: pct, Message: parts[3]}, true
}

// statusWriter splits apt output into lines, reporting Status-Fd records and
// logging everything else.
type statusWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	log    *log.Entry
	report func(Status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.handle(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *statusWriter) handle(line string) {
	if st, ok := ParseStatus(line); ok {
		if st.Kind == "pmerror" {
			w.log.WithField("package", st.Package).Error(st.Message)
		}
		if w.report != nil {
			w.report(st)
		}
		return
	}
	if line != "" {
		w.log.Trace(line)
	}
}

// Apt runs apt and dpkg on the target.
type Apt struct {
	Exec *bsp.Executor
	Log  *log.Logger
}

var aptEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

// run executes an apt-get command with progress records on stdout.
func (a *Apt) run(ctx context.Context, args []string, report func(Status)) error {
	argv := append([]string{
		"apt-get", "-y",
		"-o", "APT::Status-Fd=1",
		"-o", "Dpkg::Options::=--force-confdef",
		"-o", "Dpkg::Options::=--force-confold",
	}, args...)
	w := &statusWriter{log: a.Log.WithField("command", args[0]), report: report}
	return a.Exec.Run(ctx, argv, bsp.RunOptions{Env: aptEnv, Stdout: w})
}

// Update refreshes the package lists.
func (a *Apt) Update(ctx context.Context, report func(Status)) error {
	return a.run(ctx, []string{"update"}, report)
}

// Download fetches pkgs into the apt cache without installing them.
func (a *Apt) Download(ctx context.Context, pkgs []string, report func(Status)) error {
	return a.run(ctx, append([]string{"install", "--download-only"}, pkgs...), report)
}

// Install installs pkgs.
func (a *Apt) Install(ctx context.Context, pkgs []string, report func(Status)) error {
	return a.run(ctx, append([]string{"install"}, pkgs...), report)
}

// Reconfigure reruns the maintainer configuration of pkg.
func (a *Apt) Reconfigure(ctx context.Context, pkg string) error {
	return a.Exec.Run(ctx, []string{"dpkg-reconfigure", pkg}, bsp.RunOptions{Env: aptEnv})
}

// AddKey trusts the repository signing key.
func (a *Apt) AddKey(ctx context.Context, keyFile string) error {
	return a.Exec.Run(ctx, []string{"apt-key", "add", keyFile}, bsp.RunOptions{})
}

// PackageState tells whether a package is installed and whether the
// repository offers a different version.
type PackageState struct {
	Installed   string
	Candidate   string
	IsInstalled bool
}

// Upgradable reports whether installing would change the package.
func (s PackageState) Upgradable() bool {
	return s.IsInstalled && s.Candidate != "" && s.Candidate != "(none)" && s.Candidate != s.Installed
}

// ParsePolicy reads the Installed and Candidate versions from
// apt-cache policy output.
func ParsePolicy(out string) PackageState {
	var s PackageState
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Installed:"):
			s.Installed = strings.TrimSpace(strings.TrimPrefix(line, "Installed:"))
		case strings.HasPrefix(line, "Candidate:"):
			s.Candidate = strings.TrimSpace(strings.TrimPrefix(line, "Candidate:"))
		}
	}
	s.IsInstalled = s.Installed != "" && s.Installed != "(none)"
	return s
}

// State queries apt for pkg.
func (a *Apt) State(ctx context.Context, pkg string) (PackageState, error) {
	out, err := a.Exec.Output(ctx, []string{"apt-cache", "policy", pkg}, bsp.RunOptions{Env: []string{"LANG=C"}})
	if err != nil {
		return PackageState{}, err
	}
	return ParsePolicy(out), nil
}
