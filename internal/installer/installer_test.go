package installer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l4tbsp/internal/bsp"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}

// fakeApt puts apt-get, apt-cache, apt-key and dpkg-reconfigure stand-ins
// on PATH. Every invocation is appended to the returned file; apt-cache
// answers with policy.
func fakeApt(t *testing.T, policy string) string {
	bin := t.TempDir()
	record := filepath.Join(bin, "calls.log")
	policyFile := filepath.Join(bin, "policy")
	require.NoError(t, os.WriteFile(policyFile, []byte(policy), 0o644))

	scripts := map[string]string{
		"apt-get": `#!/bin/sh
echo "apt-get $*" >> ` + record + `
echo "Reading package lists..."
echo "pmstatus:avt-nvidia-l4t-kernel:50:Unpacking avt-nvidia-l4t-kernel"
echo "pmstatus:avt-nvidia-l4t-kernel:100:Installed avt-nvidia-l4t-kernel"
`,
		"apt-cache":        "#!/bin/sh\necho \"apt-cache $*\" >> " + record + "\ncat " + policyFile + "\n",
		"apt-key":          "#!/bin/sh\necho \"apt-key $*\" >> " + record + "\n",
		"dpkg-reconfigure": "#!/bin/sh\necho \"dpkg-reconfigure $*\" >> " + record + "\n",
	}
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(body), 0o755))
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	return record
}

func calls(t *testing.T, record string) []string {
	data, err := os.ReadFile(record)
	require.NoError(t, err)
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		// drop the fixed apt-get options
		l = strings.ReplaceAll(l, " -y -o APT::Status-Fd=1 -o Dpkg::Options::=--force-confdef -o Dpkg::Options::=--force-confold", "")
		out = append(out, l)
	}
	return out
}

type recordedProgress struct {
	steps   int
	percent []int
}

func (p *recordedProgress) SetStep(percent int, _ string) { p.percent = append(p.percent, percent) }
func (p *recordedProgress) NextStep()                     { p.steps++ }

type installFixture struct {
	inst   *Installer
	plan   Plan
	record string
	paths  Paths
}

func newInstallFixture(t *testing.T, policy string, signed bool, target string) *installFixture {
	record := fakeApt(t, policy)
	root := t.TempDir()

	repo := filepath.Join(root, "repo")
	files := []string{"Packages", "Release"}
	if signed {
		files = append(files, "KEY.gpg")
	}
	var entries []bsp.TarEntry
	for _, f := range files {
		p := filepath.Join(repo, f)
		require.NoError(t, os.MkdirAll(repo, 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
		entries = append(entries, bsp.TarEntry{Source: p, Name: f})
	}
	paths := Paths{
		BootConfig:  filepath.Join(root, "nv_boot_control.conf"),
		Repository:  filepath.Join(root, bsp.RepositoryBundle),
		PackagesDir: filepath.Join(root, "opt", "avt", "packages"),
		SourcesList: filepath.Join(root, "avt-l4t-sources.list"),
	}
	require.NoError(t, bsp.WriteTarball(paths.Repository, entries))
	require.NoError(t, os.WriteFile(paths.BootConfig, []byte(xavierBootConfig), 0o644))

	conf, err := ParseBootConfig(xavierBootConfig)
	require.NoError(t, err)
	det, err := Detect(conf, target)
	require.NoError(t, err)

	logger := quietLogger()
	return &installFixture{
		inst: &Installer{
			Paths: paths,
			Apt:   &Apt{Exec: bsp.NewExecutor(logger), Log: logger},
			Log:   logger,
		},
		plan:   Plan{Config: conf, Detection: det},
		record: record,
		paths:  paths,
	}
}

func TestInstallFresh(t *testing.T) {
	fx := newInstallFixture(t, "avt-nvidia-l4t-bootloader:\n  Installed: (none)\n  Candidate: 35.3.1-5.0.0\n", true, "")
	p := &recordedProgress{}

	require.NoError(t, fx.inst.Install(context.Background(), fx.plan, p))

	assert.Equal(t, len(Steps), p.steps)
	assert.Contains(t, p.percent, 100)
	assert.FileExists(t, filepath.Join(fx.paths.PackagesDir, "Packages"))

	sources, err := os.ReadFile(fx.paths.SourcesList)
	require.NoError(t, err)
	assert.Equal(t, "deb file:"+fx.paths.PackagesDir+" ./", string(sources))

	all := "avt-nvidia-l4t-bootloader avt-nvidia-l4t-kernel avt-nvidia-l4t-kernel-dtbs avt-nvidia-l4t-kernel-headers"
	assert.Equal(t, []string{
		"apt-key add " + filepath.Join(fx.paths.PackagesDir, "KEY.gpg"),
		"apt-get update",
		"apt-cache policy avt-nvidia-l4t-bootloader",
		"apt-get install --download-only " + all,
		"apt-get install " + all,
	}, calls(t, fx.record))
}

func TestInstallCurrentBootloaderIsReconfigured(t *testing.T) {
	fx := newInstallFixture(t, "avt-nvidia-l4t-bootloader:\n  Installed: 35.3.1-5.0.0\n  Candidate: 35.3.1-5.0.0\n", false, "")
	require.True(t, fx.plan.Detection.Matched)

	require.NoError(t, fx.inst.Install(context.Background(), fx.plan, &recordedProgress{}))

	rest := "avt-nvidia-l4t-kernel avt-nvidia-l4t-kernel-dtbs avt-nvidia-l4t-kernel-headers"
	assert.Equal(t, []string{
		"apt-get update",
		"apt-cache policy avt-nvidia-l4t-bootloader",
		"apt-get install --download-only " + rest,
		"dpkg-reconfigure avt-nvidia-l4t-bootloader",
		"apt-get install " + rest,
	}, calls(t, fx.record))
}

func TestInstallRewritesBootConfig(t *testing.T) {
	fx := newInstallFixture(t, "avt-nvidia-l4t-bootloader:\n  Installed: (none)\n", false, "")
	require.NoError(t, fx.inst.Install(context.Background(), fx.plan, &recordedProgress{}))

	data, err := os.ReadFile(fx.paths.BootConfig)
	require.NoError(t, err)
	c, err := ParseBootConfig(string(data))
	require.NoError(t, err)
	assert.Equal(t, "jetson-agx-xavier-devkit", c.TargetBoard)
}

func TestInstallKeepsExistingSourcesList(t *testing.T) {
	fx := newInstallFixture(t, "avt-nvidia-l4t-bootloader:\n  Installed: (none)\n", false, "")
	require.NoError(t, os.WriteFile(fx.paths.SourcesList, []byte("deb file:/custom ./"), 0o644))

	require.NoError(t, fx.inst.Install(context.Background(), fx.plan, &recordedProgress{}))

	data, err := os.ReadFile(fx.paths.SourcesList)
	require.NoError(t, err)
	assert.Equal(t, "deb file:/custom ./", string(data))
}

func TestInstallMissingRepository(t *testing.T) {
	fx := newInstallFixture(t, "", false, "")
	fx.inst.Paths.Repository = filepath.Join(t.TempDir(), bsp.RepositoryBundle)
	p := &recordedProgress{}

	err := fx.inst.Install(context.Background(), fx.plan, p)
	require.Error(t, err)
	assert.Zero(t, p.steps)
}
