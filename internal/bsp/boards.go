package bsp

import (
	"path/filepath"
	"slices"
)

// FileMapping copies From (relative to Linux_for_Tegra) to To (relative to a
// package's output root).
type FileMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Board is one packaging target. It is created from the registry and not
// modified during the run.
type Board struct {
	Key      string
	Name     string
	BuildDir string
	Files    []Artifact
	// DTBFilters are file name prefixes selecting device tree blobs.
	DTBFilters             []string
	BUPs                   []string
	KernelExtraFiles       []FileMapping
	BootloaderPayloadFiles []FileMapping
	L4TVersion             string
	ToolsVersion           string
	BundleName             string
}

// L4TDir is the extracted driver package.
func (b *Board) L4TDir() string {
	return filepath.Join(b.BuildDir, "Linux_for_Tegra")
}

// L4TPath joins parts below Linux_for_Tegra.
func (b *Board) L4TPath(parts ...string) string {
	return filepath.Join(append([]string{b.L4TDir()}, parts...)...)
}

// DeployDir is where the vendor packages and repository are assembled.
func (b *Board) DeployDir() string {
	return b.L4TPath("kernel", "avt")
}

// OriginDir holds the unpacked NVIDIA packages.
func (b *Board) OriginDir() string {
	return b.L4TPath("kernel", "origin")
}

func (b *Board) HasBUP(name string) bool {
	return slices.Contains(b.BUPs, name)
}

// Common is the toolchain scope shared by every board of a run.
type Common struct {
	Dir                   string
	Files                 []Artifact
	L4TVersion            string
	ToolsVersion          string
	UpstreamKernelRelease string
	// KernelSource is the nested kernel source archive, relative to Dir.
	KernelSource    string
	KernelSourceDir string
	CrossCompile    string
	Defconfig       string
}

// KernelBuildDir is the out-of-tree kernel build (make O=...).
func (c *Common) KernelBuildDir() string {
	return filepath.Join(c.Dir, "kernel")
}

// KernelImage is the compiled arm64 kernel.
func (c *Common) KernelImage() string {
	return filepath.Join(c.KernelBuildDir(), "arch", "arm64", "boot", "Image")
}

// DTBDir holds the compiled NVIDIA device trees.
func (c *Common) DTBDir() string {
	return filepath.Join(c.KernelBuildDir(), "arch", "arm64", "boot", "dts", "nvidia")
}

// KernelReleaseFile is written by kbuild and holds the full release string.
func (c *Common) KernelReleaseFile() string {
	return filepath.Join(c.KernelBuildDir(), "include", "config", "kernel.release")
}

// KernelEnv is the environment for every kernel make invocation.
func (c *Common) KernelEnv() []string {
	return []string{
		"ARCH=arm64",
		"CROSS_COMPILE=" + c.CrossCompile,
		"LANG=C",
		"LOCALVERSION=-tegra",
	}
}
