package bsp

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed files/boards.yaml
var embeddedRegistry []byte

const (
	// EnvBoards names an alternative registry file.
	EnvBoards = "L4TBSP_BOARDS"
	// DefaultRegistryPath is used when present and nothing else was given.
	DefaultRegistryPath = "/etc/l4tbsp/boards.yaml"
)

type artifactSpec struct {
	URL   string `yaml:"url"`
	Hash  string `yaml:"hash"`
	Dest  string `yaml:"dest"`
	Strip int    `yaml:"strip"`
}

type commonSpec struct {
	L4TVersion            string         `yaml:"l4t_version"`
	ToolsVersion          string         `yaml:"tools_version"`
	UpstreamKernelRelease string         `yaml:"upstream_kernel_release"`
	KernelSource          string         `yaml:"kernel_source"`
	KernelSourceSubdir    string         `yaml:"kernel_source_subdir"`
	CrossCompile          string         `yaml:"cross_compile"`
	Defconfig             string         `yaml:"defconfig"`
	Files                 []artifactSpec `yaml:"files"`
}

type boardSpec struct {
	Name                   string         `yaml:"name"`
	BundleName             string         `yaml:"bundle_name"`
	L4TVersion             string         `yaml:"l4t_version"`
	ToolsVersion           string         `yaml:"tools_version"`
	Files                  []artifactSpec `yaml:"files"`
	DTBFilters             []string       `yaml:"dtb_filters"`
	BUPs                   []string       `yaml:"bups"`
	KernelExtraFiles       []FileMapping  `yaml:"kernel_extra_files"`
	BootloaderPayloadFiles []FileMapping  `yaml:"bootloader_payload_files"`
}

// Registry is the static board table. It is loaded once per run and passed
// explicitly to whatever needs it.
type Registry struct {
	Source string               `yaml:"-"`
	Common commonSpec           `yaml:"common"`
	Boards map[string]boardSpec `yaml:"boards"`
}

// ResolveRegistryPath applies the lookup precedence: explicit path, then
// the L4TBSP_BOARDS environment variable, then the default path if it
// exists. An empty result selects the embedded table.
func ResolveRegistryPath(explicit string, getenv func(string) string, defaultPath string) string {
	if explicit != "" {
		return explicit
	}
	if getenv != nil {
		if p := getenv(EnvBoards); p != "" {
			return p
		}
	}
	if defaultPath != "" {
		if _, err := os.Stat(defaultPath); err == nil {
			return defaultPath
		}
	}
	return ""
}

// LoadRegistry parses the registry at path, or the embedded one when path is
// empty.
func LoadRegistry(path string) (*Registry, error) {
	data := embeddedRegistry
	source := "embedded"
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read board registry: %w", err)
		}
		source = path
	}
	return ParseRegistry(data, source)
}

// ParseRegistry decodes and validates registry YAML.
func ParseRegistry(data []byte, source string) (*Registry, error) {
	reg := &Registry{Source: source}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse board registry %s: %w", source, err)
	}
	if len(reg.Boards) == 0 {
		return nil, fmt.Errorf("board registry %s defines no boards", source)
	}
	for _, a := range reg.Common.Files {
		if _, err := ParseChecksum(a.Hash); err != nil {
			return nil, fmt.Errorf("%s: common file %s: %w", source, a.URL, err)
		}
	}
	for key, b := range reg.Boards {
		for _, a := range b.Files {
			if _, err := ParseChecksum(a.Hash); err != nil {
				return nil, fmt.Errorf("%s: board %s file %s: %w", source, key, a.URL, err)
			}
		}
	}
	return reg, nil
}

// Keys lists board keys in a stable order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.Boards))
	for k := range r.Boards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resolveArtifacts(specs []artifactSpec, cacheRoot string) ([]Artifact, error) {
	var out []Artifact
	for _, s := range specs {
		sum, err := ParseChecksum(s.Hash)
		if err != nil {
			return nil, err
		}
		local, err := LocalPathFor(cacheRoot, s.URL)
		if err != nil {
			return nil, err
		}
		out = append(out, Artifact{
			URL:       s.URL,
			Hash:      sum,
			LocalPath: local,
			Strip:     s.Strip,
			Dest:      s.Dest,
		})
	}
	return out, nil
}

// ResolveCommon resolves the shared toolchain scope for a run.
func (r *Registry) ResolveCommon(s Settings) (*Common, error) {
	files, err := resolveArtifacts(r.Common.Files, s.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("common: %w", err)
	}
	dir := s.CommonDir()
	c := &Common{
		Dir:                   dir,
		Files:                 files,
		L4TVersion:            r.Common.L4TVersion,
		ToolsVersion:          r.Common.ToolsVersion,
		UpstreamKernelRelease: r.Common.UpstreamKernelRelease,
		KernelSource:          r.Common.KernelSource,
		CrossCompile:          filepath.Join(dir, r.Common.CrossCompile),
		Defconfig:             r.Common.Defconfig,
		KernelSourceDir:       filepath.Join(dir, "kernel_src", r.Common.KernelSourceSubdir),
	}
	if c.Defconfig == "" {
		c.Defconfig = "tegra_defconfig"
	}
	if s.KernelDir != "" {
		c.KernelSourceDir = s.KernelDir
	}
	return c, nil
}

// ResolveBoard builds the immutable board description for key.
func (r *Registry) ResolveBoard(key string, s Settings) (*Board, error) {
	spec, ok := r.Boards[key]
	if !ok {
		return nil, fmt.Errorf("unknown board %q (known: %v)", key, r.Keys())
	}
	files, err := resolveArtifacts(spec.Files, s.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", key, err)
	}
	b := &Board{
		Key:                    key,
		Name:                   spec.Name,
		BuildDir:               s.BoardDir(key),
		Files:                  files,
		DTBFilters:             spec.DTBFilters,
		BUPs:                   spec.BUPs,
		KernelExtraFiles:       spec.KernelExtraFiles,
		BootloaderPayloadFiles: spec.BootloaderPayloadFiles,
		L4TVersion:             spec.L4TVersion,
		ToolsVersion:           spec.ToolsVersion,
		BundleName:             spec.BundleName,
	}
	if b.Name == "" {
		b.Name = key
	}
	if b.L4TVersion == "" {
		b.L4TVersion = r.Common.L4TVersion
	}
	if b.ToolsVersion == "" {
		b.ToolsVersion = r.Common.ToolsVersion
	}
	return b, nil
}
