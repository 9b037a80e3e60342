package installer

import (
	"fmt"
	"os"
	"strings"
)

// DefaultBootConfig is the bootloader configuration of a Jetson.
const DefaultBootConfig = "/etc/nv_boot_control.conf"

const (
	keyTNSpec     = "TNSPEC"
	keyCompatSpec = "COMPATIBLE_SPEC"
	keyChipID     = "TEGRA_CHIPID"
)

// specFields is the minimum number of '-' separated fields of a board spec:
// six base fields, at least one for the target board and the tail.
const specFields = 7

// boardSpec is a TNSPEC or COMPATIBLE_SPEC value split into the fixed base
// fields, the target board name and the trailing storage field.
type boardSpec struct {
	line   int
	key    string
	Base   string
	Target string
	Tail   string
}

func parseBoardSpec(key, value string, line int) (*boardSpec, []string, error) {
	parts := strings.Split(value, "-")
	if len(parts) < specFields {
		return nil, nil, fmt.Errorf("%s %q has %d fields, expected at least %d", key, value, len(parts), specFields)
	}
	return &boardSpec{
		line:   line,
		key:    key,
		Base:   strings.Join(parts[:6], "-"),
		Target: strings.Join(parts[6:len(parts)-1], "-"),
		Tail:   parts[len(parts)-1],
	}, parts, nil
}

func (s *boardSpec) render(target string) string {
	return s.key + " " + s.Base + "-" + target + "-" + s.Tail
}

// BootConfig is a parsed nv_boot_control.conf. Unknown lines are kept
// verbatim.
type BootConfig struct {
	Lines   []string
	ChipID  string
	BoardID string
	SKU     string
	// TargetBoard is the board configuration currently flashed.
	TargetBoard string

	specs []*boardSpec
}

// ParseBootConfig parses the bootloader configuration. When both specs are
// present the later line decides the board id and target board.
func ParseBootConfig(data string) (*BootConfig, error) {
	c := &BootConfig{Lines: strings.Split(data, "\n")}
	for i, line := range c.Lines {
		switch {
		case strings.HasPrefix(line, keyTNSpec):
			spec, parts, err := parseBoardSpec(keyTNSpec, valueOf(line, keyTNSpec), i)
			if err != nil {
				return nil, err
			}
			c.BoardID = strings.TrimSpace(parts[0])
			c.SKU = strings.TrimSpace(parts[2])
			c.TargetBoard = spec.Target
			c.specs = append(c.specs, spec)
		case strings.HasPrefix(line, keyCompatSpec):
			spec, parts, err := parseBoardSpec(keyCompatSpec, valueOf(line, keyCompatSpec), i)
			if err != nil {
				return nil, err
			}
			c.BoardID = strings.TrimSpace(parts[0])
			c.TargetBoard = spec.Target
			c.specs = append(c.specs, spec)
		case strings.HasPrefix(line, keyChipID):
			c.ChipID = valueOf(line, keyChipID)
		}
	}
	return c, nil
}

func valueOf(line, key string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, key))
}

// Retarget returns the configuration with every board spec pointing at
// target. Base and tail fields are left as they were.
func (c *BootConfig) Retarget(target string) string {
	lines := append([]string(nil), c.Lines...)
	for _, s := range c.specs {
		lines[s.line] = s.render(target)
	}
	return strings.Join(lines, "\n")
}

// ReadBootConfig loads and parses path.
func ReadBootConfig(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot configuration: %w", err)
	}
	c, err := ParseBootConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
