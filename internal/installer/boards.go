package installer

import (
	"errors"
	"fmt"
)

// Configuration is one selectable camera setup of a board.
type Configuration struct {
	Name        string
	TargetBoard string
	SKU         string
}

// Board is a supported carrier board, identified by chip and board id.
type Board struct {
	Name           string
	ChipID         string
	BoardID        string
	Configurations []Configuration
}

// Boards lists every board the packages can be installed on.
var Boards = []Board{
	{"Jetson TX2 devkit", "0x18", "3310", []Configuration{
		{"2 cameras", "jetson-tx2-devkit", "1000"},
		{"6 cameras", "jetson-tx2-devkit-6cam", "1000"},
	}},
	{"Jetson TX2 NX devkit", "0x18", "3636", []Configuration{
		{"default", "jetson-xavier-nx-devkit-tx2-nx", "0001"},
	}},
	{"Jetson Xavier AGX devkit", "0x19", "2888", []Configuration{
		{"default", "jetson-agx-xavier-devkit", "0001"},
		{"default", "jetson-agx-xavier-devkit", "0004"},
	}},
	{"Jetson Xavier NX devkit", "0x19", "3668", []Configuration{
		{"default", "jetson-xavier-nx-devkit", "0000"},
		{"default", "jetson-xavier-nx-devkit-emmc", "0001"},
	}},
	{"Jetson Nano", "0x21", "3448", []Configuration{
		{"default", "jetson-nano-devkit", "0000"},
		{"default", "jetson-nano-2gb-devkit", "0001"},
	}},
}

// TargetBoards lists all valid --board values.
func TargetBoards() []string {
	var out []string
	for _, b := range Boards {
		for _, c := range b.Configurations {
			out = append(out, c.TargetBoard)
		}
	}
	return out
}

// ErrUnsupported is returned for boards the packages were not built for.
var ErrUnsupported = errors.New("board not supported")

// Detection is the result of matching a boot configuration against Boards.
type Detection struct {
	Board          *Board
	Configurations []Configuration
	// Selected indexes Configurations.
	Selected int
	// Matched is set when the flashed target board is one of the
	// configurations, so the boot configuration may be rewritten.
	Matched bool
}

// Detect finds the board and the configurations available for its SKU.
// preferred, when set, overrides the preselection.
func Detect(conf *BootConfig, preferred string) (*Detection, error) {
	var board *Board
	for i := range Boards {
		if Boards[i].ChipID == conf.ChipID && Boards[i].BoardID == conf.BoardID {
			board = &Boards[i]
			break
		}
	}
	if board == nil {
		return nil, fmt.Errorf("%w: chip %s board %s", ErrUnsupported, conf.ChipID, conf.BoardID)
	}

	d := &Detection{Board: board}
	for _, c := range board.Configurations {
		if c.SKU == conf.SKU {
			d.Configurations = append(d.Configurations, c)
		}
	}
	if len(d.Configurations) == 0 {
		return nil, fmt.Errorf("%w: %s SKU %s", ErrUnsupported, board.Name, conf.SKU)
	}

	for i, c := range d.Configurations {
		if c.TargetBoard == conf.TargetBoard {
			d.Selected = i
			d.Matched = true
		}
	}
	if preferred != "" {
		found := false
		for i, c := range d.Configurations {
			if c.TargetBoard == preferred {
				d.Selected = i
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("configuration %s is not available for %s", preferred, board.Name)
		}
	}
	return d, nil
}

// Current returns the selected configuration.
func (d *Detection) Current() Configuration {
	return d.Configurations[d.Selected]
}
