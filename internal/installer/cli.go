package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"l4tbsp/internal/bsp"
)

// reexecSudo replaces the process with itself under sudo.
func reexecSudo() error {
	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("must be run as root and sudo is not available: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(sudo, append([]string{"sudo", self}, os.Args[1:]...), os.Environ())
}

// logProgress reports progress through the logger when there is no
// terminal for the UI.
type logProgress struct {
	log     *log.Logger
	current int
	last    int
}

func (p *logProgress) SetStep(percent int, description string) {
	// one line per 10% is plenty
	if percent/10 == p.last/10 && percent != 100 {
		return
	}
	p.last = percent
	p.log.WithField("percent", percent).Info(description)
}

func (p *logProgress) NextStep() {
	p.current++
	p.last = 0
	if p.current < len(Steps) {
		p.log.Info(Steps[p.current])
	}
}

type flags struct {
	board       string
	conf        string
	repository  string
	logfile     string
	interactive bool
	yes         bool
}

// NewRootCommand builds the l4tbsp-installer command.
func NewRootCommand() *cobra.Command {
	f := &flags{}
	paths := DefaultPaths()
	cmd := &cobra.Command{
		Use:           "l4tbsp-installer",
		Short:         "Installs the Allied Vision L4T packages on this Jetson",
		Version:       bsp.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.board, "board", "", "preselect a configuration by target board ("+strings.Join(TargetBoards(), ", ")+")")
	fl.StringVar(&f.conf, "conf", paths.BootConfig, "bootloader configuration")
	fl.StringVar(&f.repository, "repository", paths.Repository, "repository archive")
	fl.StringVar(&f.logfile, "logfile", "install.log", "log file")
	fl.BoolVar(&f.interactive, "interactive", term.IsTerminal(int(os.Stdout.Fd())), "use the full screen interface")
	fl.BoolVarP(&f.yes, "yes", "y", false, "restart without asking when not interactive")
	_ = cmd.RegisterFlagCompletionFunc("board", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return TargetBoards(), cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func run(ctx context.Context, f *flags) error {
	if f.board != "" && !slices.Contains(TargetBoards(), f.board) {
		return fmt.Errorf("unknown board %q (valid: %s)", f.board, strings.Join(TargetBoards(), ", "))
	}

	opts := bsp.LogOptions{Logfile: f.logfile}
	if f.interactive {
		// the UI owns the terminal
		opts.Console = io.Discard
	}
	logger, closeLog, err := bsp.NewLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	conf, err := ReadBootConfig(f.conf)
	if err != nil {
		return err
	}
	det, err := Detect(conf, f.board)
	if err != nil {
		return err
	}

	paths := DefaultPaths()
	paths.BootConfig = f.conf
	if paths.Repository, err = filepath.Abs(f.repository); err != nil {
		return err
	}
	inst := &Installer{
		Paths: paths,
		Apt:   &Apt{Exec: bsp.NewExecutor(logger), Log: logger},
		Log:   logger,
	}
	plan := Plan{Config: conf, Detection: det}

	var restart bool
	if f.interactive {
		res, err := RunTUI(ctx, inst, plan)
		if err != nil {
			return err
		}
		if res.Cancelled {
			return nil
		}
		restart = res.Restart
	} else {
		logger.WithField("board", det.Board.Name).WithField("target", det.Current().TargetBoard).Info("detected")
		logger.Info(Steps[0])
		if err := inst.Install(ctx, plan, &logProgress{log: logger}); err != nil {
			return err
		}
		logger.Info("installation complete, a restart is required")
		restart = f.yes
	}
	if restart {
		return exec.Command("reboot").Run()
	}
	return nil
}

// Main runs the installer command line.
func Main() {
	if os.Geteuid() != 0 {
		if err := reexecSudo(); err != nil {
			color.Error.Println(err)
			os.Exit(1)
		}
	}
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, ErrUnsupported) {
			// nothing to install on this board
			color.Warn.Println(err)
			os.Exit(0)
		}
		color.Error.Println(err)
		os.Exit(1)
	}
}
