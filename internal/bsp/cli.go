package bsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// Version is set during the build using ldflags.
var Version = "dev"

type cliFlags struct {
	configFile     string
	boardsFile     string
	boards         []string
	steps          string
	buildDir       string
	kernelDir      string
	cacheDir       string
	alwaysDownload bool
	dontVerify     bool
	signKey        string
	installMissing bool
	skipPrecheck   bool
	verbose        bool
	debug          bool
	logfile        string
	installerBin   string
	publish        string
}

// NewRootCommand builds the l4tbsp command tree.
func NewRootCommand() *cobra.Command {
	f := &cliFlags{}
	root := &cobra.Command{
		Use:   "l4tbsp",
		Short: "Builds Allied Vision L4T board support packages",
		Long: color.Render(`<light_yellow>l4tbsp builds the Jetson kernel and packages it</> into an installable apt repository bundle.

<white>Steps</> (run in this order, whatever order --steps lists them in)
  ` + StepNames() + `

<white>Configuration</>
Settings are read from ` + DefaultConfigFile + ` (KEY=value) and overridden by the environment:
      <light_blue>L4TBSP_BUILD_DIR</>  Build directory. Defaults to ./work.
       <light_blue>L4TBSP_DL_CACHE</>  Download cache. Defaults to ./dl-cache.
     <light_blue>L4TBSP_KERNEL_DIR</>  Use an external kernel source tree.
         <light_blue>L4TBSP_BOARDS</>  Board registry file.
       <light_blue>L4TBSP_SIGN_KEY</>  GPG key id used to sign the repository.
    <light_blue>L4TBSP_S3_ENDPOINT</>  S3 compatible endpoint for s3:// artifacts and --publish.
    <light_blue>L4TBSP_MIN_FREE_GB</>  Free space the precheck requires. Defaults to 40.
           <light_blue>AVT_RELEASE</>  Release identifier. Defaults to the short git commit.
`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configFile, "config", DefaultConfigFile, "configuration file")
	pf.StringVar(&f.boardsFile, "boards", "", "board registry file (default: $"+EnvBoards+", "+DefaultRegistryPath+" or built-in)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "show debug messages")
	pf.BoolVar(&f.debug, "debug", false, "show debug messages and the output of every command")
	pf.StringVar(&f.logfile, "logfile", "", "also write the full log to this file")

	fl := root.Flags()
	fl.StringArrayVarP(&f.boards, "board", "b", nil, "board to build, repeatable (or \"all\")")
	fl.StringVar(&f.steps, "steps", "", "comma separated steps to run (default: all except clear-cache,clean-common,clean)")
	fl.StringVar(&f.buildDir, "build-dir", "", "build directory")
	fl.StringVar(&f.kernelDir, "kernel-dir", "", "use an external kernel source tree")
	fl.StringVar(&f.cacheDir, "dl-cache", "", "download cache directory")
	fl.BoolVar(&f.alwaysDownload, "always-download", false, "download artifacts even when cached")
	fl.BoolVar(&f.dontVerify, "dont-verify", false, "do not verify downloaded artifacts")
	fl.StringVar(&f.signKey, "sign", "", "sign the repository with this GPG key id")
	fl.BoolVar(&f.installMissing, "install-missing", false, "install missing host packages")
	fl.BoolVar(&f.skipPrecheck, "skip-precheck", false, "skip the host precheck")
	fl.StringVar(&f.installerBin, "installer-bin", "", "add this installer binary to the bundle")
	fl.StringVar(&f.publish, "publish", "", "upload the bundle to s3://bucket/prefix")

	_ = root.RegisterFlagCompletionFunc("board", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		reg, err := LoadRegistry(ResolveRegistryPath(f.boardsFile, os.Getenv, DefaultRegistryPath))
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		return append(reg.Keys(), "all"), cobra.ShellCompDirectiveNoFileComp
	})
	_ = root.RegisterFlagCompletionFunc("steps", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return strings.Split(StepNames(), ","), cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(newBoardsCommand(f), newVersionCommand())
	return root
}

func newBoardsCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "Lists the boards of the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := LoadRegistry(ResolveRegistryPath(f.boardsFile, os.Getenv, DefaultRegistryPath))
			if err != nil {
				return err
			}
			return printBoards(cmd.OutOrStdout(), reg)
		},
	}
}

func printBoards(out io.Writer, reg *Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tNAME\tL4T\tBUPS\n")
	for _, k := range reg.Keys() {
		b := reg.Boards[k]
		l4t := b.L4TVersion
		if l4t == "" {
			l4t = reg.Common.L4TVersion
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k, b.Name, l4t, strings.Join(b.BUPs, ","))
	}
	return w.Flush()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version of this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// resolveSettings layers explicitly set flags over the configuration.
// Directories are made absolute since make and the NVIDIA scripts run with
// their own working directory.
func resolveSettings(cmd *cobra.Command, f *cliFlags, cfg *Config) (Settings, error) {
	s := DefaultSettings(cfg)
	changed := cmd.Flags().Changed
	if changed("build-dir") {
		s.BuildDir = f.buildDir
	}
	if changed("dl-cache") {
		s.CacheDir = f.cacheDir
	}
	if changed("kernel-dir") {
		s.KernelDir = f.kernelDir
	}
	if changed("sign") {
		s.SignKey = f.signKey
	}
	if changed("always-download") {
		s.AlwaysDownload = f.alwaysDownload
	}
	if changed("dont-verify") {
		s.DontVerify = f.dontVerify
	}
	s.BoardsFile = f.boardsFile
	s.InstallMissing = f.installMissing
	s.SkipPrecheck = f.skipPrecheck
	s.InstallerBin = f.installerBin
	s.Publish = f.publish

	for _, dir := range []*string{&s.BuildDir, &s.CacheDir, &s.KernelDir} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return s, fmt.Errorf("cannot resolve %s: %w", *dir, err)
		}
		*dir = abs
	}
	return s, nil
}

// selectBoards expands the --board values. "all" selects every board.
func selectBoards(reg *Registry, names []string) ([]string, error) {
	var keys []string
	seen := make(map[string]bool)
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "all" {
				return reg.Keys(), nil
			}
			if _, ok := reg.Boards[part]; !ok {
				return nil, fmt.Errorf("unknown board %q (known: %s)", part, strings.Join(reg.Keys(), ", "))
			}
			if !seen[part] {
				seen[part] = true
				keys = append(keys, part)
			}
		}
	}
	return keys, nil
}

// needsRoot reports whether any selected step calls sudo.
func needsRoot(steps StepSet) bool {
	return steps[StepCleanCommon] || steps[StepClean] || steps[StepDeploy]
}

// loggedError marks an error that was already reported through the logger.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

func runBuild(cmd *cobra.Command, f *cliFlags) (err error) {
	ctx := cmd.Context()
	cfg, err := LoadConfig(f.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", f.configFile, err)
	}
	settings, err := resolveSettings(cmd, f, cfg)
	if err != nil {
		return err
	}

	logger, closeLog, err := NewLogger(LogOptions{Verbose: f.verbose, Debug: f.debug, Logfile: f.logfile})
	if err != nil {
		return err
	}
	defer closeLog()
	defer func() {
		if err != nil {
			logger.WithError(err).Error("build failed")
			err = loggedError{err}
		}
	}()

	steps := DefaultSteps()
	if f.steps != "" {
		if steps, err = ParseSteps(f.steps); err != nil {
			return err
		}
	}

	// the config already carries the environment overrides
	regPath := ResolveRegistryPath(settings.BoardsFile, func(k string) string { return cfg.Get(k, "") }, DefaultRegistryPath)
	reg, err := LoadRegistry(regPath)
	if err != nil {
		return err
	}
	logger.WithField("source", reg.Source).Debug("board registry loaded")

	keys, err := selectBoards(reg, f.boards)
	if err != nil {
		return err
	}
	var boards []*Board
	for _, k := range keys {
		b, err := reg.ResolveBoard(k, settings)
		if err != nil {
			return err
		}
		boards = append(boards, b)
	}
	common, err := reg.ResolveCommon(settings)
	if err != nil {
		return err
	}

	store := NewLazyS3(cfg)
	tools := &Tools{
		Fetcher: NewFetcher(logger, store),
		Exec:    NewExecutor(logger),
		Log:     logger,
		FetchOptions: EnsureOptions{
			AlwaysDownload: settings.AlwaysDownload,
			SkipVerify:     settings.DontVerify,
		},
	}
	pipeline := &Pipeline{
		Steps:  steps,
		Boards: boards,
		Log:    logger,
		Phases: &Builder{
			Tools:    tools,
			Settings: settings,
			Common:   common,
			Store:    store,
			Log:      logger,
			Getenv:   os.Getenv,
		},
	}

	plan := pipeline.Plan()
	if len(plan) == 0 {
		return errors.New("nothing to do: the selected steps need at least one --board")
	}
	logger.WithField("plan", plan).Debug("execution plan")

	if needsRoot(steps) || (settings.InstallMissing && !settings.SkipPrecheck) {
		if err := Authenticate(ctx, logger); err != nil {
			return err
		}
	}
	if !settings.SkipPrecheck {
		pc := &Precheck{
			Tools:          tools,
			Log:            logger,
			Packages:       HostPackages,
			InstallMissing: settings.InstallMissing,
			Dir:            settings.BuildDir,
			MinFreeGB:      settings.MinFreeGB,
		}
		if err := pc.Run(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := pipeline.Run(ctx); err != nil {
		return err
	}
	banner(logger, "Done in %s", time.Since(start).Round(time.Second))
	return nil
}

// Main runs the l4tbsp command line. The first interrupt cancels the running
// command; a second one exits immediately.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling\n", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		<-sigs
		colArrow.Print("\n-> ")
		color.Danger.Println("Second interrupt received. Forcing immediate exit.")
		os.Exit(130)
	}()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		var logged loggedError
		if !errors.As(err, &logged) {
			colArrow.Print("-> ")
			colError.Println(err)
		}
		os.Exit(1)
	}
}
