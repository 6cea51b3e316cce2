package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkelly/pias/internal/coordinator"
	"github.com/rkelly/pias/internal/discover"
	"github.com/rkelly/pias/internal/eventlog"
	"github.com/rkelly/pias/internal/logging"
	"github.com/rkelly/pias/internal/player"
	"github.com/rkelly/pias/internal/recorder"
	"github.com/rkelly/pias/internal/rendezvous"
	"github.com/rkelly/pias/internal/view"
)

var version = "0.1.0"

func main() {
	// Terminal emulators typically accept only a single command argument,
	// so the joiner re-entry path runs this binary with no arguments at
	// all and configures it entirely through PIAS_OPT_* env vars.
	if os.Getenv("PIAS_OPT_COMMAND") != "" && len(os.Args) == 1 {
		if err := runReentry(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pias",
	Short:   "Record and replay interactive terminal sessions",
	Version: version,
}

var joinFlag bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&joinFlag, "join", false, "attach as a secondary view to an already-running session")
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)

	recordCmd.Flags().StringVar(&recordShell, "shell", "", "shell to record (default: $SHELL)")
	recordCmd.Flags().BoolVar(&recordAppend, "append", false, "resume recording onto an existing datafile")
	recordCmd.Flags().BoolVar(&recordOverwrite, "overwrite", false, "replace an existing datafile")

	playCmd.Flags().StringVar(&playTerminal, "terminal", "", "terminal emulator used to join secondary views")
	playCmd.Flags().IntVar(&playAutoType, "auto-type", 0, "auto-type delay in ms for non-waypoint keystrokes (bare flag: 50ms)")
	playCmd.Flags().Lookup("auto-type").NoOptDefVal = "50"
	playCmd.Flags().IntVar(&playAutoWaypoint, "auto-waypoint", 0, "auto-waypoint delay in ms for newline/CR keystrokes (bare flag: 50ms)")
	playCmd.Flags().Lookup("auto-waypoint").NoOptDefVal = "50"
	playCmd.Flags().BoolVar(&playLiveReplay, "live-replay", false, "drive a freshly forked shell instead of the recorded output")
}

var (
	recordShell     string
	recordAppend    bool
	recordOverwrite bool
)

var recordCmd = &cobra.Command{
	Use:   "record [datafile]",
	Short: "Record a new terminal session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRecord,
}

var (
	playTerminal     string
	playAutoType     int
	playAutoWaypoint int
	playLiveReplay   bool
)

var playCmd = &cobra.Command{
	Use:     "play [datafile]",
	Aliases: []string{"replay"},
	Short:   "Play back a recorded terminal session",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runPlay,
}

// resolveDatafile accepts the positional argument or, when re-entering as
// a joiner that cobra never saw an argument for, PIAS_OPT_DATAFILE.
func resolveDatafile(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv("PIAS_OPT_DATAFILE")
}

func isJoining() bool {
	return joinFlag || os.Getenv("PIAS_OPT_JOIN") == "1"
}

func runRecord(cmd *cobra.Command, args []string) error {
	datafile := resolveDatafile(args)
	if datafile == "" {
		return fmt.Errorf("pias: record requires a datafile path")
	}

	if isJoining() {
		return runJoin(datafile, false)
	}

	sockPath := rendezvous.SocketPath(datafile)
	if _, err := os.Stat(sockPath); err == nil {
		return fmt.Errorf("pias: session already in use at %s\nremediation: pass --join to attach, or remove the socket if no process holds it", sockPath)
	}

	mode := eventlog.ModeWrite
	if _, err := os.Stat(datafile); err == nil {
		switch {
		case recordOverwrite:
			mode = eventlog.ModeWrite
		case recordAppend:
			mode = eventlog.ModeAppend
		default:
			return fmt.Errorf("pias: datafile %s already exists\nremediation: pass --append to resume it or --overwrite to replace it", datafile)
		}
	}

	log, err := eventlog.Open(datafile, mode, eventlog.OpenOptions{
		Shell:        recordShell,
		DefaultShell: discover.DefaultShell,
	})
	if err != nil {
		return err
	}

	sock, err := rendezvous.Bind(sockPath, false)
	if err != nil {
		return err
	}

	base := coordinator.NewBase(sock, logging.WithComponent("record"))
	rec := recorder.New(base, log, recorder.Options{Shell: log.Shell()})

	base.Start(rec.Run)
	installSignalHandler(base)

	if err := view.Run(sockPath, false); err != nil {
		base.Stop()
	}

	waitErr := base.Wait()
	closeErr := log.Close()
	if waitErr != nil {
		return waitErr
	}
	return closeErr
}

func runPlay(cmd *cobra.Command, args []string) error {
	datafile := resolveDatafile(args)
	if datafile == "" {
		return fmt.Errorf("pias: play requires a datafile path")
	}

	if isJoining() {
		return runJoin(datafile, true)
	}

	sockPath := rendezvous.SocketPath(datafile)
	if _, err := os.Stat(sockPath); err == nil {
		return fmt.Errorf("pias: session already in use at %s\nremediation: pass --join to attach", sockPath)
	}

	log, err := eventlog.Open(datafile, eventlog.ModeRead, eventlog.OpenOptions{
		DefaultShell: discover.DefaultShell,
		LiveReplay:   playLiveReplay,
	})
	if err != nil {
		return err
	}

	sock, err := rendezvous.Bind(sockPath, false)
	if err != nil {
		return err
	}

	terminal := playTerminal
	if terminal == "" {
		terminal = discover.DefaultTerminal()
	}

	base := coordinator.NewBase(sock, logging.WithComponent("play"))
	p := player.New(base, log, datafile, player.Options{
		Shell:        log.Shell(),
		Terminal:     terminal,
		Command:      "play",
		AutoType:     time.Duration(playAutoType) * time.Millisecond,
		AutoWaypoint: time.Duration(playAutoWaypoint) * time.Millisecond,
		LiveReplay:   playLiveReplay,
	})

	base.Start(p.Run)
	installSignalHandler(base)

	if err := view.Run(sockPath, true); err != nil {
		base.Stop()
	}

	return base.Wait()
}

// runJoin attaches as a secondary view to a session already in progress,
// either because --join was passed explicitly or because this process was
// spawned by the Player's joiner re-entry path.
func runJoin(datafile string, forPlayer bool) error {
	sockPath := rendezvous.SocketPath(datafile)
	if _, err := os.Stat(sockPath); err != nil {
		return fmt.Errorf("pias: no session to join at %s\nremediation: start a recording or playback first", datafile)
	}
	return view.Run(sockPath, forPlayer)
}

func runReentry() error {
	datafile := os.Getenv("PIAS_OPT_DATAFILE")
	if datafile == "" {
		return fmt.Errorf("pias: PIAS_OPT_DATAFILE not set")
	}
	command := os.Getenv("PIAS_OPT_COMMAND")
	return runJoin(datafile, command == "play" || command == "replay")
}

func installSignalHandler(base *coordinator.Base) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		base.Stop()
	}()
}
