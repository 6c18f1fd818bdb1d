// Pilot MCP server and fleet supervisor.
// Stdio for assistants and their hooks, "pilot pm" for the manager loop,
// "pilot agent" for a foreground worker loop.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/channel"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/memory"
	"github.com/jaakkos/pilot/internal/pm"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/proc"
	"github.com/jaakkos/pilot/internal/recovery"
	"github.com/jaakkos/pilot/internal/registry"
	pilottools "github.com/jaakkos/pilot/internal/tools/pilot"
	"github.com/jaakkos/pilot/internal/tracker"
	"github.com/jaakkos/pilot/internal/worktree"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "pm":
			runPM()
			return
		case "agent":
			runAgent()
			return
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("pilot " + Version)
			return
		}
	}
	runStdioServer()
}

// app bundles every wired component. Both the stdio server and the PM
// supervisor build the same graph; they differ in what they run on top.
type app struct {
	pol         *policy.Policy
	logger      *log.Logger
	events      *eventlog.Log
	registry    *registry.Registry
	leases      *lease.Manager
	bus         *bus.Bus
	board       *board.Publisher
	checkpoints *checkpoint.Store
	costs       *cost.Tracker
	memory      *memory.Store
	worktrees   *worktree.Manager
	recovery    *recovery.Engine
	tracker     tracker.Tracker
}

// buildApp wires the component graph from the policy file.
func buildApp() *app {
	tmpLogger := log.New(os.Stderr, "[pilot] ", log.LstdFlags|log.Lshortfile)
	pol := loadPolicy(tmpLogger)

	logger := setupLogger(pol.LogFile())
	stateDir := pol.StateDir()

	a := &app{pol: pol, logger: logger}
	a.events = eventlog.New(stateDir, logger)

	store := registry.NewStore(stateDir)
	a.registry = registry.New(store, proc.SystemProber{}, pol, a.events, logger)
	a.leases = lease.NewManager(stateDir, store, a.registry, pol, a.events, logger)
	a.bus = bus.New(filepath.Join(stateDir, "bus"), pol.SignalFilePath(), logger)
	a.board = board.NewPublisher(stateDir, logger)
	a.checkpoints = checkpoint.NewStore(filepath.Join(stateDir, "memory", "agents"), logger)
	a.costs = cost.NewTracker(stateDir, pol, logger)
	a.worktrees = worktree.NewManager(pol, logger)
	a.tracker = tracker.NewBD(os.Getenv("PILOT_BD_BIN"), pol.WorkspaceRoot())

	// Token counting upgrades from the bytes/4 model when the encoding
	// loads; offline hosts keep the estimate.
	if est, err := cost.NewTiktokenEstimator("cl100k_base"); err == nil {
		a.costs.SetEstimator(est)
	} else {
		logger.Printf("Tiktoken unavailable, using byte estimator: %v", err)
	}

	mem, err := memory.Open(filepath.Join(stateDir, "memory.db"))
	if err != nil {
		logger.Printf("Warning: memory store init failed: %v (pattern lookup disabled)", err)
	} else {
		a.memory = mem
	}

	a.recovery = recovery.NewEngine(stateDir, store, a.leases, a.checkpoints,
		a.bus, a.memory, a.worktrees, a.events, logger)

	// A session's cursor and orphaned worktrees die with the session.
	a.registry.OnSessionEnd = append(a.registry.OnSessionEnd, func(sessionID string) {
		a.bus.RemoveCursor(sessionID)
	})
	return a
}

func (a *app) close() {
	if a.memory != nil {
		if err := a.memory.Close(); err != nil {
			a.logger.Printf("Warning: close memory store: %v", err)
		}
	}
}

// runStdioServer serves the pilot tool set over stdio for one assistant.
func runStdioServer() {
	a := buildApp()
	defer a.close()
	a.logger.Println("Starting pilot MCP server...")
	a.logger.Printf("State dir: %s", a.pol.StateDir())
	a.logger.Printf("Workspace root: %s", a.pol.WorkspaceRoot())

	a.registry.RefreshHeartbeatsOnStartup()

	mcpServer := server.NewMCPServer(
		"pilot",
		Version,
		server.WithInstructions(pilottools.InstructionsText()),
	)
	pilottools.Register(mcpServer, pilottools.Deps{
		Policy:      a.pol,
		Registry:    a.registry,
		Leases:      a.leases,
		Bus:         a.bus,
		Board:       a.board,
		Checkpoints: a.checkpoints,
		Costs:       a.costs,
		Logger:      a.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	a.logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		a.logger.Printf("Stdio server stopped: %v", err)
	}
	a.logger.Println("Server stopped")
}

// runPM runs the manager: periodic scans, the channel handler, recovery,
// and the dispatch loop that feeds ready tasks to the fleet.
func runPM() {
	a := buildApp()
	defer a.close()
	a.logger.Println("Starting pilot PM...")

	a.registry.RefreshHeartbeatsOnStartup()
	if rep, err := a.registry.CleanupStale(); err == nil &&
		rep.ZombiesRepaired+rep.Ended > 0 {
		a.logger.Printf("Startup cleanup: zombies=%d refreshed=%d ended=%d",
			rep.ZombiesRepaired, rep.HeartbeatRefreshed, rep.Ended)
	}

	handler := channel.New(channel.Deps{
		Dir:     filepath.Join(a.pol.StateDir(), "channel"),
		LogFile: a.pol.LogFile(),
		Policy:  a.pol,
		Reg:     a.registry,
		Leases:  a.leases,
		Bus:     a.bus,
		Board:   a.board,
		Costs:   a.costs,
		Tracker: a.tracker,
		Events:  a.events,
		Logger:  a.logger,
	})

	loop := pm.New(pm.Deps{
		Policy:    a.pol,
		Registry:  a.registry,
		Leases:    a.leases,
		Bus:       a.bus,
		Board:     a.board,
		Costs:     a.costs,
		Recovery:  a.recovery,
		Channel:   handler,
		Approvals: handler,
		Events:    a.events,
		Logger:    a.logger,
	})
	loop.Initialize("pm-" + fmt.Sprint(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Printf("Received signal %v, shutting down...", sig)
		loop.Stop("signal")
		cancel()
	}()

	dispatcher := newDispatcher(a)
	go dispatcher.run(ctx)

	loop.Run(ctx)

	if n, err := a.registry.ArchiveEnded(a.archiveThreshold()); err == nil && n > 0 {
		a.logger.Printf("Archived %d ended sessions", n)
	}
	if n, err := a.worktrees.OrphanGC(a.registry.IsAlive); err == nil && n > 0 {
		a.logger.Printf("Removed %d orphaned worktrees", n)
	}
	a.logger.Println("PM stopped")
}

// runStatusCommand implements "pilot status": one line per live session.
func runStatusCommand() {
	logger := log.New(os.Stderr, "", 0)
	pol := loadPolicy(logger)
	stateDir := pol.StateDir()

	events := eventlog.New(stateDir, logger)
	store := registry.NewStore(stateDir)
	reg := registry.New(store, proc.SystemProber{}, pol, events, logger)

	sessions, err := reg.ActiveSessions("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	snaps := map[string]string{}
	if published, err := board.NewPublisher(stateDir, logger).StatusBoard(); err == nil {
		for _, s := range published {
			snaps[s.SessionID] = s.Status
		}
	}
	if len(sessions) == 0 {
		fmt.Println("no live sessions")
		return
	}
	for _, s := range sessions {
		status := snaps[s.ID]
		if status == "" {
			status = "unknown"
		}
		task := s.ClaimedTask
		if task == "" {
			task = "-"
		}
		fmt.Printf("%s  role=%-8s  task=%-12s  status=%-8s  heartbeat=%s\n",
			s.ID, s.Role, task, status, s.Heartbeat.Format("15:04:05"))
	}
}

// archiveThreshold converts the configured archive horizon.
func (a *app) archiveThreshold() time.Duration {
	h := a.pol.Config().Sessions.ArchiveAfterHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

// setupLogger writes to the run log file and, when stderr is a terminal,
// to stderr as well. Daemonized runs with redirected stderr log only to
// the file to avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[pilot] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[pilot] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "[pilot] ", log.LstdFlags|log.Lshortfile)
}

// loadPolicy loads the policy document from PILOT_CONFIG or defaults.
func loadPolicy(logger *log.Logger) *policy.Policy {
	pol, err := policy.Load(os.Getenv("PILOT_CONFIG"))
	if err != nil {
		logger.Printf("Warning: failed to load config %s: %v, using defaults",
			os.Getenv("PILOT_CONFIG"), err)
		pol, _ = policy.Load("")
	}
	return pol
}
