package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/pane-supervisor/internal/config"
	"github.com/asheshgoplani/pane-supervisor/internal/hooks"
	"github.com/asheshgoplani/pane-supervisor/internal/logging"
	"github.com/asheshgoplani/pane-supervisor/internal/pane"
	"github.com/asheshgoplani/pane-supervisor/internal/schedule"
	"github.com/asheshgoplani/pane-supervisor/internal/store"
	"github.com/asheshgoplani/pane-supervisor/internal/web"
)

const Version = "0.3.1"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		return cmdServe(args)
	case "send":
		return cmdSend(args)
	case "config":
		return cmdConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("pane-supervisor v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`pane-supervisor - terminal pane status supervision

Usage:
  pane-supervisor [serve]        run the supervisor (default)
  pane-supervisor send           submit a signal to a running supervisor
  pane-supervisor config init    write the default config file
  pane-supervisor version        print version

Run 'pane-supervisor <command> -h' for command flags.
`)
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "override web.listen_addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	dir := config.Dir()
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Web.ListenAddr = *listen
	}

	logDir := cfg.Logs.Dir
	if logDir == "" {
		logDir = filepath.Join(dir, "logs")
	}
	level := cfg.Logs.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		Debug:      *debug,
	})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompCore)
	log.Info("starting", slog.String("version", Version), slog.String("dir", dir))

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	sched := schedule.New(time.Duration(cfg.Status.TickIntervalSecs) * time.Second)

	// The server is created after the supervisor but receives its updates,
	// so the outward callback goes through this indirection.
	var srv *web.Server
	sup, err := pane.NewSupervisor(sched, supervisorOptions(cfg, func(u pane.DisplayUpdate) {
		if srv != nil {
			srv.Broadcast(u)
		}
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
		return 1
	}

	var st *store.Store
	if cfg.Persist.Enabled {
		dbPath := cfg.Persist.Path
		if dbPath == "" {
			dbPath = filepath.Join(dir, "state.db")
		}
		st, err = store.Open(dbPath, logging.ForComponent(logging.CompStore))
		if err != nil {
			fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
			return 1
		}
		defer st.Close()

		records, err := st.LoadAll()
		if err != nil {
			log.Warn("snapshot restore failed", slog.String("error", err.Error()))
		} else if len(records) > 0 {
			if err := sup.Import(records); err != nil {
				log.Warn("snapshot import failed", slog.String("error", err.Error()))
			} else {
				log.Info("restored panes", slog.Int("count", len(records)))
			}
		}

		flushEvery := time.Duration(cfg.Persist.FlushIntervalSecs) * time.Second
		sched.RegisterInterval("store.flush", flushEvery, func() {
			if err := st.SaveAll(sup.Export()); err != nil {
				logging.ForComponent(logging.CompStore).Warn("flush failed",
					slog.String("error", err.Error()))
			}
		})
	}

	srv = web.NewServer(web.Config{
		ListenAddr:       cfg.Web.ListenAddr,
		Token:            cfg.Web.Token,
		IngestRatePerSec: cfg.Web.IngestRatePerSec,
		IngestBurst:      cfg.Web.IngestBurst,
	}, sup)

	watcher, err := hooks.NewWatcher(filepath.Join(dir, "signals"), sup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: signal watcher: %v\n", err)
		return 1
	}

	sup.Start()
	go watcher.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		watcher.Stop()
		sup.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("web shutdown", slog.String("error", err.Error()))
		}

		if st != nil {
			if err := st.SaveAll(sup.Export()); err != nil {
				log.Warn("final flush failed", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
		return 1
	}
	log.Info("stopped")
	return 0
}

func supervisorOptions(cfg config.Config, notify func(pane.DisplayUpdate)) pane.Options {
	return pane.Options{
		TickInterval:             time.Duration(cfg.Status.TickIntervalSecs) * time.Second,
		LongRunningAfter:         time.Duration(cfg.Status.LongRunningThresholdSecs) * time.Second,
		WaitingFallback:          time.Duration(cfg.Status.WaitingFallbackSecs) * time.Second,
		WaitingFallbackToRunning: cfg.Status.WaitingFallbackToRunning,
		HistoryLength:            cfg.Status.HistoryLength,
		QueueCapacity:            cfg.Queue.Capacity,
		QueueShedWatermark:       cfg.Queue.LowPriorityWatermark,
		QueueWarnWatermark:       cfg.Queue.HighWatermark,
		Display: pane.DisplayOptions{
			Dwell:         time.Duration(cfg.Display.DwellSecs) * time.Second,
			SuppressBelow: time.Duration(cfg.Display.SuppressBelowSecs) * time.Second,
			HintFor:       time.Duration(cfg.Display.RecentlyFinishedHintSecs) * time.Second,
		},
		Notify: notify,
		Log:    logging.ForComponent(logging.CompCore),
	}
}

// cmdSend posts one signal to a running supervisor. Shell integration and
// hook scripts use this instead of speaking HTTP themselves.
func cmdSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	addr := fs.String("addr", "", "supervisor address (default: web.listen_addr from config)")
	token := fs.String("token", "", "auth token")
	paneID := fs.String("pane", "", "pane id (required)")
	source := fs.String("source", "shell", "signal source")
	event := fs.String("event", "", "event type (required)")
	payloadJSON := fs.String("payload", "", "payload as JSON object")
	generation := fs.Int("generation", 0, "generation fence value")
	_ = fs.Parse(args)

	if *paneID == "" || *event == "" {
		fmt.Fprintln(os.Stderr, "pane-supervisor send: -pane and -event are required")
		return 2
	}

	cfg, err := config.Load(config.Dir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
		return 1
	}
	if *addr == "" {
		*addr = cfg.Web.ListenAddr
	}
	if *token == "" {
		*token = cfg.Web.Token
	}

	body := map[string]any{
		"source":     *source,
		"pane_id":    *paneID,
		"event_type": *event,
		"generation": *generation,
		"ts":         time.Now().Unix(),
	}
	if *payloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "pane-supervisor send: bad payload: %v\n", err)
			return 2
		}
		body["payload"] = payload
	}

	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, "http://"+*addr+"/api/signal", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor send: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor send: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "pane-supervisor send: %s: %s\n", resp.Status, bytes.TrimSpace(out))
		return 1
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	return 0
}

func cmdConfig(args []string) int {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: pane-supervisor config init")
		return 2
	}
	dir := config.Dir()
	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %s already exists\n", path)
		return 1
	}
	if err := config.Default().Save(dir); err != nil {
		fmt.Fprintf(os.Stderr, "pane-supervisor: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", path)
	return 0
}
