// bdslink is the delivery link between a bird-strike-risk computation
// process and a remote monitoring server. It streams risk, heartbeat and
// connection-status messages over a persistent TCP connection as
// newline-delimited JSON, and ships a reference sink server for
// development and integration testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/setevik/bdslink/internal/client"
	"github.com/setevik/bdslink/internal/config"
	"github.com/setevik/bdslink/internal/risk"
	"github.com/setevik/bdslink/internal/sink"
	"github.com/setevik/bdslink/internal/store"
	"github.com/setevik/bdslink/internal/wire"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "send":
			runSend(os.Args[2:])
			return
		case "feed":
			runFeed(os.Args[2:])
			return
		case "query":
			runQuery(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "version":
			fmt.Println("bdslink", version)
			return
		case "-h", "--help", "help":
			usage()
			return
		}
	}

	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, `bdslink — bird-strike-risk event delivery link

Usage:
  bdslink serve   [flags]   run the sink server (development receiver)
  bdslink send    [flags]   deliver a single risk event and exit
  bdslink feed    [flags]   stream a simulated closing encounter
  bdslink query   [flags]   list messages recorded by the sink
  bdslink status  [flags]   show sink store statistics
  bdslink version           print version

Run "bdslink <command> -h" for command flags.`)
}

// --- serve subcommand ---

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	persist := fs.Bool("persist", false, "store received messages in the message database")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging(cfg.Log.Level)

	addr := cfg.Sink.Listen
	if *listen != "" {
		addr = *listen
	}

	var opts []sink.Option
	var db *store.DB
	if *persist || cfg.Sink.Persist {
		var err error
		db, err = store.Open(cfg.DBPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening message database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("message database opened", "path", cfg.DBPath())

		if cfg.DB.Retention.Duration > 0 {
			purged, err := db.Purge(cfg.DB.Retention.Duration)
			if err != nil {
				slog.Warn("failed to purge old messages", "error", err)
			} else if purged > 0 {
				slog.Info("purged old messages", "count", purged, "retention", cfg.DB.Retention.Duration)
			}
		}
		opts = append(opts, sink.WithStore(db))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := sink.New(addr, opts...)
	if err := srv.Start(ctx); err != nil {
		slog.Error("failed to start sink", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	cancel()
	srv.Stop()
}

// --- send subcommand ---

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	name := fs.String("event", wire.EventRiskChanged, "event name")
	levelStr := fs.String("level", "", "risk level (NORMAL..CRITICAL); computed from the metrics when empty")
	distance := fs.Float64("distance", 500, "distance to flock in meters")
	speed := fs.Float64("speed", 0, "signed range rate in m/s (negative = closing)")
	ttcFlag := fs.Float64("ttc", -1, "time to collision in seconds (negative = not closing)")
	score := fs.Float64("score", -1, "risk score (computed from the metrics when negative)")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging(cfg.Log.Level)

	ttc := *ttcFlag
	if ttc < 0 {
		ttc = math.Inf(1)
	}

	riskScore, level := risk.Assess(*distance, *speed, ttc)
	if *score >= 0 {
		riskScore = *score
	}
	if *levelStr != "" {
		parsed, err := wire.ParseRiskLevel(strings.ToUpper(*levelStr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		level = parsed
	}

	c, err := newClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.Stop()

	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "error connecting: %v\n", err)
		os.Exit(1)
	}
	if err := c.SendRiskEvent(*name, level, *distance, *speed, ttc, riskScore); err != nil {
		fmt.Fprintf(os.Stderr, "error sending event: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sent %s result=%s score=%.1f to %s\n", *name, level, riskScore, c.Addr())
}

// --- feed subcommand ---

// runFeed streams a simulated closing encounter through the real client:
// an aircraft on approach converges on a loitering flock, each tick is
// assessed and stabilized, and level changes are delivered to the sink.
func runFeed(args []string) {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	duration := fs.Duration("duration", 60*time.Second, "how long to run the simulation")
	tick := fs.Duration("tick", 500*time.Millisecond, "simulation step interval")
	airspeed := fs.Float64("airspeed", 70, "aircraft ground speed in m/s")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging(cfg.Log.Level)

	c, err := newClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Aircraft starts far out on final approach; the flock loiters near
	// the threshold with a slow drift.
	airplane := risk.Track{X: -4000, Z: 0, VX: *airspeed, VZ: 0}
	flock := risk.Track{X: 0, Z: 120, VX: -2, VZ: -1}

	stab := risk.NewStabilizer(cfg.Risk.DowngradeHold)
	last := wire.LevelNormal
	reported := false

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()
	deadline := time.After(*duration)

	dt := tick.Seconds()
	for {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, stopping feed", "signal", sig)
			return
		case <-deadline:
			slog.Info("simulation finished", "status", c.Status())
			return
		case <-ticker.C:
			airplane.X += airplane.VX * dt
			airplane.Z += airplane.VZ * dt
			flock.X += flock.VX * dt
			flock.Z += flock.VZ * dt

			distance := risk.Distance(airplane, flock)
			rate := risk.RangeRate(airplane, flock)
			ttc := risk.TimeToCollision(airplane, flock)

			score, level := stab.Apply(risk.Assess(distance, rate, ttc))

			if reported && level == last {
				continue
			}
			err := c.SendRiskEvent(wire.EventRiskChanged, level, distance, rate, ttc, score)
			switch {
			case err == nil:
				last = level
				reported = true
				slog.Info("risk level reported", "result", level,
					"score", fmt.Sprintf("%.1f", score),
					"distance_m", fmt.Sprintf("%.0f", distance))
			default:
				slog.Warn("risk event not delivered", "result", level, "error", err)
			}
		}
	}
}

// --- query subcommand ---

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "24h", "time window (e.g. 30m, 24h, 7d)")
	msgType := fs.String("type", "", "filter by message type (event, heartbeat, connection)")
	result := fs.String("result", "", "filter by risk level (NORMAL..CRITICAL)")
	limit := fs.Int("limit", 50, "max messages to show")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging("error") // quiet for CLI output

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	since, err := parseDuration(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
		os.Exit(1)
	}

	msgs, err := db.Query(store.QueryFilter{
		Since:  time.Now().Add(-since),
		Type:   strings.ToLower(*msgType),
		Result: strings.ToUpper(*result),
		Limit:  *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages found.")
		return
	}

	printMessages(msgs)
}

func printMessages(msgs []*store.Message) {
	for _, m := range msgs {
		ts := m.ReceivedAt.Local().Format("2006-01-02 15:04:05")
		env := &m.Envelope
		switch env.Type {
		case wire.TypeEvent:
			line := fmt.Sprintf("%s  [event]      %s %s  d=%.0fm v=%.1fm/s score=%.1f",
				ts, env.Name, env.Result, env.Distance, env.RelativeSpeed, env.RiskScore)
			if env.TTC != nil {
				line += fmt.Sprintf(" ttc=%.1fs", *env.TTC)
			}
			fmt.Println(line)
		case wire.TypeHeartbeat:
			fmt.Printf("%s  [heartbeat]  %s\n", ts, env.Status)
		case wire.TypeConnection:
			fmt.Printf("%s  [connection] %s from %s\n", ts, env.Status, m.RemoteAddr)
		default:
			fmt.Printf("%s  [%s]\n", ts, env.Type)
		}
	}
	fmt.Printf("Total: %d message(s)\n", len(msgs))
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging("error")

	fmt.Printf("Instance:      %s\n", cfg.Instance.ID)
	fmt.Printf("Link target:   %s:%d\n", cfg.Link.Host, cfg.Link.Port)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	lastMsgs, err := db.Query(store.QueryFilter{Limit: 1})
	if err == nil && len(lastMsgs) > 0 {
		m := lastMsgs[0]
		ago := time.Since(m.ReceivedAt).Truncate(time.Second)
		fmt.Printf("Last message:  [%s] from %s — %s ago\n", m.Envelope.Type, m.RemoteAddr, formatDuration(ago))
	} else {
		fmt.Println("Last message:  none")
	}

	counts, err := db.CountByResult(time.Now().Add(-24 * time.Hour))
	if err == nil && len(counts) > 0 {
		var parts []string
		for _, level := range []string{"CRITICAL", "WARNING", "HIGH", "CAUTION", "LOW", "NORMAL"} {
			if n := counts[level]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, level))
			}
		}
		fmt.Printf("Events (24h):  %s\n", strings.Join(parts, ", "))
	} else {
		fmt.Println("Events (24h):  none")
	}

	total, _ := db.Count()
	fmt.Printf("DB messages:   %d total\n", total)
	fmt.Printf("DB path:       %s\n", cfg.DBPath())
}

// --- utilities ---

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg *config.Config) (*client.Client, error) {
	return client.New(client.Config{
		Host:              cfg.Link.Host,
		Port:              cfg.Link.Port,
		ReconnectInterval: cfg.Link.ReconnectInterval.Duration,
		HeartbeatInterval: cfg.Link.HeartbeatInterval.Duration,
		ConnectTimeout:    cfg.Link.ConnectTimeout.Duration,
		WriteTimeout:      cfg.Link.WriteTimeout.Duration,
		MinSendInterval:   cfg.Link.MinSendInterval.Duration,
	})
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// parseDuration extends time.ParseDuration with support for "d" (days) suffix.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		s = strings.TrimSuffix(s, "d")
		var days int
		if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid days format: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}
