// Command railwatch runs the conflict detection service: SQLite-backed
// topology and position storage, the periodic detection scheduler, the
// websocket fan-out hub and, when Redis is configured, the
// cross-instance bridge.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/railsignal/railwatch/internal/api"
	"github.com/railsignal/railwatch/internal/bridge"
	"github.com/railsignal/railwatch/internal/config"
	"github.com/railsignal/railwatch/internal/db"
	"github.com/railsignal/railwatch/internal/hub"
	"github.com/railsignal/railwatch/internal/scheduler"
	"github.com/railsignal/railwatch/internal/topocache"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "railwatch.db", "SQLite database file")
	redisAddr  = flag.String("redis", "", "Redis address for the cross-instance bridge (empty disables)")
	configFile = flag.String("config", "", "Tuning config JSON file")
	autostart  = flag.Bool("autostart", true, "Start the detection scheduler on boot")
)

// alertFanout delivers scheduler output to the local hub and, when the
// bridge is up, to the other instances.
type alertFanout struct {
	hub    *hub.Hub
	bridge *bridge.Bridge
}

func (f *alertFanout) BroadcastConflictAlert(alert hub.ConflictAlert) {
	f.hub.BroadcastConflictAlert(alert)
	if f.bridge != nil {
		f.bridge.BroadcastConflictAlert(alert)
	}
}

func (f *alertFanout) BroadcastSystemStatus(status any) {
	f.hub.BroadcastSystemStatus(status)
	if f.bridge != nil {
		f.bridge.BroadcastSystemStatus(status)
	}
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configFile, err)
		}
		cfg = loaded
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", *dbFile, err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := topocache.New(database, cfg.GetCacheTTL())
	if err := cache.EnsureFresh(ctx); err != nil {
		log.Printf("Initial topology load failed, will retry per cycle: %v", err)
	}

	h := hub.New()

	var b *bridge.Bridge
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		b = bridge.New(client, h)
		if err := b.Start(ctx); err != nil {
			log.Fatalf("Failed to start Redis bridge: %v", err)
		}
		defer b.Stop()
	}

	sessions := func(ctx context.Context) (scheduler.Session, error) {
		return database.NewSession(ctx)
	}
	sched := scheduler.New(cfg, cache, sessions, &alertFanout{hub: h, bridge: b})
	if *autostart {
		if err := sched.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}
	defer sched.Stop()

	server := api.NewServer(sched, h, b, cache, cfg, database)
	if err := server.ListenAndServe(ctx, *listen); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
