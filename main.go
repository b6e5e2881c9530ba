package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"medpricer/internal/api"
	"medpricer/internal/auth"
	"medpricer/internal/cache"
	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/engine"
	"medpricer/internal/geo"
	"medpricer/internal/logger"
	"medpricer/internal/snapshot"
	"medpricer/internal/trace"
)

var version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	cfg := config.Load()

	switch cmd {
	case "serve":
		runServe(cfg)
	case "seed-demo":
		runSeedDemo(cfg)
	case "list-snapshots":
		runListSnapshots(cfg, args)
	case "show-snapshot":
		runShowSnapshot(cfg, args)
	case "publish":
		runPublish(cfg, args)
	case "pin":
		runPin(cfg, args)
	case "verify":
		runVerify(cfg, args)
	case "create-key":
		runCreateKey(cfg, args)
	case "status":
		runStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "commands: serve, seed-demo, list-snapshots, show-snapshot, publish, pin, verify, create-key, status")
		os.Exit(2)
	}
}

func openDB(cfg *config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	return database
}

func runServe(cfg *config.Config) {
	logger.Banner(version)

	database := openDB(cfg)
	defer database.Close()

	c, err := cache.New(cfg.CacheMaxEntries, cfg.CacheMaxBytes, cfg.CacheDir)
	if err != nil {
		logger.Error("CACHE", fmt.Sprintf("Failed to init cache: %v", err))
		os.Exit(1)
	}

	snaps := snapshot.NewRegistry(database)
	resolver := geo.NewResolver(database, snaps, cfg, version)
	pricer := engine.NewPricer(database, c, cfg)
	orch := engine.NewOrchestrator(database, pricer, resolver, snaps, cfg)
	traceStore := trace.NewStore(database)
	replayer := trace.NewReplayer(traceStore, orch, snaps)
	keys := auth.NewStore(database.SqlDB())

	// Periodic sweep of expired cache entries.
	go func() {
		ticker := time.NewTicker(cfg.CacheTTL)
		defer ticker.Stop()
		for range ticker.C {
			if n := c.Cleanup(); n > 0 {
				logger.Info("CACHE", fmt.Sprintf("Removed %d expired entries", n))
			}
		}
	}()

	srv := api.NewServer(cfg, database, resolver, orch, snaps, traceStore, replayer, keys, version)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Server(fmt.Sprintf("localhost:%d", cfg.Port))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server failed: %v", err))
		os.Exit(1)
	}
}

func runSeedDemo(cfg *config.Config) {
	database := openDB(cfg)
	defer database.Close()

	if err := database.SeedDemo(); err != nil {
		logger.Error("SEED", fmt.Sprintf("Seeding failed: %v", err))
		os.Exit(1)
	}
	logger.Success("SEED", "Demo dataset loaded")

	snaps := snapshot.NewRegistry(database)
	ctx := context.Background()
	for _, dataset := range db.KnownDatasets() {
		snap, err := snaps.Publish(ctx, dataset, "2024-01-01", "", `{"source":"seed-demo"}`)
		if err != nil {
			logger.Error("SNAPSHOT", fmt.Sprintf("Publish %s failed: %v", dataset, err))
			os.Exit(1)
		}
		logger.Info("SNAPSHOT", fmt.Sprintf("%s -> %s", dataset, snap.Digest[:12]))
	}
	logger.Success("SNAPSHOT", "Snapshots published for all datasets")
}

func runListSnapshots(cfg *config.Config, args []string) {
	database := openDB(cfg)
	defer database.Close()

	ctx := context.Background()
	var (
		snaps []db.Snapshot
		err   error
	)
	if len(args) > 0 {
		snaps, err = database.SnapshotsForDataset(ctx, args[0])
	} else {
		snaps, err = database.AllSnapshots(ctx)
	}
	if err != nil {
		logger.Error("SNAPSHOT", err.Error())
		os.Exit(1)
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
		return
	}
	for _, s := range snaps {
		to := s.EffectiveTo
		if to == "" {
			to = "open"
		}
		fmt.Printf("%-18s %s  %s .. %s\n", s.DatasetID, s.Digest[:16], s.EffectiveFrom, to)
	}
}

func runShowSnapshot(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: medpricer show-snapshot <dataset> <digest>")
		os.Exit(2)
	}
	database := openDB(cfg)
	defer database.Close()

	snap, err := database.SnapshotByDigest(context.Background(), args[0], args[1])
	if err != nil {
		logger.Error("SNAPSHOT", err.Error())
		os.Exit(1)
	}
	if snap == nil {
		fmt.Fprintf(os.Stderr, "no snapshot %s for dataset %s\n", args[1], args[0])
		os.Exit(1)
	}
	fmt.Printf("dataset:        %s\n", snap.DatasetID)
	fmt.Printf("digest:         %s\n", snap.Digest)
	fmt.Printf("effective_from: %s\n", snap.EffectiveFrom)
	to := snap.EffectiveTo
	if to == "" {
		to = "open"
	}
	fmt.Printf("effective_to:   %s\n", to)
	fmt.Printf("manifest:       %s\n", snap.Manifest)
}

func runPublish(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: medpricer publish <dataset> <effective-from> [effective-to]")
		os.Exit(2)
	}
	database := openDB(cfg)
	defer database.Close()

	to := ""
	if len(args) > 2 {
		to = args[2]
	}
	snaps := snapshot.NewRegistry(database)
	snap, err := snaps.Publish(context.Background(), args[0], args[1], to, "{}")
	if err != nil {
		logger.Error("SNAPSHOT", err.Error())
		os.Exit(1)
	}
	logger.Success("SNAPSHOT", fmt.Sprintf("Published %s digest %s", snap.DatasetID, snap.Digest))
}

func runPin(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: medpricer pin <name> <dataset>")
		os.Exit(2)
	}
	database := openDB(cfg)
	defer database.Close()

	snaps := snapshot.NewRegistry(database)
	pin, err := snaps.Pin(context.Background(), args[0], args[1])
	if err != nil {
		logger.Error("SNAPSHOT", err.Error())
		os.Exit(1)
	}
	logger.Success("SNAPSHOT", fmt.Sprintf("Pin %s -> %s", pin.Name, pin.Digest))
}

func runVerify(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: medpricer verify <pin-name> <zip> [zip...]")
		os.Exit(2)
	}
	database := openDB(cfg)
	defer database.Close()

	snaps := snapshot.NewRegistry(database)
	resolver := geo.NewResolver(database, snaps, cfg, version)

	result, err := snaps.VerifyPin(context.Background(), args[0], args[1:], time.Now().UTC(), resolver.ResolveDigest)
	if err != nil {
		logger.Error("VERIFY", err.Error())
		os.Exit(1)
	}
	resolved := result.Total - result.Failed
	logger.Section("Reproducibility")
	logger.Stats("Sampled", result.Total)
	logger.Stats("Resolved", resolved)
	logger.Stats("Matched", result.Matched)
	logger.Stats("Score", fmt.Sprintf("%.2f", result.Score))
	if result.Matched < resolved {
		os.Exit(1)
	}
}

func runCreateKey(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: medpricer create-key <name> [--admin]")
		os.Exit(2)
	}
	admin := false
	for _, a := range args[1:] {
		if a == "--admin" {
			admin = true
		}
	}
	database := openDB(cfg)
	defer database.Close()

	secret, err := auth.NewStore(database.SqlDB()).Create(context.Background(), args[0], admin)
	if err != nil {
		logger.Error("AUTH", err.Error())
		os.Exit(1)
	}
	logger.Success("AUTH", fmt.Sprintf("Created key %q (admin=%t)", args[0], admin))
	fmt.Println(secret)
}

func runStatus(cfg *config.Config) {
	database := openDB(cfg)
	defer database.Close()

	ctx := context.Background()
	logger.Section("Status")
	logger.Stats("Version", version)
	logger.Stats("Database", cfg.DBPath)

	snaps, err := database.AllSnapshots(ctx)
	if err != nil {
		logger.Error("DB", err.Error())
		os.Exit(1)
	}
	logger.Stats("Snapshots", len(snaps))

	keys, err := auth.NewStore(database.SqlDB()).Count(ctx)
	if err != nil {
		logger.Error("DB", err.Error())
		os.Exit(1)
	}
	logger.Stats("API keys", keys)
	latencies := database.RecentResolutionLatencies(ctx, 100)
	logger.Stats("Recent resolutions", len(latencies))
}
