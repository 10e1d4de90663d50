package main

import (
	"context"
	"log"
	"os"

	"github.com/witnet/explorer-trs/internal/api"
	"github.com/witnet/explorer-trs/internal/db"
	"github.com/witnet/explorer-trs/internal/deltajournal"
	"github.com/witnet/explorer-trs/internal/idmap"
	"github.com/witnet/explorer-trs/internal/reconcile"
	"github.com/witnet/explorer-trs/internal/reputation"
	"github.com/witnet/explorer-trs/internal/snapshot"
)

func main() {
	log.Println("Starting Witnet Explorer Total Reputation Set engine...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values.
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")
	snapshotPath := getEnvOrDefault("SNAPSHOT_PATH", "data/trs_snapshot.json")

	ctx := context.Background()

	var dbConn *db.PostgresStore
	dbConn, err := db.Connect(ctx, dbUrl)
	if err != nil {
		log.Printf("Warning: failed to connect to PostgreSQL, continuing without persisting TRS data: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(ctx); err != nil {
			log.Printf("Warning: db schema init failed: %v", err)
		}
	}

	store := snapshot.NewFileStore(snapshotPath)
	snap, found, err := store.Load()
	if err != nil {
		log.Fatalf("FATAL: failed to load snapshot from %s: %v", snapshotPath, err)
	}

	// Pass an explicit nil interface (not a typed nil *PostgresStore) when the
	// database is unavailable, so Journal.Flush's nil check behaves correctly.
	var sink deltajournal.ReputationSink
	if dbConn != nil {
		sink = dbConn
	}
	journal := deltajournal.New(sink)
	logger := stdLogger{}

	// mapper doubles as the engine's TRSSink (ResolveIDs + PersistTRSRow):
	// pass an explicit nil interface, not a typed nil *idmap.Mapper, when
	// the database is unavailable, for the same reason as the sink above.
	var mapper *idmap.Mapper
	var trsSink reputation.TRSSink
	if dbConn != nil {
		mapper = idmap.New(dbConn, dbConn)
		trsSink = mapper
		if err := mapper.Refresh(ctx); err != nil {
			log.Printf("Warning: failed to warm the address id mapping cache: %v", err)
		}
	}

	var engine *reputation.Engine
	if found {
		log.Printf("restored snapshot at epoch %d (witnessing_acts=%d)", snap.Epoch, snap.WitnessingActs)
		engine = reputation.NewFromSnapshot(snap, journal, store, trsSink, logger)
	} else {
		log.Println("no snapshot found, starting fresh engine")
		engine = reputation.NewFresh(journal, store, trsSink, logger)
	}

	var reconciler *reconcile.Reconciler
	if dbConn != nil {
		reconciler = reconcile.New(dbConn.GetPool())
	} else {
		reconciler = reconcile.New(nil)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	r := api.SetupRouter(dbConn, engine, mapper, wsHub, reconciler)

	port := getEnvOrDefault("PORT", "8080")

	log.Printf("TRS engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// stdLogger adapts stdlib log to the reputation.Logger narrow interface.
type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...any) { log.Printf("[debug] "+format, args...) }
func (stdLogger) Warnf(format string, args ...any)  { log.Printf("[warn] "+format, args...) }

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
