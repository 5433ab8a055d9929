// Load generator for the outbox table. Inserts command and event rows at a
// configurable rate so relay throughput, retry behavior and partition
// balance can be observed under sustained write pressure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relayware/pgoutbox/internal/platform/storage"
)

var topics = []string{
	"orders.create",
	"orders.cancel",
	"payments.charge",
	"payments.refund",
	"inventory.reserve",
	"shipping.dispatch",
}

type metrics struct {
	inserted atomic.Int64
	errors   atomic.Int64
}

func main() {
	var (
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", 5432, "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "outbox"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "outbox_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "outbox"), "Database name")

		rate        = flag.Int("rate", 100, "Rows per second")
		duration    = flag.Duration("duration", time.Minute, "How long to generate (0 for unlimited)")
		workers     = flag.Int("workers", 4, "Concurrent inserter goroutines")
		keys        = flag.Int("keys", 50, "Distinct ordering keys")
		eventRatio  = flag.Float64("event-ratio", 0.2, "Fraction of rows inserted as events")
		burst       = flag.Bool("burst", false, "Alternate between idle and burst phases")
		burstPeriod = flag.Duration("burst-period", 10*time.Second, "Length of one burst cycle")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	db, err := storage.New(ctx, storage.Config{
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  "disable",
	})
	if err != nil {
		slog.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := storage.NewStore(db, nil)
	m := &metrics{}

	slog.Info("Starting load generation",
		"rate", *rate,
		"duration", *duration,
		"workers", *workers,
		"keys", *keys,
		"event_ratio", *eventRatio,
		"burst", *burst,
	)

	work := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for range work {
				insertOne(ctx, store, db, rng, *keys, *eventRatio, m)
			}
		}()
	}

	go report(ctx, m)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	started := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if *burst && !inBurstPhase(time.Since(started), *burstPeriod) {
				continue
			}
			select {
			case work <- struct{}{}:
			default:
				// workers saturated, drop the tick rather than queue
			}
		}
	}

	close(work)
	wg.Wait()

	slog.Info("Load generation finished",
		"inserted", m.inserted.Load(),
		"errors", m.errors.Load(),
		"elapsed", time.Since(started).Round(time.Second).String(),
	)
}

// inBurstPhase puts the first half of each period under load and keeps the
// second half idle.
func inBurstPhase(elapsed, period time.Duration) bool {
	return elapsed%period < period/2
}

func insertOne(ctx context.Context, store *storage.Store, db *storage.DB, rng *rand.Rand, keys int, eventRatio float64, m *metrics) {
	key := fmt.Sprintf("key-%d", rng.Intn(keys))
	payload, _ := json.Marshal(map[string]any{
		"amount": rng.Intn(10_000),
		"seq":    rng.Int63(),
	})

	_, err := store.Enqueue(ctx, db.Pool(), storage.NewMessage{
		Topic:   topics[rng.Intn(len(topics))],
		Key:     &key,
		Value:   payload,
		IsEvent: rng.Float64() < eventRatio,
	})
	if err != nil {
		m.errors.Add(1)
		if ctx.Err() == nil {
			slog.Warn("Insert failed", "error", err)
		}
		return
	}
	m.inserted.Add(1)
}

func report(ctx context.Context, m *metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := m.inserted.Load()
			slog.Info("Progress",
				"inserted", total,
				"rate", (total-last)/5,
				"errors", m.errors.Load(),
			)
			last = total
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
