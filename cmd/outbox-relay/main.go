// Package main implements the outbox relay service.
// It drains the transactional outbox table and dispatches rows to the
// configured sink (Kafka/Redpanda, NATS JetStream, Redis Streams or a
// logging handler).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relayware/pgoutbox/internal/adapter/kafka"
	natsadapter "github.com/relayware/pgoutbox/internal/adapter/nats"
	"github.com/relayware/pgoutbox/internal/adapter/redisstream"
	"github.com/relayware/pgoutbox/internal/outbox"
	"github.com/relayware/pgoutbox/internal/outbox/strategy"
	"github.com/relayware/pgoutbox/internal/platform/storage"
)

func main() {
	// Configuration flags
	var (
		configPath = flag.String("config", envOrDefault("OUTBOX_CONFIG", ""), "Optional YAML config file")

		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", ""), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 0), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", ""), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", ""), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", ""), "Database name")

		mode         = flag.String("mode", envOrDefault("OUTBOX_MODE", ""), "Trigger mode: short-polling, notify or logical")
		pollInterval = flag.Duration("poll-interval", 0, "Fallback poll interval")
		limit        = flag.Int("limit", 0, "Maximum rows to fetch per cycle")
		partition    = flag.Int("partition", -1, "Outbox partition to drain (-1 for the unpartitioned table)")
		partitions   = flag.Int("partitions", envOrDefaultInt("OUTBOX_PARTITIONS", 0), "Create N hash partitions on startup")
		topics       = flag.String("topics", envOrDefault("OUTBOX_TOPICS", ""), "Comma-separated topic filter (empty for all)")
		concurrent   = flag.Bool("concurrent", envOrDefaultBool("OUTBOX_CONCURRENT", false), "Use SKIP LOCKED for multi-instance draining")

		retryAll   = flag.Bool("retry-all", envOrDefaultBool("OUTBOX_RETRY_ALL", false), "Retry every failed message")
		retryDelay = flag.Duration("retry-delay", 0, "Linear backoff between retries")
		retryMax   = flag.Int("retry-max-attempts", 0, "Maximum delivery attempts")

		sinkKind     = flag.String("sink", envOrDefault("OUTBOX_SINK", ""), "Sink: kafka, nats, redis or log")
		sinkStrategy = flag.String("strategy", envOrDefault("OUTBOX_STRATEGY", ""), "Dispatch strategy for the log sink: serial, parallel, grouped or grouped-async")
		instrument   = flag.Bool("instrument", envOrDefaultBool("OUTBOX_INSTRUMENT", false), "Attach per-message diagnostics to row meta")

		brokers   = flag.String("brokers", envOrDefault("KAFKA_BROKERS", ""), "Kafka/Redpanda brokers (comma-separated)")
		natsURL   = flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS server URL")
		redisAddr = flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address")
	)
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	fileCfg, err := LoadFileConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config file", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg := storage.Config{
		Host:     firstNonEmpty(*dbHost, fileCfg.DB.Host, "localhost"),
		Port:     firstNonZero(*dbPort, fileCfg.DB.Port, 5432),
		User:     firstNonEmpty(*dbUser, fileCfg.DB.User, "outbox"),
		Password: firstNonEmpty(*dbPassword, fileCfg.DB.Password, "outbox_dev"),
		Database: firstNonEmpty(*dbName, fileCfg.DB.Database, "outbox"),
		SSLMode:  firstNonEmpty(fileCfg.DB.SSLMode, "disable"),
	}

	db, err := storage.New(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// The partitioned parent must exist before the migrations run, so the
	// table migration becomes a no-op and its indexes land on the parent.
	nPartitions := firstNonZero(*partitions, fileCfg.Outbox.Partitions, 0)
	if nPartitions > 0 {
		if err := db.EnsurePartitions(ctx, nPartitions); err != nil {
			slog.Error("Failed to create partitions", "error", err)
			os.Exit(1)
		}
	}

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	var partitionPtr *int
	if *partition >= 0 {
		p := *partition
		partitionPtr = &p
	} else if fileCfg.Outbox.Partition != nil {
		partitionPtr = fileCfg.Outbox.Partition
	}

	opts := outbox.Options{
		Mode:             outbox.Mode(firstNonEmpty(*mode, fileCfg.Outbox.Mode)),
		PollInterval:     firstNonZeroDuration(*pollInterval, fileCfg.Outbox.PollInterval),
		Limit:            firstNonZero(*limit, fileCfg.Outbox.Limit, 0),
		Partition:        partitionPtr,
		TopicFilter:      splitTopics(firstNonEmpty(*topics, strings.Join(fileCfg.Outbox.Topics, ","))),
		Concurrent:       *concurrent || fileCfg.Outbox.Concurrent,
		RetryDelay:       firstNonZeroDuration(*retryDelay, fileCfg.Outbox.RetryDelay),
		RetryMaxAttempts: firstNonZero(*retryMax, fileCfg.Outbox.RetryMaxAttempts, 0),
	}
	if *retryAll || fileCfg.Outbox.RetryAll {
		opts.RetryPredicate = func(error) bool { return true }
	}

	sink, err := buildSink(sinkConfig{
		kind:         firstNonEmpty(*sinkKind, fileCfg.Sink.Kind, "log"),
		strategy:     firstNonEmpty(*sinkStrategy, fileCfg.Sink.Strategy, "serial"),
		instrument:   *instrument || fileCfg.Sink.Instrument,
		brokers:      firstNonEmpty(*brokers, fileCfg.Sink.Kafka.Brokers, "localhost:9092"),
		ensureTopics: fileCfg.Sink.Kafka.EnsureTopics,

		natsURL:    firstNonEmpty(*natsURL, fileCfg.Sink.NATS.URL),
		natsStream: fileCfg.Sink.NATS.Stream,

		redisAddr:      firstNonEmpty(*redisAddr, fileCfg.Sink.Redis.Addr, "localhost:6379"),
		redisPassword:  fileCfg.Sink.Redis.Password,
		redisDB:        fileCfg.Sink.Redis.DB,
		redisKeyPrefix: fileCfg.Sink.Redis.KeyPrefix,
	})
	if err != nil {
		slog.Error("Failed to build sink", "error", err)
		os.Exit(1)
	}

	store := storage.NewStore(db, partitionPtr)
	box := outbox.New(outbox.Deps{
		Gateway:    store,
		Adapter:    sink,
		ConnString: dbCfg.ConnectionString(),
		Table:      store.Table(),
	}, opts)

	slog.Info("Starting outbox relay",
		"table", store.Table(),
		"mode", string(opts.Mode),
		"sink", firstNonEmpty(*sinkKind, fileCfg.Sink.Kind, "log"),
		"concurrent", opts.Concurrent,
	)

	if err := box.Start(ctx); err != nil {
		slog.Error("Failed to start outbox", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received shutdown signal", "signal", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := box.Stop(stopCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("Outbox relay stopped")
}

type sinkConfig struct {
	kind       string
	strategy   string
	instrument bool

	brokers      string
	ensureTopics []string

	natsURL    string
	natsStream string

	redisAddr      string
	redisPassword  string
	redisDB        int
	redisKeyPrefix string
}

func buildSink(cfg sinkConfig) (outbox.Adapter, error) {
	switch cfg.kind {
	case "kafka":
		return kafka.New(kafka.Config{
			Brokers:      cfg.brokers,
			EnsureTopics: cfg.ensureTopics,
		})
	case "nats":
		return natsadapter.New(natsadapter.Config{
			URL:    cfg.natsURL,
			Stream: cfg.natsStream,
		}), nil
	case "redis":
		return redisstream.New(redisstream.Config{
			Addr:      cfg.redisAddr,
			Password:  cfg.redisPassword,
			DB:        cfg.redisDB,
			KeyPrefix: cfg.redisKeyPrefix,
		}), nil
	case "log":
		var h strategy.Handler = strategy.HandlerFunc(logHandler)
		if cfg.instrument {
			h = strategy.Instrument(h)
		}
		return buildStrategy(cfg.strategy, h)
	default:
		return nil, errUnknownSink(cfg.kind)
	}
}

func buildStrategy(name string, h strategy.Handler) (outbox.Adapter, error) {
	switch name {
	case "serial", "":
		return strategy.NewSerial(h), nil
	case "parallel":
		return strategy.NewParallel(h), nil
	case "grouped":
		return strategy.NewGrouped(h), nil
	case "grouped-async":
		return strategy.NewGroupedAsync(h), nil
	default:
		return nil, errUnknownStrategy(name)
	}
}

func logHandler(_ context.Context, msg outbox.Message) (strategy.Response, error) {
	slog.Info("Dispatched message",
		"id", msg.ID,
		"topic", msg.Topic,
		"attempts", msg.Attempts,
	)
	return strategy.Response{}, nil
}

type errUnknownSink string

func (e errUnknownSink) Error() string { return "unknown sink: " + string(e) }

type errUnknownStrategy string

func (e errUnknownStrategy) Error() string { return "unknown strategy: " + string(e) }

func splitTopics(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
