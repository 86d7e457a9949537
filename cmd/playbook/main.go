package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/playbooklabs/playbook/internal/analytics"
	"github.com/playbooklabs/playbook/internal/api"
	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/circuitbreaker"
	"github.com/playbooklabs/playbook/internal/config"
	"github.com/playbooklabs/playbook/internal/executor"
	"github.com/playbooklabs/playbook/internal/leaderelection"
	"github.com/playbooklabs/playbook/internal/ledger"
	"github.com/playbooklabs/playbook/internal/metrics"
	"github.com/playbooklabs/playbook/internal/reactor"
	"github.com/playbooklabs/playbook/internal/reconciler"
	"github.com/playbooklabs/playbook/internal/recurrence"
	"github.com/playbooklabs/playbook/internal/scheduler"
	"github.com/playbooklabs/playbook/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// schemaTimeout bounds the startup DDL pass separately from the
// per-operation timeout, which is too tight for table creation.
const schemaTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`playbook - workflow template automation engine

Usage:
  playbook <command>

Commands:
  serve      Start the scheduler, trigger reactor and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL               PostgreSQL connection string (required)
  WORKSPACE_ID               Workspace UUID this instance serves (required)
  REDIS_ADDR                 Redis address for run analytics (optional)
  HTTP_ADDR                  HTTP server address (default: ":8080")
  TICK_INTERVAL              Scheduler tick interval (default: "30s")
  SCHEDULE_LOOKBACK          Due-occurrence lookback window (default: "840h")
  STALE_RETRY_THRESHOLD      Pending claim age before re-execution (default: "5m")

  DB_OP_TIMEOUT              Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS          Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS          Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME       Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME      Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT      Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED            Enable Prometheus metrics (default: "false")
  METRICS_PATH               Metrics endpoint path (default: "/metrics")

  SWEEP_ENABLED              Enable the stale-run sweeper (default: "true")
  SWEEP_INTERVAL             How often to sweep stale runs (default: "5m")
  SWEEP_THRESHOLD            Pending age before a run is abandoned (default: "30m")
  SWEEP_BATCH_SIZE           Max abandoned runs per cycle (default: "100")

  ANALYTICS_BREAKER_THRESHOLD  Failures before analytics writes are shed,
                               0 disables the breaker (default: "5")
  ANALYTICS_BREAKER_COOLDOWN   How long the breaker stays open (default: "2m")
  ANALYTICS_RETENTION          Outcome counter retention (default: "720h")

  LEADER_ELECTION_ENABLED    Single active scheduler via advisory lock (default: "false")
  LEADER_LOCK_KEY            Advisory lock key shared by all instances (default: "7243001")
  LEADER_RETRY_INTERVAL      Follower lock retry interval (default: "15s")
  LEADER_HEARTBEAT_INTERVAL  Leader connection ping interval (default: "5s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("playbook: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), schemaTimeout)
	err = postgres.EnsureSchema(schemaCtx, db)
	cancelSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("playbook: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("playbook: METRICS_ENABLED not set; metrics disabled")
	}

	// Wire analytics if Redis is configured
	var analyticsSink analytics.Recorder
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention)
		if cfg.AnalyticsBreakerThreshold > 0 {
			breaker := circuitbreaker.New(cfg.AnalyticsBreakerThreshold, cfg.AnalyticsBreakerCooldown)
			analyticsSink = analytics.NewGuardedRecorder(sink, breaker)
			log.Printf("playbook: analytics enabled (redis=%s, breaker_threshold=%d, breaker_cooldown=%s)",
				cfg.RedisAddr, cfg.AnalyticsBreakerThreshold, cfg.AnalyticsBreakerCooldown)
		} else {
			analyticsSink = sink
			log.Printf("playbook: analytics enabled (redis=%s, breaker disabled)", cfg.RedisAddr)
		}
	} else {
		log.Println("playbook: REDIS_ADDR not set; analytics disabled")
	}

	emitter := audit.NewEmitter(store, store)
	claims := ledger.New(store).WithStaleRetryThreshold(cfg.StaleRetryThreshold)
	exec := executor.New(store, store, store, store)

	react := reactor.New(store, exec, emitter)
	if metricsSink != nil {
		react = react.WithMetrics(metricsSink)
	}
	if analyticsSink != nil {
		react = react.WithAnalytics(analyticsSink)
	}

	sched := scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval, Lookback: cfg.ScheduleLookback},
		store,
		recurrence.NewParser(),
		claims,
		exec,
		emitter,
	)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}
	if analyticsSink != nil {
		sched = sched.WithAnalytics(analyticsSink)
	}

	var sweeper *reconciler.Reconciler
	if cfg.SweepEnabled {
		sweeper = reconciler.New(
			reconciler.Config{
				Interval:  cfg.SweepInterval,
				Threshold: cfg.SweepThreshold,
				BatchSize: cfg.SweepBatchSize,
			},
			store,
			emitter,
		)
		if metricsSink != nil {
			sweeper = sweeper.WithMetrics(metricsSink)
		}
		log.Printf("playbook: sweeper enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.SweepInterval, cfg.SweepThreshold, cfg.SweepBatchSize)
	} else {
		log.Println("playbook: SWEEP_ENABLED=false; stale-run sweeper disabled")
	}

	apiHandler := api.NewHandler(store, react, claims, exec, emitter, cfg.WorkspaceID).
		WithHealthChecker(store)
	if metricsSink != nil {
		apiHandler = apiHandler.WithMetrics(metricsSink)
	}

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("playbook: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("playbook: http server error: %v", err)
		}
	}()

	// Leader duties are the timer-driven parts: scheduler ticks and sweep
	// cycles. HTTP stays up on every instance either way; the run ledger's
	// uniqueness constraint keeps concurrent claims safe regardless.
	var sweeperWg sync.WaitGroup
	startDuties := func(ctx context.Context) {
		sched.Start()
		if sweeper != nil {
			sweeperWg.Add(1)
			go func() {
				defer sweeperWg.Done()
				sweeper.Run(ctx)
			}()
		}
	}
	stopDuties := func() {
		sched.Stop()
		sweeperWg.Wait()
	}

	var electionWg sync.WaitGroup
	var cancelElection context.CancelFunc
	var cancelDuties context.CancelFunc

	if cfg.LeaderElectionEnabled {
		elector := leaderelection.New(db, leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		}, startDuties, stopDuties)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}

		var electionCtx context.Context
		electionCtx, cancelElection = context.WithCancel(context.Background())
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
		log.Printf("playbook: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		var dutyCtx context.Context
		dutyCtx, cancelDuties = context.WithCancel(context.Background())
		startDuties(dutyCtx)
		log.Println("playbook: LEADER_ELECTION_ENABLED not set; this instance schedules unconditionally")
	}

	log.Printf("playbook: started (workspace=%s, tick=%s, lookback=%s, http=%s)",
		cfg.WorkspaceID, cfg.TickInterval, cfg.ScheduleLookback, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("playbook: received signal %v, shutting down", received)

	// Phase 1: Stop timer duties (no new runs launched)
	if cancelElection != nil {
		log.Println("playbook: stopping leader election...")
		cancelElection()
		electionWg.Wait()
		log.Println("playbook: leader election stopped")
	} else {
		log.Println("playbook: stopping scheduler and sweeper...")
		cancelDuties()
		stopDuties()
		log.Println("playbook: scheduler and sweeper stopped")
	}

	// Phase 2: Stop HTTP server with graceful shutdown (in-flight manual
	// launches and event ingestion finish)
	log.Println("playbook: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("playbook: http server shutdown error: %v", err)
	}
	log.Println("playbook: http server stopped")

	log.Println("playbook: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("playbook version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
