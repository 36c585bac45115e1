package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/able/internal/api/server"
	"github.com/xela07ax/able/internal/audit"
	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/connectors"
	"github.com/xela07ax/able/internal/delegation"
	"github.com/xela07ax/able/internal/engine"
	"github.com/xela07ax/able/internal/infra"
	"github.com/xela07ax/able/internal/infra/auth"
	"github.com/xela07ax/able/internal/repository/postgres"
	"github.com/xela07ax/able/internal/repository/sqlite"
	"github.com/xela07ax/able/internal/scope"
	"github.com/xela07ax/able/internal/trace"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("able stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст фоновых горутин (листенер отзывов). SIGTERM -> cancel().
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Инфраструктура: метрики, хранилище, Redis
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	store, closeStore, err := openStorage(appCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	// 2. Control Plane: отзыв издателей
	revoker := engine.NewRevocationManager(rdb, metrics, logger)
	if err := revoker.Init(appCtx); err != nil {
		return fmt.Errorf("init revocation manager: %w", err)
	}
	if err := revoker.Warmup(appCtx, cfg.Engine.RevokedIssuers); err != nil {
		logger.Warn("revocation warm-up failed", zap.Error(err))
	}
	go revoker.StartListener(appCtx)

	// 3. Ядро: арена AU
	matcher, err := scope.New(cfg.Engine.ScopeMatcher)
	if err != nil {
		return err
	}
	verifier := delegation.All(
		delegation.Structural{MaxDepth: cfg.Engine.MaxChainDepth},
		delegation.NewTrustedRoots(cfg.Engine.TrustedRoots...),
		revoker,
	)
	opts := []authority.Option{authority.WithMaxAge(cfg.Engine.MaxAuthorityAge)}
	if cfg.Engine.RecheckDelegation {
		opts = append(opts, authority.WithDelegationRecheck())
	}
	if store != nil {
		opts = append(opts, authority.WithStore(store))
	}
	manager, consumer := authority.NewManager(matcher, verifier, logger, opts...)
	if err := manager.Load(appCtx); err != nil {
		return err
	}

	// 4. Журнал решений: память авторитетна, диск догоняет пачками
	traceLog := trace.NewMemoryLog()
	var (
		auditor audit.Auditor
		journal *audit.Journal
		lastID  trace.ID
	)
	if store != nil {
		if lastID, err = restoreTraces(appCtx, store, traceLog); err != nil {
			return err
		}
		if untraced := traceLog.Untraced(manager.Consumed()); len(untraced) > 0 {
			n := len(untraced)
			if len(untraced) > 100 {
				untraced = untraced[:100]
			}
			logger.Warn("consumed authority units without durable trace",
				zap.Int("count", n),
				zap.Strings("authority_ids", untraced),
			)
		}
		journal = audit.NewJournal(store, audit.Config{
			BufferSize:    cfg.Engine.JournalBufferSize,
			BatchSize:     cfg.Engine.JournalBatchSize,
			FlushInterval: cfg.Engine.JournalFlushInterval,
			FlushAttempts: cfg.Engine.JournalFlushAttempts,
			RetryDelay:    cfg.Engine.JournalRetryDelay,
		}, metrics.JournalBufferFill, logger)
		journal.Start()
		auditor = journal
	}
	// ID трейса может быть занят AU, чей трейс не успел долететь до диска
	if consumed := trace.ID(manager.LastConsumedBy()); consumed > lastID {
		lastID = consumed
	}
	seq := trace.NewSequencer(lastID)

	// 5. Исполнение: коннектор + надежность
	executor, closeExecutor, err := newExecutor(cfg.Engine)
	if err != nil {
		return err
	}
	defer closeExecutor()
	safeExecutor := engine.NewReliabilityWrapper(executor, engine.ReliabilityConfig{
		Name:             "able-executor",
		MaxRequests:      cfg.Engine.CBMaxRequests,
		Interval:         cfg.Engine.CBInterval,
		Timeout:          cfg.Engine.CBTimeout,
		FailureThreshold: cfg.Engine.CBFailures,
		CallTimeout:      cfg.Engine.CallTimeout,
		RateLimit:        cfg.Engine.RateLimit,
		RateBurst:        cfg.Engine.RateBurst,
	}, metrics, logger)

	gate := engine.NewExecutionGate(consumer, safeExecutor, seq, traceLog, auditor, metrics, logger)

	// 6. Входы: HTTP, gRPC, /metrics
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	validator := auth.NewBaseValidator(pubKey)

	api := server.NewAPIServer(server.Deps{
		Authority: manager,
		Gate:      gate,
		Traces:    traceLog,
		Revoker:   revoker,
		Validator: validator,
		Health: func() error {
			if store == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return store.Ping(ctx)
		},
	}, logger)
	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, auth.ScopeExecute, logger)))
	engine.RegisterGateServer(grpcSrv, engine.NewGRPCGateServer(gate))
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr())
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC gate started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve metrics: %w", err)
		}
	}()

	// 7. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("able stopping")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Новых решений уже не будет: дописываем хвост журнала
	if journal != nil {
		journal.Stop()
		if n := journal.Dropped(); n > 0 {
			logger.Warn("journal dropped entries during run", zap.Uint64("dropped", n))
		}
	}
	logger.Info("able exited properly", zap.Int("traces", traceLog.Len()))
	return runErr
}

// durableStore — долговременное хранилище AU и журнала решений.
type durableStore interface {
	authority.Store
	audit.Storage
	From(ctx context.Context, from trace.ID, limit int) ([]trace.Entry, error)
	LastID(ctx context.Context) (trace.ID, error)
	Ping(ctx context.Context) error
}

type pgStore struct {
	*postgres.AuthorityRepo
	*postgres.TraceRepo
}

func openStorage(ctx context.Context, cfg infra.DatabaseConfig) (durableStore, func(), error) {
	switch cfg.Driver {
	case infra.DriverPostgres:
		db, err := postgres.OpenDB(cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database unreachable: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return pgStore{postgres.NewAuthorityRepo(db), postgres.NewTraceRepo(db)}, func() { _ = db.Close() }, nil
	case infra.DriverSQLite:
		s, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// restoreTraces переносит сохраненный журнал в память и возвращает последний ID.
func restoreTraces(ctx context.Context, store durableStore, memLog *trace.MemoryLog) (trace.ID, error) {
	const page = 1000
	var last trace.ID
	for from := trace.ID(0); ; {
		entries, err := store.From(ctx, from, page)
		if err != nil {
			return 0, fmt.Errorf("restore traces: %w", err)
		}
		for _, e := range entries {
			if err := memLog.Append(ctx, e); err != nil {
				return 0, fmt.Errorf("restore traces: %w", err)
			}
			last = e.Trace.ID
		}
		if len(entries) < page {
			return last, nil
		}
		from = last + 1
	}
}

func newExecutor(cfg infra.EngineConfig) (engine.ExecutionProvider, func(), error) {
	if cfg.ConnectorAddr == "" {
		return connectors.NewLocalConnector(), func() {}, nil
	}
	conn, err := grpc.NewClient(cfg.ConnectorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to connector: %w", err)
	}
	return connectors.NewGRPCAdapter(conn, cfg.CallTimeout), func() { _ = conn.Close() }, nil
}
