package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"autopilot/internal/agent"
	"autopilot/internal/allocation"
	"autopilot/internal/auth"
	"autopilot/internal/cache"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/db"
	"autopilot/internal/events"
	"autopilot/internal/exchange"
	"autopilot/internal/generator"
	"autopilot/internal/handler"
	"autopilot/internal/lifecycle"
	"autopilot/internal/logger"
	"autopilot/internal/marketdata"
	"autopilot/internal/notify"
	"autopilot/internal/repository"
	gormrepository "autopilot/internal/repository/gorm"
	"autopilot/internal/repository/memory"
	"autopilot/internal/risk"
	"autopilot/internal/scoring"
	"autopilot/internal/service"
	"autopilot/internal/simulator"
	"autopilot/internal/supervisor"

	_ "autopilot/docs"
)

func main() {
	// A missing .env is fine; the config file and AP_* env still apply.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		serve(cfg)
	case "token":
		err = tokenCmd(cfg, args)
	case "creds":
		err = credsCmd(cfg, args)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfgPath := os.Getenv("AP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if envOnlyRaw := os.Getenv("AP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}
	return config.Load(cfgPath, envOnly)
}

func serve(cfg config.Config) {
	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var (
		store  repository.Repository
		dbConn *db.DB
	)
	if strings.EqualFold(strings.TrimSpace(cfg.DB.Driver), "memory") {
		logger.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	} else {
		dbConn, err = db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if cfg.DB.AutoMigrate {
			if err := db.AutoMigrate(dbConn); err != nil {
				logger.Fatal("auto-migrate failed", zap.Error(err))
			}
		}
		store = gormrepository.New(dbConn.Gorm)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(ctx); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	resolver, closeCreds, err := openCredentials(cfg.Credentials)
	if err != nil {
		logger.Fatal("credential store open failed", zap.Error(err))
	}
	defer closeCreds()

	heartbeats, err := cache.Open(cfg.Cache)
	if err != nil {
		logger.Fatal("heartbeat cache open failed", zap.Error(err))
	}
	defer heartbeats.Close()

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		logger.Fatal("notifier config invalid", zap.Error(err))
	}
	if notifier != nil {
		go notifier.Run(ctx, bus)
	}

	scorer, err := scoring.NewHTTPClient(cfg.Scoring.BaseURL, cfg.Scoring.Timeout)
	if err != nil {
		logger.Fatal("scoring client", zap.Error(err))
	}
	gen, err := generator.NewHTTPClient(cfg.Generator.BaseURL, cfg.Generator.Timeout)
	if err != nil {
		logger.Fatal("generator client", zap.Error(err))
	}

	clock := cronrunner.SystemClock()
	hub := marketdata.NewHub()
	gate := &risk.Gate{
		Policy: risk.PolicyFromConfig(cfg.Risk, cfg.Exchange.MaxLeverage),
		Repo:   store,
		Switch: settingsSvc,
		Bus:    bus,
		Logger: logger,
	}
	lc := &lifecycle.Manager{
		Repo:   store,
		Scorer: scorer,
		Bus:    bus,
		Logger: logger,
		Clock:  clock,
		Config: cfg.Lifecycle,
	}
	optimizer := &allocation.Optimizer{
		Repo:            store,
		Lifecycle:       lc,
		Bus:             bus,
		Logger:          logger,
		Clock:           clock,
		Config:          cfg.Allocation,
		ProfitFactorCap: cfg.Lifecycle.ProfitFactorCap,
	}

	sup := &supervisor.Supervisor{
		Repo:        store,
		Lifecycle:   lc,
		Optimizer:   optimizer,
		Settings:    settingsSvc,
		Credentials: resolver,
		Heartbeats:  heartbeats,
		Bus:         bus,
		Logger:      logger,
		Clock:       clock,
		Config:      cfg.Supervisor,
		Agent: agent.Deps{
			Generator: gen,
			Signaler:  scorer,
			Gate:      gate,
			Hub:       hub,
			NewSimulator: func(sessionID string) *simulator.Simulator {
				return &simulator.Simulator{
					SessionID:       sessionID,
					Repo:            store,
					Bus:             bus,
					Logger:          logger.With(zap.String("session_id", sessionID)),
					Config:          cfg.Simulator,
					ProfitFactorCap: cfg.Lifecycle.ProfitFactorCap,
				}
			},
		},
	}
	if strings.TrimSpace(cfg.Exchange.BaseURL) != "" {
		opts := exchange.Options{
			BaseURL:    cfg.Exchange.BaseURL,
			Timeout:    cfg.Exchange.Timeout,
			RetryCount: cfg.Exchange.RetryCount,
		}
		sup.Gateways = func(_ string, creds credentials.Credentials) (exchange.Gateway, error) {
			return exchange.NewClient(opts, creds)
		}
	} else {
		logger.Warn("exchange.base_url is empty; sessions run paper-only")
	}

	if err := sup.Run(ctx); err != nil {
		logger.Fatal("supervisor start failed", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Exchange.StreamURL) != "" {
		stream := exchange.NewMarketStream(exchange.StreamOptions{
			URL:                cfg.Exchange.StreamURL,
			InstrumentProvider: sup.Instruments,
			Logger:             logger,
		})
		go func() {
			if err := stream.Run(ctx, hub.Publish); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("market stream stopped", zap.Error(err))
			}
		}()
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	if cfg.Server.Auth.AuditWrites {
		engine.Use(auth.AuditWrites(logger))
	}
	jwt := auth.JWT{Secret: []byte(cfg.Server.Auth.JWTSecret), TokenTTL: cfg.Server.Auth.TokenTTL}
	if !jwt.Enabled() {
		logger.Warn("server.auth.jwt_secret is empty; operator API is unauthenticated")
	}
	engine.Use(auth.RequireBearer(jwt))

	health := &handler.HealthHandler{Cache: heartbeats}
	if dbConn != nil {
		health.DB = dbConn.Gorm
	}
	health.Register(engine)
	handler.RegisterDocs(engine)
	(&handler.SessionHandler{Supervisor: sup}).Register(engine)
	(&handler.StrategyHandler{Supervisor: sup}).Register(engine)
	(&handler.RiskHandler{Supervisor: sup}).Register(engine)
	(&handler.SettingsHandler{Settings: settingsSvc}).Register(engine)
	(&handler.AccountHandler{Repo: store}).Register(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	timeout := cfg.Supervisor.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()
	if err := sup.Stop(stopCtx); err != nil {
		logger.Warn("supervisor stop incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Uint64("dropped_events", bus.Dropped()))
}

// openCredentials returns the configured resolver and its close func.
func openCredentials(cfg config.CredentialsConfig) (credentials.Resolver, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "static":
		static, err := credentials.ParseStatic(cfg.Static)
		if err != nil {
			return nil, nil, err
		}
		return static, func() {}, nil
	case "badger":
		store, err := openBadger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported credentials driver %q", cfg.Driver)
	}
}

func openBadger(cfg config.CredentialsConfig) (*credentials.BadgerStore, error) {
	var key []byte
	if strings.TrimSpace(cfg.EncryptionKey) != "" {
		k, err := credentials.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return credentials.OpenBadger(credentials.OpenOptions{Path: cfg.Path, EncryptionKey: key})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
