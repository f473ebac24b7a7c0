package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
	cronrunner "polybot/internal/cron"
	"polybot/internal/db"
	"polybot/internal/handler"
	"polybot/internal/logger"
	"polybot/internal/orchestrator"
	gormrepository "polybot/internal/repository/gorm"
	"polybot/internal/strategy"

	_ "polybot/docs"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		testing bool
		live    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every enabled strategy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("testing") {
				cfg.Testing.Enabled = testing
			}
			if cmd.Flags().Changed("live") {
				cfg.App.LiveTrading = live
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&testing, "testing", false, "paper trade through the simulator")
	cmd.Flags().BoolVar(&live, "live", false, "submit real orders outside testing mode")
	return cmd
}

func runBot(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	clobClient := clob.NewClient(&http.Client{Timeout: cfg.ClobREST.Timeout}, cfg.ClobREST.BaseURL)
	creds := cfg.Credentials
	if creds.APIKey != "" {
		clobClient = clobClient.WithAuth(clob.TradingAuth{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Passphrase: creds.APIPassphrase,
			Address:    creds.Address,
		})
	}

	bot := &orchestrator.Orchestrator{
		Config: cfg,
		Venue:  clobClient,
		Logger: log,
	}

	var dbConn *db.DB
	if cfg.DB.Enabled {
		dbConn, err = db.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			log.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		bot.Repo = gormrepository.New(dbConn.Gorm)
	}

	if err := bot.Initialize(ctx); err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		return err
	}

	if cfg.Cron.Enabled {
		runner := cronrunner.New(log.Named("cron"), ctx)
		if err := cronrunner.Register(runner, cfg.Cron, bot, bot.Mode() == strategy.ModeTesting); err != nil {
			log.Warn("cron register failed", zap.Error(err))
		}
		runner.Start()
		defer runner.Stop()
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:    cfg.Server.HTTPAddr,
			Handler: newEngine(cfg, bot, dbConn, log),
		}
		go func() {
			log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	stopErr := bot.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return stopErr
}

func newEngine(cfg config.Config, bot *orchestrator.Orchestrator, dbConn *db.DB, log *zap.Logger) *gin.Engine {
	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	health := &handler.HealthHandler{Running: bot.Running}
	if dbConn != nil {
		health.DB = dbConn.Gorm
	}
	health.Register(engine)
	(&handler.BotHandler{Bot: bot, Logger: log.Named("api")}).Register(engine)
	(&handler.SimulationHandler{Bot: bot}).Register(engine)
	history := &handler.HistoryHandler{}
	if bot.Repo != nil {
		history.Repo = bot.Repo
	}
	history.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
