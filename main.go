package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/commander"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/keyValue"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/plugins"
	"speakeasy-server/internal/signaling"
	"speakeasy-server/internal/snowflake"
	"speakeasy-server/internal/voice"
)

func setupLogger(cfg *models.ConfigFile) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()

	outputs := []string{"stdout"}
	if cfg.LogToFile {
		outputs = append(outputs, "speakeasy.log")
	}
	config.OutputPaths = outputs

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func readConfigFile() (models.ConfigFile, error) {
	cfg := models.ConfigFile{
		ServerName:               "Speakeasy Server",
		Address:                  "0.0.0.0",
		ControlPort:              "9987",
		AdminPort:                "10080",
		AdminTcpPort:             "10011",
		AdminRpcPort:             "10443",
		UdpVoicePort:             "9988",
		LogLevel:                 "info",
		SelfContained:            true,
		MaxClients:               512,
		FileStorageRoot:          "./files",
		FileQuotaBytes:           256 * 1024 * 1024,
		PluginDir:                "./plugins",
		HeartbeatIntervalSeconds: 10,
		HeartbeatMaxMisses:       3,
		JitterMinBufferMs:        40,
		JitterMaxBufferMs:        200,
		JitterAdaptive:           true,
		VoicePeakKbps:            128,
	}

	// .env overrides take effect through os.Getenv below
	godotenv.Load()

	configFile, err := os.Open("config.json")
	if err != nil && !os.IsNotExist(err) {
		return cfg, err
	}
	if err == nil {
		defer configFile.Close()

		if err := json.NewDecoder(configFile).Decode(&cfg); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv("SPEAKEASY_DB_PASSWORD"); v != "" {
		cfg.DbPassword = v
	}
	if v := os.Getenv("SPEAKEASY_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SPEAKEASY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func setupRedis(cfg *models.ConfigFile) (*redis.Client, error) {
	address := cfg.RedisAddress
	if address == "" {
		address = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func main() {
	fmt.Println("Reading config file...")
	cfg, err := readConfigFile()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	sugar, err := setupLogger(&cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer sugar.Sync()

	// migrations failing or the store being unreachable is fatal
	_, err = database.Setup(&cfg, sugar)
	if err != nil {
		sugar.Fatal(err)
	}

	var redisClient *redis.Client
	if !cfg.SelfContained {
		sugar.Info("Connecting to redis...")
		redisClient, err = setupRedis(&cfg)
		if err != nil {
			sugar.Fatal(err)
		}
	}

	keyValue.Setup(sugar, redisClient, cfg.SelfContained)
	hub.Setup(sugar, redisClient, cfg.SelfContained)

	if err := snowflake.Setup(cfg.SnowflakeWorkerID); err != nil {
		sugar.Fatal(err)
	}
	if err := auth.Setup(sugar); err != nil {
		sugar.Fatal(err)
	}

	// seed the well-known admin credential, gated on first login
	seedHash, err := auth.HashPassword("admin")
	if err != nil {
		sugar.Fatal(err)
	}
	created, err := database.SeedAdmin(database.Conn(), seedHash)
	if err != nil {
		sugar.Fatal(err)
	}
	if created {
		sugar.Warn("Seeded initial admin account (admin/admin); the first login must rotate it")
	}
	if _, err := database.SeedDefaultChannel(database.Conn()); err != nil {
		sugar.Fatal(err)
	}

	// semi-permanent channels do not survive a restart
	purged, err := database.PurgeSemiPermanent(database.Conn())
	if err != nil {
		sugar.Fatal(err)
	}
	if purged > 0 {
		sugar.Infof("Purged %d semi-permanent channels from the previous run", purged)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// media plane
	routerConfig := voice.RouterConfig{
		Jitter: voice.JitterConfig{
			MinBufferMs: cfg.JitterMinBufferMs,
			MaxBufferMs: cfg.JitterMaxBufferMs,
			Adaptive:    cfg.JitterAdaptive,
		},
		Congestion:   voice.DefaultCongestionConfig(),
		PeakKbps:     cfg.VoicePeakKbps,
		E2EMandatory: cfg.E2EMandatory,
	}
	router := voice.NewRouter(routerConfig, sugar)
	udpListener := voice.NewListener(router, sugar)

	udpAddress := fmt.Sprintf("%s:%s", cfg.Address, cfg.UdpVoicePort)
	udpReady := make(chan error, 1)
	go func() {
		udpReady <- udpListener.Listen(ctx, udpAddress)
	}()
	// failing to bind the voice socket at startup is fatal
	select {
	case err := <-udpReady:
		if err != nil {
			sugar.Fatal(err)
		}
	case <-time.After(250 * time.Millisecond):
	}

	if cfg.DtlsCert != "" && cfg.DtlsKey != "" {
		dtlsAddress := fmt.Sprintf("%s:%s", cfg.Address, cfg.UdpVoicePort)
		go func() {
			if err := udpListener.ListenDTLS(ctx, dtlsAddress, cfg.DtlsCert, cfg.DtlsKey); err != nil {
				sugar.Error(err)
			}
		}()
	}

	// control plane
	signaling.Setup(sugar, &cfg, router, udpListener)

	// plugin host
	pluginManager, err := plugins.NewManager(cfg.PluginDir, cfg.TrustedPluginKeys, sugar)
	if err != nil {
		sugar.Fatal(err)
	}
	pluginManager.SetKickFunc(func(sessionID int64, reason string) bool {
		session, exists := signaling.GetSession(sessionID)
		if exists {
			session.Disconnect(reason)
		}
		return exists
	})
	pluginManager.SetTapChangedFunc(router.SetTapEnabled)

	// admin surface
	limiter := commander.NewRateLimiter(commander.RateLimitConfig{
		PerIpMinute:        cfg.RateLimitPerIpMinute,
		PerTokenMinute:     cfg.RateLimitPerTokenMinute,
		ExpensivePerMinute: cfg.RateLimitExpensivePerMinute,
	})
	service := commander.NewService(&cfg, pluginManager, limiter, sugar)

	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				auth.CleanupAdminSessions()
				limiter.Cleanup()
				if _, err := database.PruneExpiredBans(database.Conn()); err != nil {
					sugar.Error(err)
				}
			}
		}
	}()

	adminAddress := fmt.Sprintf("%s:%s", cfg.Address, cfg.AdminPort)
	go func() {
		sugar.Infof("Commander REST listening on %s", adminAddress)
		var err error
		if cfg.TlsCert != "" && cfg.TlsKey != "" {
			err = http.ListenAndServeTLS(adminAddress, cfg.TlsCert, cfg.TlsKey, service.RestRouter())
		} else {
			err = http.ListenAndServe(adminAddress, service.RestRouter())
		}
		if err != nil {
			sugar.Fatal(err)
		}
	}()

	go func() {
		if err := service.ServeTCP(ctx, fmt.Sprintf("%s:%s", cfg.Address, cfg.AdminTcpPort)); err != nil {
			sugar.Fatal(err)
		}
	}()
	go func() {
		if err := service.ServeRPC(ctx, fmt.Sprintf("%s:%s", cfg.Address, cfg.AdminRpcPort)); err != nil {
			sugar.Fatal(err)
		}
	}()

	// control transport last: clients only connect once everything is up
	controlAddress := fmt.Sprintf("%s:%s", cfg.Address, cfg.ControlPort)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", signaling.HandleWebSocket)

	controlServer := &http.Server{Addr: controlAddress, Handler: mux}
	go func() {
		sugar.Infof("Control plane listening on %s", controlAddress)
		var err error
		if cfg.TlsCert != "" && cfg.TlsKey != "" {
			err = controlServer.ListenAndServeTLS(cfg.TlsCert, cfg.TlsKey)
		} else {
			err = controlServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			sugar.Fatal(err)
		}
	}()

	// graceful shutdown with a bounded grace period
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sugar.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	controlServer.Shutdown(shutdownCtx)
}
