package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/activity"
	"github.com/joel-Y/WizLock-Tech-App/internal/auth"
	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/cloud"
	"github.com/joel-Y/WizLock-Tech-App/internal/config"
	"github.com/joel-Y/WizLock-Tech-App/internal/db"
	"github.com/joel-Y/WizLock-Tech-App/internal/events"
	httphandler "github.com/joel-Y/WizLock-Tech-App/internal/http"
	"github.com/joel-Y/WizLock-Tech-App/internal/inventory"
	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/logging"
	"github.com/joel-Y/WizLock-Tech-App/internal/metrics"
	"github.com/joel-Y/WizLock-Tech-App/internal/middleware"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
	"github.com/joel-Y/WizLock-Tech-App/internal/repo"
	"github.com/joel-Y/WizLock-Tech-App/internal/session"
	"github.com/joel-Y/WizLock-Tech-App/internal/sim"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer closeKV()

	if cfg.DevMode {
		startSimulators(cfg, log)
	}

	adapter, err := openAdapter(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.BLEBackend).Msg("failed to open BLE adapter")
	}
	radio := ble.NewExclusive(adapter)

	m := metrics.New()
	httpRetry := util.Policy{Attempts: cfg.HTTPAttempts, Initial: 500 * time.Millisecond, Max: 5 * time.Second}

	lock := lockproto.New(log, lockproto.Options{
		OnRetry: func(step lockproto.Step, err error, wait time.Duration) {
			m.IncRetry(string(provision.StateActivating))
			log.Debug().Err(err).Str("step", string(step)).Dur("wait", wait).Msg("retrying lock command")
		},
	})
	cloudClient := cloud.New(cloud.Config{
		BaseURL:     cfg.CloudBaseURL,
		ClientID:    cfg.CloudClientID,
		AccessToken: cfg.CloudAccessToken,
		Retry:       httpRetry,
	}, log)
	invClient := inventory.New(inventory.Config{
		BaseURL: cfg.InventoryBaseURL,
		APIKey:  cfg.InventoryAPIKey,
		Retry:   httpRetry,
	}, log)

	logs := activity.NewLog(kv)
	deps := provision.Deps{
		Adapter:   radio,
		Lock:      lock,
		Cloud:     cloudClient,
		Inventory: invClient,
		KV:        kv,
		Activity:  logs,
		Metrics:   m,
		Log:       log,
	}

	if cfg.MQTTBroker != "" {
		host, _ := os.Hostname()
		pub, err := events.Connect(events.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: "wizsmith-" + host,
			Prefix:   cfg.MQTTTopicPrefix,
		}, log)
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("status events disabled")
		} else {
			defer pub.Close()
			deps.Events = pub
		}
	}

	if cfg.DatabaseURL != "" {
		database, err := db.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer database.Close()
		if err := db.Migrate(database, log); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		deps.Journal = repo.NewRunRepo(database)
	}

	coord := provision.NewCoordinator(deps, provision.Options{
		ConnectRetry: util.Policy{Attempts: cfg.ConnectAttempts, Initial: time.Second, Max: 8 * time.Second},
		KeyReceiver:  cfg.CloudKeyReceiver,
	})
	defer coord.Close()

	authService := auth.NewService(
		auth.PresenceVerifier{},
		auth.NewJWTService(cfg.JWTSecret, cfg.SessionTTL, cfg.EnforceSessionExpiry),
		session.NewStore(kv),
		logs,
		auth.DefaultDirectory(),
		cfg.EnforceSessionExpiry,
		log,
	)

	loginLimiter := middleware.NewRateLimiter(time.Minute, 10)
	go loginLimiter.Run(ctx)
	scanLimiter := middleware.NewRateLimiter(time.Minute, 30)
	go scanLimiter.Run(ctx)
	go activity.NewSyncer(log, logs, invClient, cfg.LogSyncInterval).WithCounter(m).Run(ctx)

	router := httphandler.NewRouter(httphandler.Deps{
		Auth:         authService,
		Coordinator:  coord,
		Diagnostics:  provision.NewDiagnostics(radio, lock, coord, log),
		Locations:    invClient,
		Logs:         logs,
		Uploader:     invClient,
		Metrics:      m,
		LoginLimiter: loginLimiter,
		ScanLimiter:  scanLimiter,
		Log:          log,
	})

	// WriteTimeout stays off: provisioning events are streamed over websockets.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Bool("dev_mode", cfg.DevMode).Str("ble", cfg.BLEBackend).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (store.KV, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		r, err := store.NewRedis(ctx, cfg.RedisURL, "wizsmith")
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		f, err := store.OpenFile(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	}
}

func openAdapter(cfg *config.Config, log zerolog.Logger) (ble.Adapter, error) {
	if cfg.BLEBackend == "hci" {
		return ble.NewHCIAdapter(cfg.HCIDevice)
	}
	fleet := ble.DefaultFleet()
	if cfg.SimFleetFile != "" {
		var err error
		if fleet, err = ble.LoadFleet(cfg.SimFleetFile); err != nil {
			return nil, err
		}
	}
	log.Warn().Int("devices", len(fleet.Devices)).Msg("using simulated BLE radio")
	return ble.NewSimulator(fleet), nil
}

// startSimulators serves the fake vendor cloud and inventory on loopback for
// whichever base URL is left unset.
func startSimulators(cfg *config.Config, log zerolog.Logger) {
	if cfg.CloudBaseURL == "" {
		if cfg.CloudClientID == "" {
			cfg.CloudClientID = "dev-client"
		}
		if cfg.CloudAccessToken == "" {
			cfg.CloudAccessToken = "dev-token"
		}
		cfg.CloudBaseURL = serveLoopback(sim.NewCloud(cfg.CloudClientID, cfg.CloudAccessToken).Handler(), "cloud", log)
	}
	if cfg.InventoryBaseURL == "" {
		catalog := sim.DefaultCatalog()
		if cfg.SimCatalogFile != "" {
			var err error
			if catalog, err = sim.LoadCatalog(cfg.SimCatalogFile); err != nil {
				log.Fatal().Err(err).Str("file", cfg.SimCatalogFile).Msg("failed to load simulator catalogue")
			}
		}
		cfg.InventoryBaseURL = serveLoopback(sim.NewInventory(catalog, cfg.InventoryAPIKey).Handler(), "inventory", log)
	}
}

func serveLoopback(h http.Handler, name string, log zerolog.Logger) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal().Err(err).Str("simulator", name).Msg("failed to listen")
	}
	go func() {
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.Serve(ln); err != nil {
			log.Error().Err(err).Str("simulator", name).Msg("simulator stopped")
		}
	}()
	url := "http://" + ln.Addr().String()
	log.Warn().Str("simulator", name).Str("url", url).Msg("dev mode: serving simulated backend")
	return url
}
