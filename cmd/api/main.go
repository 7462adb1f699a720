package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/httpapi"
	"atriumcms.org/internal/obs"
	"atriumcms.org/internal/runtime"
	"atriumcms.org/internal/stream"
)

var version = "0.3.1"

// logMailer is the dev stand-in for a real mail collaborator: invite and
// reset tokens land in the service log instead of an inbox.
type logMailer struct{}

func (logMailer) SendInvite(_ context.Context, user *backoffice.User, token string) error {
	obs.Info("user invite issued", map[string]any{"user": user.Username, "token": token})
	return nil
}

func (logMailer) SendPasswordReset(_ context.Context, user *backoffice.User, token string) error {
	obs.Info("password reset issued", map[string]any{"user": user.Username, "token": token})
	return nil
}

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ATRIUM_COMMIT"))

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.MasterKey) == 0 {
		// Ephemeral key: every outstanding cookie dies with the process.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Fatalf("generate master key: %v", err)
		}
		cfg.MasterKey = key
		obs.Warn("ATRIUM_MASTER_KEY not set, using an ephemeral key", nil)
	}

	// Мутабельные настройки безопасности: env поверх дефолтов, затем файл
	// оператора с горячей перезагрузкой.
	settingsStore := config.NewStore(config.SettingsFromEnv(config.DefaultSettings()))
	if cfg.SettingsPath != "" {
		if err := settingsStore.LoadFile(cfg.SettingsPath); err != nil {
			log.Fatalf("load settings: %v", err)
		}
		if err := settingsStore.Watch(cfg.SettingsPath, nil); err != nil {
			log.Fatalf("watch settings: %v", err)
		}
	}
	settings := settingsStore.Current

	// Выбор хранилища: Postgres в проде, SQLite для одиночной установки,
	// память для локальной разработки.
	var (
		store   backoffice.Store
		probeDB *sql.DB
	)
	switch {
	case cfg.PGDSN != "":
		pg, err := backoffice.OpenPG(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pg.Close()
		store, probeDB = pg, pg.DB()
	case cfg.SQLitePath != "":
		lite, err := backoffice.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer lite.Close()
		store, probeDB = lite, lite.DB()
	default:
		obs.Warn("no database configured, users will not survive a restart", nil)
		store = backoffice.NewMemStore()
	}

	// Audit: JSON-лог, кольцо последних событий для админки и SSE-поток.
	recent := audit.NewMemorySink(256)
	liveStream := stream.New()
	sink := audit.MultiSink{audit.LogSink{}, recent, liveStream}

	users, err := backoffice.NewUserManager(store, sink, settings,
		backoffice.WithMailer(logMailer{}))
	if err != nil {
		log.Fatalf("user manager: %v", err)
	}
	protector, err := backoffice.NewProtector(cfg.MasterKey, func() time.Duration {
		return settings().LoginTimeout()
	})
	if err != nil {
		log.Fatalf("protector: %v", err)
	}
	signin, err := backoffice.NewSignInManager(users, protector, sink, settings,
		backoffice.WithTwoFactorProvider(backoffice.NewTOTPProvider(cfg.MasterKey)))
	if err != nil {
		log.Fatalf("sign-in manager: %v", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Version:  version,
		Ready:    httpapi.ReadyProbe{DB: probeDB},
		Config:   cfg,
		Settings: settings,
		State:    runtime.NewState(runtime.LevelRun),
		Users:    users,
		SignIn:   signin,
		Stream:   liveStream,
		Recent:   recent,
	})
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	handler := httpapi.Logging(
		httpapi.SecurityHeaders(
			httpapi.CORS(
				httpapi.MaxBodyBytes(api.Handler(), 1<<20))))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting atrium-backoffice %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
