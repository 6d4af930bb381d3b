package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"teebridge/internal/actionlog"
	"teebridge/internal/api"
	"teebridge/internal/backend"
	"teebridge/internal/config"
	"teebridge/internal/hook"
	"teebridge/internal/queue"
	"teebridge/internal/restart"
	"teebridge/internal/scheduler"
	"teebridge/internal/session"
	"teebridge/internal/settings"
	"teebridge/internal/winrestore"
	"teebridge/internal/worker"
)

func main() {
	cfg := config.Load()

	var (
		addr       = flag.String("addr", cfg.Addr, "HTTP bind address")
		logPath    = flag.String("log", cfg.LogPath, "action log path")
		settingsDB = flag.String("settings", cfg.SettingsDB, "settings DB path")
		storeID    = flag.String("store", cfg.StoreID, "reservation backend store id")
		helperPath = flag.String("helper", cfg.HelperPath, "window restore helper binary")
		relaunched = flag.Bool("relaunched", false, "set when restarted by the recovery policy")
	)
	flag.Parse()
	cfg.Addr, cfg.LogPath, cfg.SettingsDB = *addr, *logPath, *settingsDB
	cfg.StoreID, cfg.HelperPath = *storeID, *helperPath

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *relaunched {
		log.Info().Msg("process restarted by recovery policy")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.SettingsDB)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open settings db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := settings.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure settings schema")
	}
	prefs := settings.NewStore(db)

	// Values absent from the environment fall back to what a previous run
	// saved, so a relaunch comes back up without operator input.
	bootCtx := context.Background()
	if cfg.StoreID == "" {
		cfg.StoreID = prefs.GetString(bootCtx, "store.id", "")
	}
	if cfg.UserID == "" {
		cfg.UserID = prefs.GetString(bootCtx, "auth.userId", "")
	}
	if cfg.Password == "" {
		cfg.Password = prefs.GetString(bootCtx, "auth.password", "")
	}
	if cfg.ChromePath == "" {
		cfg.ChromePath = prefs.GetString(bootCtx, "chrome.path", "")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	chromePath, err := cfg.ResolveChromePath()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve chrome")
	}
	_ = prefs.Set(bootCtx, "store.id", cfg.StoreID)
	_ = prefs.Set(bootCtx, "auth.userId", cfg.UserID)
	_ = prefs.Set(bootCtx, "auth.password", cfg.Password)
	_ = prefs.Set(bootCtx, "chrome.path", chromePath)

	baseURL := cfg.BackendURL
	if baseURL == "" {
		baseURL = backend.DefaultBaseURL
	}
	tokens := backend.NewTokenManager(baseURL, cfg.StoreID)
	if err := tokens.Start(context.Background()); err != nil {
		// The session can still run; dispatch retries via Token polling.
		log.Warn().Err(err).Msg("initial backend token fetch failed")
	}
	client := backend.NewClient(baseURL, cfg.StoreID, tokens)
	hooks := hook.NewRouter(client)

	policy := restart.NewPolicy()
	restore := winrestore.NewBroker(cfg.HelperPath)

	sup := session.NewSupervisor(session.Config{
		ChromePath: chromePath,
		AttachHook: hooks.Attach,
		OnAuthExpired: func() {
			log.Error().Msg("site session expired, operator must log in again")
			_ = prefs.Set(context.Background(), "auth.expiredAt", time.Now().Format(time.RFC3339))
		},
	}, restore, policy)

	store := actionlog.NewStore(cfg.LogPath)
	jobs := queue.NewSerial()
	exec := worker.NewExecutor(store, sup, policy)

	sched := scheduler.NewService(store, jobs, exec)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	go sched.Start(schedCtx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(store, jobs, sup, exec, policy)}

	policy.RegisterCleanup(func() error { tokens.Stop(); return nil })
	policy.RegisterCleanup(func() error { sched.Stop(); return nil })
	policy.RegisterCleanup(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	policy.RegisterCleanup(func() error { sup.Shutdown(); return nil })

	loginCtx, loginCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	err = sup.Login(loginCtx, session.Credentials{UserID: cfg.UserID, Password: cfg.Password})
	loginCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("site login")
	}
	_ = prefs.Delete(context.Background(), "auth.expiredAt")

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	// An intentional quit must never race the recovery policy into a relaunch.
	policy.Block()
	schedCancel()
	sched.Stop()
	tokens.Stop()
	hooks.Detach()
	sup.Shutdown()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
