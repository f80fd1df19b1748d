// Command server is the entry point for the hub: it wires every registry
// (C2-C5), the broadcast fabric (C7), the per-connection coordinator (C6),
// the RTMP auth hooks (C8), and the HTTP/WS surface (C9), then runs until
// signaled to shut down.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mqvi-hub/server/config"
	"github.com/mqvi-hub/server/database"
	"github.com/mqvi-hub/server/internal/accounts"
	"github.com/mqvi-hub/server/internal/channels"
	"github.com/mqvi-hub/server/internal/chatlog"
	"github.com/mqvi-hub/server/internal/logging"
	"github.com/mqvi-hub/server/internal/notify"
	"github.com/mqvi-hub/server/internal/presence"
	"github.com/mqvi-hub/server/internal/rtmp"
	"github.com/mqvi-hub/server/pkg"
	"github.com/mqvi-hub/server/ws"
)

const kdfWorkers = 4

var startedAt = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Infow("starting", "port", cfg.Server.Port, "env", cfg.Server.Env)

	migrationsFS, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		log.Fatalw("failed to access embedded migrations", "error", err)
	}
	db, err := database.New(cfg.Database.Path, migrationsFS, log)
	if err != nil {
		log.Fatalw("failed to initialize database", "error", err)
	}
	defer db.Close()

	var mirror *accounts.Mirror
	if cfg.Redis.Enabled {
		mirror = accounts.NewMirror(cfg.Redis.Addr, cfg.Redis.Prefix, log)
	}

	var mailer notify.Mailer = notify.NoopMailer{}
	if cfg.Mail.Enabled {
		mailer = notify.NewResendMailer(cfg.Mail.APIKey, cfg.Mail.FromEmail, cfg.Mail.AppURL)
	}

	accountsStore := accounts.New(db, []byte(cfg.JWT.Secret), cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry, mirror, mailer, log, kdfWorkers)
	channelsReg := channels.NewRegistry(cfg.Rooms.MaxChannels, cfg.Rooms.MaxMembersPerRoom)
	presenceReg := presence.NewRegistry()
	chatLog := chatlog.NewLog(cfg.Rooms.ChatHistorySize)

	hub := ws.NewHub(log)
	go hub.Run()

	coord := ws.NewCoordinator(accountsStore, channelsReg, presenceReg, chatLog, hub, cfg, log)
	wsHandler := ws.NewHandler(hub, coord)
	rtmpHandler := rtmp.NewHandler(accountsStore, channelsReg, hub, cfg.RateLimit.StreamAuthPerMin, log)

	seedDefaultChannels(channelsReg, log)
	stopSweep := startMaintenanceLoop(accountsStore, cfg.Rooms.BanSweepInterval, log)
	defer stopSweep()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(cfg))
	mux.HandleFunc("GET /api/health", healthHandler(cfg))
	mux.HandleFunc("GET /api/stats", statsHandler(channelsReg, presenceReg, chatLog))
	mux.HandleFunc("GET /api/stream/{name}/status", streamStatusHandler(channelsReg))
	mux.HandleFunc("POST /api/stream/auth", rtmpHandler.Auth)
	mux.HandleFunc("POST /api/stream/end", rtmpHandler.End)
	mux.Handle("GET /ws", wsHandler)

	corsHandler := cors.New(cors.Options{
		AllowOriginFunc:  allowOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infow("listening", "addr", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("forced shutdown", "error", err)
	}
	log.Info("stopped")
}

// seedDefaultChannels boots the hub with a general text room, a voice
// lounge, and a default group, so a fresh deployment isn't empty.
func seedDefaultChannels(reg *channels.Registry, log *zap.SugaredLogger) {
	grp := reg.CreateGroup("General", channels.KindText)
	if _, err := reg.CreateChannel("general", channels.KindText, grp.ID, nil); err != nil {
		log.Warnw("failed to seed default text channel", "error", err)
	}
	if _, err := reg.CreateChannel("lounge", channels.KindVoice, grp.ID, nil); err != nil {
		log.Warnw("failed to seed default voice channel", "error", err)
	}
}

// startMaintenanceLoop runs the §4.8 periodic expired-ban sweep; the
// returned func stops it.
func startMaintenanceLoop(store *accounts.Store, interval time.Duration, log *zap.SugaredLogger) func() {
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				store.SweepExpired(context.Background())
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(stop) }
}

func healthHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pkg.JSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"uptime":    time.Since(startedAt).Seconds(),
			"timestamp": time.Now(),
			"env":       cfg.Server.Env,
		})
	}
}

func statsHandler(reg *channels.Registry, pres *presence.Registry, log *chatlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		chans := reg.List()
		messageCount := 0
		for _, ch := range chans {
			messageCount += len(log.History(ch.ID, 0))
		}

		pkg.JSON(w, http.StatusOK, map[string]any{
			"channels":  len(chans),
			"users":     pres.Count(),
			"messages":  messageCount,
			"uptime":    time.Since(startedAt).Seconds(),
			"memory":    mem.Alloc,
			"timestamp": time.Now(),
		})
	}
}

func streamStatusHandler(reg *channels.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		ch, err := reg.ByName(name)
		if err != nil || ch.Kind != channels.KindStream {
			pkg.ErrorWithCode(w, http.StatusNotFound, "NOT_FOUND", "unknown stream channel")
			return
		}
		live, _ := ch.Snapshot()
		summary := ch.ToSummary()
		pkg.JSON(w, http.StatusOK, map[string]any{
			"channelName": ch.Name,
			"isLive":      live,
			"viewerCount": summary.MemberCount,
			"timestamp":   time.Now(),
		})
	}
}

// allowOrigin implements the §6.2 CORS allow-list: fixed scheme prefixes
// for desktop/mobile containers, plus CORS_ORIGINS env entries.
func allowOrigin(origin string) bool {
	for _, prefix := range []string{"file://", "null", "capacitor://", "ionic://", "electron://", "http://localhost", "https://localhost"} {
		if origin == prefix || strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	for _, extra := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		extra = strings.TrimSpace(extra)
		if extra != "" && extra == origin {
			return true
		}
	}
	return false
}
