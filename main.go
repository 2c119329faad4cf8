package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"iptv-gate/work/admission"
	"iptv-gate/work/client"
	"iptv-gate/work/config"
	"iptv-gate/work/database"
	"iptv-gate/work/handlers"
	"iptv-gate/work/ingest"
	"iptv-gate/work/logger"
	"iptv-gate/work/playlist"
	"iptv-gate/work/reaper"
	"iptv-gate/work/registry"
	"iptv-gate/work/relay"
	"iptv-gate/work/types"
	"iptv-gate/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// App bundles the wired components shared between the public and admin
// handler sets.
type App struct {
	Config    *config.Config
	DB        *database.DB
	Registry  *registry.Registry
	Admission *admission.Controller
	Relay     *relay.Relay
	Playlists *playlist.Builder
	Ingester  *ingest.Ingester
}

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}
	if cfg.JWTSecret == "" {
		logger.Warn("jwtSecret is not configured; admin logins will be rejected")
	}

	// open the session database and run migrations
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize HTTP client for upstream requests
	httpClient := client.NewHeaderSettingClient(&cfg.Upstream, cfg.StreamTimeout)

	// Initialize worker pool for catalog ingestion
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// Wire the core components
	reg := registry.New(db)
	admissionCtrl := admission.New(db, reg, db)
	streamRelay := relay.New(cfg, httpClient, reg)
	playlists := playlist.New(cfg, admissionCtrl, db)
	ingester := ingest.New(cfg, httpClient, db, workerPool, playlists.Invalidate)

	// Seed the first admin account when the database is empty
	ensureAdmin(db)

	// Start the idle session reaper
	sessionReaper := reaper.New(reg, cfg.ReaperInterval, cfg.SessionTimeout)
	sessionReaper.Start()
	defer sessionReaper.Stop()

	// Start the periodic catalog refresh (includes the initial import)
	ingester.StartPeriodicRefresh()
	defer ingester.StopPeriodicRefresh()

	app := &App{
		Config:    cfg,
		DB:        db,
		Registry:  reg,
		Admission: admissionCtrl,
		Relay:     streamRelay,
		Playlists: playlists,
		Ingester:  ingester,
	}

	// Setup HTTP routes
	router := mux.NewRouter()
	public := handlers.New(admissionCtrl, streamRelay, playlists)

	// Playlist route; the password segment carries the .m3u extension
	router.HandleFunc("/playlist/{username}/{password}", public.HandlePlaylist).Methods("GET")

	// Stream play routes, one per content kind
	router.HandleFunc("/{kind:live|movie|series}/{username}/{password}/{streamID}", public.HandleStream).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, app)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting IPTV Gate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Listen Address: %s", addr)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Upstream: %s", utils.LogURL(cfg, cfg.Upstream.URL))
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Session Timeout: %s", cfg.SessionTimeout)
	logger.Info("  - Reaper Interval: %s", cfg.ReaperInterval)
	logger.Info("  - Playlist Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Catalog Refresh Rate: %s", cfg.IngestRefreshInterval)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Server failed: %v", err)
		os.Exit(1)
	}
}

// ensureAdmin creates the initial admin account on an empty database. The
// credentials come from ADMIN_USERNAME / ADMIN_PASSWORD; without them a
// fresh install has no way to reach the admin API.
func ensureAdmin(db *database.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total, _, err := db.CountUsers(ctx)
	if err != nil {
		logger.Error("Failed to check for existing users: %v", err)
		return
	}
	if total > 0 {
		return
	}

	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" {
		username = "admin"
	}
	if password == "" {
		logger.Warn("No users exist and ADMIN_PASSWORD is not set; admin API will be unreachable")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("Failed to hash admin password: %v", err)
		return
	}

	admin := &types.User{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   string(hash),
		MaxConnections: 2,
		IsActive:       true,
		Role:           "admin",
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.CreateUser(ctx, admin); err != nil {
		logger.Error("Failed to create admin account: %v", err)
		return
	}
	logger.Info("Created initial admin account %q", username)
}
