// Package app wires the gateway together: configuration layers, database,
// routing snapshot, engine, HTTP surfaces, and the background watcher.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/config"
	"github.com/router-for-me/ModelProxyAPI/internal/db"
	"github.com/router-for-me/ModelProxyAPI/internal/engine"
	"github.com/router-for-me/ModelProxyAPI/internal/events"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/httpapi"
	"github.com/router-for-me/ModelProxyAPI/internal/httpapi/admin"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/ratelimit"
	internalsettings "github.com/router-for-me/ModelProxyAPI/internal/settings"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
	"github.com/router-for-me/ModelProxyAPI/internal/usage"
	"github.com/router-for-me/ModelProxyAPI/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Run parses flags, resolves configuration, and serves until ctx is
// cancelled or the listener fails.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	host := fs.String("host", "", "listen host")
	port := fs.Int("port", 0, "listen port")
	adminKey := fs.String("admin-key", "", "admin API key; hashed and persisted on boot")
	dsn := fs.String("dsn", "", "database DSN (postgres:// URL or sqlite file path)")
	proxyURL := fs.String("proxy", "", "egress proxy URL for upstream calls")
	logFile := fs.String("log-file", "", "rotating log file path; empty logs to stderr")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	// .env is a developer convenience; absence is the normal case.
	_ = godotenv.Load()

	if *cfgPath == "" {
		*cfgPath = os.Getenv(config.EnvConfigPath)
	}
	configPath := config.ResolveConfigPath(*cfgPath)
	fileOpts, errFile := config.LoadFromFile(configPath)
	if errFile != nil {
		return errFile
	}
	flagOpts := config.Options{}
	if v := config.Scrub(*host); v != "" {
		flagOpts.Host = &v
	}
	if *port > 0 && *port <= 65535 {
		flagOpts.Port = port
	}
	if v := config.Scrub(*adminKey); v != "" {
		flagOpts.AdminKey = &v
	}
	if v := config.Scrub(*dsn); v != "" {
		flagOpts.DatabaseDSN = &v
	}
	if v := config.Scrub(*proxyURL); v != "" {
		flagOpts.ProxyURL = &v
	}
	if v := config.Scrub(*logFile); v != "" {
		flagOpts.LogFile = &v
	}
	boot := config.Merge(flagOpts, config.LoadFromEnv(), fileOpts)

	conn, errOpen := db.Open(boot.Resolve().DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	// Values set through the admin API participate in the merge as the
	// lowest-precedence layer, below flags, environment and file.
	stored, errStored := loadStoredOptions(ctx, conn)
	if errStored != nil {
		return errStored
	}
	cfg := config.Merge(boot, stored).Resolve()

	configureLogging(cfg.LogFile)

	if errSeed := writeBootSettings(ctx, conn, cfg); errSeed != nil {
		return errSeed
	}
	if errAdmin := ensureAdminKey(ctx, conn, cfg.AdminKey); errAdmin != nil {
		return errAdmin
	}
	if errLoad := store.LoadSettings(ctx, conn); errLoad != nil {
		return errLoad
	}

	st := store.New(conn)
	if errBuild := st.Rebuild(ctx); errBuild != nil {
		return errBuild
	}

	healthReg := health.NewRegistry()
	selector := auth.NewSelector(healthReg)
	usageWriter := usage.NewWriter(conn, 0)
	sink := events.NewSink(conn, 0)
	oauthReg, errOAuth := oauth.NewRegistry(conn)
	if errOAuth != nil {
		return errOAuth
	}
	eng := engine.New(st, selector, healthReg, usageWriter, sink)
	limits := ratelimit.NewManager(nil, nil, nil)

	router := httpapi.New(st, eng, oauthReg, limits, sink, healthReg, conn).Router()
	admin.RegisterAdminRoutes(router, admin.Deps{Store: st, Health: healthReg, DB: conn})

	w := watcher.New(conn, st, healthReg, oauthReg,
		watcher.WithConfigFile(configPath, func() {
			reloadFileSettings(conn, configPath)
		}))
	if errWatch := w.Start(ctx); errWatch != nil {
		return errWatch
	}
	defer w.Stop()
	defer usageWriter.Close()
	defer sink.Close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", cfg.Addr())
		errc <- srv.ListenAndServe()
	}()

	select {
	case errServe := <-errc:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// configureLogging routes logrus to a rotating file when one is configured.
func configureLogging(logFile string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if logFile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
}

// loadStoredOptions reads the overridable boot values back out of the
// settings table. Rows written by a previous boot or through the admin API
// survive a restart unless a higher-precedence layer overrides them.
func loadStoredOptions(ctx context.Context, conn *gorm.DB) (config.Options, error) {
	rows, errList := store.ListSettings(ctx, conn)
	if errList != nil {
		return config.Options{}, errList
	}
	var opts config.Options
	for i := range rows {
		raw := rows[i].Value
		switch rows[i].Key {
		case internalsettings.HostKey:
			var host string
			if json.Unmarshal(raw, &host) == nil && config.Scrub(host) != "" {
				opts.Host = &host
			}
		case internalsettings.PortKey:
			var port int
			if json.Unmarshal(raw, &port) == nil && port > 0 && port <= 65535 {
				opts.Port = &port
			}
		case internalsettings.ProxyURLKey:
			var proxy string
			if json.Unmarshal(raw, &proxy) == nil && config.Scrub(proxy) != "" {
				opts.ProxyURL = &proxy
			}
		case internalsettings.LogFileKey:
			var logFile string
			if json.Unmarshal(raw, &logFile) == nil && config.Scrub(logFile) != "" {
				opts.LogFile = &logFile
			}
		case internalsettings.EventRedactSensitiveKey:
			var redact bool
			if json.Unmarshal(raw, &redact) == nil {
				opts.RedactSensitive = &redact
			}
		}
	}
	return opts, nil
}

// writeBootSettings records the merged boot values in the settings table so
// the admin API and other instances see what this process resolved. The
// merge already folded the stored rows in, so an untouched value writes
// back unchanged.
func writeBootSettings(ctx context.Context, conn *gorm.DB, cfg config.Config) error {
	entries := map[string]any{
		internalsettings.HostKey:                 cfg.Host,
		internalsettings.PortKey:                 cfg.Port,
		internalsettings.ProxyURLKey:             cfg.ProxyURL,
		internalsettings.LogFileKey:              cfg.LogFile,
		internalsettings.EventRedactSensitiveKey: cfg.RedactSensitive,
	}
	for key, value := range entries {
		payload, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			return fmt.Errorf("app: marshal %s setting: %w", key, errMarshal)
		}
		if errUpsert := store.UpsertSetting(ctx, conn, key, payload); errUpsert != nil {
			return errUpsert
		}
	}
	return nil
}

// ensureAdminKey guarantees an admin key hash exists. A key given at boot
// replaces the stored hash; otherwise a missing hash mints a fresh key whose
// plaintext is logged exactly once.
func ensureAdminKey(ctx context.Context, conn *gorm.DB, presented string) error {
	if presented != "" {
		hash, errHash := auth.HashAdminKey(presented)
		if errHash != nil {
			return errHash
		}
		return storeAdminKeyHash(ctx, conn, hash)
	}

	rows, errList := store.ListSettings(ctx, conn)
	if errList != nil {
		return errList
	}
	for i := range rows {
		if rows[i].Key == internalsettings.AdminKeyHashKey {
			var stored string
			if json.Unmarshal(rows[i].Value, &stored) == nil && stored != "" {
				return nil
			}
		}
	}

	minted, errMint := auth.MintAdminKey()
	if errMint != nil {
		return errMint
	}
	hash, errHash := auth.HashAdminKey(minted)
	if errHash != nil {
		return errHash
	}
	if errStore := storeAdminKeyHash(ctx, conn, hash); errStore != nil {
		return errStore
	}
	log.Warnf("generated admin key: %s (store it now, it is not shown again)", minted)
	return nil
}

func storeAdminKeyHash(ctx context.Context, conn *gorm.DB, hash string) error {
	payload, errMarshal := json.Marshal(hash)
	if errMarshal != nil {
		return fmt.Errorf("app: marshal admin key hash: %w", errMarshal)
	}
	return store.UpsertSetting(ctx, conn, internalsettings.AdminKeyHashKey, payload)
}

// reloadFileSettings re-reads the config file after an on-disk edit and
// pushes the overridable values into the settings table. Listener address
// changes still need a restart.
func reloadFileSettings(conn *gorm.DB, configPath string) {
	opts, errLoad := config.LoadFromFile(configPath)
	if errLoad != nil {
		log.WithError(errLoad).Warn("app: config reload failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	write := func(key string, value any) {
		payload, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			return
		}
		if errUpsert := store.UpsertSetting(ctx, conn, key, payload); errUpsert != nil {
			log.WithError(errUpsert).Warnf("app: persist %s failed", key)
		}
	}
	if opts.ProxyURL != nil {
		write(internalsettings.ProxyURLKey, *opts.ProxyURL)
	}
	if opts.LogFile != nil {
		write(internalsettings.LogFileKey, *opts.LogFile)
	}
	if opts.RedactSensitive != nil {
		write(internalsettings.EventRedactSensitiveKey, *opts.RedactSensitive)
	}
	if errReload := store.LoadSettings(ctx, conn); errReload != nil {
		log.WithError(errReload).Warn("app: settings reload failed")
		return
	}
	log.Info("app: config file reloaded")
}
