// Package watcher keeps a running gateway in sync with state that changes
// outside the process: settings and routing rows written by other instances,
// cooldowns and OAuth flows that expire by clock, and edits to the config
// file on disk.
package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultQueryTimeout = 10 * time.Second
)

// Watcher polls the database for out-of-band changes and sweeps expiring
// in-memory state. One instance runs per process.
type Watcher struct {
	db     *gorm.DB
	store  *store.Store
	health *health.Registry
	oauth  *oauth.Registry

	// configPath, when set, is watched for writes; onConfigChange runs on
	// each one. Used for flag-file style reloads in container deployments.
	configPath     string
	onConfigChange func()

	pollInterval time.Duration
	probe        routingProbe
	probeInit    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts a Watcher before it starts.
type Option func(*Watcher)

// WithPollInterval overrides the database poll cadence. Tests use this.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithConfigFile watches path and runs fn on each write to it.
func WithConfigFile(path string, fn func()) Option {
	return func(w *Watcher) {
		w.configPath = path
		w.onConfigChange = fn
	}
}

// New builds a Watcher over the given collaborators.
func New(db *gorm.DB, st *store.Store, hr *health.Registry, or *oauth.Registry, opts ...Option) *Watcher {
	w := &Watcher{
		db:           db,
		store:        st,
		health:       hr,
		oauth:        or,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the poll loop and, when configured, the file watcher. The
// routing probe is primed here so the first tick does not force a redundant
// rebuild right after boot.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	primeCtx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	probe, errProbe := readRoutingProbe(primeCtx, w.db)
	cancel()
	if errProbe != nil {
		return errProbe
	}
	w.probe = probe
	w.probeInit = true

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.configPath != "" {
		if errWatch := w.watchConfig(ctx); errWatch != nil {
			return errWatch
		}
	}
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one maintenance pass. Failures are logged and retried on the
// next tick; a transient database error must not kill the loop.
func (w *Watcher) tick(ctx context.Context) {
	now := time.Now()
	if w.health != nil {
		w.health.Sweep(now)
	}
	if w.oauth != nil {
		if reaped := w.oauth.Sweep(now); reaped > 0 {
			log.Debugf("watcher: reaped %d expired oauth flows", reaped)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	stale, errStale := store.SettingsStale(qctx, w.db)
	if errStale != nil {
		log.WithError(errStale).Warn("watcher: settings staleness probe failed")
	} else if stale {
		if errLoad := store.LoadSettings(qctx, w.db); errLoad != nil {
			log.WithError(errLoad).Warn("watcher: settings reload failed")
		} else {
			log.Info("watcher: settings reloaded")
		}
	}

	probe, errProbe := readRoutingProbe(qctx, w.db)
	if errProbe != nil {
		log.WithError(errProbe).Warn("watcher: routing probe failed")
		return
	}
	if w.probeInit && probe == w.probe {
		return
	}
	if errRebuild := w.store.Rebuild(qctx); errRebuild != nil {
		log.WithError(errRebuild).Warn("watcher: snapshot rebuild failed")
		return
	}
	w.probe = probe
	w.probeInit = true
	log.Info("watcher: routing tables changed, snapshot rebuilt")
}

// routingProbe fingerprints the routing tables. Counts catch deletions,
// max timestamps catch updates, so comparing two probes detects any edit
// another instance could have made.
type routingProbe struct {
	providers   tableProbe
	credentials tableProbe
	users       tableProbe
	userKeys    tableProbe
}

type tableProbe struct {
	count  int64
	latest time.Time
}

func readRoutingProbe(ctx context.Context, db *gorm.DB) (routingProbe, error) {
	var out routingProbe
	var errProbe error
	out.providers, errProbe = readTableProbe(ctx, db, &models.Provider{})
	if errProbe != nil {
		return out, errProbe
	}
	out.credentials, errProbe = readTableProbe(ctx, db, &models.Credential{})
	if errProbe != nil {
		return out, errProbe
	}
	out.users, errProbe = readTableProbe(ctx, db, &models.User{})
	if errProbe != nil {
		return out, errProbe
	}
	out.userKeys, errProbe = readTableProbe(ctx, db, &models.UserKey{})
	return out, errProbe
}

func readTableProbe(ctx context.Context, db *gorm.DB, model any) (tableProbe, error) {
	var row struct {
		Count  int64
		Latest sql.NullTime
	}
	if errScan := db.WithContext(ctx).Model(model).
		Select("COUNT(*) AS count, MAX(updated_at) AS latest").
		Scan(&row).Error; errScan != nil {
		return tableProbe{}, fmt.Errorf("watcher: probe %T: %w", model, errScan)
	}
	probe := tableProbe{count: row.Count}
	if row.Latest.Valid {
		// Truncate so the comparison is stable across drivers that round
		// sub-second precision differently.
		probe.latest = row.Latest.Time.UTC().Truncate(time.Millisecond)
	}
	return probe, nil
}

func (w *Watcher) watchConfig(ctx context.Context) error {
	fw, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return fmt.Errorf("watcher: fsnotify: %w", errNew)
	}
	// Watch the directory, not the file: editors and config mounts replace
	// the file by rename, which drops a direct file watch.
	dir := filepath.Dir(w.configPath)
	if errAdd := fw.Add(dir); errAdd != nil {
		fw.Close()
		return fmt.Errorf("watcher: watch %s: %w", dir, errAdd)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fw.Close()
		target := filepath.Clean(w.configPath)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Infof("watcher: config file changed (%s)", ev.Op)
				if w.onConfigChange != nil {
					w.onConfigChange()
				}
			case errEvent, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.WithError(errEvent).Warn("watcher: config watch error")
			}
		}
	}()
	return nil
}
