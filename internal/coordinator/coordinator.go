// Package coordinator owns the sidecar's process-wide lifecycle: a single
// set of component handles constructed once per process, a background
// init task, and the degraded-mode health policy consulted by the gateway.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/index"
	"github.com/notecortex/recall/internal/intent"
	"github.com/notecortex/recall/internal/linkdoc"
	"github.com/notecortex/recall/internal/noteclient"
	"github.com/notecortex/recall/internal/retrieval"
	indexsync "github.com/notecortex/recall/internal/sync"
)

// Coordinator holds the process-wide component handles and background
// sync lifecycle. Register constructs exactly one of these per process.
type Coordinator struct {
	Config   *config.Config
	Client   *noteclient.Client
	Store    *index.Store
	Sync     *indexsync.Service
	Intent   *intent.Analyzer
	LinkDoc  *linkdoc.Resolver
	Retrieve *retrieval.Engine

	log zerolog.Logger

	available atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	timerMu  sync.Mutex
	timer    *time.Timer
	ticking  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Register loads configuration, constructs component handles
// synchronously (so hooks are safe on the very first event), and starts
// a background task that brings up sync and the periodic timer.
func Register(filePath string, gatewayOverrides map[string]any, log zerolog.Logger) (*Coordinator, error) {
	cfg, err := config.Load(filePath, gatewayOverrides)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Recall.RemoteTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Coordinator{
		Config: cfg,
		log:    log.With().Str("component", "coordinator").Logger(),
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}

	if cfg.Siyuan.APIURL != "" {
		c.Client = noteclient.New(cfg.Siyuan.APIURL, cfg.Siyuan.APIToken, timeout, log)
	}

	if cfg.Index.Enabled {
		store, err := index.Open(cfg.Index.DBPath)
		if err != nil {
			return nil, err
		}
		c.Store = store
	}

	c.Intent = intent.New(&cfg.Recall)
	c.LinkDoc = linkdoc.New(&cfg.Recall.LinkedDoc, c.Client)
	c.Retrieve = retrieval.New(&cfg.Recall, c.Store, c.Client)

	go c.backgroundInit()

	return c, nil
}

// backgroundInit constructs the sync service, refreshes the notebook
// cache, runs initial sync if needed, and starts the periodic timer. It
// never panics the process; failures leave the coordinator in degraded
// mode and are retried by the periodic tick.
func (c *Coordinator) backgroundInit() {
	defer c.readyOnce.Do(func() { close(c.ready) })

	if c.Client == nil || c.Store == nil {
		return
	}

	ctx := context.Background()
	health := c.Client.HealthCheck(ctx)
	c.available.Store(health.Available)
	if !health.Available {
		c.log.Warn().Msg("note store unavailable at startup, recall will run degraded")
		c.startTimer()
		return
	}

	c.Sync = indexsync.New(&c.Config.Index, c.Client, c.Store, c.log)
	if err := c.Sync.RefreshNotebookCache(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial notebook cache refresh failed")
	}

	lastSync, err := c.Store.GetLastSyncTime(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("read lastSyncTime failed")
	} else if lastSync == "" {
		if err := c.Sync.InitialSync(ctx); err != nil {
			c.log.Warn().Err(err).Msg("initial sync failed")
		}
	}

	c.startTimer()
}

// startTimer begins the periodic incremental-sync timer, serialized
// against itself by a re-entrancy guard: a tick is skipped if the
// previous one has not finished.
func (c *Coordinator) startTimer() {
	interval := time.Duration(c.Config.Index.SyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.timerMu.Lock()
	c.timer = time.AfterFunc(interval, c.tick)
	c.timerMu.Unlock()
}

func (c *Coordinator) tick() {
	defer func() {
		select {
		case <-c.stopCh:
			return
		default:
			c.startTimer()
		}
	}()

	if !c.ticking.CompareAndSwap(false, true) {
		return // previous tick still running
	}
	defer c.ticking.Store(false)

	if c.Sync == nil {
		c.reconnect(context.Background())
		return
	}

	ctx := context.Background()
	if err := c.Sync.IncrementalSync(ctx); err != nil {
		c.log.Warn().Err(err).Msg("incremental sync failed, lastSyncTime left unchanged")
	}

	if c.Store != nil {
		days := c.Config.Index.CleanupAgeDays
		if days <= 0 {
			days = 30
		}
		if n, err := c.Store.CleanupOldDeleted(ctx, days); err != nil {
			c.log.Warn().Err(err).Msg("cleanup of old deleted docs failed")
		} else if n > 0 {
			c.log.Info().Int64("removed", n).Msg("cleaned up old deleted docs")
		}
	}
}

// EnsureInitialized awaits the background init task. It never blocks
// indefinitely past ctx's deadline and never fails the caller on a
// background failure — degraded mode is a valid outcome.
func (c *Coordinator) EnsureInitialized(ctx context.Context) {
	select {
	case <-c.ready:
	case <-ctx.Done():
	}
}

// Available reports the last-known reachability of the note store.
// Callers tolerate a stale true value; EnsureAvailable reverifies.
func (c *Coordinator) Available() bool {
	return c.available.Load()
}

// EnsureAvailable implements the health policy: if the cached availability
// is false, attempt one reconnect. On persistent failure, recall may
// still proceed using only the local index (the caller decides that).
func (c *Coordinator) EnsureAvailable(ctx context.Context) bool {
	if c.available.Load() {
		return true
	}
	if c.Client == nil {
		return false
	}
	return c.reconnect(ctx)
}

func (c *Coordinator) reconnect(ctx context.Context) bool {
	health := c.Client.HealthCheck(ctx)
	c.available.Store(health.Available)
	if health.Available && c.Sync == nil {
		c.Sync = indexsync.New(&c.Config.Index, c.Client, c.Store, c.log)
	}
	return health.Available
}

// Shutdown stops the periodic timer. Safe to call multiple times.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.timerMu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()
		if c.Store != nil {
			c.Store.Close()
		}
	})
}
