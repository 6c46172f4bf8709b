// Command substrated wires the durable-state substrate together: redactor,
// logger, metrics, resilient stores, segmented WAL, audit trail, idempotency
// index, and the scheduler driving their background tasks. Everything is
// configured once here and passed by reference; no package carries a
// process-wide mutable default.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollowware/substrate/internal/audit"
	"github.com/hollowware/substrate/internal/config"
	"github.com/hollowware/substrate/internal/idempotency"
	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/internal/scheduler"
	"github.com/hollowware/substrate/internal/store"
	"github.com/hollowware/substrate/internal/wal"
	"github.com/hollowware/substrate/pkg/clock"
	"github.com/hollowware/substrate/pkg/logx"
	"github.com/hollowware/substrate/pkg/redact"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	redactor, err := redact.New()
	if err != nil {
		return err
	}
	logger := logx.New(redactor)
	clk := clock.NewReal()

	registry := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable artifacts. Each store/log owns a disjoint set of paths under
	// the data dir; cross-component interaction goes through files only.
	walDir := filepath.Join(cfg.DataDir, "wal")
	checkpoint := store.New(walDir, "checkpoint", cfg.SchemaVersion, clk, logger, rec,
		store.WithMaxSizeBytes(cfg.MaxSizeBytes))
	w, err := wal.Open(ctx, walDir, cfg.ReplayRoot, checkpoint, clk, logger, rec,
		wal.WithMaxSegmentBytes(cfg.WALMaxSegmentBytes),
		wal.WithMaxSegmentEntries(cfg.WALMaxSegmentEntries))
	if err != nil {
		return err
	}
	defer w.Close(context.Background())

	auditOpts := []audit.Option{audit.WithMaxSizeBytes(cfg.AuditMaxSizeBytes)}
	if cfg.HMACKey != "" {
		auditOpts = append(auditOpts, audit.WithHMACKey([]byte(cfg.HMACKey)))
	}
	trail, err := audit.Open(filepath.Join(cfg.DataDir, "audit"), clk, logger, rec, redactor, auditOpts...)
	if err != nil {
		return err
	}
	defer trail.Close(context.Background())

	idemStore := store.New(cfg.DataDir, "idempotency", cfg.SchemaVersion, clk, logger, rec,
		store.WithMaxSizeBytes(cfg.MaxSizeBytes))
	index := idempotency.New(idemStore, clk, logger, rec,
		idempotency.WithTTL(cfg.TTL),
		idempotency.WithMaxEntries(cfg.MaxEntries))

	auditQuery := func(intentSeq int64) (idempotency.AuditResult, bool) {
		status, ok := trail.FindResultByIntentSeq(intentSeq)
		if !ok {
			return idempotency.AuditResult{}, false
		}
		return idempotency.AuditResult{HasResult: status.HasResult, Error: status.Error}, true
	}

	// Boot-time reconciliation before any background task starts, so pending
	// side effects are resolved against the audit trail exactly once at a
	// known point.
	unresolved, err := index.ReconcilePending(ctx, auditQuery)
	if err != nil {
		return err
	}
	if len(unresolved) > 0 {
		logger.Warn("boot: entries still need compensation", logx.Fields{"count": len(unresolved)})
	}

	sched := scheduler.New(clk, logger, rec)
	if err := registerTasks(sched, cfg, w, trail, index, idemStore, checkpoint, rec, auditQuery); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	go serveMetrics(cfg.MetricsAddr, registry, logger)

	logger.Info("substrated started", logx.Fields{
		"dataDir":     cfg.DataDir,
		"metricsAddr": cfg.MetricsAddr,
		"hmac":        cfg.HMACKey != "",
	})

	<-ctx.Done()
	logger.Info("substrated stopping", nil)
	return nil
}

func registerTasks(sched *scheduler.Scheduler, cfg *config.Config, w *wal.WAL, trail *audit.Trail, index *idempotency.Index, idemStore, checkpoint *store.Store, rec metrics.Recorder, auditQuery idempotency.QueryFunc) error {
	syncTask := func(id, cursor, dir string) scheduler.TaskConfig {
		return scheduler.TaskConfig{
			ID:          id,
			Name:        id,
			Interval:    cfg.SyncInterval,
			Jitter:      cfg.SyncJitter,
			MaxFailures: 3,
			Reset:       time.Minute,
			Handler: func(ctx context.Context) error {
				if err := w.Drain(ctx, cursor, mirrorTo(dir)); err != nil {
					return err
				}
				rec.SetGauge("wal_cursor_lag_seconds", w.CursorStaleness(cursor).Seconds(), map[string]string{"cursor": cursor})
				return nil
			},
		}
	}

	// The two cursors deliberately share no mutex group: failure of one
	// downstream must never block the other.
	if err := sched.Register(syncTask("wal-sync-object-store", "A", cfg.ObjectStoreDir)); err != nil {
		return err
	}
	if err := sched.Register(syncTask("wal-sync-version-control", "B", cfg.VersionControlDir)); err != nil {
		return err
	}

	if err := sched.Register(scheduler.TaskConfig{
		ID:          "idempotency-evict",
		Name:        "idempotency-evict",
		Interval:    cfg.EvictInterval,
		Jitter:      cfg.SyncJitter,
		MutexGroup:  "maintenance",
		MaxFailures: 3,
		Reset:       5 * time.Minute,
		Handler: func(ctx context.Context) error {
			_, err := index.Evict(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	if err := sched.Register(scheduler.TaskConfig{
		ID:          "idempotency-reconcile",
		Name:        "idempotency-reconcile",
		Interval:    cfg.ReconcileInterval,
		Jitter:      cfg.SyncJitter,
		MutexGroup:  "maintenance",
		MaxFailures: 3,
		Reset:       5 * time.Minute,
		Handler: func(ctx context.Context) error {
			_, err := index.ReconcilePending(ctx, auditQuery)
			return err
		},
	}); err != nil {
		return err
	}

	return sched.Register(scheduler.TaskConfig{
		ID:          "retention-gc",
		Name:        "retention-gc",
		Interval:    cfg.GCInterval,
		Jitter:      cfg.SyncJitter,
		MutexGroup:  "maintenance",
		MaxFailures: 3,
		Reset:       time.Hour,
		Handler: func(ctx context.Context) error {
			if _, err := w.GCArchivedSegments(ctx, cfg.RetentionMaxAge); err != nil {
				return err
			}
			if _, err := trail.GCArchives(ctx, cfg.RetentionMaxAge); err != nil {
				return err
			}
			if _, err := idemStore.GCQuarantine(ctx, cfg.RetentionMaxAge); err != nil {
				return err
			}
			_, err := checkpoint.GCQuarantine(ctx, cfg.RetentionMaxAge)
			return err
		},
	})
}

// mirrorTo applies WAL records to a downstream mirror directory. The real
// object-store and version-control downstreams are external collaborators;
// this filesystem mirror is the interface they consume from.
func mirrorTo(root string) func(wal.Record) error {
	return func(r wal.Record) error {
		full := filepath.Join(root, filepath.FromSlash(r.Path))
		switch r.Op {
		case wal.OpWrite:
			data, err := base64.StdEncoding.DecodeString(r.Data)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
				return err
			}
			return os.WriteFile(full, data, 0600)
		case wal.OpDelete:
			err := os.Remove(full)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		case wal.OpMkdir:
			return os.MkdirAll(full, 0700)
		default:
			return fmt.Errorf("mirror: unknown op %q", r.Op)
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", logx.Fields{"addr": addr, "error": err.Error()})
	}
}
