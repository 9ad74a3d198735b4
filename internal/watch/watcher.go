// Package watch ingests files dropped into per-tenant inbox folders.
//
// Each configured tenant gets <dir>/<tenant_id>/. A file written there is
// indexed into that tenant's knowledge base once it has stopped changing,
// then moved to processed/ or, if ingestion failed, to failed/.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

const (
	processedDir = "processed"
	failedDir    = "failed"

	defaultSettle = 500 * time.Millisecond
)

// ErrWatcherFailed indicates the filesystem watcher could not be set up.
var ErrWatcherFailed = errors.New("failed to initialize inbox watcher")

// TenantLookup finds configured tenants by ID. *tenant.StaticResolver
// satisfies it.
type TenantLookup interface {
	Lookup(tenantID string) (tenant.Context, error)
	IDs() []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle sets how long a file must be quiet before it is ingested.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher feeds inbox files to the ingestion pipeline.
type Watcher struct {
	root     string
	tenants  TenantLookup
	ingester ingestion.Ingester
	settle   time.Duration
	logger   *logging.Logger
}

// New creates a Watcher rooted at cfg.Dir.
func New(cfg config.WatchConfig, tenants TenantLookup, ingester ingestion.Ingester, opts ...Option) (*Watcher, error) {
	if tenants == nil || ingester == nil {
		return nil, errors.New("watch: tenants and ingester are required")
	}
	root, err := config.ExpandHome(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("expanding inbox dir: %w", err)
	}
	if root == "" {
		return nil, errors.New("watch: inbox dir is required")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving inbox dir: %w", err)
	}

	w := &Watcher{
		root:     root,
		tenants:  tenants,
		ingester: ingester,
		settle:   defaultSettle,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the inbox root directory.
func (w *Watcher) Root() string { return w.root }

// TenantDir returns the inbox folder for tenantID.
func (w *Watcher) TenantDir(tenantID string) string {
	return filepath.Join(w.root, tenantID)
}

// Run creates the tenant folders, ingests files already present and then
// watches for new ones until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() { _ = fsw.Close() }()

	for _, id := range w.tenants.IDs() {
		dir := w.TenantDir(id)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating inbox %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("%w: watching %s: %v", ErrWatcherFailed, dir, err)
		}
	}
	w.logger.Info(ctx, "inbox watcher started", zap.String("dir", w.root), zap.Int("tenants", len(w.tenants.IDs())))

	for _, id := range w.tenants.IDs() {
		w.scan(ctx, w.TenantDir(id))
	}

	ready := make(chan string, 64)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "inbox watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			path := ev.Name
			if t, ok := pending[path]; ok {
				t.Reset(w.settle)
				continue
			}
			pending[path] = time.AfterFunc(w.settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(pending, path)
			w.Process(ctx, path)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) scan(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn(ctx, "reading inbox failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			w.Process(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

// Process ingests one inbox file and moves it out of the inbox. Paths that
// are not regular files directly inside a tenant folder are ignored.
func (w *Watcher) Process(ctx context.Context, path string) {
	tenantID, name, ok := w.locate(path)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	tc, err := w.tenants.Lookup(tenantID)
	if err != nil {
		w.logger.Warn(ctx, "inbox file for unknown tenant", zap.String("tenant_id", tenantID), zap.String("file", name))
		return
	}
	ctx = logging.WithTenant(ctx, tc.TenantID, tc.CollectionName)

	report, err := w.ingest(ctx, tc, path, name)
	dest := processedDir
	if err != nil {
		dest = failedDir
		w.logger.Warn(ctx, "inbox ingestion failed", zap.String("file", name), zap.Error(err))
	} else {
		w.logger.Info(ctx, "inbox file ingested",
			zap.String("file", name),
			zap.Int("chunks", report.ChunksIndexed),
			zap.String("format", string(report.Format)))
	}
	if err := w.move(path, dest); err != nil {
		w.logger.Error(ctx, "moving inbox file failed", zap.String("file", name), zap.Error(err))
	}
}

func (w *Watcher) ingest(ctx context.Context, tc tenant.Context, path, name string) (ingestion.Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ingestion.Report{}, fmt.Errorf("reading %s: %w", name, err)
	}
	return w.ingester.IngestDocument(ctx, tc, raw, "", name)
}

// locate splits path into tenant ID and file name. Hidden files and anything
// outside <root>/<tenant>/ are rejected.
func (w *Watcher) locate(path string) (tenantID, name string, ok bool) {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 || parts[0] == "" || strings.HasPrefix(parts[1], ".") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// move renames path into the sibling sub folder dest, adding a timestamp if
// a file with the same name is already there.
func (w *Watcher) move(path, dest string) error {
	dir := filepath.Join(filepath.Dir(path), dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	return os.Rename(path, target)
}
