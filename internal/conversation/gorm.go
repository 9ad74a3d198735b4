package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

const defaultSQLitePath = "~/.local/share/knowd/conversations.db"

// turnRow is the conversation_turns table.
type turnRow struct {
	TurnID    string         `gorm:"column:turn_id;primaryKey;size:36"`
	TenantID  string         `gorm:"column:tenant_id;size:128;not null;uniqueIndex:idx_conversation_turns_tenant_seq,priority:1"`
	Seq       int64          `gorm:"column:seq;not null;uniqueIndex:idx_conversation_turns_tenant_seq,priority:2"`
	Role      string         `gorm:"column:role;size:16;not null"`
	Content   string         `gorm:"column:content;type:text;not null"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index"`
}

func (turnRow) TableName() string { return "conversation_turns" }

// GormLog is a Log backed by SQLite or PostgreSQL.
type GormLog struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.ConversationConfig, logger *zap.Logger) (*GormLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gcfg := &gorm.Config{
		Logger: gormLogger.New(zap.NewStdLog(logger.Named("gorm")), gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if path != ":memory:" && path != "file::memory:" {
			if path, err = config.ExpandHome(path); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("creating conversation dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(path), gcfg)
		if err == nil {
			// One connection keeps in-memory databases alive and avoids
			// SQLITE_BUSY between concurrent writers.
			if sqlDB, derr := db.DB(); derr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.PostgresDSN.Value()), gcfg)
	default:
		return nil, fmt.Errorf("unknown conversation driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %v", ErrStorage, err)
	}

	return NewGormLog(db, logger)
}

// NewGormLog wraps an open database and migrates the schema.
func NewGormLog(db *gorm.DB, logger *zap.Logger) (*GormLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&turnRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrating: %v", ErrStorage, err)
	}
	return &GormLog{
		db:     db,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (l *GormLog) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

// Append implements Log.
func (l *GormLog) Append(ctx context.Context, tc tenant.Context, turns ...Turn) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	rows := make([]turnRow, len(turns))
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("%w: role %q", ErrInvalidTurn, t.Role)
		}
		md, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrInvalidTurn, err)
		}
		id := t.TurnID
		if id == "" {
			id = uuid.NewString()
		}
		created := t.CreatedAt
		if created.IsZero() {
			created = l.now()
		}
		rows[i] = turnRow{
			TurnID:    id,
			TenantID:  tc.TenantID,
			Role:      string(t.Role),
			Content:   t.Content,
			Metadata:  datatypes.JSON(md),
			CreatedAt: created.UTC(),
		}
	}

	lock := l.tenantLock(tc.TenantID)
	lock.Lock()
	defer lock.Unlock()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&turnRow{}).
			Select("COALESCE(MAX(seq), 0)").
			Where("tenant_id = ?", tc.TenantID).
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].Seq = maxSeq + int64(i) + 1
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return nil
}

// Recent implements Log.
func (l *GormLog) Recent(ctx context.Context, tc tenant.Context, limit int) ([]Turn, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	var rows []turnRow
	if err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tc.TenantID).
		Order("seq DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: recent: %v", ErrStorage, err)
	}

	out := make([]Turn, len(rows))
	for i, r := range rows {
		t := Turn{
			TenantID:  r.TenantID,
			TurnID:    r.TurnID,
			Seq:       r.Seq,
			Role:      Role(r.Role),
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
				l.logger.Warn("unreadable turn metadata",
					zap.String("tenant_id", r.TenantID),
					zap.Int64("seq", r.Seq),
					zap.Error(err),
				)
			}
		}
		// Oldest first.
		out[len(rows)-1-i] = t
	}
	return out, nil
}

// Clear implements Log.
func (l *GormLog) Clear(ctx context.Context, tc tenant.Context) error {
	if err := tc.Validate(); err != nil {
		return err
	}

	lock := l.tenantLock(tc.TenantID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tc.TenantID).
		Delete(&turnRow{}).Error; err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorage, err)
	}
	return nil
}

// Close releases the database connection.
func (l *GormLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
