// Package pgstore keeps room documents in Postgres through gorm, using the
// same pastes row shape as the sqlite store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

type paste struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"uniqueIndex;not null"`
	Content   string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

func (paste) TableName() string { return "pastes" }

func (p paste) document() *store.Document {
	return &store.Document{
		RoomID:    p.RoomID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Inventory = (*Store)(nil)
)

// Open connects to dsn and migrates the pastes table.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	return New(db, logger)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&paste{}); err != nil {
		return nil, fmt.Errorf("failed to migrate pastes: %w", err)
	}

	logger.Info("Postgres store initialized")
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) FetchRoom(ctx context.Context, roomID string) (*store.Document, error) {
	var row paste
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("fetch", roomID, err)
	}
	return row.document(), nil
}

func (s *Store) CreateRoom(ctx context.Context, roomID, initialContent string) (*store.Document, error) {
	now := time.Now().UTC()
	row := paste{RoomID: roomID, Content: initialContent, CreatedAt: now, UpdatedAt: now}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, store.Wrap("create", roomID, err)
	}

	s.logger.Debug("Room created", zap.String("room", roomID))
	return s.FetchRoom(ctx, roomID)
}

func (s *Store) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&paste{}).
		Where("room_id = ?", roomID).
		UpdateColumns(map[string]any{"content": content, "updated_at": ts.UTC()})
	if result.Error != nil {
		return store.Wrap("write", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return &store.Error{Op: "write", RoomID: roomID, Err: store.ErrNotFound}
	}
	return nil
}

func (s *Store) ListRooms(ctx context.Context, limit, offset int) ([]store.Document, error) {
	var rows []paste
	err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, store.Wrap("list", "", err)
	}

	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, *row.document())
	}
	return docs, nil
}

func (s *Store) GetStats(ctx context.Context) (store.Usage, error) {
	var usage struct {
		RoomCount    int
		ContentBytes int
	}
	err := s.db.WithContext(ctx).
		Model(&paste{}).
		Select("COUNT(*) AS room_count, COALESCE(SUM(OCTET_LENGTH(content)), 0) AS content_bytes").
		Scan(&usage).Error
	if err != nil {
		return store.Usage{}, store.Wrap("stats", "", err)
	}
	return store.Usage{RoomCount: usage.RoomCount, ContentBytes: usage.ContentBytes}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
