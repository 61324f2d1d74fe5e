package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
	}
}

// Checkpointer is implemented by stores with a write-ahead log to fold back.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Presence reports live feed subscribers.
type Presence interface {
	RoomCount() int
	SubscriberCount() int
}

// Periodically checkpoints the store and logs a usage line
type Service struct {
	inventory    store.Inventory
	checkpointer Checkpointer
	presence     Presence
	config       Config
	logger       *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a service for s. Capabilities s lacks are skipped.
func New(s store.Store, presence Presence, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}

	svc := &Service{
		presence: presence,
		config:   config,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	svc.inventory, _ = s.(store.Inventory)
	svc.checkpointer, _ = s.(Checkpointer)
	return svc
}

func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(context.Background())
	}()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Run blocks until ctx is done or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Maintenance service started", zap.Duration("interval", s.config.Interval))
	defer s.logger.Info("Maintenance service stopped")

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Report is what one maintenance pass observed.
type Report struct {
	Checkpointed      bool
	Usage             store.Usage
	ActiveRooms       int
	ActiveSubscribers int
}

func (s *Service) RunOnce(ctx context.Context) Report {
	var report Report

	if s.checkpointer != nil {
		if err := s.checkpointer.Checkpoint(ctx); err != nil {
			s.logger.Warn("Checkpoint failed", zap.Error(err))
		} else {
			report.Checkpointed = true
		}
	}

	if s.inventory != nil {
		usage, err := s.inventory.GetStats(ctx)
		if err != nil {
			s.logger.Warn("Failed to read store stats", zap.Error(err))
		} else {
			report.Usage = usage
		}
	}

	if s.presence != nil {
		report.ActiveRooms = s.presence.RoomCount()
		report.ActiveSubscribers = s.presence.SubscriberCount()
	}

	s.logger.Info("Maintenance pass",
		zap.Bool("checkpointed", report.Checkpointed),
		zap.Int("rooms", report.Usage.RoomCount),
		zap.Int("content_bytes", report.Usage.ContentBytes),
		zap.Int("active_rooms", report.ActiveRooms),
		zap.Int("active_subscribers", report.ActiveSubscribers),
	)
	return report
}
