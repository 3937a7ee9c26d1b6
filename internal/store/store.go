package store

import (
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sheaf-ai/sheaf/server/internal/admin"
	"github.com/sheaf-ai/sheaf/server/internal/auth"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/model"
)

// Store provides SQL persistence via GORM (async writes for job logs).
type Store struct {
	db    *gorm.DB
	logCh chan func() // buffered channel for async writes
}

// NewStore opens the database, auto-migrates schemas, and
// starts the background write worker.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&model.JobLog{},
		&auth.User{},
		&credit.Account{},
		&credit.LedgerEntry{},
		&admin.Action{},
	); err != nil {
		return nil, err
	}

	s := &Store{
		db:    db,
		logCh: make(chan func(), 1024),
	}

	go s.writeWorker()

	return s, nil
}

func (s *Store) writeWorker() {
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ─────────────────────────────────────────────
// Async write helpers
//
// Job logging is diagnostics, not ledger state: a failed write is
// logged and dropped so it can never be mistaken for a credit
// failure.
// ─────────────────────────────────────────────

// LogJobCreated records a new job event.
func (s *Store) LogJobCreated(traceID, ownerID, documentID, documentURL string, force bool, pages int) {
	s.logCh <- func() {
		jl := model.JobLog{
			TraceID:     traceID,
			OwnerID:     ownerID,
			DocumentID:  documentID,
			DocumentURL: documentURL,
			Status:      model.JobStatusPending,
			Force:       force,
			Pages:       pages,
			CreatedAt:   time.Now(),
		}
		if err := s.db.Create(&jl).Error; err != nil {
			log.Printf("[store] log job created error: %v", err)
		}
	}
}

// LogJobCompleted updates the job log after settlement.
func (s *Store) LogJobCompleted(traceID, workerID string, success, charged bool, pages int) {
	s.logCh <- func() {
		now := time.Now()
		status := model.JobStatusCompleted
		if !success {
			status = model.JobStatusFailed
		}
		if err := s.db.Model(&model.JobLog{}).
			Where("trace_id = ?", traceID).
			Updates(map[string]interface{}{
				"status":      status,
				"worker_id":   workerID,
				"pages":       pages,
				"charged":     charged,
				"finished_at": &now,
			}).Error; err != nil {
			log.Printf("[store] log job completed error: %v", err)
		}
	}
}
