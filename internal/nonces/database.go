package nonces

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultSweepBatchSize bounds the number of rows deleted per sweep statement.
const DefaultSweepBatchSize = 100

// DatabaseStoreConfig describes the dependencies of the SQL-backed store.
type DatabaseStoreConfig struct {
	Database       *gorm.DB
	Policy         clock.SkewPolicy
	SweepBatchSize int
	Logger         *zap.Logger
}

// DatabaseStore keeps consumed nonces in a table with a unique index over the
// triple; the index is what makes consumption atomic across processes.
type DatabaseStore struct {
	db        *gorm.DB
	policy    clock.SkewPolicy
	batchSize int
	logger    *zap.Logger
}

// NewDatabaseStore constructs a SQL-backed nonce store.
func NewDatabaseStore(cfg DatabaseStoreConfig) (*DatabaseStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseStore{
		db:        cfg.Database,
		policy:    cfg.Policy,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Consume implements Store.
func (s *DatabaseStore) Consume(ctx context.Context, serverURL string, timestamp int64, salt string) (bool, error) {
	if !s.policy.WithinSeconds(timestamp) {
		s.logger.Info("nonce outside skew window",
			zap.String("server_url", serverURL),
			zap.Int64("timestamp_s", timestamp))
		return false, nil
	}

	record := Nonce{ServerURL: serverURL, TimestampSeconds: timestamp, Salt: salt}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("nonces: consume: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Info("nonce already used",
			zap.String("server_url", serverURL),
			zap.Int64("timestamp_s", timestamp),
			zap.String("salt", salt))
		return false, nil
	}

	s.logger.Debug("nonce recorded",
		zap.String("server_url", serverURL),
		zap.Int64("timestamp_s", timestamp))
	return true, nil
}

// Sweep implements Store by deleting nonces older than now minus skew.
func (s *DatabaseStore) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.policy.CutoffSeconds()
	var total int64
	for {
		var ids []uint64
		err := s.db.WithContext(ctx).
			Model(&Nonce{}).
			Where("timestamp_s < ?", cutoff).
			Limit(s.batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("nonces: sweep scan: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Nonce{})
		if result.Error != nil {
			return total, fmt.Errorf("nonces: sweep delete: %w", result.Error)
		}
		total += result.RowsAffected
		if len(ids) < s.batchSize {
			return total, nil
		}
	}
}
