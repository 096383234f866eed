package associations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultSweepBatchSize bounds the number of rows deleted per sweep statement.
const DefaultSweepBatchSize = 100

var (
	errMissingDatabase = errors.New("associations: database connection required")
	errMissingServer   = errors.New("associations: server url required")
	errMissingHandle   = errors.New("associations: handle required")
)

// StoreConfig describes the dependencies of the association store.
type StoreConfig struct {
	Database       *gorm.DB
	Policy         clock.SkewPolicy
	SweepBatchSize int
	Logger         *zap.Logger
}

// Store persists associations negotiated with OpenID providers.
type Store struct {
	db        *gorm.DB
	policy    clock.SkewPolicy
	batchSize int
	logger    *zap.Logger
}

// NewStore constructs an association store.
func NewStore(cfg StoreConfig) (*Store, error) {
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
	return &Store{
		db:        cfg.Database,
		policy:    cfg.Policy,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Save persists a new association for the provider endpoint. Re-negotiated
// handles add a row rather than failing.
func (s *Store) Save(ctx context.Context, serverURL string, association Association) error {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return errMissingServer
	}
	if strings.TrimSpace(association.Handle) == "" {
		return errMissingHandle
	}

	record := association
	record.ID = 0
	record.ServerURL = serverURL
	record.ExpiresAtSeconds = record.IssuedAtSeconds + record.LifetimeSeconds
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("associations: save: %w", err)
	}

	s.logger.Debug("association stored",
		zap.String("server_url", serverURL),
		zap.String("handle", record.Handle),
		zap.String("assoc_type", record.AssocType),
		zap.Int64("expires_at_s", record.ExpiresAtSeconds))
	return nil
}

// FetchBest returns the live association with the furthest expiry for the
// provider endpoint, restricted to the handle when one is given. The boolean is
// false when nothing live matches.
func (s *Store) FetchBest(ctx context.Context, serverURL, handle string) (Association, bool, error) {
	query := s.db.WithContext(ctx).
		Where("server_url = ?", serverURL).
		Where("expires_at_s > ?", s.policy.NowSeconds())
	if handle != "" {
		query = query.Where("handle = ?", handle)
	}

	var association Association
	err := query.Order("expires_at_s DESC").Take(&association).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Debug("association not found",
			zap.String("server_url", serverURL),
			zap.String("handle", handle))
		return Association{}, false, nil
	}
	if err != nil {
		return Association{}, false, fmt.Errorf("associations: fetch: %w", err)
	}
	return association, true, nil
}

// Remove deletes every row stored for the (server, handle) pair and reports
// whether anything was deleted.
func (s *Store) Remove(ctx context.Context, serverURL, handle string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("server_url = ? AND handle = ?", serverURL, handle).
		Delete(&Association{})
	if result.Error != nil {
		return false, fmt.Errorf("associations: remove: %w", result.Error)
	}
	removed := result.RowsAffected > 0
	s.logger.Debug("association remove",
		zap.String("server_url", serverURL),
		zap.String("handle", handle),
		zap.Bool("removed", removed))
	return removed, nil
}

// Sweep deletes associations that expired more than the skew tolerance ago.
// Rows are removed in bounded batches until a short batch is seen.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.policy.CutoffSeconds()
	var total int64
	for {
		var ids []uint64
		err := s.db.WithContext(ctx).
			Model(&Association{}).
			Where("expires_at_s < ?", cutoff).
			Limit(s.batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("associations: sweep scan: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Association{})
		if result.Error != nil {
			return total, fmt.Errorf("associations: sweep delete: %w", result.Error)
		}
		total += result.RowsAffected
		if len(ids) < s.batchSize {
			return total, nil
		}
	}
}
