package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const fallbackSlug = "person"

// ErrInvalidIdentity indicates the assertion did not carry a usable identity URL.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingDatabase = errors.New("users: database connection required")

// ServiceConfig describes the dependencies required for identity management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// AdminIdentityURL is granted the privileged flag on sign-in (exact match).
	AdminIdentityURL string
	IDProvider       IDProvider
	Logger           *zap.Logger
}

// Service manages local identities keyed by OpenID identity URL.
type Service struct {
	db               *gorm.DB
	now              func() time.Time
	adminIdentityURL string
	ids              IDProvider
	logger           *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:               cfg.Database,
		now:              clock,
		adminIdentityURL: normalize(cfg.AdminIdentityURL),
		ids:              ids,
		logger:           logger,
	}, nil
}

// UpsertFromAssertion creates or refreshes the identity for a successful
// assertion. Profile attributes overwrite stored values only when present, a
// nameless identity gets a name derived from its URL, and the administrator
// URL is promoted. The privileged flag is never cleared here.
func (s *Service) UpsertFromAssertion(ctx context.Context, identityURL string, profile Profile) (Identity, error) {
	identityURL = normalize(identityURL)
	if identityURL == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var stored Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity Identity
		created := false
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity_url = ?", identityURL).
			Take(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			userID, idErr := s.ids.NewID()
			if idErr != nil {
				return fmt.Errorf("users: id generation: %w", idErr)
			}
			identity = Identity{IdentityURL: identityURL, UserID: userID}
			created = true
		} else if err != nil {
			return fmt.Errorf("users: lookup: %w", err)
		}

		if nickname, ok := presentValue(profile.Nickname); ok {
			identity.Name = nickname
		}
		if email, ok := presentValue(profile.Email); ok {
			identity.Email = email
		}
		if identity.Name == "" {
			identity.Name = DeriveDisplayName(identityURL)
		}
		if s.adminIdentityURL != "" && identityURL == s.adminIdentityURL {
			identity.IsAdmin = true
		}
		identity.LastSeenAt = s.now().UTC()

		if !created {
			if err := tx.Save(&identity).Error; err != nil {
				return fmt.Errorf("users: save: %w", err)
			}
			stored = identity
			return nil
		}

		slug, err := AvailableSlug(tx, identity)
		if err != nil {
			return err
		}
		identity.Slug = slug
		// A concurrent first sign-in for the same URL may win the insert; the
		// loser refreshes the profile columns instead of failing.
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_url"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_name", "user_email", "last_seen_at", "updated_at"}),
		}).Create(&identity).Error
		if err != nil {
			return fmt.Errorf("users: create: %w", err)
		}
		if err := tx.Where("identity_url = ?", identityURL).Take(&stored).Error; err != nil {
			return fmt.Errorf("users: reload: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("identity upsert failed",
			zap.String("identity_url", identityURL),
			zap.Error(err))
		return Identity{}, err
	}

	s.logger.Info("identity signed in",
		zap.String("identity_url", stored.IdentityURL),
		zap.String("user_id", stored.UserID),
		zap.Bool("is_admin", stored.IsAdmin))
	return stored, nil
}

// FindByIdentityURL loads the identity bound to the URL. The boolean is false
// when no identity exists.
func (s *Service) FindByIdentityURL(ctx context.Context, identityURL string) (Identity, bool, error) {
	identityURL = normalize(identityURL)
	if identityURL == "" {
		return Identity{}, false, nil
	}
	return s.findOne(ctx, "identity_url = ?", identityURL)
}

// FindBySlug loads the identity published under the slug.
func (s *Service) FindBySlug(ctx context.Context, slug string) (Identity, bool, error) {
	slug = normalize(slug)
	if slug == "" {
		return Identity{}, false, nil
	}
	return s.findOne(ctx, "slug = ?", slug)
}

// List returns every identity, oldest first.
func (s *Service) List(ctx context.Context) ([]Identity, error) {
	var identities []Identity
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	return identities, nil
}

func (s *Service) findOne(ctx context.Context, condition string, value string) (Identity, bool, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where(condition, value).Order("created_at ASC").Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("users: find: %w", err)
	}
	return identity, true, nil
}

// AvailableSlug picks a slug for the identity from its display name, suffixing
// part of the user id when another identity already holds the plain slug.
func AvailableSlug(tx *gorm.DB, identity Identity) (string, error) {
	base := Slugify(identity.Name)
	if base == "" {
		base = fallbackSlug
	}
	var count int64
	err := tx.Model(&Identity{}).
		Where("slug = ? AND identity_url <> ?", base, identity.IdentityURL).
		Count(&count).Error
	if err != nil {
		return "", fmt.Errorf("users: slug lookup: %w", err)
	}
	if count == 0 {
		return base, nil
	}
	suffix := identity.UserID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return base + "-" + suffix, nil
}
