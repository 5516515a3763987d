package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/auth"
)

const (
	defaultProvider = "default"
	// Sign-ins refresh last_seen_at at most this often per login.
	lastSeenResolution = time.Minute
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps session claims onto canonical user ids and serves the profiles
// denormalized into project member records.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	seen   sync.Map
}

type seenLogin struct {
	userID  string
	profile Profile
	at      time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims,
// registering the login on first sight and refreshing its profile when the
// claims present new display details.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	presented := Profile{
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
	}
	now := s.now().UTC()
	loginKey := provider + ":" + subject
	if cached, ok := s.seen.Load(loginKey); ok {
		login := cached.(seenLogin)
		if login.profile == presented && now.Sub(login.at) < lastSeenResolution {
			return login.userID, nil
		}
	}

	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       presented.Email,
		DisplayName: presented.DisplayName,
		AvatarURL:   presented.AvatarURL,
		LastSeenAt:  now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 1 {
			return nil
		}
		var stored Identity
		if err := tx.Where("provider = ? AND subject = ?", provider, subject).Take(&stored).Error; err != nil {
			return err
		}
		changes := stored.profileChanges(presented)
		changes["last_seen_at"] = now
		identity = stored
		return tx.Model(&Identity{}).Where("provider = ? AND subject = ?", provider, subject).Updates(changes).Error
	})
	if err != nil {
		s.logger.Warn("identity resolution failed", zap.String("provider", provider), zap.Error(err))
		return "", err
	}

	s.seen.Store(loginKey, seenLogin{userID: identity.UserID, profile: presented, at: now})
	return identity.UserID, nil
}

// deriveProviderSubject splits "provider:subject" user ids. Without a usable
// id the registered subject, then the email, identify the login.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	if raw := normalize(claims.UserID); raw != "" {
		prefix, rest, found := strings.Cut(raw, ":")
		switch {
		case found && normalize(prefix) != "" && normalize(rest) != "":
			provider = normalize(prefix)
			subject = normalize(rest)
		case !found && subject == "":
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}

// Profile returns the most recently seen profile for userID. Users who never
// signed in get a profile carrying only their id.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return identity.profile(), nil
}
