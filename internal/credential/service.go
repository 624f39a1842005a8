// Package credential issues, validates, rate-limits and revokes API keys.
// Plaintext keys exist only in the issuance response; the store keeps a
// SHA-256 digest for lookup and the first few characters for support logs.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/database/models"
)

// DefaultPermissions are granted to every newly issued key.
const DefaultPermissions = "call,recordings,read"

// Limits are the per-window rate limits attached to a credential.
type Limits struct {
	PerHour  int `json:"perHour"`
	PerDay   int `json:"perDay"`
	PerMonth int `json:"perMonth"`
}

// Issued is returned exactly once per issuance; KeyValue is never
// recoverable afterwards.
type Issued struct {
	KeyValue    string
	KeyID       string
	AccountID   string
	Permissions []string
	Limits      Limits
	CreatedAt   time.Time
}

// Identity is the result of a successful validation.
type Identity struct {
	CredentialID int64
	KeyID        string
	AccountID    string
	Permissions  []string
	Limits       Limits
}

// IssueRequest carries the client-supplied fields for key issuance.
type IssueRequest struct {
	ClientName  string
	Email       string
	Website     string
	PhoneNumber string
	Description string
}

// Service implements the credential store on top of the database repository.
type Service struct {
	repo           database.CredentialRepository
	clk            clock.Clock
	loc            *time.Location
	allowedDomains []string
	blockedDomains []string
	defaultLimits  Limits
	logger         *slog.Logger
}

// NewService creates the credential service. allowed may be empty, which
// admits any domain not present in blocked.
func NewService(repo database.CredentialRepository, clk clock.Clock, loc *time.Location, allowed, blocked []string, defaults Limits, logger *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		clk:            clk,
		loc:            loc,
		allowedDomains: allowed,
		blockedDomains: blocked,
		defaultLimits:  defaults,
		logger:         logger.With("subsystem", "credentials"),
	}
}

var (
	emailRe   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRe   = regexp.MustCompile(`^\+?[0-9\s\-().]{7,20}$`)
	websiteRe = regexp.MustCompile(`^https?://`)
)

// Issue validates the request, generates a key and persists its digest.
// The returned plaintext key is shown to the caller exactly once.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if strings.TrimSpace(req.ClientName) == "" || strings.TrimSpace(req.Email) == "" {
		return nil, ErrMissingField
	}
	if !emailRe.MatchString(req.Email) {
		return nil, ErrMalformedEmail
	}
	if err := s.checkDomain(req.Email); err != nil {
		return nil, err
	}
	if req.Website != "" {
		if !websiteRe.MatchString(req.Website) {
			return nil, ErrMalformedWebsite
		}
		if _, err := url.ParseRequestURI(req.Website); err != nil {
			return nil, ErrMalformedWebsite
		}
	}
	if req.PhoneNumber != "" && !phoneRe.MatchString(req.PhoneNumber) {
		return nil, ErrMalformedPhone
	}

	keyValue, keyID, err := generateKey()
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	cred := &models.Credential{
		KeyID:         keyID,
		KeyDigest:     digest(keyValue),
		KeyPrefix:     loggablePrefix(keyValue),
		AccountID:     "acct_" + uuid.NewString(),
		ClientName:    req.ClientName,
		Email:         req.Email,
		Website:       req.Website,
		PhoneNumber:   req.PhoneNumber,
		Description:   req.Description,
		Permissions:   DefaultPermissions,
		Active:        true,
		CreatedAt:     now,
		LimitPerHour:  s.defaultLimits.PerHour,
		LimitPerDay:   s.defaultLimits.PerDay,
		LimitPerMonth: s.defaultLimits.PerMonth,
	}
	if err := s.repo.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Info("api key issued",
		"key_id", keyID,
		"key_prefix", cred.KeyPrefix,
		"client", req.ClientName,
	)

	return &Issued{
		KeyValue:    keyValue,
		KeyID:       keyID,
		AccountID:   cred.AccountID,
		Permissions: strings.Split(cred.Permissions, ","),
		Limits:      s.defaultLimits,
		CreatedAt:   now,
	}, nil
}

// Validate looks a key up by digest and checks active state and rate
// windows. It is safe under concurrent callers for the same key.
func (s *Service) Validate(ctx context.Context, keyValue string) (*Identity, error) {
	cred, err := s.repo.GetByDigest(ctx, digest(keyValue))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !cred.Active {
		return nil, ErrInactive
	}

	now := s.clk.Now().In(s.loc)
	snap, err := s.repo.Usage(ctx, cred.ID, windowsAt(now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rle := s.exceeded(cred, snap, now); rle != nil {
		return nil, rle
	}

	if err := s.repo.UpdateLastSeen(ctx, cred.ID, now); err != nil {
		// Best effort; a stale last-seen must not fail validation.
		s.logger.Warn("failed to update last seen", "key_id", cred.KeyID, "error", err)
	}

	return &Identity{
		CredentialID: cred.ID,
		KeyID:        cred.KeyID,
		AccountID:    cred.AccountID,
		Permissions:  strings.Split(cred.Permissions, ","),
		Limits: Limits{
			PerHour:  cred.LimitPerHour,
			PerDay:   cred.LimitPerDay,
			PerMonth: cred.LimitPerMonth,
		},
	}, nil
}

// IncrementUsage atomically advances all three window counters for a
// validated credential. It returns a RateLimitError when a window is
// already at its limit; the counters then stay capped at the limit.
func (s *Service) IncrementUsage(ctx context.Context, keyID string) error {
	cred, err := s.repo.GetByKeyID(ctx, keyID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrUnknownKey
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.clk.Now().In(s.loc)
	exhausted, err := s.repo.IncrementUsage(ctx, cred, windowsAt(now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exhausted != "" {
		return &RateLimitError{Window: exhausted, RetryAfter: retryAfter(now, exhausted)}
	}
	return nil
}

// Usage returns the current post-rollover counters for the stats endpoint.
func (s *Service) Usage(ctx context.Context, credentialID int64) (database.UsageSnapshot, error) {
	now := s.clk.Now().In(s.loc)
	snap, err := s.repo.Usage(ctx, credentialID, windowsAt(now))
	if err != nil {
		return database.UsageSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, nil
}

// Revoke deactivates a key. Idempotent and irreversible.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	err := s.repo.Revoke(ctx, keyID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrUnknownKey
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Info("api key revoked", "key_id", keyID)
	return nil
}

// checkDomain applies the blocklist first, then the allowlist when one is
// configured.
func (s *Service) checkDomain(email string) error {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ErrMalformedEmail
	}
	domain := strings.ToLower(email[at+1:])

	for _, blocked := range s.blockedDomains {
		if domain == blocked {
			return ErrDomainRejected
		}
	}
	if len(s.allowedDomains) == 0 {
		return nil
	}
	for _, allowed := range s.allowedDomains {
		if domain == allowed {
			return nil
		}
	}
	return ErrDomainRejected
}

// exceeded compares post-rollover counters against the credential's limits.
func (s *Service) exceeded(cred *models.Credential, snap database.UsageSnapshot, now time.Time) *RateLimitError {
	switch {
	case snap.HourCount >= cred.LimitPerHour:
		return &RateLimitError{Window: "hour", RetryAfter: retryAfter(now, "hour")}
	case snap.DayCount >= cred.LimitPerDay:
		return &RateLimitError{Window: "day", RetryAfter: retryAfter(now, "day")}
	case snap.MonthCount >= cred.LimitPerMonth:
		return &RateLimitError{Window: "month", RetryAfter: retryAfter(now, "month")}
	}
	return nil
}

// windowsAt renders the three window identifiers for an instant.
func windowsAt(now time.Time) database.UsageWindows {
	return database.UsageWindows{
		Hour:  now.Format("2006-01-02T15"),
		Day:   now.Format("2006-01-02"),
		Month: now.Format("2006-01"),
	}
}

// retryAfter computes whole seconds until the window boundary.
func retryAfter(now time.Time, window string) int {
	var boundary time.Time
	switch window {
	case "hour":
		y, m, d := now.Date()
		boundary = time.Date(y, m, d, now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
	case "day":
		y, m, d := now.Date()
		boundary = time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	case "month":
		y, m, _ := now.Date()
		boundary = time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	default:
		return 0
	}
	secs := int(boundary.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
