package installs

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound        = errors.New("installs: installation not found")
	ErrInvalidArgument = errors.New("installs: invalid argument")
)

// Repository is the persistence contract for installation metadata.
type Repository interface {
	FindByInstallationID(ctx context.Context, installationID string) (Installation, error)
	Insert(ctx context.Context, inst Installation) error
	Update(ctx context.Context, inst Installation) error
}

// Options configures the installation service.
type Options struct {
	// WebhookBaseURL is the externally reachable prefix for the voice
	// webhooks, e.g. "https://crm.example.com/webhooks/voice".
	WebhookBaseURL string

	// TokenMaxAge bounds webhook token validity; zero applies the default.
	TokenMaxAge time.Duration

	// Cache is an optional redis client fronting secret lookups. Cache
	// failures are logged and fall through to the repository.
	Cache    *redis.Client
	CacheTTL time.Duration

	Logger *slog.Logger
}

// Service owns installation lifecycle (get-or-create, secret rotation) and
// the signed webhook URL / token operations built on top of it.
type Service struct {
	repo  Repository
	opts  Options
	clock func() time.Time

	mu      sync.Mutex
	defById map[string]Installation // process-local cache of resolved rows
}

func NewService(repo Repository, opts Options) (*Service, error) {
	if repo == nil {
		return nil, errors.New("installs: repository is required")
	}
	if opts.WebhookBaseURL == "" {
		return nil, errors.New("installs: webhook base URL is required")
	}
	if opts.TokenMaxAge <= 0 {
		opts.TokenMaxAge = defaultTokenMaxAge
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		opts:    opts,
		clock:   time.Now,
		defById: make(map[string]Installation),
	}, nil
}

// SetClock overrides the service clock for deterministic tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// GetOrCreateDefault returns the default installation, creating it with a
// freshly generated secret on first run. A row still carrying the installer
// placeholder secret is rotated before being returned: signing anything with
// a publicly known secret would defeat webhook authentication entirely.
func (s *Service) GetOrCreateDefault(ctx context.Context) (Installation, error) {
	s.mu.Lock()
	if inst, ok := s.defById[DefaultInstallationID]; ok {
		s.mu.Unlock()
		return inst, nil
	}
	s.mu.Unlock()

	inst, err := s.repo.FindByInstallationID(ctx, DefaultInstallationID)
	switch {
	case err == nil:
		if inst.SharedSecret == placeholderSecret {
			secret, genErr := generateSecret()
			if genErr != nil {
				return Installation{}, genErr
			}
			inst.SharedSecret = secret
			inst.UpdatedAt = s.clock().UTC()
			if err := s.repo.Update(ctx, inst); err != nil {
				return Installation{}, fmt.Errorf("installs: secret rotation failed: %w", err)
			}
			s.opts.Logger.Warn("installation secret rotated",
				"installation_id", inst.InstallationID, "reason", "placeholder_secret")
			s.invalidateCache(ctx, inst.InstallationID)
		}
	case errors.Is(err, ErrNotFound):
		secret, genErr := generateSecret()
		if genErr != nil {
			return Installation{}, genErr
		}
		now := s.clock().UTC()
		inst = Installation{
			InstallationID: DefaultInstallationID,
			Name:           "CRM Installation",
			SharedSecret:   secret,
			WebhookBaseURL: s.opts.WebhookBaseURL,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Insert(ctx, inst); err != nil {
			return Installation{}, err
		}
		s.opts.Logger.Info("installation created", "installation_id", inst.InstallationID)
	default:
		return Installation{}, err
	}

	s.mu.Lock()
	s.defById[DefaultInstallationID] = inst
	s.mu.Unlock()
	return inst, nil
}

// LookupSecret resolves the shared secret for an installation, consulting the
// redis cache first when configured.
func (s *Service) LookupSecret(ctx context.Context, installationID string) (string, error) {
	if installationID == "" {
		return "", ErrInvalidArgument
	}

	if s.opts.Cache != nil {
		if v, err := s.opts.Cache.Get(ctx, secretCacheKey(installationID)).Result(); err == nil && v != "" {
			return v, nil
		} else if err != nil && !errors.Is(err, redis.Nil) {
			s.opts.Logger.Warn("installation secret cache read failed", "err", err)
		}
	}

	inst, err := s.repo.FindByInstallationID(ctx, installationID)
	if err != nil {
		return "", err
	}
	if !inst.Active {
		return "", ErrNotFound
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.Set(ctx, secretCacheKey(installationID), inst.SharedSecret, s.opts.CacheTTL).Err(); err != nil {
			s.opts.Logger.Warn("installation secret cache write failed", "err", err)
		}
	}
	return inst.SharedSecret, nil
}

// Verify authenticates a webhook token for an installation.
func (s *Service) Verify(ctx context.Context, installationID, token string) error {
	if installationID == "" || token == "" {
		return ErrTokenMalformed
	}
	secret, err := s.LookupSecret(ctx, installationID)
	if err != nil {
		return err
	}
	return VerifyToken(token, installationID, secret, s.clock().UTC(), s.opts.TokenMaxAge)
}

// EventURL builds the signed event webhook URL for a conversation.
func (s *Service) EventURL(ctx context.Context, conversationID string) (string, error) {
	return s.signedURL(ctx, "/events", conversationID, nil)
}

// AnswerURL builds the signed answer webhook URL for one leg of a
// conversation. role selects which NCCO the answer endpoint will serve.
func (s *Service) AnswerURL(ctx context.Context, conversationID, role string) (string, error) {
	if role == "" {
		return "", ErrInvalidArgument
	}
	return s.signedURL(ctx, "/answer/"+role, conversationID, nil)
}

func (s *Service) signedURL(ctx context.Context, path, conversationID string, extra url.Values) (string, error) {
	if conversationID == "" {
		return "", ErrInvalidArgument
	}
	inst, err := s.GetOrCreateDefault(ctx)
	if err != nil {
		return "", err
	}

	base := inst.WebhookBaseURL
	if base == "" {
		base = s.opts.WebhookBaseURL
	}

	token := SignToken(inst.InstallationID, conversationID, inst.SharedSecret, s.clock().UTC())

	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	q.Set("installation_id", inst.InstallationID)
	q.Set("conversation_uuid", conversationID)
	q.Set("token", token)
	return base + path + "?" + q.Encode(), nil
}

func (s *Service) invalidateCache(ctx context.Context, installationID string) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Del(ctx, secretCacheKey(installationID)).Err(); err != nil {
		s.opts.Logger.Warn("installation secret cache invalidation failed", "err", err)
	}
}

func secretCacheKey(installationID string) string {
	return "installs:secret:" + installationID
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("installs: secret generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
