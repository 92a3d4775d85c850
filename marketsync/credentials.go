package marketsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
)

// CredentialResolver supplies tokens and storefront scope. It is an external
// collaborator from the sync core's perspective; the default implementation
// below reads storefront rows from the database and caches tokens in redis.
type CredentialResolver interface {
	ValidAccessToken(ctx context.Context, storefrontID uint) (string, error)
	RefreshToken(ctx context.Context, st models.Storefront) error
	ActiveStorefronts(ctx context.Context, accountID string) ([]models.Storefront, error)
	StorefrontByAccountAndID(ctx context.Context, accountID string, storefrontID uint) (*models.Storefront, error)
}

type dbCredentialResolver struct {
	db   *gorm.DB
	auth *resty.Client
	ttl  time.Duration
}

// NewCredentialResolver builds the gorm/redis-backed resolver. The token
// endpoint comes from MARKETPLACE_AUTH_URL; tokens are cached per storefront
// with a TTL shorter than the marketplace's expiry.
func NewCredentialResolver(db *gorm.DB) CredentialResolver {
	authURL := strings.TrimSpace(os.Getenv("MARKETPLACE_AUTH_URL"))
	if authURL == "" {
		authURL = "https://auth.marketplace.example.com"
	}
	ttl := config.DurationFromEnv("MARKETPLACE_TOKEN_TTL", 45*time.Minute)

	return &dbCredentialResolver{
		db:   db,
		auth: resty.New().SetBaseURL(strings.TrimRight(authURL, "/")).SetTimeout(15 * time.Second),
		ttl:  ttl,
	}
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func tokenCacheKey(storefrontID uint) string {
	return fmt.Sprintf("marketsync:token:%d", storefrontID)
}

func (r *dbCredentialResolver) ValidAccessToken(ctx context.Context, storefrontID uint) (string, error) {
	var cached cachedToken
	if hit, err := config.GetRedisObject(tokenCacheKey(storefrontID), &cached); err == nil && hit && cached.AccessToken != "" {
		return cached.AccessToken, nil
	}

	var st models.Storefront
	if err := r.db.WithContext(ctx).Where("id = ?", storefrontID).Take(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoCredentials
		}
		return "", err
	}
	return r.fetchToken(ctx, st)
}

func (r *dbCredentialResolver) RefreshToken(ctx context.Context, st models.Storefront) error {
	_ = config.RemoveRedisKey(tokenCacheKey(st.ID))
	_, err := r.fetchToken(ctx, st)
	return err
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (r *dbCredentialResolver) fetchToken(ctx context.Context, st models.Storefront) (string, error) {
	if strings.TrimSpace(st.AuthSecretRef) == "" {
		return "", ErrNoCredentials
	}

	var parsed tokenResponse
	resp, err := r.auth.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "refresh_token",
			"secret_ref": st.AuthSecretRef,
			"seller_id":  st.SellerId,
			"region":     st.Region,
		}).
		SetResult(&parsed).
		Post("/token")
	if err != nil {
		return "", err
	}
	if apiErr := apiErrorFromResponse(resp); apiErr != nil {
		return "", apiErr
	}
	if parsed.AccessToken == "" {
		return "", ErrNoCredentials
	}

	ttl := r.ttl
	if parsed.ExpiresIn > 0 {
		// Cache a bit under the marketplace expiry so we never hand out a
		// token about to die mid-fetch.
		expiry := time.Duration(parsed.ExpiresIn) * time.Second
		if expiry < ttl {
			ttl = expiry * 9 / 10
		}
	}
	_ = config.SetRedisObject(tokenCacheKey(st.ID), cachedToken{
		AccessToken: parsed.AccessToken,
		FetchedAt:   time.Now(),
	}, ttl)

	return parsed.AccessToken, nil
}

func (r *dbCredentialResolver) ActiveStorefronts(ctx context.Context, accountID string) ([]models.Storefront, error) {
	var stores []models.Storefront
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id").
		Find(&stores).Error
	return stores, err
}

func (r *dbCredentialResolver) StorefrontByAccountAndID(ctx context.Context, accountID string, storefrontID uint) (*models.Storefront, error) {
	var st models.Storefront
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, storefrontID).
		Take(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}
