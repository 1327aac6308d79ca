package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/p2p-autotrader/pkg/secrets"
)

// AWSResolver resolves per-account marketplace credentials from a secrets
// provider, caching results locally to reduce API calls. It is generic over
// the parsed credential type T.
//
// Secret naming convention: {env}/{account}/{venue}
type AWSResolver[T any] struct {
	logger   *zap.Logger
	env      string
	venue    string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
	parse    func(map[string]string) (T, error)
}

// NewAWSResolver constructs a resolver. parse extracts T from the raw secret
// map and should validate required fields.
func NewAWSResolver[T any](
	logger *zap.Logger,
	env string,
	venue string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
	parse func(map[string]string) (T, error),
) *AWSResolver[T] {
	return &AWSResolver[T]{
		logger:   logger,
		env:      env,
		venue:    venue,
		provider: provider,
		cache:    cache,
		parse:    parse,
	}
}

func (r *AWSResolver[T]) cacheKey(account string) string {
	return strings.ToLower(fmt.Sprintf("%s|%s", account, r.venue))
}

// SecretName builds the secret key for an account: {env}/{account}/{venue}.
func (r *AWSResolver[T]) SecretName(account string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, account, r.venue))
}

// Resolve fetches or returns the cached credentials for account.
func (r *AWSResolver[T]) Resolve(ctx context.Context, account string) (T, error) {
	key := r.cacheKey(account)

	if cfg, ok := r.cache.Get(key); ok {
		metrics.IncCacheHit("hit")
		return cfg, nil
	}
	metrics.IncCacheHit("miss")

	secretName := r.SecretName(account)
	secretMap, err := r.provider.GetSecret(ctx, secretName)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", secretName),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve credentials for %q: %w", account, err)
	}

	cfg, err := r.parse(secretMap)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", secretName, err)
	}

	r.cache.Put(key, cfg)

	r.logger.Info("secrets.account_resolved",
		zap.String("account", account),
		zap.String("venue", r.venue),
	)
	return cfg, nil
}

// Invalidate drops the cached credentials, e.g. after the venue rejects a signature.
func (r *AWSResolver[T]) Invalidate(account string) {
	r.cache.Bust(r.cacheKey(account))
}

// DiscoverAccounts lists the accounts that have a secret for this env and venue.
func (r *AWSResolver[T]) DiscoverAccounts(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(r.env + "/")
	suffix := "/" + strings.ToLower(r.venue)

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover accounts: %w", err)
	}

	var accounts []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(lower, prefix), suffix)
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			accounts = append(accounts, trimmed)
		}
	}

	r.logger.Info("secrets.accounts_discovered",
		zap.Int("count", len(accounts)),
		zap.Strings("accounts", accounts),
	)
	return accounts, nil
}
