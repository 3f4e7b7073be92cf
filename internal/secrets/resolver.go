package secrets

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/marketdata/pkg/secrets"
)

// DBCredentials is the subset of an RDS-style secret needed to reach Postgres.
type DBCredentials struct {
	Username string
	Password string
	Host     string
	Port     string
	DBName   string
	SSLMode  string
}

// ParseDBCredentials extracts DBCredentials from a raw secret map.
func ParseDBCredentials(m map[string]string) (DBCredentials, error) {
	c := DBCredentials{
		Username: m["username"],
		Password: m["password"],
		Host:     m["host"],
		Port:     m["port"],
		DBName:   m["dbname"],
		SSLMode:  m["sslmode"],
	}
	if c.Username == "" || c.Host == "" {
		return DBCredentials{}, fmt.Errorf("secret is missing username or host")
	}
	if c.Port == "" {
		c.Port = "5432"
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	return c, nil
}

// URL renders the credentials as a postgres connection URL.
func (c DBCredentials) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// DBResolver resolves database credentials from a secrets provider, caching
// the result so pool re-creation does not hit the provider every time.
type DBResolver struct {
	logger   *zap.Logger
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[DBCredentials]
}

// NewDBResolver constructs a resolver over provider with the given cache.
func NewDBResolver(logger *zap.Logger, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[DBCredentials]) *DBResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBResolver{logger: logger, provider: provider, cache: cache}
}

// ResolveURL returns a postgres URL for the credentials stored under secretID.
func (r *DBResolver) ResolveURL(ctx context.Context, secretID string) (string, error) {
	key := strings.ToLower(secretID)
	if creds, ok := r.cache.Get(key); ok {
		metrics.IncCacheHit("hit")
		return creds.URL(), nil
	}
	metrics.IncCacheHit("miss")

	raw, err := r.provider.GetSecret(ctx, secretID)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed",
			zap.String("key", secretID),
			zap.Error(err))
		return "", fmt.Errorf("resolve db credentials %q: %w", secretID, err)
	}

	creds, err := ParseDBCredentials(raw)
	if err != nil {
		return "", fmt.Errorf("parse secret %q: %w", secretID, err)
	}
	r.cache.Put(key, creds)

	r.logger.Info("aws.db_credentials_resolved",
		zap.String("key", secretID),
		zap.String("host", creds.Host),
		zap.String("db", creds.DBName))
	return creds.URL(), nil
}
