// Package keystore loads credential signing keys from a directory.
//
// Each key lives in its own file named after its kid:
//
//	<kid>.pem   RSA private key (signs and verifies) or public key (verifies only)
//	<kid>.key   raw HMAC secret, surrounding whitespace trimmed
//
// Parsed keys are cached. Watch drops cache entries as files change so that
// rotated keys are picked up without a restart.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/session"
)

var kidPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ErrInvalidKeyID is returned for kids that cannot name a key file
var ErrInvalidKeyID = errors.New("invalid key id")

// Config configures a DirProvider
type Config struct {
	Dir         string
	ActiveKeyID string
	CacheSize   int
	CacheTTL    time.Duration
}

// DirProvider implements session.KeyProvider over a key directory
type DirProvider struct {
	dir     string
	active  string
	cache   *lru.LRU[string, *session.Key]
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Option configures a DirProvider
type Option func(*DirProvider)

// WithMetrics records cache hits and misses
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *DirProvider) { p.metrics = metrics }
}

// WithLogger sets the logger used by Watch
func WithLogger(logger *observability.Logger) Option {
	return func(p *DirProvider) { p.logger = logger }
}

// NewDirProvider creates a provider and checks that the active key can sign
func NewDirProvider(cfg Config, opts ...Option) (*DirProvider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("key directory is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	p := &DirProvider{
		dir:    cfg.Dir,
		active: cfg.ActiveKeyID,
		cache:  lru.NewLRU[string, *session.Key](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.ActiveKey(); err != nil {
		return nil, err
	}
	return p, nil
}

// ActiveKey returns the key new credentials are signed with
func (p *DirProvider) ActiveKey() (*session.Key, error) {
	key, err := p.Key(p.active)
	if err != nil {
		return nil, fmt.Errorf("failed to load active key: %w", err)
	}
	if !key.CanSign() {
		return nil, fmt.Errorf("%w: %s", session.ErrKeyCannotSign, key.ID)
	}
	return key, nil
}

// Key returns the key registered under kid
func (p *DirProvider) Key(kid string) (*session.Key, error) {
	if !kidPattern.MatchString(kid) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyID, kid)
	}

	if key, ok := p.cache.Get(kid); ok {
		if p.metrics != nil {
			p.metrics.KeyCacheHitsTotal.Inc()
		}
		return key, nil
	}
	if p.metrics != nil {
		p.metrics.KeyCacheMissesTotal.Inc()
	}

	key, err := p.load(kid)
	if err != nil {
		return nil, err
	}
	p.cache.Add(kid, key)
	return key, nil
}

// Invalidate drops a cached key
func (p *DirProvider) Invalidate(kid string) {
	p.cache.Remove(kid)
}

func (p *DirProvider) load(kid string) (*session.Key, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, kid+".pem"))
	if err == nil {
		return parsePEM(kid, data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key %s: %w", kid, err)
	}

	data, err = os.ReadFile(filepath.Join(p.dir, kid+".key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", session.ErrKeyNotFound, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", kid, err)
	}
	return session.NewHMACKey(kid, bytes.TrimSpace(data))
}

func parsePEM(kid string, data []byte) (*session.Key, error) {
	if private, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return session.NewRSAKey(kid, private)
	}
	public, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("key %s is neither an RSA private nor public key: %w", kid, err)
	}
	return session.NewRSAVerifyKey(kid, public)
}

// Watch invalidates cached keys when their files change. It blocks until ctx
// is cancelled.
func (p *DirProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p.dir, err)
	}
	p.logger.Infof("Watching %s for key changes", p.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			kid, ok := kidFromPath(event.Name)
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.Invalidate(kid)
				p.logger.WithField("kid", kid).Infof("Signing key changed (%s)", event.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("Key watcher error")
		}
	}
}

func kidFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".pem" && ext != ".key" {
		return "", false
	}
	kid := strings.TrimSuffix(base, ext)
	return kid, kidPattern.MatchString(kid)
}
