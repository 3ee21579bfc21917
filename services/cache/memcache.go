package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// maxKeyLength is the memcached protocol limit
const maxKeyLength = 250

// maxRelativeExpiry is the largest TTL memcached reads as relative; longer
// values must be sent as a unix timestamp
const maxRelativeExpiry = 30 * 24 * time.Hour

// MemcacheService implements CacheService using memcache
type MemcacheService struct {
	client *memcache.Client
	prefix string
	log    *logger.Logger
}

var _ CacheService = (*MemcacheService)(nil)

// NewMemcacheService creates a new memcache service; keys are namespaced by prefix
func NewMemcacheService(serverAddr, prefix string) *MemcacheService {
	client := memcache.New(serverAddr)
	client.Timeout = 500 * time.Millisecond
	return &MemcacheService{client: client, prefix: prefix, log: logger.ForCache()}
}

// Ping checks that the server answers
func (m *MemcacheService) Ping() error {
	if err := m.client.Ping(); err != nil {
		return apperrors.NewCache("memcache", "ping", err)
	}
	return nil
}

// key makes arbitrary strings such as URLs safe for the text protocol
func (m *MemcacheService) key(key string) string {
	k := m.prefix + key
	if len(k) > maxKeyLength || strings.ContainsAny(k, " \t\r\n") {
		sum := sha1.Sum([]byte(key))
		return m.prefix + hex.EncodeToString(sum[:])
	}
	return k
}

// Get retrieves a value from memcache
func (m *MemcacheService) Get(key string) ([]byte, error) {
	item, err := m.client.Get(m.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, apperrors.NewCache("memcache", "get", err)
	}
	return item.Value, nil
}

// Set stores a value in memcache with an expiration time
func (m *MemcacheService) Set(key string, value []byte, expiration time.Duration) error {
	err := m.client.Set(&memcache.Item{
		Key:        m.key(key),
		Value:      value,
		Expiration: expiry(expiration, time.Now()),
	})
	if err != nil {
		m.log.Debug().Err(err).Str("key", key).Msg("Cache set failed")
		return apperrors.NewCache("memcache", "set", err)
	}
	return nil
}

// Delete removes a value from memcache
func (m *MemcacheService) Delete(key string) error {
	err := m.client.Delete(m.key(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return apperrors.NewCache("memcache", "delete", err)
	}
	return nil
}

func expiry(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiry {
		return int32(now.Add(ttl).Unix())
	}
	return int32(ttl.Seconds())
}
