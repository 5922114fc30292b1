package lock

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Service is the distributed lock service. All cross-process mutual
// exclusion in the engine (instance advancement, job claims, cron ticks)
// goes through it; there is no in-memory locking across I/O.
type Service struct {
	store           storage.Store
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopCh          chan struct{}
}

// Config holds lock service configuration
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// NewService creates a lock service backed by the given store.
func NewService(store storage.Store, cfg Config) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.DefaultTTL
	}
	return &Service{
		store:           store,
		defaultTTL:      cfg.DefaultTTL,
		cleanupInterval: cfg.CleanupInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the expiry janitor loop
func (s *Service) Start() {
	go s.run()
}

// Stop stops the janitor
func (s *Service) Stop() {
	close(s.stopCh)
}

func (s *Service) run() {
	logger := log.WithComponent("lock-service")
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.store.CleanupExpiredLocks()
			if err != nil {
				logger.Error().Err(err).Msg("expired lock cleanup failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("count", n).Msg("cleaned up expired locks")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Acquire attempts to take the lock. Returns false without error when the
// lock is held by a live owner; errors only on storage failure. Expired
// locks are cleaned opportunistically before the attempt.
func (s *Service) Acquire(key, owner string, ttl time.Duration, lockType types.LockType, lockData []byte) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("lock key and owner are required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if _, err := s.store.CleanupExpiredLocks(); err != nil {
		log.WithComponent("lock-service").Warn().Err(err).Msg("opportunistic lock cleanup failed")
	}

	acquired, err := s.store.AcquireLock(key, owner, ttl, lockType, lockData)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if acquired {
		metrics.LockAcquisitionsTotal.WithLabelValues(string(lockType), "acquired").Inc()
	} else {
		metrics.LockAcquisitionsTotal.WithLabelValues(string(lockType), "contended").Inc()
	}
	return acquired, nil
}

// Release drops the lock. An empty owner force-releases.
func (s *Service) Release(key, owner string) (bool, error) {
	released, err := s.store.ReleaseLock(key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return released, nil
}

// Renew extends a held lock's TTL from now.
func (s *Service) Renew(key, owner string, ttl time.Duration, lockData []byte) (bool, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	renewed, err := s.store.RenewLock(key, owner, time.Now().UTC().Add(ttl), lockData)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", key, err)
	}
	return renewed, nil
}

// CleanupExpired removes all expired locks and returns how many.
func (s *Service) CleanupExpired() (int, error) {
	return s.store.CleanupExpiredLocks()
}

// FindByOwner lists the locks an owner currently holds.
func (s *Service) FindByOwner(owner string) ([]*types.Lock, error) {
	return s.store.FindLocksByOwner(owner)
}

// FindByLockType lists locks of one type.
func (s *Service) FindByLockType(lockType types.LockType) ([]*types.Lock, error) {
	return s.store.FindLocksByType(lockType)
}

// Statistics returns lock table counters for diagnostics.
func (s *Service) Statistics() (*storage.LockStats, error) {
	return s.store.LockStatistics()
}

// KeepAlive renews the lock every interval until stop is closed or a
// renewal is lost. Callers hold long-running locks (instance advancement)
// through this.
func (s *Service) KeepAlive(key, owner string, ttl time.Duration, stop <-chan struct{}) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	interval := ttl / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("lock-service")
	for {
		select {
		case <-ticker.C:
			renewed, err := s.Renew(key, owner, ttl, nil)
			if err != nil {
				logger.Error().Err(err).Str("key", key).Msg("lock renewal error")
				continue
			}
			if !renewed {
				logger.Warn().Str("key", key).Str("owner", owner).Msg("lock renewal lost")
				return
			}
		case <-stop:
			return
		}
	}
}
