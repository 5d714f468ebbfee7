// Package dlo is the Dead Letter Office: durable retention of messages
// whose delivery attempts were exhausted. Messages are too important to
// silently drop; every failed delivery stays tracked, alertable, and
// manually recoverable until its TTL expires.
package dlo

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-gateway/internal/messages"
)

// RedisKey is the hash holding all dead letters, field = sms_id.
const RedisKey = "sms_gateway:dlo"

// ReinjectFunc puts a rebuilt message back into the pipeline.
type ReinjectFunc func(ctx context.Context, msg *messages.Message) error

type Store struct {
	rdb    *redis.Client // nil = volatile only
	ttl    time.Duration
	logger *zap.Logger

	mu  sync.Mutex
	mem map[string]messages.DeadLetter

	totalCaptured int64
	totalRetried  int64
	totalPurged   int64
	totalDegraded int64
}

// NewStore builds the DLO. rdb may be nil for a purely in-memory store.
func NewStore(rdb *redis.Client, ttlHours int, logger *zap.Logger) *Store {
	if ttlHours <= 0 {
		ttlHours = 72
	}
	return &Store{
		rdb:    rdb,
		ttl:    time.Duration(ttlHours) * time.Hour,
		logger: logger,
		mem:    make(map[string]messages.DeadLetter),
	}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Capture persists a dead letter keyed by sms_id. On a backend failure it
// falls back to the volatile map; the capture itself never fails.
func (s *Store) Capture(ctx context.Context, msg *messages.Message) error {
	dl := messages.NewDeadLetter(msg)

	if s.rdb != nil {
		raw, err := json.Marshal(dl)
		if err == nil {
			err = s.rdb.HSet(ctx, RedisKey, dl.SMSID, raw).Err()
		}
		if err == nil {
			// TTL applies to the whole hash; per-entry precision comes
			// from the scheduled PurgeExpired.
			s.rdb.Expire(ctx, RedisKey, s.ttl)
		} else {
			atomic.AddInt64(&s.totalDegraded, 1)
			s.logger.Error("dlo redis capture failed, falling back to memory",
				zap.String("sms_id", dl.SMSID),
				zap.Error(err))
			s.storeMem(dl)
		}
	} else {
		s.storeMem(dl)
	}

	atomic.AddInt64(&s.totalCaptured, 1)
	s.logger.Warn("dlo captured sms",
		zap.String("sms_id", dl.SMSID),
		zap.String("last_error", dl.LastError),
		zap.Int("retry_count", dl.RetryCount))
	return nil
}

func (s *Store) storeMem(dl messages.DeadLetter) {
	s.mu.Lock()
	s.mem[dl.SMSID] = dl
	s.mu.Unlock()
}

// ListAll returns every dead letter with the body redacted.
func (s *Store) ListAll(ctx context.Context) []messages.DeadLetter {
	out := make([]messages.DeadLetter, 0)
	seen := make(map[string]bool)

	if s.rdb != nil {
		raw, err := s.rdb.HGetAll(ctx, RedisKey).Result()
		if err != nil {
			s.logger.Error("dlo redis list failed", zap.Error(err))
		} else {
			for _, v := range raw {
				var dl messages.DeadLetter
				if err := json.Unmarshal([]byte(v), &dl); err != nil {
					continue
				}
				out = append(out, dl.Redacted())
				seen[dl.SMSID] = true
			}
		}
	}

	s.mu.Lock()
	for id, dl := range s.mem {
		if !seen[id] {
			out = append(out, dl.Redacted())
		}
	}
	s.mu.Unlock()
	return out
}

// Get returns one dead letter with the body retained, for internal retry
// use only.
func (s *Store) Get(ctx context.Context, smsID string) (messages.DeadLetter, bool) {
	if s.rdb != nil {
		raw, err := s.rdb.HGet(ctx, RedisKey, smsID).Result()
		if err == nil {
			var dl messages.DeadLetter
			if err := json.Unmarshal([]byte(raw), &dl); err == nil {
				return dl, true
			}
		} else if err != redis.Nil {
			s.logger.Error("dlo redis get failed", zap.String("sms_id", smsID), zap.Error(err))
		}
	}

	s.mu.Lock()
	dl, ok := s.mem[smsID]
	s.mu.Unlock()
	return dl, ok
}

// Retry re-injects one dead letter into the pipeline with a reset retry
// budget. The entry is removed only after the re-injection succeeded.
func (s *Store) Retry(ctx context.Context, smsID string, maxRetries int, reinject ReinjectFunc) bool {
	dl, ok := s.Get(ctx, smsID)
	if !ok {
		s.logger.Warn("dlo retry: sms not found", zap.String("sms_id", smsID))
		return false
	}

	dl.ManualRetryCount++
	if err := reinject(ctx, dl.Reinject(maxRetries)); err != nil {
		s.logger.Error("dlo retry failed", zap.String("sms_id", smsID), zap.Error(err))
		return false
	}

	s.Remove(ctx, smsID)
	atomic.AddInt64(&s.totalRetried, 1)
	s.logger.Info("dlo re-enqueued sms",
		zap.String("sms_id", smsID),
		zap.Int("manual_retry", dl.ManualRetryCount))
	return true
}

func (s *Store) Remove(ctx context.Context, smsID string) bool {
	removed := false
	if s.rdb != nil {
		n, err := s.rdb.HDel(ctx, RedisKey, smsID).Result()
		if err == nil && n > 0 {
			removed = true
		}
	}

	s.mu.Lock()
	if _, ok := s.mem[smsID]; ok {
		delete(s.mem, smsID)
		removed = true
	}
	s.mu.Unlock()
	return removed
}

// PurgeExpired removes dead letters older than the TTL and returns the
// purge count. Callers schedule this periodically.
func (s *Store) PurgeExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-s.ttl).Unix()
	purged := 0

	if s.rdb != nil {
		raw, err := s.rdb.HGetAll(ctx, RedisKey).Result()
		if err != nil {
			s.logger.Error("dlo redis purge failed", zap.Error(err))
		} else {
			for id, v := range raw {
				var dl messages.DeadLetter
				if err := json.Unmarshal([]byte(v), &dl); err != nil {
					continue
				}
				if dl.DeadLetteredAt < cutoff {
					if s.rdb.HDel(ctx, RedisKey, id).Err() == nil {
						purged++
					}
				}
			}
		}
	}

	s.mu.Lock()
	for id, dl := range s.mem {
		if dl.DeadLetteredAt < cutoff {
			delete(s.mem, id)
			purged++
		}
	}
	s.mu.Unlock()

	atomic.AddInt64(&s.totalPurged, int64(purged))
	if purged > 0 {
		s.logger.Info("dlo purged expired dead letters", zap.Int("count", purged))
	}
	return purged
}

// PurgeAll clears every dead letter and returns the count.
func (s *Store) PurgeAll(ctx context.Context) int {
	count := 0
	if s.rdb != nil {
		if n, err := s.rdb.HLen(ctx, RedisKey).Result(); err == nil {
			count += int(n)
		}
		if err := s.rdb.Del(ctx, RedisKey).Err(); err != nil {
			s.logger.Error("dlo redis purge-all failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	count += len(s.mem)
	s.mem = make(map[string]messages.DeadLetter)
	s.mu.Unlock()

	atomic.AddInt64(&s.totalPurged, int64(count))
	return count
}

func (s *Store) Count(ctx context.Context) int {
	count := 0
	if s.rdb != nil {
		if n, err := s.rdb.HLen(ctx, RedisKey).Result(); err == nil {
			count += int(n)
		}
	}
	s.mu.Lock()
	count += len(s.mem)
	s.mu.Unlock()
	return count
}

type Metrics struct {
	TotalCaptured int64 `json:"total_captured"`
	TotalRetried  int64 `json:"total_retried"`
	TotalPurged   int64 `json:"total_purged"`
	TotalDegraded int64 `json:"total_degraded"`
	CurrentCount  int   `json:"current_count"`
}

func (s *Store) Metrics(ctx context.Context) Metrics {
	return Metrics{
		TotalCaptured: atomic.LoadInt64(&s.totalCaptured),
		TotalRetried:  atomic.LoadInt64(&s.totalRetried),
		TotalPurged:   atomic.LoadInt64(&s.totalPurged),
		TotalDegraded: atomic.LoadInt64(&s.totalDegraded),
		CurrentCount:  s.Count(ctx),
	}
}
