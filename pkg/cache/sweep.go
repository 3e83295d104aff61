package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CleanupExpired removes every record that expired before now, together with
// its blob, and returns how many records were removed. Deletions run on a
// bounded worker pool. A second call while one is running on the same Store
// returns ErrSweepInProgress.
//
// Records whose expiry cannot be read count as expired. A record rewritten
// after the scan is left alone. A deletion failure does not stop the sweep;
// the first one is returned alongside the count.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	start := time.Now()
	defer func() {
		SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := s.backend.ScanExpired(ctx, s.now())
	if err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return 0, backendErr("scan", err)
	}
	if len(expired) == 0 {
		s.logger.Debug().Msg("Sweep found no expired entries")
		return 0, nil
	}

	workers := s.sweepConcurrency
	if workers > len(expired) {
		workers = len(expired)
	}

	queue := make(chan *Metadata, len(expired))
	for i := range expired {
		queue <- &expired[i]
	}
	close(queue)

	var (
		removed  atomic.Int64
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for md := range queue {
				if ctx.Err() != nil {
					errOnce.Do(func() { firstErr = ctx.Err() })
					return
				}
				deleted, err := s.removeExpired(ctx, md)
				if err != nil {
					CacheErrors.WithLabelValues("sweep").Inc()
					s.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Str("digest", md.Digest).
						Msg("Failed to remove expired entry")
					errOnce.Do(func() { firstErr = err })
					continue
				}
				if !deleted {
					s.logger.Debug().
						Int("worker_id", workerID).
						Str("digest", md.Digest).
						Msg("Expired entry was rewritten, skipping")
					continue
				}
				removed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	n := int(removed.Load())
	CacheSwept.Add(float64(n))
	s.logger.Info().
		Int("removed", n).
		Int("expired", len(expired)).
		Dur("duration", time.Since(start)).
		Msg("Sweep complete")

	return n, firstErr
}
