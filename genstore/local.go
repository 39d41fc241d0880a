package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type localGen struct {
	gen       uint64
	updatedAt time.Time
}

// LocalGenStore keeps generations in-process.
// Optional cleanup loop prunes keys that have not been bumped within retention;
// a pruned key reads as 0, so frames written under a higher gen self-heal.
type LocalGenStore struct {
	gens *xsync.MapOf[string, localGen]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{gens: xsync.NewMapOf[string, localGen]()}
	if cleanupInterval > 0 && retention > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t := time.NewTicker(cleanupInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	e, _ := s.gens.Load(k)
	return e.gen, nil
}

func (s *LocalGenStore) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	for _, k := range ks {
		e, _ := s.gens.Load(k)
		out[k] = e.gen
	}
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	e, _ := s.gens.Compute(k, func(old localGen, _ bool) (localGen, bool) {
		old.gen++
		old.updatedAt = now
		return old, false
	})
	return e.gen, nil
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.gens.Range(func(k string, e localGen) bool {
		if e.updatedAt.Before(cutoff) {
			// re-check under the bucket lock; a concurrent Bump wins
			s.gens.Compute(k, func(old localGen, loaded bool) (localGen, bool) {
				return old, !loaded || old.updatedAt.Before(cutoff)
			})
		}
		return true
	})
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.stopOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
