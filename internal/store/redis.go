package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanbase/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis cache of the
// abbreviation to instrument id mapping. The mapping never changes once an
// instrument exists, so it needs no invalidation.
//
// Instruments themselves, with their ratings, are always read from the
// primary snapshot, as are lots, users and the transaction log.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) View(ctx context.Context, fn func(r Reader) error) error {
	return s.primary.View(ctx, func(r Reader) error {
		return fn(&cachedReader{Reader: r, cache: s})
	})
}

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.Update(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, cache: s})
	})
}

type cachedReader struct {
	Reader
	cache *CachedStore
}

func (r *cachedReader) GetInstrumentByAbbr(ctx context.Context, abbr string) (*model.Instrument, error) {
	return r.cache.instrumentByAbbr(ctx, r.Reader, abbr)
}

type cachedTx struct {
	Tx
	cache *CachedStore
}

func (t *cachedTx) GetInstrumentByAbbr(ctx context.Context, abbr string) (*model.Instrument, error) {
	return t.cache.instrumentByAbbr(ctx, t.Tx, abbr)
}

// instrumentByAbbr resolves the abbreviation through the cached mapping and
// always reads the instrument itself from r. Redis errors fall back to the
// primary lookup.
func (s *CachedStore) instrumentByAbbr(ctx context.Context, r Reader, abbr string) (*model.Instrument, error) {
	id, err := s.rdb.Get(ctx, abbrKey(abbr)).Result()
	if err == nil {
		inst, err := r.GetInstrument(ctx, id)
		if !errors.Is(err, ErrUnknownInstrument) {
			return inst, err
		}
		// Mapping from a store that no longer has the instrument.
	}

	inst, err := r.GetInstrumentByAbbr(ctx, abbr)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, abbrKey(abbr), inst.ID, s.ttl)
	return inst, nil
}

func abbrKey(abbr string) string { return fmt.Sprintf("instrument:abbr:%s", abbr) }
