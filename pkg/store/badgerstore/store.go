// Package badgerstore implements the storage contract on embedded BadgerDB.
// It is the default backend: zero external services, atomic multi-key
// transactions, and an in-memory mode that keeps the test suite hermetic.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// Key layout. Current rows and history versions live under separate
// prefixes; the name index maps normalized surface forms to entity ids so
// exact-match resolution is a prefix scan, not a table scan.
//
//	ent/<id>                  current entity row (JSON)
//	enth/<id>/<seq:8 BE>      entity version (JSON), seq ascending
//	entn/<norm>/<id>          name index entry (empty value)
//	rel/<id>                  current relationship row (JSON)
//	relh/<id>/<seq:8 BE>      relationship version (JSON)
const (
	prefixEntity     = "ent/"
	prefixEntityHist = "enth/"
	prefixNameIndex  = "entn/"
	prefixRel        = "rel/"
	prefixRelHist    = "relh/"
)

// Options configures the badger backend.
type Options struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	Logger   *slog.Logger
}

// Store is a badger-backed store.Store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func backendErr(op, collection string, err error) error {
	return &types.BackendError{
		Op:         op,
		Collection: collection,
		Err:        err,
		Retryable:  errors.Is(err, badger.ErrConflict),
	}
}

func entityKey(id string) []byte { return []byte(prefixEntity + id) }
func relKey(id string) []byte    { return []byte(prefixRel + id) }

func histKey(prefix, id string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(id)+9)
	key = append(key, prefix...)
	key = append(key, id...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func nameIndexKey(norm, id string) []byte {
	return []byte(prefixNameIndex + norm + "/" + id)
}

// indexNames returns the normalized surface forms an entity is findable by.
func indexNames(e *types.Entity) []string {
	seen := map[string]struct{}{}
	names := make([]string, 0, 1+len(e.Aliases))
	for _, raw := range append([]string{e.Name}, e.Aliases...) {
		n := types.NormalizeName(raw)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	return names
}

// nextSeq finds the next history sequence number for id within txn.
func nextSeq(txn *badger.Txn, prefix, id string) uint64 {
	scan := []byte(prefix + id + "/")
	it := txn.NewIterator(badger.IteratorOptions{
		Prefix:  scan,
		Reverse: true,
	})
	defer it.Close()

	// Reverse iteration needs a seek key past the prefix range.
	seek := append(append([]byte{}, scan...), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(scan) {
		return 0
	}
	key := it.Item().Key()
	return binary.BigEndian.Uint64(key[len(key)-8:]) + 1
}

// PutEntity replaces the current row, refreshes the name index and appends a
// history version, all in one transaction.
func (s *Store) PutEntity(ctx context.Context, e *types.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := e.Clone()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Drop stale index entries from the previous version.
		if prev, err := getJSON[types.Entity](txn, entityKey(e.ID)); err == nil {
			for _, n := range indexNames(prev) {
				if err := txn.Delete(nameIndexKey(n, e.ID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(entityKey(e.ID), raw); err != nil {
			return err
		}
		for _, n := range indexNames(snapshot) {
			if err := txn.Set(nameIndexKey(n, e.ID), nil); err != nil {
				return err
			}
		}
		seq := nextSeq(txn, prefixEntityHist, e.ID)
		return txn.Set(histKey(prefixEntityHist, e.ID, seq), raw)
	})
	if err != nil {
		return backendErr("put", "entities", err)
	}
	return nil
}

func getJSON[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *types.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := getJSON[types.Entity](txn, entityKey(id))
		if err != nil {
			return err
		}
		e = got
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &types.NotFoundError{Collection: "entities", ID: id}
	}
	if err != nil {
		return nil, backendErr("get", "entities", err)
	}
	return e, nil
}

func matchEntity(e *types.Entity, f store.EntityFilter) bool {
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	if f.At != nil && !types.ValidAtTime(e, *f.At) {
		return false
	}
	return true
}

// FindEntities uses the name index when a normalized name is given, and
// falls back to a table scan otherwise.
func (s *Store) FindEntities(ctx context.Context, f store.EntityFilter, limit int) ([]*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*types.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		if f.NormalizedName != "" {
			prefix := []byte(prefixNameIndex + f.NormalizedName + "/")
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				id := string(it.Item().Key()[len(prefix):])
				e, err := getJSON[types.Entity](txn, entityKey(id))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue // index entry outlived its row
				}
				if err != nil {
					return err
				}
				if matchEntity(e, f) {
					out = append(out, e)
					if limit > 0 && len(out) >= limit {
						return nil
					}
				}
			}
			return nil
		}

		prefix := []byte(prefixEntity)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e types.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if matchEntity(&e, f) {
				cp := e
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("find", "entities", err)
	}
	return out, nil
}

func (s *Store) EntityHistory(ctx context.Context, id string) ([]*types.Entity, error) {
	versions, err := history[types.Entity](ctx, s.db, prefixEntityHist, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &types.NotFoundError{Collection: "entities", ID: id}
	}
	return versions, nil
}

func history[T any](ctx context.Context, db *badger.DB, prefix, id string) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*T
	err := db.View(func(txn *badger.Txn) error {
		scan := []byte(prefix + id + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scan, PrefetchValues: true})
		defer it.Close()
		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, &v)
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("history", prefix, err)
	}
	return out, nil
}

func (s *Store) PutRelationship(ctx context.Context, r *types.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(r.Clone())
	if err != nil {
		return fmt.Errorf("failed to encode relationship %s: %w", r.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(relKey(r.ID), raw); err != nil {
			return err
		}
		seq := nextSeq(txn, prefixRelHist, r.ID)
		return txn.Set(histKey(prefixRelHist, r.ID, seq), raw)
	})
	if err != nil {
		return backendErr("put", "relationships", err)
	}
	return nil
}

func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *types.Relationship
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := getJSON[types.Relationship](txn, relKey(id))
		if err != nil {
			return err
		}
		r = got
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &types.NotFoundError{Collection: "relationships", ID: id}
	}
	if err != nil {
		return nil, backendErr("get", "relationships", err)
	}
	return r, nil
}

func matchRelationship(r *types.Relationship, f store.RelationshipFilter) bool {
	if f.FromID != "" && r.FromID != f.FromID {
		return false
	}
	if f.ToID != "" && r.ToID != f.ToID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.GroupID != "" && r.GroupID != f.GroupID {
		return false
	}
	if f.CurrentOnly && !types.IsCurrent(r) {
		return false
	}
	if f.At != nil && !types.ValidAtTime(r, *f.At) {
		return false
	}
	return true
}

// FindRelationships scans the relationship table and filters in place.
// Edge corpora here stay small enough that an endpoint index has not paid
// for itself; revisit if profiles say otherwise.
func (s *Store) FindRelationships(ctx context.Context, f store.RelationshipFilter, limit int) ([]*types.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*types.Relationship
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixRel)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r types.Relationship
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if matchRelationship(&r, f) {
				cp := r
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("find", "relationships", err)
	}
	return out, nil
}

func (s *Store) RelationshipHistory(ctx context.Context, id string) ([]*types.Relationship, error) {
	versions, err := history[types.Relationship](ctx, s.db, prefixRelHist, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &types.NotFoundError{Collection: "relationships", ID: id}
	}
	return versions, nil
}

// SimilarEntities is a brute-force cosine scan over current entities. Fine
// for an embedded backend with bounded corpora; the neo4j backend uses a
// real vector index.
func (s *Store) SimilarEntities(ctx context.Context, embedding []float32, k int) ([]store.ScoredEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	var hits []store.ScoredEntity
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEntity)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e types.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if len(e.Embedding) != len(embedding) {
				continue
			}
			cp := e
			hits = append(hits, store.ScoredEntity{
				Entity: &cp,
				Score:  cosine(embedding, e.Embedding),
			})
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("similarity", "entities", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
