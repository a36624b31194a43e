// Package store persists sequence definitions and execution history in
// BoltDB. BoltDB is chosen for easy deployment (pure Go, no C dependencies).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store provides persistent storage for definitions, execution records and
// schedule configs, with an in-memory hot cache for definitions.
type Store struct {
	db             *bbolt.DB
	mu             sync.RWMutex
	defCache       map[string]Definition
	executionCache map[string]*ExecutionRecord
	maxCacheSize   int

	// Metrics
	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Bucket names for different data types
var (
	bucketDefinitions = []byte("definitions")
	bucketExecutions  = []byte("executions")
	bucketVersions    = []byte("versions")
	bucketSchedules   = []byte("schedules")
	bucketIndexes     = []byte("indexes")
)

// Open creates or opens a store rooted at dir.
func Open(dir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false, // fsync for durability
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(filepath.Join(dir, "sequencer.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketDefinitions, bucketExecutions, bucketVersions, bucketSchedules, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("sequencer_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("sequencer_db_write_ms")
	cacheHits, _ := meter.Int64Counter("sequencer_db_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("sequencer_db_cache_misses_total")

	s := &Store{
		db:             db,
		defCache:       make(map[string]Definition),
		executionCache: make(map[string]*ExecutionRecord),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}

	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutDefinition stores a definition, archiving any previous version.
func (s *Store) PutDefinition(ctx context.Context, def Definition) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_definition")))
	}()

	if def.Name == "" {
		return fmt.Errorf("definition name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDefinitions)

		existing := bucket.Get([]byte(def.Name))
		if existing != nil {
			versionBucket := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", def.Name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(def.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write definition: %w", err)
	}

	s.defCache[def.Name] = def
	return nil
}

// GetDefinition retrieves a definition by name with cache support.
func (s *Store) GetDefinition(ctx context.Context, name string) (Definition, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_definition")))
	}()

	s.mu.RLock()
	if def, found := s.defCache[name]; found {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "definition")))
		return def, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "definition")))

	var def Definition
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDefinitions).Get([]byte(name))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return Definition{}, false, fmt.Errorf("read definition: %w", err)
	}
	if def.Name == "" {
		return Definition{}, false, nil
	}

	s.mu.Lock()
	s.defCache[name] = def
	s.mu.Unlock()
	return def, true, nil
}

// ListDefinitions returns the cached definitions with pagination.
func (s *Store) ListDefinitions(ctx context.Context, limit, offset int) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]Definition, 0, len(s.defCache))
	for _, def := range s.defCache {
		defs = append(defs, def)
	}

	start := offset
	if start > len(defs) {
		start = len(defs)
	}
	end := start + limit
	if end > len(defs) {
		end = len(defs)
	}
	return defs[start:end], nil
}

// DeleteDefinition removes a definition, archiving it first.
func (s *Store) DeleteDefinition(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDefinitions)

		data := bucket.Get([]byte(name))
		if data != nil {
			versionBucket := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}

	delete(s.defCache, name)
	return nil
}

// DefinitionVersions retrieves the versions of a definition that
// PutDefinition archived on overwrite, oldest first. Copies archived by
// DeleteDefinition are not returned.
func (s *Store) DefinitionVersions(ctx context.Context, name string, limit int) ([]Definition, error) {
	versions := make([]Definition, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		prefix := []byte(name + ":")

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var def Definition
			if err := json.Unmarshal(v, &def); err != nil {
				continue
			}
			versions = append(versions, def)
			count++
		}
		return nil
	})
	return versions, err
}

// PutExecution stores a finished execution record and indexes it by
// definition name and start time.
func (s *Store) PutExecution(ctx context.Context, rec *ExecutionRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", rec.Definition, rec.StartedAt.UnixNano(), rec.ID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(rec.ID))
	})
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	if len(s.executionCache) >= s.maxCacheSize {
		s.evictOldestExecution()
	}
	s.executionCache[rec.ID] = rec
	return nil
}

// GetExecution retrieves an execution record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*ExecutionRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()

	s.mu.RLock()
	if rec, found := s.executionCache[id]; found {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return rec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var rec ExecutionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read execution: %w", err)
	}
	if rec.ID == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ListExecutions returns executions for a definition within a time range,
// oldest first.
func (s *Store) ListExecutions(ctx context.Context, definition string, from, to time.Time, limit int) ([]*ExecutionRecord, error) {
	records := make([]*ExecutionRecord, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)

		prefix := []byte(definition + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}

			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var rec ExecutionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}

			if rec.StartedAt.After(to) {
				break
			}
			if rec.StartedAt.Before(from) {
				continue
			}

			records = append(records, &rec)
			count++
		}
		return nil
	})
	return records, err
}

// PutSchedule persists an opaque schedule config keyed by definition name.
func (s *Store) PutSchedule(ctx context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

// DeleteSchedule removes a persisted schedule config.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ForEachSchedule iterates every persisted schedule config.
func (s *Store) ForEachSchedule(ctx context.Context, fn func(name string, data []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Stats returns database statistics.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)

	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, bucketName := range [][]byte{bucketDefinitions, bucketExecutions, bucketVersions, bucketSchedules} {
			bucket := tx.Bucket(bucketName)
			if bucket != nil {
				stats[string(bucketName)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})

	s.mu.RLock()
	stats["cache_definitions"] = len(s.defCache)
	stats["cache_executions"] = len(s.executionCache)
	s.mu.RUnlock()
	return stats
}

// warmCache loads all definitions into memory on startup.
func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil // Skip invalid entries
			}
			s.defCache[def.Name] = def
			return nil
		})
	})
}

// evictOldestExecution removes the oldest cached execution.
func (s *Store) evictOldestExecution() {
	var oldestID string
	var oldestTime time.Time

	for id, rec := range s.executionCache {
		if oldestID == "" || rec.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.executionCache, oldestID)
	}
}
