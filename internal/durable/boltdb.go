// Package durable implements the optional durable-tier Backend (spec.md
// §6) on bbolt, adapted from the teacher's BoltDB-backed cluster store.
package durable

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
)

var bucketRecords = []byte("records")

// BoltStore is a record.Backend backed by a single bbolt file. All
// operations run synchronously but are wrapped in a goroutine to honor the
// Backend contract's non-blocking-callback shape, matching the Cache tier.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens a BoltStore at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get implements record.Backend.
func (s *BoltStore) Get(_ context.Context, name string, cb func(entry *record.Entry, err error)) {
	go func() {
		var entry *record.Entry
		err := s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket(bucketRecords).Get([]byte(name))
			if raw == nil {
				return nil
			}
			var e record.Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			entry = &e
			return nil
		})
		if err != nil {
			metrics.DurableOpsTotal.WithLabelValues("get", "error").Inc()
			log.WithComponent("durable").Error().Err(err).Str("record", name).Msg("durable get failed")
			cb(nil, err)
			return
		}
		if entry == nil {
			metrics.DurableOpsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.DurableOpsTotal.WithLabelValues("get", "hit").Inc()
		}
		cb(entry, nil)
	}()
}

// Set implements record.Backend.
func (s *BoltStore) Set(_ context.Context, name string, entry record.Entry, cb func(err error)) {
	go func() {
		err := s.db.Update(func(tx *bolt.Tx) error {
			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketRecords).Put([]byte(name), raw)
		})
		if err != nil {
			metrics.DurableOpsTotal.WithLabelValues("set", "error").Inc()
			log.WithComponent("durable").Error().Err(err).Str("record", name).Msg("durable set failed")
		} else {
			metrics.DurableOpsTotal.WithLabelValues("set", "ok").Inc()
		}
		cb(err)
	}()
}

// Delete implements record.Backend.
func (s *BoltStore) Delete(_ context.Context, name string, cb func(err error)) {
	go func() {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRecords).Delete([]byte(name))
		})
		if err != nil {
			metrics.DurableOpsTotal.WithLabelValues("delete", "error").Inc()
			log.WithComponent("durable").Error().Err(err).Str("record", name).Msg("durable delete failed")
		} else {
			metrics.DurableOpsTotal.WithLabelValues("delete", "ok").Inc()
		}
		cb(err)
	}()
}
