package recorddb

import (
	"context"
	"encoding/json"
	"fmt"

	"time"

	"go.etcd.io/bbolt"

	readercache "github.com/wolfeidau/reader-cache"
)

// PutMetadata stores a metadata record, overwriting any existing one.
// A zero LastAccessedAt is stamped with the current time. The stored
// timestamp never moves backwards: if an existing record carries a later
// LastAccessedAt, that value is kept.
func (s *Store) PutMetadata(_ context.Context, rec *readercache.MetadataRecord) error {
	stored := *rec
	if stored.LastAccessedAt.IsZero() {
		stored.LastAccessedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		key := docKey(stored.ID)

		if prev := bucket.Get(key); prev != nil {
			var existing readercache.MetadataRecord
			if err := json.Unmarshal(prev, &existing); err == nil && existing.LastAccessedAt.After(stored.LastAccessedAt) {
				stored.LastAccessedAt = existing.LastAccessedAt
			}
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("putting metadata: %w", err)
		}
		return nil
	})
}

// GetMetadata retrieves the metadata record for a document.
func (s *Store) GetMetadata(_ context.Context, id readercache.DocumentID) (*readercache.MetadataRecord, error) {
	var rec readercache.MetadataRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMetadata).Get(docKey(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListMetadata returns all cached metadata records in document id order.
func (s *Store) ListMetadata(_ context.Context) ([]*readercache.MetadataRecord, error) {
	var recs []*readercache.MetadataRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).ForEach(func(_, v []byte) error {
			var rec readercache.MetadataRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip invalid entries
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// TouchMetadata moves a document's LastAccessedAt forward to the current
// time. A touch with a clock reading older than the stored timestamp is
// a no-op, keeping the timestamp monotonic. Missing records are ignored.
func (s *Store) TouchMetadata(_ context.Context, id readercache.DocumentID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		key := docKey(id)

		val := bucket.Get(key)
		if val == nil {
			return nil
		}

		var rec readercache.MetadataRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling metadata: %w", err)
		}

		now := s.now()
		if !now.After(rec.LastAccessedAt) {
			return nil
		}
		rec.LastAccessedAt = now

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// DeleteMetadata removes the metadata record for a document.
// Deleting a missing record is not an error.
func (s *Store) DeleteMetadata(_ context.Context, id readercache.DocumentID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete(docKey(id))
	})
}

// DeleteMetadataBefore removes every metadata record whose
// LastAccessedAt is older than the cutoff. Returns the number deleted.
// The metadata collection is one record per document, so a scan is
// cheap enough that no time index is kept for it.
func (s *Store) DeleteMetadataBefore(_ context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec readercache.MetadataRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.LastAccessedAt.Before(cutoff) {
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("deleting metadata: %w", err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
