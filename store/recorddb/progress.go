package recorddb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	readercache "github.com/wolfeidau/reader-cache"
)

// PutProgress stores the local progress record for a document,
// overwriting any previous one. A zero UpdatedAt is stamped with the
// current time; a caller-supplied timestamp is preserved so that a
// resolved record pushed down from the remote side keeps its original
// write time for later merges.
func (s *Store) PutProgress(_ context.Context, rec *readercache.ProgressRecord) error {
	stored := *rec
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling progress: %w", err)
		}
		if err := tx.Bucket(bucketProgress).Put(docKey(stored.DocumentID), data); err != nil {
			return fmt.Errorf("putting progress: %w", err)
		}
		return nil
	})
}

// GetProgress retrieves the local progress record for a document.
func (s *Store) GetProgress(_ context.Context, id readercache.DocumentID) (*readercache.ProgressRecord, error) {
	var rec readercache.ProgressRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketProgress).Get(docKey(id))
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

// DeleteProgress removes the local progress record for a document.
// Deleting a missing record is not an error.
func (s *Store) DeleteProgress(_ context.Context, id readercache.DocumentID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProgress).Delete(docKey(id))
	})
}
