package recorddb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	readercache "github.com/wolfeidau/reader-cache"
)

// PutBlob stores a full-document blob record, overwriting any existing
// one. Zero LastAccessedAt and DownloadedAt fields are stamped with the
// current time. The access index is maintained in the same transaction.
func (s *Store) PutBlob(_ context.Context, rec *readercache.BlobRecord) error {
	stored := *rec
	now := s.now()
	if stored.LastAccessedAt.IsZero() {
		stored.LastAccessedAt = now
	}
	if stored.DownloadedAt.IsZero() {
		stored.DownloadedAt = now
	}
	if stored.SizeBytes == 0 {
		stored.SizeBytes = int64(len(stored.Raw))
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling blob: %w", err)
		}
		if err := tx.Bucket(bucketBlobs).Put(docKey(stored.DocumentID), data); err != nil {
			return fmt.Errorf("putting blob: %w", err)
		}
		return s.updateBlobAccessIndex(tx, stored.DocumentID, &stored.LastAccessedAt)
	})
}

// updateBlobAccessIndex updates the blobs_by_access forward+reverse
// indexes. If accessTime is nil, only deletes existing index entries.
func (s *Store) updateBlobAccessIndex(tx *bbolt.Tx, id readercache.DocumentID, accessTime *time.Time) error {
	forward := tx.Bucket(bucketBlobsByAccess)
	reverse := tx.Bucket(bucketBlobAccessByKey)
	key := docKey(id)

	if tsBytes := reverse.Get(key); tsBytes != nil {
		oldKey := makeAccessKey(decodeTimestamp(tsBytes), id)
		if err := forward.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old access index: %w", err)
		}
		if err := reverse.Delete(key); err != nil {
			return fmt.Errorf("deleting access reverse index: %w", err)
		}
	}

	if accessTime != nil {
		if err := forward.Put(makeAccessKey(*accessTime, id), key); err != nil {
			return fmt.Errorf("putting access index: %w", err)
		}
		if err := reverse.Put(key, encodeTimestamp(*accessTime)); err != nil {
			return fmt.Errorf("putting access reverse index: %w", err)
		}
	}
	return nil
}

// GetBlob retrieves the blob record for a document.
func (s *Store) GetBlob(_ context.Context, id readercache.DocumentID) (*readercache.BlobRecord, error) {
	var rec readercache.BlobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get(docKey(id))
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

// TouchBlob moves a blob's LastAccessedAt forward to the current time
// and reorders the access index. A touch with a clock reading older than
// the stored timestamp is a no-op. Returns ErrNotFound for missing blobs.
func (s *Store) TouchBlob(_ context.Context, id readercache.DocumentID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		key := docKey(id)

		val := bucket.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var rec readercache.BlobRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling blob: %w", err)
		}

		now := s.now()
		if !now.After(rec.LastAccessedAt) {
			return nil
		}
		rec.LastAccessedAt = now

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling blob: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("putting blob: %w", err)
		}
		return s.updateBlobAccessIndex(tx, id, &rec.LastAccessedAt)
	})
}

// DeleteBlob removes the blob record for a document.
// Deleting a missing record is not an error.
func (s *Store) DeleteBlob(_ context.Context, id readercache.DocumentID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.deleteBlobTx(tx, id)
	})
}

func (s *Store) deleteBlobTx(tx *bbolt.Tx, id readercache.DocumentID) error {
	if err := s.updateBlobAccessIndex(tx, id, nil); err != nil {
		return err
	}
	return tx.Bucket(bucketBlobs).Delete(docKey(id))
}

// CountBlobs returns the number of stored blob records.
func (s *Store) CountBlobs(_ context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketBlobs).Stats().KeyN
		return nil
	})
	return count, err
}

// OldestBlob returns the document id of the blob with the oldest
// LastAccessedAt, via the access index. Returns ErrNotFound when the
// collection is empty.
func (s *Store) OldestBlob(_ context.Context) (readercache.DocumentID, error) {
	var id readercache.DocumentID
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketBlobsByAccess).Cursor().First()
		if k == nil {
			return ErrNotFound
		}
		id = parseDocKey(v)
		return nil
	})
	return id, err
}

// ListBlobs returns all blob records ordered oldest access first.
// Raw bytes are included; callers that only need sizes should use the
// record's SizeBytes field rather than len(Raw).
func (s *Store) ListBlobs(_ context.Context) ([]*readercache.BlobRecord, error) {
	var recs []*readercache.BlobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		return tx.Bucket(bucketBlobsByAccess).ForEach(func(_, v []byte) error {
			data := blobs.Get(v)
			if data == nil {
				return nil // index ahead of collection; skip
			}
			var rec readercache.BlobRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// TotalBlobBytes returns the total size of all stored blobs.
func (s *Store) TotalBlobBytes(_ context.Context) (int64, error) {
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(_, v []byte) error {
			var rec readercache.BlobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			total += rec.SizeBytes
			return nil
		})
	})
	return total, err
}
