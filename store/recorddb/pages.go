package recorddb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	readercache "github.com/wolfeidau/reader-cache"
)

// PutPage stores a page record, overwriting any existing content for the
// same (document, page) key. A zero CachedAt is stamped with the current
// time. The age index is maintained in the same transaction.
func (s *Store) PutPage(_ context.Context, rec *readercache.PageRecord) error {
	stored := *rec
	if stored.CachedAt.IsZero() {
		stored.CachedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		key := pageKey(stored.DocumentID, stored.PageNumber)

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling page: %w", err)
		}
		if err := tx.Bucket(bucketPages).Put(key, data); err != nil {
			return fmt.Errorf("putting page: %w", err)
		}

		return s.updatePageTimeIndex(tx, stored.DocumentID, stored.PageNumber, &stored.CachedAt)
	})
}

// updatePageTimeIndex updates the pages_by_time forward+reverse indexes.
// If cachedAt is nil, only deletes existing index entries.
func (s *Store) updatePageTimeIndex(tx *bbolt.Tx, id readercache.DocumentID, page int, cachedAt *time.Time) error {
	forward := tx.Bucket(bucketPagesByTime)
	reverse := tx.Bucket(bucketPageTimeByKey)
	key := pageKey(id, page)

	// Delete the old forward entry via the reverse index (O(1)).
	if tsBytes := reverse.Get(key); tsBytes != nil {
		oldKey := makePageTimeKey(decodeTimestamp(tsBytes), id, page)
		if err := forward.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old page time index: %w", err)
		}
		if err := reverse.Delete(key); err != nil {
			return fmt.Errorf("deleting page time reverse index: %w", err)
		}
	}

	if cachedAt != nil {
		if err := forward.Put(makePageTimeKey(*cachedAt, id, page), key); err != nil {
			return fmt.Errorf("putting page time index: %w", err)
		}
		if err := reverse.Put(key, encodeTimestamp(*cachedAt)); err != nil {
			return fmt.Errorf("putting page time reverse index: %w", err)
		}
	}
	return nil
}

// GetPage retrieves a page record by its composite key.
func (s *Store) GetPage(_ context.Context, id readercache.DocumentID, page int) (*readercache.PageRecord, error) {
	var rec readercache.PageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPages).Get(pageKey(id, page))
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

// CountPages returns the number of cached pages for a document.
func (s *Store) CountPages(_ context.Context, id readercache.DocumentID) (int, error) {
	var count int
	prefix := docKey(id)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPages).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ListPageNumbers returns the cached page numbers for a document in
// ascending order.
func (s *Store) ListPageNumbers(_ context.Context, id readercache.DocumentID) ([]int, error) {
	var pages []int
	prefix := docKey(id)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPages).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, page := parsePageKey(k)
			pages = append(pages, page)
		}
		return nil
	})
	return pages, err
}

// DeletePages removes every page record for a document.
// Returns the number deleted.
func (s *Store) DeletePages(_ context.Context, id readercache.DocumentID) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		n, err := s.deletePagesTx(tx, id)
		deleted = n
		return err
	})
	return deleted, err
}

func (s *Store) deletePagesTx(tx *bbolt.Tx, id readercache.DocumentID) (int, error) {
	var deleted int
	prefix := docKey(id)
	cursor := tx.Bucket(bucketPages).Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		_, page := parsePageKey(k)
		if err := cursor.Delete(); err != nil {
			return deleted, fmt.Errorf("deleting page: %w", err)
		}
		if err := s.updatePageTimeIndex(tx, id, page, nil); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeletePagesBefore removes every page record whose CachedAt is older
// than the cutoff, using the age index. Returns the number deleted.
func (s *Store) DeletePagesBefore(_ context.Context, cutoff time.Time) (int, error) {
	var deleted int
	cutoffTS := encodeTimestamp(cutoff)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketPagesByTime)
		reverse := tx.Bucket(bucketPageTimeByKey)
		pages := tx.Bucket(bucketPages)

		cursor := forward.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop once past the cutoff.
			if bytes.Compare(k[:8], cutoffTS) >= 0 {
				break
			}
			if err := pages.Delete(v); err != nil {
				return fmt.Errorf("deleting aged page: %w", err)
			}
			if err := reverse.Delete(v); err != nil {
				return fmt.Errorf("deleting page time reverse index: %w", err)
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting page time index: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
