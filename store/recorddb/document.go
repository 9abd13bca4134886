package recorddb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	readercache "github.com/wolfeidau/reader-cache"
)

// DeleteDocument removes a document's blob, pages, and metadata in one
// transaction. The local progress record is kept so the reading position
// survives a later re-download. Returns the number of pages deleted.
func (s *Store) DeleteDocument(_ context.Context, id readercache.DocumentID) (int, error) {
	var pagesDeleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.deleteBlobTx(tx, id); err != nil {
			return err
		}

		n, err := s.deletePagesTx(tx, id)
		if err != nil {
			return err
		}
		pagesDeleted = n

		if err := tx.Bucket(bucketMetadata).Delete(docKey(id)); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		return nil
	})
	return pagesDeleted, err
}
