package recorddb

import (
	"encoding/binary"
	"time"

	readercache "github.com/wolfeidau/reader-cache"
)

// Bucket names for bbolt storage.
var (
	// Primary collections
	bucketMetadata = []byte("metadata") // docID -> MetadataRecord JSON
	bucketPages    = []byte("pages")    // docID|pageNumber -> PageRecord JSON
	bucketProgress = []byte("progress") // docID -> ProgressRecord JSON
	bucketBlobs    = []byte("blobs")    // docID -> BlobRecord JSON

	// Blob LRU index
	bucketBlobsByAccess   = []byte("blobs_by_access")    // timestamp|docID -> docID
	bucketBlobAccessByKey = []byte("blobs_access_by_key") // docID -> 8-byte timestamp (reverse index for O(1) delete)

	// Page age index for the retention sweep
	bucketPagesByTime    = []byte("pages_by_time")     // timestamp|docID|pageNumber -> page key
	bucketPageTimeByKey  = []byte("pages_time_by_key") // docID|pageNumber -> 8-byte timestamp (reverse index)
)

var allBuckets = [][]byte{
	bucketMetadata,
	bucketPages,
	bucketProgress,
	bucketBlobs,
	bucketBlobsByAccess,
	bucketBlobAccessByKey,
	bucketPagesByTime,
	bucketPageTimeByKey,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// docKey encodes a document id as an 8-byte big-endian key.
func docKey(id readercache.DocumentID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id)) //nolint:gosec // ids are non-negative
	return buf
}

func parseDocKey(b []byte) readercache.DocumentID {
	if len(b) < 8 {
		return 0
	}
	return readercache.DocumentID(binary.BigEndian.Uint64(b[:8])) //nolint:gosec
}

// pageKey encodes the composite (documentID, pageNumber) key.
// Big-endian on both halves keeps pages of one document contiguous and
// in page order under a cursor.
func pageKey(id readercache.DocumentID, page int) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(id))    //nolint:gosec
	binary.BigEndian.PutUint64(buf[8:], uint64(page)) //nolint:gosec
	return buf
}

func parsePageKey(b []byte) (readercache.DocumentID, int) {
	if len(b) < 16 {
		return 0, 0
	}
	id := readercache.DocumentID(binary.BigEndian.Uint64(b[:8])) //nolint:gosec
	page := int(binary.BigEndian.Uint64(b[8:16]))                //nolint:gosec
	return id, page
}

// makeAccessKey creates a key for the blobs_by_access index.
// Format: [8-byte timestamp][8-byte docID]
func makeAccessKey(accessTime time.Time, id readercache.DocumentID) []byte {
	key := make([]byte, 16)
	copy(key[:8], encodeTimestamp(accessTime))
	copy(key[8:], docKey(id))
	return key
}

// makePageTimeKey creates a key for the pages_by_time index.
// Format: [8-byte timestamp][16-byte page key]
func makePageTimeKey(cachedAt time.Time, id readercache.DocumentID, page int) []byte {
	key := make([]byte, 24)
	copy(key[:8], encodeTimestamp(cachedAt))
	copy(key[8:], pageKey(id, page))
	return key
}
