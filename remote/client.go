// Package remote defines the portal API consumed by the reading cache
// and provides the HTTP client for it. The cache core only depends on
// the Client interface; everything here is an external collaborator.
package remote

import (
	"context"
	"errors"

	readercache "github.com/wolfeidau/reader-cache"
)

// ErrNotFound is returned when the remote side has no such document,
// page, or progress record.
var ErrNotFound = errors.New("not found")

// PageResult is the payload of a remote page fetch.
type PageResult struct {
	Content    string
	TotalPages int
}

// Client is the portal API surface the cache consumes. Implementations
// must return ErrNotFound for missing entities and honor context
// cancellation on every call.
type Client interface {
	// FetchMetadata retrieves document metadata.
	FetchMetadata(ctx context.Context, id readercache.DocumentID) (*readercache.MetadataRecord, error)

	// FetchPage retrieves one page of a document.
	FetchPage(ctx context.Context, id readercache.DocumentID, page int) (*PageResult, error)

	// FetchProgress retrieves the remote reading position.
	FetchProgress(ctx context.Context, id readercache.DocumentID) (*readercache.ProgressRecord, error)

	// PushProgress writes a reading position to the remote service.
	PushProgress(ctx context.Context, id readercache.DocumentID, page int, scrollRatio float64) error

	// FetchBlob downloads the full document.
	FetchBlob(ctx context.Context, id readercache.DocumentID) ([]byte, error)

	// WarmResource fetches a resource referenced inside page markup,
	// discarding the body, purely to warm any underlying HTTP cache.
	WarmResource(ctx context.Context, ref string) error
}
