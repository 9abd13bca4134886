package readercache

import "errors"

var (
	// ErrPageUnavailableOffline is returned by the read path when the
	// session is offline and the requested page is not cached. Terminal;
	// surfaced to the caller.
	ErrPageUnavailableOffline = errors.New("page unavailable offline")

	// ErrBlobDownloadFailed aborts a prefetch entirely. A document with
	// no blob and no pages is not considered downloaded.
	ErrBlobDownloadFailed = errors.New("blob download failed")

	// ErrDigestMismatch is returned when stored blob bytes no longer
	// match the digest recorded at download time.
	ErrDigestMismatch = errors.New("blob digest mismatch")
)
