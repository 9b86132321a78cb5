// Package xerr collects the error kinds shared by the chunk, file,
// arbitrator, and reactor layers, following the sentinel-error-var idiom
// used throughout this codebase rather than a typed error hierarchy.
package xerr

import "errors"

var (
	// ErrChunkIndex means a chunk index is not in the file's pending map.
	ErrChunkIndex = errors.New("chunk index not in file")
	// ErrInvalidFilePath means the sender's source path is missing or not
	// a regular file.
	ErrInvalidFilePath = errors.New("invalid file path")
	// ErrInvalidRequest means a malformed frame, bad options, or a
	// request issued in the wrong protocol state (e.g. a second NEW
	// before the current transfer terminates).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidReply means the server sent a frame the client driver
	// did not expect.
	ErrInvalidReply = errors.New("invalid reply")
	// ErrFailChecksum means the committed file's checksum does not match
	// the one declared in NEW.
	ErrFailChecksum = errors.New("uploaded file does not match expected crc")
	// ErrChunkFail means a single chunk write failed; the reactor may
	// retry before surfacing ErrFileFail.
	ErrChunkFail = errors.New("chunk write failed")
	// ErrFileFail means accumulated chunk failures reached MAX_CHUNK_ERR.
	ErrFileFail = errors.New("failed to upload file")
)

// UploadError wraps a terminal error message destined for the peer. It
// exists separately from the sentinel vars above because its text is
// request-specific (a human message), not a fixed classification.
type UploadError struct {
	Message string
}

func (e *UploadError) Error() string { return e.Message }

// NewUploadError constructs an UploadError carrying msg.
func NewUploadError(msg string) *UploadError {
	return &UploadError{Message: msg}
}
