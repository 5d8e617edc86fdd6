package protocol

import "errors"

// Decode errors. Callers should match them with errors.Is since Decode wraps
// them with the tag and field that failed.
var (
	// ErrInvalidTag means the first three bytes are not a known tag. The
	// stream is unrecoverable since there is no frame to resynchronise on.
	ErrInvalidTag = errors.New("invalid packet tag")

	// ErrMissingData means the buffer holds an incomplete packet. Nothing
	// was consumed; retry once more bytes have arrived.
	ErrMissingData = errors.New("missing data")

	// ErrNotUTF8 means a length-prefixed string was fully present but not
	// valid UTF-8.
	ErrNotUTF8 = errors.New("string is not valid utf-8")
)

// IsHardError reports whether err leaves the stream unusable. Only
// ErrMissingData is recoverable.
func IsHardError(err error) bool {
	return err != nil && !errors.Is(err, ErrMissingData)
}
