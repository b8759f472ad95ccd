package media

import "fmt"

const (
	// MaxAssetBytes is the global max accepted payload size.
	MaxAssetBytes int64 = 200 * 1024 * 1024
	// MinLargeMediaBytes is the default truncation threshold for video and documents.
	MinLargeMediaBytes int64 = 1024
)

// ValidatePayload checks a downloaded payload against the size limits.
// minBytes applies only when largeMedia is set.
func ValidatePayload(data []byte, largeMedia bool, minBytes, maxBytes int64) error {
	size := int64(len(data))
	if size == 0 {
		return ErrEmptyPayload
	}
	if maxBytes > 0 && size > maxBytes {
		return fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	if largeMedia && minBytes > 0 && size < minBytes {
		return fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncatedPayload, size, minBytes)
	}
	return nil
}
