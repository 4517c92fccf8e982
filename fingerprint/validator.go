package fingerprint

import (
	"path/filepath"
	"strings"

	"repost-radar/pkg/dedup"
)

// MaxFileSize is the attachment size policy: 8 MiB.
const MaxFileSize = 8 << 20

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
}

// Animated formats are excluded: frame-by-frame content defeats a single
// still-image fingerprint.
var excludedTypes = map[string]bool{
	"image/gif":  true,
	"image/apng": true,
}

var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

// Eligible reports whether an attachment should be fingerprinted, based on
// its declared content type, file extension, and the size policy.
func Eligible(att dedup.Attachment) bool {
	if att.Size <= 0 || att.Size > MaxFileSize {
		return false
	}

	contentType := att.ContentType
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	if excludedTypes[contentType] {
		return false
	}
	if supportedTypes[contentType] {
		return true
	}

	// No usable content type: fall back to the file extension.
	if contentType == "" {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		return supportedExtensions[ext]
	}

	return false
}
