// Package fingerprint downloads image attachments and computes their
// perceptual hashes.
package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/corona10/goimagehash"

	// Decoders for every supported content type.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"repost-radar/pkg/dedup"
)

// hashSize selects a 16x16 extended perception hash (256 bits).
const hashSize = 16

// FetchError indicates the attachment bytes could not be downloaded.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError checks if an error is an attachment download failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// DecodeError indicates the downloaded bytes were not a decodable image.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError checks if an error is an image decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Hasher downloads attachments and fingerprints them.
type Hasher struct {
	client   *http.Client
	logger   *slog.Logger
	maxBytes int64
}

// New creates a hasher. Downloads larger than the attachment size policy are
// truncated-and-rejected rather than buffered whole.
func New(client *http.Client, logger *slog.Logger) *Hasher {
	return &Hasher{
		client:   client,
		logger:   logger,
		maxBytes: MaxFileSize,
	}
}

// Fingerprint downloads one attachment and returns its perceptual hash.
// Failures are typed: FetchError for transport problems, DecodeError for
// bytes that are not a supported image.
func (h *Hasher) Fingerprint(ctx context.Context, url string) (dedup.Fingerprint, error) {
	data, err := h.download(ctx, url)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &DecodeError{URL: url, Err: err}
	}

	hash, err := goimagehash.ExtPerceptionHash(img, hashSize, hashSize)
	if err != nil {
		return "", &DecodeError{URL: url, Err: fmt.Errorf("perception hash: %w", err)}
	}

	fp := dedup.Fingerprint(hash.ToString())
	h.logger.Debug("Image fingerprinted", "url", url, "format", format, "bytes", len(data), "fingerprint", fp)
	return fp, nil
}

func (h *Hasher) download(ctx context.Context, url string) ([]byte, error) {
	var data []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			startTime := time.Now()
			resp, err := h.client.Do(req)
			if err != nil {
				h.logger.Warn("Image download failed, will retry", "url", url, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("HTTP %d", resp.StatusCode)
				// Client errors won't change on retry; attachment URLs expire.
				if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
					return retry.Unrecoverable(err)
				}
				return err
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if int64(len(body)) > h.maxBytes {
				return retry.Unrecoverable(fmt.Errorf("attachment exceeds %d byte limit", h.maxBytes))
			}

			h.logger.Debug("Image downloaded",
				"url", url,
				"bytes", len(body),
				"duration_ms", time.Since(startTime).Milliseconds())

			data = body
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying image download after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return data, nil
}
