// Package storage talks to Supabase Storage and fetches remote media with
// retries.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Upload timeout per attempt, generous for full renders
	uploadTimeout = 180 * time.Second

	// Download timeout per attempt
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	retryBase  time.Duration
	log        zerolog.Logger
}

func New(url, serviceKey, bucket string, logger zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryBase: baseRetryDelay,
		log:       logging.WithComponent(logger, "storage"),
	}
}

// Upload uploads an object to Supabase Storage with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert so re-uploads are idempotent.
func (s *Storage) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)

	return s.withRetry(ctx, "upload "+objectPath, func(ctx context.Context) (bool, error) {
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return false, nil
		}
		return isRetryableStatus(resp.StatusCode),
			fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	})
}

// UploadFile uploads a local file and returns its public URL.
func (s *Storage) UploadFile(ctx context.Context, objectPath, localPath, contentType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", localPath, err)
	}

	if err := s.Upload(ctx, objectPath, data, contentType); err != nil {
		return "", err
	}

	return s.GetPublicURL(objectPath), nil
}

// FetchToFile streams a remote URL into localPath, retrying transient failures.
// Storage URLs on this project get the service key attached.
func (s *Storage) FetchToFile(ctx context.Context, srcURL, localPath string) error {
	return s.withRetry(ctx, "fetch "+truncate(srcURL, 120), func(ctx context.Context) (bool, error) {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, srcURL, nil)
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}
		if s.url != "" && strings.HasPrefix(srcURL, s.url) {
			req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return isRetryableStatus(resp.StatusCode),
				fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		f, err := os.Create(localPath)
		if err != nil {
			return false, fmt.Errorf("failed to create %s: %w", localPath, err)
		}
		n, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if copyErr != nil {
			return true, fmt.Errorf("failed to read download body: %w", copyErr)
		}
		if closeErr != nil {
			return false, fmt.Errorf("failed to write %s: %w", localPath, closeErr)
		}
		if n == 0 {
			return false, fmt.Errorf("downloaded file is empty")
		}
		return false, nil
	})
}

// GetPublicURL returns the public URL for an object
func (s *Storage) GetPublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, objectPath)
}

// ObjectPath builds the storage key for an artifact owned by ownerID.
func ObjectPath(ownerID uuid.UUID, kind string, id uuid.UUID, filename string) string {
	return path.Join(ownerID.String(), kind, id.String(), filename)
}

// withRetry runs attempt until it succeeds, returns a non-retryable error or
// the retry budget is spent.
func (s *Storage) withRetry(ctx context.Context, op string, attempt func(ctx context.Context) (retryable bool, err error)) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := retryDelay(s.retryBase, i)
			s.log.Warn().Err(lastErr).Int("attempt", i+1).Dur("wait", delay).Msgf("retrying %s", op)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := attempt(ctx)
		if err == nil {
			if i > 0 {
				s.log.Info().Int("attempt", i+1).Msgf("%s succeeded", op)
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status >= http.StatusInternalServerError
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
