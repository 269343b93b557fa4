// Package storage is a client for the hosted object-storage service each
// environment exposes. The API is plain HTTP: one object per request, bucket
// in the path, bearer auth with the environment's service key.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Sentinel errors for the storage package.
var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("storage: object not found")

	// ErrUnauthorized is returned when the service key is rejected.
	ErrUnauthorized = errors.New("storage: unauthorized")
)

// Client is an object-storage HTTP client for one environment.
type Client struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a storage client. url is the storage endpoint root,
// serviceKey the environment's service-role key.
func NewClient(url, serviceKey string) *Client {
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Upload stores an object and returns its bucket-relative path. Retries on
// 5xx and transport errors with exponential backoff.
func (c *Client) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, "POST",
				c.url+"/object/"+bucket+"/"+key, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+c.serviceKey)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("x-upsert", "true")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return c.checkStatus(resp)
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s failed: %w", bucket, key, err)
	}
	return bucket + "/" + key, nil
}

// Download fetches an object's bytes.
func (c *Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, "GET",
				c.url+"/object/"+bucket+"/"+key, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+c.serviceKey)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := c.checkStatus(resp); err != nil {
				return err
			}
			data, err = io.ReadAll(resp.Body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s failed: %w", bucket, key, err)
	}
	return data, nil
}

// DownloadPath fetches an object by its stored "bucket/key" path, the form
// persisted on job rows.
func (c *Client) DownloadPath(ctx context.Context, path string) ([]byte, error) {
	bucket, key, ok := strings.Cut(path, "/")
	if !ok {
		return nil, fmt.Errorf("malformed artifact path %q", path)
	}
	return c.Download(ctx, bucket, key)
}

// Remove deletes an object. Missing objects are not an error.
func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE",
		c.url+"/object/"+bucket+"/"+key, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remove %s/%s failed: %w", bucket, key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp)
}

// checkStatus maps an HTTP response to the package error taxonomy.
// Unrecoverable statuses stop the retry loop.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return retry.Unrecoverable(ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Unrecoverable(ErrUnauthorized)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storage server error (status %d): %s", resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.Unrecoverable(fmt.Errorf("storage error (status %d): %s", resp.StatusCode, string(body)))
	}
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeKey normalizes a document identifier for use in an object key.
func SanitizeKey(s string) string {
	s = strings.TrimSpace(s)
	s = keySanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ArtifactKey builds the object key for an extraction artifact from the
// driver-reported filename:
// {job_id}/{sanitized-document-id}-{timestamp}.pdf
func ArtifactKey(jobID int64, filename string, now time.Time) string {
	name := strings.TrimSuffix(filename, ".pdf")
	return fmt.Sprintf("%d/%s-%d.pdf", jobID, SanitizeKey(name), now.Unix())
}

// SearchResultKey builds the object key for a personal-rights search result:
// {session_id}/{sanitized-company-name}.pdf inside the rdprm-documents bucket.
func SearchResultKey(sessionID int64, companyName string) string {
	return fmt.Sprintf("%d/%s.pdf", sessionID, SanitizeKey(companyName))
}

// RDPRMBucket is the bucket personal-rights search results upload to.
const RDPRMBucket = "rdprm-documents"
