package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iravin/reportsync/internal/remote"
)

// Storage talks to Supabase Storage for one bucket. It satisfies
// [remote.FileClient].
type Storage struct {
	baseURL string
	apiKey  string
	bucket  string
	hc      *http.Client
	log     *slog.Logger
}

// NewStorage creates a Storage client for the given bucket.
func NewStorage(baseURL, apiKey, bucket string, logger *slog.Logger) (*Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket name is required")
	}
	return &Storage{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		hc:      &http.Client{Timeout: 60 * time.Second}, // uploads can be slow
		log:     logger,
	}, nil
}

// Upload stores data under folder/name and returns the blob metadata with its
// public URL.
func (s *Storage) Upload(ctx context.Context, folder, name, contentType string, data []byte) (remote.FileInfo, error) {
	path := strings.Trim(folder, "/") + "/" + name
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.hc.Do(req)
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("uploading %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return remote.FileInfo{}, s.apiError("upload", path, resp)
	}

	return remote.FileInfo{
		Path:        path,
		URL:         fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path)),
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Delete removes the blob at path.
func (s *Storage) Delete(ctx context.Context, path string) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return s.apiError("delete", path, resp)
	}
	return nil
}

// List returns metadata for the blobs under folder.
func (s *Storage) List(ctx context.Context, folder string) ([]remote.FileInfo, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/list/%s", s.baseURL, url.PathEscape(s.bucket))
	body, err := json.Marshal(map[string]any{"prefix": strings.Trim(folder, "/"), "limit": 1000})
	if err != nil {
		return nil, fmt.Errorf("encoding list request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", folder, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, s.apiError("list", folder, resp)
	}

	var entries []struct {
		Name     string `json:"name"`
		Metadata struct {
			Size     int64  `json:"size"`
			MimeType string `json:"mimetype"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}

	prefix := strings.Trim(folder, "/")
	infos := make([]remote.FileInfo, 0, len(entries))
	for _, e := range entries {
		path := prefix + "/" + e.Name
		infos = append(infos, remote.FileInfo{
			Path:        path,
			URL:         fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path)),
			Size:        e.Metadata.Size,
			ContentType: e.Metadata.MimeType,
		})
	}
	return infos, nil
}

// SignedURL returns a time-limited download URL for path.
func (s *Storage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path))
	body, err := json.Marshal(map[string]any{"expiresIn": int(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("encoding sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating sign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("signing %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", s.apiError("sign", path, resp)
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("decoding sign response: %w", err)
	}
	return s.baseURL + "/storage/v1" + signed.SignedURL, nil
}

func (s *Storage) apiError(op, path string, resp *http.Response) error {
	var se struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &se)
	if se.Message != "" {
		return fmt.Errorf("storage %s %q: %d %s", op, path, resp.StatusCode, se.Message)
	}
	return fmt.Errorf("storage %s %q: unexpected status %d", op, path, resp.StatusCode)
}

// escapePath escapes each path segment individually, keeping the slashes.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
