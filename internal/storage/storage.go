// Package storage uploads audio artifacts to durable storage, with an
// inline-encoding fallback so a failed upload never loses a response.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rbright/viva/internal/exam"
)

// ErrEmptyArtifact indicates there is no audio data to reference.
var ErrEmptyArtifact = errors.New("artifact holds no audio data")

// Uploader PUTs artifacts to an HTTP object-storage endpoint and returns the
// durable URL the object is reachable at.
type Uploader struct {
	endpoint string
	bucket   string
	client   *http.Client
}

// NewUploader builds an uploader for endpoint/bucket. A nil client gets a
// sensible default timeout.
func NewUploader(endpoint, bucket string, client *http.Client) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Uploader{
		endpoint: strings.TrimRight(endpoint, "/"),
		bucket:   strings.Trim(bucket, "/"),
		client:   client,
	}
}

// Upload stores the artifact under the path hint and returns its durable URL.
func (u *Uploader) Upload(ctx context.Context, art exam.Artifact, pathHint string) (string, error) {
	if art.Empty() {
		return "", ErrEmptyArtifact
	}
	if u.endpoint == "" {
		return "", errors.New("storage endpoint not configured")
	}

	target := u.endpoint
	if u.bucket != "" {
		target += "/" + u.bucket
	}
	target += "/" + strings.TrimLeft(pathHint, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(art.Bytes))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	if art.MIME != "" {
		req.Header.Set("Content-Type", art.MIME)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", pathHint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload %q: unexpected status %s", pathHint, resp.Status)
	}
	return target, nil
}

// InlineRef encodes the artifact as a self-contained data URL so the
// question survives a storage outage.
func InlineRef(art exam.Artifact) (string, error) {
	if art.Empty() {
		return "", ErrEmptyArtifact
	}
	mime := art.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(art.Bytes), nil
}

// IsInlineRef reports whether an audio reference is an inline data URL.
func IsInlineRef(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// DecodeInlineRef recovers the artifact from an inline data URL.
func DecodeInlineRef(ref string) (exam.Artifact, error) {
	if !IsInlineRef(ref) {
		return exam.Artifact{}, fmt.Errorf("not an inline reference: %q", truncate(ref, 32))
	}
	rest := strings.TrimPrefix(ref, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return exam.Artifact{}, errors.New("inline reference missing base64 payload")
	}
	raw, err := base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return exam.Artifact{}, fmt.Errorf("decode inline reference: %w", err)
	}
	return exam.Artifact{Bytes: raw, MIME: rest[:sep]}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
