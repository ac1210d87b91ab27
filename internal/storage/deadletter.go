package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/timmy/webindex/internal/domain"
)

// DeadLetter is the archived record of a job that will never be retried.
type DeadLetter struct {
	JobID       string          `json:"job_id"`
	DocumentURL string          `json:"document_url"`
	CrawlID     string          `json:"crawl_id,omitempty"`
	Attempt     int             `json:"attempt"`
	Reason      string          `json:"reason"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Document    domain.Document `json:"document"`
	FailedAt    time.Time       `json:"failed_at"`
}

// ErrNotArchived is returned by Load when a job has no archived dead letter.
var ErrNotArchived = errors.New("dead letter not archived")

// DeadLetterArchive keeps dead jobs around for inspection and replay.
type DeadLetterArchive interface {
	Archive(ctx context.Context, dl DeadLetter) error
	// Load returns the dead letter of jobID archived around failedAt.
	Load(ctx context.Context, jobID string, failedAt time.Time) (*DeadLetter, error)
	// Remove deletes the dead letter of jobID, if one was archived.
	Remove(ctx context.Context, jobID string, failedAt time.Time) error
}

// ObjectArchive writes dead letters as JSON objects under
// <prefix>/<yyyy-mm-dd>/<jobID>.json.
type ObjectArchive struct {
	store  ObjectStorage
	prefix string
}

// NewObjectArchive creates an archive on top of store.
func NewObjectArchive(store ObjectStorage, prefix string) *ObjectArchive {
	return &ObjectArchive{store: store, prefix: prefix}
}

// Key returns the object key for dl.
func (a *ObjectArchive) Key(dl DeadLetter) string {
	return a.key(dl.JobID, dl.FailedAt)
}

func (a *ObjectArchive) key(jobID string, day time.Time) string {
	return path.Join(a.prefix, day.UTC().Format("2006-01-02"), jobID+".json")
}

// find locates the object of jobID. The job row and the archive stamp the
// failure separately, so the neighbouring days are checked too.
func (a *ObjectArchive) find(ctx context.Context, jobID string, failedAt time.Time) (string, error) {
	for _, day := range []time.Time{failedAt, failedAt.Add(-24 * time.Hour), failedAt.Add(24 * time.Hour)} {
		key := a.key(jobID, day)
		ok, err := a.store.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to look up dead letter %s: %w", key, err)
		}
		if ok {
			return key, nil
		}
	}
	return "", ErrNotArchived
}

// Archive uploads dl. Re-archiving the same job overwrites the object.
func (a *ObjectArchive) Archive(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", dl.JobID, err)
	}
	return a.store.Upload(ctx, a.Key(dl), bytes.NewReader(data), int64(len(data)), "application/json")
}

// Load downloads and decodes the dead letter of jobID.
func (a *ObjectArchive) Load(ctx context.Context, jobID string, failedAt time.Time) (*DeadLetter, error) {
	key, err := a.find(ctx, jobID, failedAt)
	if err != nil {
		return nil, err
	}
	rc, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download dead letter %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	var dl DeadLetter
	if err := json.NewDecoder(rc).Decode(&dl); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s: %w", key, err)
	}
	return &dl, nil
}

// Remove deletes the dead letter of jobID. A job that was never archived
// is not an error.
func (a *ObjectArchive) Remove(ctx context.Context, jobID string, failedAt time.Time) error {
	key, err := a.find(ctx, jobID, failedAt)
	if errors.Is(err, ErrNotArchived) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.store.Delete(ctx, key)
}

// NopArchive drops dead letters. Used when object storage is disabled;
// the job row still records the failure.
type NopArchive struct{}

func (NopArchive) Archive(context.Context, DeadLetter) error { return nil }

func (NopArchive) Load(context.Context, string, time.Time) (*DeadLetter, error) {
	return nil, ErrNotArchived
}

func (NopArchive) Remove(context.Context, string, time.Time) error { return nil }
