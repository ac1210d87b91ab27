package service

import (
	"context"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
)

// DispatchResult tells the caller what an accepted event did.
type DispatchResult struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	CrawlID string `json:"crawl_id,omitempty"`
	// Duplicate is set for a crawl start whose session already existed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// EventDispatcher routes crawler events to the job service and the crawl
// tracker.
type EventDispatcher struct {
	jobs    *JobService
	tracker *CrawlTracker
}

// NewEventDispatcher creates an EventDispatcher.
func NewEventDispatcher(jobs *JobService, tracker *CrawlTracker) *EventDispatcher {
	return &EventDispatcher{jobs: jobs, tracker: tracker}
}

// Dispatch decodes env and handles it. Malformed or unknown events are
// PermanentInput.
func (d *EventDispatcher) Dispatch(ctx context.Context, env domain.Envelope) (*DispatchResult, error) {
	ev, err := domain.DecodeEvent(env)
	if err != nil {
		return nil, apperr.Permanent("events.Dispatch", err)
	}

	res := &DispatchResult{Type: ev.EventType()}
	switch e := ev.(type) {
	case domain.PageReady:
		job, err := d.jobs.Enqueue(ctx, e)
		if err != nil {
			return nil, err
		}
		res.JobID = job.ID
		res.CrawlID = job.CrawlID
	case domain.CrawlStarted:
		_, created, err := d.tracker.Start(ctx, e)
		if err != nil {
			return nil, err
		}
		res.CrawlID = e.CrawlID
		res.Duplicate = !created
	case domain.CrawlCompleted:
		if _, err := d.tracker.Complete(ctx, e); err != nil {
			return nil, err
		}
		res.CrawlID = e.CrawlID
	}
	return res, nil
}
