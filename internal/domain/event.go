package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event type tags used on the wire.
const (
	EventPageReady      = "page_ready"
	EventCrawlStarted   = "crawl_started"
	EventCrawlCompleted = "crawl_completed"
)

// ErrUnknownEvent is returned for envelopes with an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is one of PageReady, CrawlStarted or CrawlCompleted.
type Event interface {
	EventType() string
}

// PageReady announces a fetched page ready for indexing.
type PageReady struct {
	Document
}

func (PageReady) EventType() string { return EventPageReady }

// CrawlStarted opens a crawl session.
type CrawlStarted struct {
	CrawlID     string     `json:"crawl_id"`
	BaseURL     string     `json:"base_url"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
}

func (CrawlStarted) EventType() string { return EventCrawlStarted }

// CrawlCompleted closes a crawl session.
type CrawlCompleted struct {
	CrawlID string `json:"crawl_id"`
	Success bool   `json:"success"`
}

func (CrawlCompleted) EventType() string { return EventCrawlCompleted }

// Envelope is the tagged wire form of an Event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent turns an envelope into its concrete event and checks the
// fields each event needs.
func DecodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventPageReady:
		var e PageReady
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.URL == "" {
			err = errors.New("page_ready: url is required")
		}
		ev = e
	case EventCrawlStarted:
		var e CrawlStarted
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.CrawlID == "" {
			err = errors.New("crawl_started: crawl_id is required")
		}
		ev = e
	case EventCrawlCompleted:
		var e CrawlCompleted
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.CrawlID == "" {
			err = errors.New("crawl_completed: crawl_id is required")
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
