// Package types defines the data structures shared between the queue engine,
// the RPC surface, and worker-side clients.
package types

import "encoding/json"

// Job is the unit of work carried by the queue. The Data payload is opaque:
// the queue stores and returns it byte-for-byte without interpreting it.
type Job struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	Priority int32  `json:"priority"` // lower value = higher priority

	// CreatedAt is milliseconds since the epoch. Zero means "stamp at push".
	CreatedAt int64 `json:"created_at"`

	// TimesOutAt is milliseconds since the epoch; zero means no TTL.
	// Jobs that belong to a crawl never carry a TTL (the crawl controls
	// its own lifetime).
	TimesOutAt int64 `json:"times_out_at,omitempty"`

	Listenable      bool   `json:"listenable,omitempty"`
	ListenChannelID string `json:"listen_channel_id,omitempty"`
	CrawlID         string `json:"crawl_id,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// ClaimedJob is a job handed to exactly one worker by a successful pop.
// QueueKey is the encoded key the entry occupied; workers pass it back to
// complete so the engine can finish idempotently without a job-id index.
type ClaimedJob struct {
	Job      Job    `json:"job"`
	QueueKey []byte `json:"queue_key"`
}
