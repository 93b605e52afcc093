package domain

import "time"

// Checkpoint is the committed history of one thread. Version increases by
// one with every save; a thread that was never saved has Version 0.
type Checkpoint struct {
	ThreadID  string    `json:"threadId"`
	Version   int64     `json:"version"`
	Messages  History   `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// ThreadSummary describes a stored thread without its messages.
type ThreadSummary struct {
	ThreadID  string    `json:"threadId"`
	Version   int64     `json:"version"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt"`
}
