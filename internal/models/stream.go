package models

import (
	"fmt"
	"time"
)

// Event kinds emitted by the firehose.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
)

// Commit operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Collections with a typed record variant.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
)

// StreamEvent is one message from the firehose. Sequence is the resume position
// (Jetstream's time_us) and only grows within a single connection.
type StreamEvent struct {
	SubjectID string  `json:"did"`
	Sequence  int64   `json:"time_us"`
	Kind      string  `json:"kind"`
	Commit    *Commit `json:"commit,omitempty"`
}

// Commit is a single content mutation. Record is set only for creates and
// updates; deletes carry no record.
type Commit struct {
	Rev        string `json:"rev"`
	Operation  string `json:"operation"`
	Collection string `json:"collection"`
	RecordKey  string `json:"rkey"`
	ContentID  string `json:"cid"`
	Record     Record `json:"-"`
}

// URI builds the at:// identity of the record the commit touches.
func (c *Commit) URI(subjectID string) string {
	return fmt.Sprintf("at://%s/%s/%s", subjectID, c.Collection, c.RecordKey)
}

// CommitView is the classified form of a create commit handed to the rules.
type CommitView struct {
	URI       string
	ContentID string
	Record    Record
	Event     *StreamEvent
}

// Checkpoint is the durable stream position of one subscription identity.
type Checkpoint struct {
	SubscriptionID string `json:"service"`
	Position       int64  `json:"cursor"`
}

// RateLimit is the quota feedback a remote call returns in its headers.
// Present is false when the response carried no usable quota fields.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Present   bool
}

// RateState is the action limiter's reservoir snapshot.
type RateState struct {
	Reservoir      int
	RefillAmount   int
	RefillInterval time.Duration
	LastRefillAt   time.Time
	Queued         int
}

// Session is the authenticated moderator session.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Active     bool   `json:"active,omitempty"`
}

// ActionRecord is the audit entry written for every moderation call.
type ActionRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SubjectURI string    `json:"subject_uri"`
	SubjectCID string    `json:"subject_cid"`
	Label      string    `json:"label"`
	Rule       string    `json:"rule"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
