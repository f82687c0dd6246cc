package models

import "time"

// ContentStatus tracks a media artifact through processing.
type ContentStatus string

const (
	ContentStatusProcessing ContentStatus = "processing"
	ContentStatusIndexing   ContentStatus = "indexing"
	ContentStatusCompleted  ContentStatus = "completed"
	ContentStatusFailed     ContentStatus = "failed"
	ContentStatusCancelled  ContentStatus = "cancelled"
)

// IsTerminal reports whether s is absorbing.
func (s ContentStatus) IsTerminal() bool {
	switch s {
	case ContentStatusCompleted, ContentStatusFailed, ContentStatusCancelled:
		return true
	}
	return false
}

// ContentType is the kind of media artifact.
type ContentType string

const (
	ContentTypeVideo    ContentType = "video"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeImage    ContentType = "image"
	ContentTypeSubtitle ContentType = "subtitle"
	ContentTypeZip      ContentType = "zip"
)

// Content is one media artifact, either a job input or one of its outputs.
type Content struct {
	ID          int64         `db:"id"           json:"id"`
	UserID      int64         `db:"user_id"      json:"user_id"`
	JobID       *int64        `db:"job_id"       json:"job_id,omitempty"`
	IDRelated   *int64        `db:"id_related"   json:"id_related,omitempty"`
	Title       string        `db:"title"        json:"title"`
	Status      ContentStatus `db:"status"       json:"status"`
	ContentType ContentType   `db:"content_type" json:"content_type"`
	Link        string        `db:"link"         json:"link"`
	Thumbnail   string        `db:"thumbnail"    json:"thumbnail,omitempty"`
	SizeBytes   int64         `db:"size_bytes"   json:"size_bytes"`
	Duration    float64       `db:"duration"     json:"duration,omitempty"`
	Resolution  string        `db:"resolution"   json:"resolution,omitempty"`
	FPS         float64       `db:"fps"          json:"fps,omitempty"`
	Hz          int           `db:"hz"           json:"hz,omitempty"`
	Tags        []string      `db:"tags"         json:"tags"`
	CreatedAt   time.Time     `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"   json:"updated_at"`
}

// ContentMetadata is what a reindex extracts from a finished artifact.
type ContentMetadata struct {
	Link       string
	Thumbnail  string
	SizeBytes  int64
	Duration   float64
	Resolution string
	FPS        float64
	Hz         int
}

// AggregateContentStatus folds the content rows owned by a job into the job's
// terminal status: Completed only when every row completed, Failed otherwise.
// A job that owns no content rows is Failed.
func AggregateContentStatus(contents []*Content) JobStatus {
	if len(contents) == 0 {
		return JobStatusFailed
	}
	for _, c := range contents {
		if c.Status != ContentStatusCompleted {
			return JobStatusFailed
		}
	}
	return JobStatusCompleted
}

// ContentStatusFor maps a terminal job status onto the status forced on the
// job's unfinished content rows.
func ContentStatusFor(s JobStatus) ContentStatus {
	switch s {
	case JobStatusCompleted:
		return ContentStatusCompleted
	case JobStatusCancelled:
		return ContentStatusCancelled
	default:
		return ContentStatusFailed
	}
}
