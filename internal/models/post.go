package models

import (
	"errors"
	"fmt"
	"time"
)

// PostRecord is a unit of content stored in the posts index.
type PostRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Content     string     `json:"content,omitempty"`
	URL         string     `json:"url,omitempty"`
	Images      []string   `json:"images"`
	VideoURL    string     `json:"videoUrl,omitempty"`
	Priority    int        `json:"priority"`
	IsPosted    bool       `json:"isPosted"`
	PostedAt    *time.Time `json:"postedAt,omitempty"`
	MicroblogID string     `json:"microblogId,omitempty"`
	FeedPageID  string     `json:"feedPageId,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HasPlatformID reports whether a prior new publish left an id on either platform.
func (r PostRecord) HasPlatformID() bool {
	return r.MicroblogID != "" || r.FeedPageID != ""
}

// Patch names the fields to merge into a stored record. Nil fields are left untouched.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Content     *string    `json:"content,omitempty"`
	Images      []string   `json:"images,omitempty"`
	IsPosted    *bool      `json:"isPosted,omitempty"`
	PostedAt    *time.Time `json:"postedAt,omitempty"`
	MicroblogID *string    `json:"microblogId,omitempty"`
	FeedPageID  *string    `json:"feedPageId,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// IsEmpty is true when the patch would not change anything.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.Images == nil && p.IsPosted == nil &&
		p.PostedAt == nil && p.MicroblogID == nil && p.FeedPageID == nil && p.UpdatedAt == nil
}

// Apply returns a copy of r with the patch merged in. r is not modified.
func (p Patch) Apply(r PostRecord) PostRecord {
	out := r
	out.Images = append([]string(nil), r.Images...)
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Images != nil {
		out.Images = append([]string(nil), p.Images...)
	}
	if p.IsPosted != nil {
		out.IsPosted = *p.IsPosted
	}
	if p.PostedAt != nil {
		ts := *p.PostedAt
		out.PostedAt = &ts
	}
	if p.MicroblogID != nil {
		out.MicroblogID = *p.MicroblogID
	}
	if p.FeedPageID != nil {
		out.FeedPageID = *p.FeedPageID
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}

// PublishOutcome is what a single platform call produced.
type PublishOutcome struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ErrPlatformSkipped marks a platform that was deliberately not called for a strategy.
var ErrPlatformSkipped = errors.New("platform skipped")

// StoreError wraps a failed record store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
