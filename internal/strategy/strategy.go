// Package strategy decides how a record is published: video, reshare, new post with images or text only.
package strategy

import "github.com/DeafMist/post-relay/internal/models"

// Strategy is one of the mutually exclusive ways a record gets published.
type Strategy int

const (
	NewTextOnly Strategy = iota
	NewWithImages
	Reshare
	VideoPublish
)

func (s Strategy) String() string {
	switch s {
	case NewTextOnly:
		return "new_text"
	case NewWithImages:
		return "new_images"
	case Reshare:
		return "reshare"
	case VideoPublish:
		return "video"
	default:
		return "unknown"
	}
}

// IsNew reports whether the strategy posts new text or image content to both platforms.
func (s Strategy) IsNew() bool {
	return s == NewTextOnly || s == NewWithImages
}

// Select picks the publish strategy for a record. Video wins over everything,
// then reshare (only for records with a prior platform id), then images, then text.
func Select(r models.PostRecord, resharingEnabled bool) Strategy {
	switch {
	case r.VideoURL != "":
		return VideoPublish
	case resharingEnabled && r.HasPlatformID():
		return Reshare
	case len(r.Images) > 0:
		return NewWithImages
	default:
		return NewTextOnly
	}
}
