package types

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Attachment is a single file produced by a data collector
type Attachment struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// AttachmentSet groups the attachments produced under one collector URI
type AttachmentSet struct {
	URI         string       `json:"uri"`
	DisplayName string       `json:"display_name"`
	Attachments []Attachment `json:"attachments"`
}

// LocalPath resolves the attachment URI to a filesystem path.
// file:// URIs are decoded, anything else is treated as a plain path.
func (a Attachment) LocalPath() string {
	if !strings.HasPrefix(a.URI, "file://") {
		return a.URI
	}
	u, err := url.Parse(a.URI)
	if err != nil {
		return strings.TrimPrefix(a.URI, "file://")
	}
	return filepath.FromSlash(u.Path)
}

// FileAttachment builds an attachment for a local file path
func FileAttachment(path, description string) Attachment {
	return Attachment{URI: path, Description: description}
}

// CloneSets returns a shallow copy of the set slice.
func CloneSets(sets []AttachmentSet) []AttachmentSet {
	if sets == nil {
		return nil
	}
	out := make([]AttachmentSet, len(sets))
	copy(out, sets)
	return out
}
