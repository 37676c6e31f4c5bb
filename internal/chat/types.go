// Package chat defines the data model shared by the chat client core and the
// reference backend: messages, threads, permissions, and push frames.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// ResourceType identifies what a chat thread is attached to.
type ResourceType string

const (
	// ResourceStory is a chat attached to a story.
	ResourceStory ResourceType = "story"

	// ResourceProject is a chat attached to a project.
	ResourceProject ResourceType = "project"
)

// ParseResourceType validates a resource type string.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(strings.ToLower(strings.TrimSpace(s))) {
	case ResourceStory:
		return ResourceStory, nil
	case ResourceProject:
		return ResourceProject, nil
	default:
		return "", fmt.Errorf("unknown chat type %q (must be 'story' or 'project')", s)
	}
}

// ThreadKey identifies one chat thread.
type ThreadKey struct {
	Type ResourceType
	ID   string
}

// String returns "type/id", used in logs and as a map key.
func (k ThreadKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// Validate checks that the key names a known resource type and a non-empty id.
func (k ThreadKey) Validate() error {
	if _, err := ParseResourceType(string(k.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if strings.ContainsAny(k.ID, "/?#") {
		return fmt.Errorf("chat id %q contains reserved characters", k.ID)
	}
	return nil
}

// Attachment is an opaque file reference carried by a message.
// URL is produced by an external encoder (typically a data URL).
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ChatMessage is one entry in a thread. The JSON layout matches the portal's
// REST API.
type ChatMessage struct {
	ID         string      `json:"id"`
	AuthorID   string      `json:"authorId"`
	Timestamp  string      `json:"timestamp"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Time parses the message timestamp. A zero time is returned for values that
// are not RFC 3339.
func (m ChatMessage) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTimestamp renders t the way messages carry it on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Permissions are precomputed by the caller and read-only to the core.
type Permissions struct {
	CanView bool
	CanChat bool
}

// FullAccess is a convenience value for callers that have already
// authorized the user.
var FullAccess = Permissions{CanView: true, CanChat: true}
