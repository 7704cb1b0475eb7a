// Package heartbeat defines the Heartbeat record and its wire encoding.
//
// A Heartbeat is immutable once constructed: every field is set at
// creation time by the pipeline that builds it, and nothing downstream
// (the queue, the sync engine, the API client) ever mutates it.
package heartbeat

import (
	"net/url"
	"os"
	"strings"

	"github.com/chronova/chronova-cli/internal/uuid"
)

// EntityType classifies what a Heartbeat's Entity field refers to.
type EntityType string

const (
	EntityFile   EntityType = "file"
	EntityDomain EntityType = "domain"
	EntityURL    EntityType = "url"
	EntityApp    EntityType = "app"
)

// Editor describes the editor plugin that produced a heartbeat.
type Editor struct {
	Name    string  `json:"name"`
	Version *string `json:"version,omitempty"`
}

// OS describes the operating system a heartbeat was recorded on.
type OS struct {
	Name    string  `json:"name"`
	Title   *string `json:"title,omitempty"`
	Version *string `json:"version,omitempty"`
}

// Heartbeat is a single timestamped record of coding activity.
//
// EntityType is serialized to the wire as "type" (WakaTime-compatible
// naming) but kept as EntityType in Go to avoid shadowing the builtin.
type Heartbeat struct {
	ID         string     `json:"id"`
	Entity     string     `json:"entity"`
	EntityType EntityType `json:"type"`
	Time       float64    `json:"time"`

	Project            *string `json:"project,omitempty"`
	AlternateProject   *string `json:"alternate_project,omitempty"`
	Branch             *string `json:"branch,omitempty"`
	Language           *string `json:"language,omitempty"`
	AlternateLanguage  *string `json:"alternate_language,omitempty"`
	Category           *string `json:"category,omitempty"`
	IsWrite            bool    `json:"is_write,omitempty"`
	Lines              *int    `json:"lines,omitempty"`
	LineNo             *int    `json:"lineno,omitempty"`
	CursorPos          *int    `json:"cursorpos,omitempty"`
	Machine            *string `json:"machine,omitempty"`
	UserAgent          *string `json:"user_agent,omitempty"`

	Editor *Editor `json:"editor,omitempty"`
	OS     *OS     `json:"operating_system,omitempty"`

	CommitHash      *string `json:"commit_hash,omitempty"`
	CommitAuthor    *string `json:"commit_author,omitempty"`
	CommitMessage   *string `json:"commit_message,omitempty"`
	RepositoryURL   *string `json:"repository_url,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`
}

// NewID generates a fresh, stable heartbeat identifier.
func NewID() string {
	return uuid.New()
}

// InferEntityType guesses the EntityType for entity when the caller
// (CLI flag --entity-type) didn't override it explicitly:
//   - an existing path on disk is a file
//   - a string parseable as a URL with a scheme is a url
//   - a bare host-looking string (contains a dot, no scheme, no path
//     separators) is a domain
//   - anything else is an app
func InferEntityType(entity string) EntityType {
	if _, err := os.Stat(entity); err == nil {
		return EntityFile
	}

	if u, err := url.Parse(entity); err == nil && u.Scheme != "" && u.Host != "" {
		return EntityURL
	}

	if !strings.ContainsAny(entity, `/\`) && strings.Contains(entity, ".") {
		return EntityDomain
	}

	return EntityApp
}
