// Package pipeline implements the Heartbeat Pipeline: it turns one CLI
// invocation into zero or more durable queue entries and triggers an
// opportunistic sync, per the five-step algorithm the agent has always
// followed (ignore check, construction, extra-heartbeat parsing,
// enqueue, opportunistic sync).
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chronova/chronova-cli/internal/collector"
	"github.com/chronova/chronova-cli/internal/heartbeat"
	"github.com/chronova/chronova-cli/internal/logging"
	"github.com/chronova/chronova-cli/internal/queue"
	"github.com/chronova/chronova-cli/internal/syncengine"
)

// Store is the subset of queue.Store the pipeline enqueues through.
type Store interface {
	Add(h heartbeat.Heartbeat) error
	CountByStatus(status queue.SyncStatus) (int, error)
}

// Engine is the subset of syncengine.Engine the pipeline triggers.
type Engine interface {
	ManualSync(ctx context.Context, limit int) (syncengine.Result, error)
}

// Collector is the subset of collector.Collector used for enrichment.
type Collector interface {
	DetectProject(entityPath string) (collector.ProjectInfo, bool)
	DetectGitInfo(entityPath string) (collector.GitInfo, bool)
	DetectLanguage(entityPath string) (string, bool)
}

// Pipeline wires a Store, an Engine and a Collector together.
type Pipeline struct {
	store     Store
	engine    Engine
	collector Collector

	ignorePatterns  []string
	includePatterns []string
	hideFileNames   bool
	hideProjectName bool
	userAgent       string

	// OpportunisticSyncDeadline bounds step 5's best-effort sync so a
	// single slow invocation never blocks the user noticeably. Defaults
	// to 3s when zero.
	OpportunisticSyncDeadline time.Duration
}

// Option configures optional Pipeline behavior at construction.
type Option func(*Pipeline)

// WithIgnorePatterns sets the glob patterns step 1 checks the entity
// against.
func WithIgnorePatterns(patterns []string) Option {
	return func(p *Pipeline) { p.ignorePatterns = patterns }
}

// WithIncludePatterns sets the override patterns that win over ignore
// patterns.
func WithIncludePatterns(patterns []string) Option {
	return func(p *Pipeline) { p.includePatterns = patterns }
}

// WithPrivacy controls whether file and project names are redacted
// before being written to a Heartbeat.
func WithPrivacy(hideFileNames, hideProjectNames bool) Option {
	return func(p *Pipeline) {
		p.hideFileNames = hideFileNames
		p.hideProjectName = hideProjectNames
	}
}

// WithUserAgent sets the user_agent field stamped onto every
// constructed heartbeat.
func WithUserAgent(ua string) Option {
	return func(p *Pipeline) { p.userAgent = ua }
}

// New builds a Pipeline from its three collaborators.
func New(store Store, engine Engine, coll Collector, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, engine: engine, collector: coll, OpportunisticSyncDeadline: 3 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request captures everything one CLI invocation contributes toward
// constructing its primary Heartbeat.
type Request struct {
	Entity            string
	EntityType        heartbeat.EntityType // empty to infer
	Time              float64              // zero to use now
	Project           string
	AlternateProject  string
	Language          string
	AlternateLanguage string
	Category          string
	Lines             *int
	LineNo            *int
	CursorPos         *int
	IsWrite           bool
	Plugin            string

	// ExtraHeartbeats is the raw JSON array read from stdin for
	// --extra-heartbeats, or nil if the flag wasn't used.
	ExtraHeartbeats []byte
}

// Result reports what the pipeline did.
type Result struct {
	Ignored     bool
	Enqueued    int
	Warnings    []string
	SyncResult  *syncengine.Result
	SyncErr     error
}

// Run executes the five-step algorithm for one invocation.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	var result Result

	if req.Entity != "" && p.isIgnored(req.Entity) {
		result.Ignored = true
		return result, nil
	}

	primary, err := p.build(req)
	if err != nil {
		return result, err
	}

	heartbeats := []heartbeat.Heartbeat{primary}

	if len(req.ExtraHeartbeats) > 0 {
		extra, warnings, err := heartbeat.DecodeExtra(req.ExtraHeartbeats)
		if err != nil {
			return result, fmt.Errorf("extra heartbeats: %w", err)
		}
		heartbeats = append(heartbeats, extra...)
		result.Warnings = warnings
	}

	for _, h := range heartbeats {
		if err := p.store.Add(h); err != nil {
			return result, fmt.Errorf("enqueue heartbeat %s: %w", h.ID, err)
		}
		result.Enqueued++
	}

	deadline := p.OpportunisticSyncDeadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	syncCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	syncResult, syncErr := p.engine.ManualSync(syncCtx, 0)
	if syncErr != nil {
		logging.Warn("opportunistic sync failed", map[string]interface{}{"error": syncErr.Error()})
		result.SyncErr = syncErr
	} else {
		result.SyncResult = &syncResult
	}

	return result, nil
}

func (p *Pipeline) isIgnored(entity string) bool {
	for _, pattern := range p.includePatterns {
		if matched, _ := filepath.Match(pattern, entity); matched {
			return false
		}
	}
	for _, pattern := range p.ignorePatterns {
		if matched, _ := filepath.Match(pattern, entity); matched {
			return true
		}
	}
	return false
}

func (p *Pipeline) build(req Request) (heartbeat.Heartbeat, error) {
	if req.Entity == "" {
		return heartbeat.Heartbeat{}, fmt.Errorf("entity must not be empty")
	}

	entityType := req.EntityType
	if entityType == "" {
		entityType = heartbeat.InferEntityType(req.Entity)
	}

	t := req.Time
	if t == 0 {
		t = float64(time.Now().UnixNano()) / 1e9
	}

	h := heartbeat.Heartbeat{
		ID:         heartbeat.NewID(),
		Entity:     p.redactEntity(req.Entity, entityType),
		EntityType: entityType,
		Time:       t,
		IsWrite:    req.IsWrite,
	}

	p.enrich(&h, req)

	if err := heartbeat.Validate(&h); err != nil {
		return heartbeat.Heartbeat{}, err
	}
	return h, nil
}

func (p *Pipeline) redactEntity(entity string, entityType heartbeat.EntityType) string {
	if entityType == heartbeat.EntityFile && p.hideFileNames {
		return "HIDDEN" + filepath.Ext(entity)
	}
	return entity
}

func (p *Pipeline) enrich(h *heartbeat.Heartbeat, req Request) {
	if req.Project != "" {
		h.Project = strPtr(req.Project)
	} else if p.collector != nil && h.EntityType == heartbeat.EntityFile {
		if info, ok := p.collector.DetectProject(req.Entity); ok {
			name := info.Name
			if p.hideProjectName {
				name = "hidden project"
			}
			h.Project = strPtr(name)
		}
	}
	if req.AlternateProject != "" {
		h.AlternateProject = strPtr(req.AlternateProject)
	}

	if req.Language != "" {
		h.Language = strPtr(req.Language)
	} else if p.collector != nil {
		if lang, ok := p.collector.DetectLanguage(req.Entity); ok {
			h.Language = strPtr(lang)
		}
	}
	if req.AlternateLanguage != "" {
		h.AlternateLanguage = strPtr(req.AlternateLanguage)
	}

	if req.Category != "" {
		h.Category = strPtr(req.Category)
	}
	h.Lines = req.Lines
	h.LineNo = req.LineNo
	h.CursorPos = req.CursorPos

	if p.collector != nil && h.EntityType == heartbeat.EntityFile {
		if git, ok := p.collector.DetectGitInfo(req.Entity); ok {
			if git.Branch != "" {
				h.Branch = strPtr(git.Branch)
			}
			if git.CommitHash != "" {
				h.CommitHash = strPtr(git.CommitHash)
			}
			if git.CommitAuthor != "" {
				h.CommitAuthor = strPtr(git.CommitAuthor)
			}
			if git.CommitMessage != "" {
				h.CommitMessage = strPtr(git.CommitMessage)
			}
			if git.RepositoryURL != "" {
				h.RepositoryURL = strPtr(git.RepositoryURL)
			}
		}
	}

	if hostname, err := os.Hostname(); err == nil {
		h.Machine = strPtr(hostname)
	}
	if p.userAgent != "" {
		h.UserAgent = strPtr(p.userAgent)
	}
	if req.Plugin != "" {
		h.Editor = &heartbeat.Editor{Name: req.Plugin}
	}
}

func strPtr(s string) *string { return &s }

// OfflineCount implements --offline-count: Pending + Failed entries
// currently sitting in the queue.
func (p *Pipeline) OfflineCount() (int, error) {
	pending, err := p.store.CountByStatus(queue.Pending)
	if err != nil {
		return 0, err
	}
	failed, err := p.store.CountByStatus(queue.Failed)
	if err != nil {
		return 0, err
	}
	return pending + failed, nil
}
