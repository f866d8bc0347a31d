// Package pipeline is the Heartbeat Pipeline: it turns one CLI invocation
// (plus any --extra-heartbeats on stdin) into zero or more durable Pending
// queue entries, then triggers an opportunistic sync.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/collector"
	"github.com/nx-solutions-ug/chronova-cli/internal/queue"
	"github.com/nx-solutions-ug/chronova-cli/internal/types"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
)

// DefaultSyncDeadline bounds the opportunistic sync triggered after
// enqueueing, so a slow or offline network never blocks the invocation.
const DefaultSyncDeadline = 3 * time.Second

// Params describes one CLI invocation's heartbeat fields, prior to
// enrichment.
type Params struct {
	Entity            string
	EntityType        types.EntityType // empty triggers inference
	Time              float64          // zero triggers "now"
	Project           string
	AlternateProject  string
	Branch            string
	Language          string
	AlternateLanguage string
	Category          string
	IsWrite           bool
	Lines             *int64
	LineNo            *int64
	CursorPos         *int64
	Plugin            string

	IgnorePatterns []string
	IncludePatterns []string

	ExtraHeartbeats io.Reader // optional JSON array from --extra-heartbeats
}

// Result reports what the pipeline did with one invocation.
type Result struct {
	Skipped        bool // true if entity matched an ignore pattern
	Enqueued       int
	DroppedExtras  []error // invalid --extra-heartbeats entries, logged not fatal
	SyncErr        error   // opportunistic sync failure, logged not fatal
}

// Pipeline wires the metadata collector, queue store, and sync engine
// together.
type Pipeline struct {
	store      queue.Store
	sync       *syncRunner
	collector  *collector.Collector
	version    string
	logger     *slog.Logger
	syncDeadline time.Duration
}

// syncRunner holds the opportunistic sync callback. Callers wrap
// SyncPending into a func(ctx) error, so pipeline need not import
// syncengine's concrete SyncResult type.
type syncRunner struct {
	fn func(ctx context.Context) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithSyncDeadline overrides DefaultSyncDeadline.
func WithSyncDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.syncDeadline = d }
}

// New builds a Pipeline. syncFn performs one opportunistic sync pass
// (typically (*syncengine.Engine).SyncPending wrapped to discard its
// SyncResult); a nil syncFn disables the opportunistic-sync step, useful
// for --offline.
func New(store queue.Store, version string, syncFn func(ctx context.Context) error, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		collector:    collector.New(),
		version:      version,
		logger:       slog.Default(),
		syncDeadline: DefaultSyncDeadline,
	}
	if syncFn != nil {
		p.sync = &syncRunner{fn: syncFn}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full pipeline for one invocation.
func (p *Pipeline) Run(ctx context.Context, params Params) (Result, error) {
	if matchesIgnore(params.Entity, params.IgnorePatterns, params.IncludePatterns) {
		return Result{Skipped: true}, nil
	}

	heartbeats := []types.Heartbeat{p.build(params)}

	var result Result
	if params.ExtraHeartbeats != nil {
		extras, dropped := p.parseExtraHeartbeats(params.ExtraHeartbeats)
		heartbeats = append(heartbeats, extras...)
		result.DroppedExtras = dropped
		for _, err := range dropped {
			p.logger.Warn("dropped invalid extra heartbeat", "component", "pipeline", "error", err)
		}
	}

	for _, hb := range heartbeats {
		if err := p.store.Add(ctx, hb); err != nil {
			return result, fmt.Errorf("enqueue heartbeat: %w", err)
		}
		result.Enqueued++
	}

	if p.sync != nil {
		syncCtx, cancel := context.WithTimeout(ctx, p.syncDeadline)
		defer cancel()
		if err := p.sync.fn(syncCtx); err != nil {
			result.SyncErr = err
			p.logger.Warn("opportunistic sync failed, entries remain queued",
				"component", "pipeline", "error", err)
		}
	}

	return result, nil
}

// build constructs a Heartbeat from params, filling id/time/entity_type
// and enriching with collector-derived project/language/git metadata when
// params didn't already supply them.
func (p *Pipeline) build(params Params) types.Heartbeat {
	hb := types.Heartbeat{
		ID:                ulid.Make().String(),
		Entity:            params.Entity,
		EntityType:        params.EntityType,
		Project:           params.Project,
		AlternateProject:  params.AlternateProject,
		Branch:            params.Branch,
		Language:          params.Language,
		AlternateLanguage: params.AlternateLanguage,
		Category:          params.Category,
		IsWrite:           params.IsWrite,
		Lines:             params.Lines,
		LineNo:            params.LineNo,
		CursorPos:         params.CursorPos,
		UserAgent:         collector.UserAgent(p.version, params.Plugin),
	}

	if hb.EntityType == "" {
		hb.EntityType = collector.InferEntityType(params.Entity)
	}

	if params.Time == 0 {
		hb.Time = float64(time.Now().UnixNano()) / 1e9
	} else {
		hb.Time = params.Time
	}

	if hb.EntityType == types.EntityFile {
		if hb.Project == "" {
			if proj, ok := p.collector.DetectProject(params.Entity); ok {
				hb.Project = proj
			}
		}
		if hb.Branch == "" {
			if info, ok := p.collector.DetectGitInfo(params.Entity); ok {
				hb.Branch = info.Branch
			}
		}
		if hb.Language == "" {
			if lang, ok := p.collector.DetectLanguage(params.Entity); ok {
				hb.Language = lang
			}
		}
	}

	return hb
}

// parseExtraHeartbeats parses a JSON array of heartbeats from r, validating
// each and collecting failures into a multierr.Error rather than aborting
// the whole batch.
func (p *Pipeline) parseExtraHeartbeats(r io.Reader) ([]types.Heartbeat, []error) {
	var raw []types.Heartbeat
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, []error{fmt.Errorf("parse extra heartbeats: %w", err)}
	}

	var valid []types.Heartbeat
	var errs error
	for i, hb := range raw {
		if fieldErr := validateEntity(hb.Entity); fieldErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, *fieldErr))
			continue
		}
		if fieldErr := validateTime(hb.Time); fieldErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, *fieldErr))
			continue
		}
		if hb.ID == "" {
			hb.ID = ulid.Make().String()
		}
		if hb.EntityType == "" {
			hb.EntityType = collector.InferEntityType(hb.Entity)
		}
		valid = append(valid, hb)
	}

	return valid, multierr.Errors(errs)
}

// matchesIgnore reports whether entity should be skipped: it matches an
// ignore pattern and no include pattern overrides it.
func matchesIgnore(entity string, ignore, include []string) bool {
	for _, pattern := range include {
		if matchPattern(pattern, entity) {
			return false
		}
	}
	for _, pattern := range ignore {
		if matchPattern(pattern, entity) {
			return true
		}
	}
	return false
}

// matchPattern matches entity against a shell-glob-style pattern (as
// filepath.Match), falling back to a plain substring match whenever the
// glob does not match, so unanchored fragments like "node_modules" match
// anywhere in the path.
func matchPattern(pattern, entity string) bool {
	if ok, err := filepath.Match(pattern, entity); err == nil && ok {
		return true
	}
	return strings.Contains(entity, pattern)
}
