package session

import (
	"isokb/internal/metrics"

	"go.uber.org/zap"
)

// Config holds the manager's session policy.
type Config struct {
	// ReclaimStaleLabels force-disposes the live session holding a label
	// when a new session is created with that label.
	ReclaimStaleLabels bool

	// DefaultQueryLimit applies to queries without WithLimit. Zero means
	// unlimited.
	DefaultQueryLimit int
}

// DefaultConfig returns the default session policy.
func DefaultConfig() Config {
	return Config{ReclaimStaleLabels: true}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConfig sets the session policy.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.config = cfg }
}

// WithLogger sets the manager's logger. The registry logs through a
// "registry" child of it.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRegistryLogger sets the logger used for registry transitions.
func WithRegistryLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.registryLogger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// Option configures a new session.
type Option func(*createOptions)

type createOptions struct {
	label   string
	initial []string
}

// WithLabel names the session, typically after the notebook cell that owns
// it. Labels are not unique identifiers; see Config.ReclaimStaleLabels.
func WithLabel(label string) Option {
	return func(o *createOptions) { o.label = label }
}

// WithInitialKnowledgeBase consults clauses into the new session before it
// is returned. Each string may hold several clauses.
func WithInitialKnowledgeBase(clauses ...string) Option {
	return func(o *createOptions) { o.initial = append(o.initial, clauses...) }
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	limit    int
	limitSet bool
}

// WithLimit stops the cursor after n solutions. Zero lifts any default
// limit.
func WithLimit(n int) QueryOption {
	return func(o *queryOptions) {
		o.limit = n
		o.limitSet = true
	}
}
