package security

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/triageflow/pkg/models"
)

const (
	DefaultWindow           = 60 * time.Second
	DefaultMaxRequests      = 100
	DefaultLengthMultiplier = 5.0
	DefaultMinSamples       = 5
	DefaultSmoothing        = 0.2
)

// MonitorConfig configures rate limiting and anomaly detection.
type MonitorConfig struct {
	Window           time.Duration `mapstructure:"window" yaml:"window" validate:"gt=0"`
	MaxRequests      int           `mapstructure:"max_requests" yaml:"max_requests" validate:"gte=1"`
	LengthMultiplier float64       `mapstructure:"length_multiplier" yaml:"length_multiplier" validate:"gt=1"`
	MinSamples       int           `mapstructure:"min_samples" yaml:"min_samples" validate:"gte=1"`
	Smoothing        float64       `mapstructure:"smoothing" yaml:"smoothing" validate:"gt=0,lte=1"` // EWMA weight of the newest sample
	BlockOnAnomaly   bool          `mapstructure:"block_on_anomaly" yaml:"block_on_anomaly"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:           DefaultWindow,
		MaxRequests:      DefaultMaxRequests,
		LengthMultiplier: DefaultLengthMultiplier,
		MinSamples:       DefaultMinSamples,
		Smoothing:        DefaultSmoothing,
	}
}

// ResourcePolicy decides whether a resource sits close to the protected namespace.
type ResourcePolicy interface {
	NearProtected(resource string) bool
}

type prefixPolicy struct{}

func (prefixPolicy) NearProtected(resource string) bool {
	return strings.HasPrefix(resource, "_")
}

// Request is one query attempt presented to the monitor.
type Request struct {
	CallerID  string
	TaskID    string
	Query     string
	Resources []string
}

// Decision is the monitor's verdict for a request.
type Decision struct {
	Allowed bool
	Events  []models.ThreatEvent
}

// Reason describes why a request was refused, or "" if it was allowed.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	for _, e := range d.Events {
		if e.Type == models.RateLimitExceededThreat {
			return fmt.Sprintf("rate limit exceeded for caller '%s'", e.CallerID)
		}
	}
	if len(d.Events) > 0 {
		return fmt.Sprintf("refused by anomaly detection: %s", d.Events[0].Type)
	}
	return "refused by runtime monitor"
}

// Monitor tracks per-caller behaviour across queries and emits threat events.
type Monitor struct {
	cfg    MonitorConfig
	store  BaselineStore
	policy ResourcePolicy
	sink   AuditSink
	now    func() time.Time
	newID  func() string
}

type MonitorOption func(*Monitor)

// WithClock injects the time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithAuditSink exports every emitted event to sink.
func WithAuditSink(sink AuditSink) MonitorOption {
	return func(m *Monitor) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithResourcePolicy sets how protected-resource proximity is judged.
func WithResourcePolicy(p ResourcePolicy) MonitorOption {
	return func(m *Monitor) {
		if p != nil {
			m.policy = p
		}
	}
}

// NewMonitor creates a monitor over store. Zero config fields take defaults.
func NewMonitor(cfg MonitorConfig, store BaselineStore, opts ...MonitorOption) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.LengthMultiplier <= 1 {
		cfg.LengthMultiplier = def.LengthMultiplier
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if store == nil {
		store = NewMemoryBaselineStore()
	}
	m := &Monitor{
		cfg:    cfg,
		store:  store,
		policy: prefixPolicy{},
		sink:   NopSink{},
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndRecord applies rate limiting and anomaly detection for one query.
func (m *Monitor) CheckAndRecord(callerID, query string, resources []string) Decision {
	return m.Check(Request{CallerID: callerID, Query: query, Resources: resources})
}

// Check is CheckAndRecord with task attribution.
func (m *Monitor) Check(req Request) Decision {
	now := m.now()
	decision := Decision{Allowed: true}

	m.store.With(req.CallerID, func(b *models.CallerBaseline) {
		b.LastSeen = now
		cutoff := now.Add(-m.cfg.Window)
		i := 0
		for i < len(b.RequestTimes) && !b.RequestTimes[i].After(cutoff) {
			i++
		}
		b.RequestTimes = b.RequestTimes[i:]

		if len(b.RequestTimes) >= m.cfg.MaxRequests {
			decision.Allowed = false
			decision.Events = append(decision.Events, m.event(req, now, models.RateLimitExceededThreat, models.HighSeverity, map[string]any{
				"limit":    m.cfg.MaxRequests,
				"window":   m.cfg.Window.String(),
				"requests": len(b.RequestTimes) + 1,
			}))
			return
		}
		b.RequestTimes = append(b.RequestTimes, now)

		length := utf8.RuneCountInString(req.Query)
		anomalous := false
		if b.Samples >= m.cfg.MinSamples && b.AverageLength > 0 &&
			float64(length) > m.cfg.LengthMultiplier*b.AverageLength {
			anomalous = true
			decision.Events = append(decision.Events, m.event(req, now, models.AnomalousQueryLengthThreat, models.MediumSeverity, map[string]any{
				"length":     length,
				"average":    b.AverageLength,
				"multiplier": m.cfg.LengthMultiplier,
			}))
		}
		if b.Samples > 0 {
			var unseen []string
			for _, r := range req.Resources {
				if _, known := b.KnownResources[r]; !known && m.policy.NearProtected(r) {
					unseen = append(unseen, r)
				}
			}
			if len(unseen) > 0 {
				anomalous = true
				decision.Events = append(decision.Events, m.event(req, now, models.AnomalousResourceAccessThreat, models.HighSeverity, map[string]any{
					"resources": unseen,
				}))
			}
		}
		if anomalous && m.cfg.BlockOnAnomaly {
			decision.Allowed = false
			return
		}

		if b.Samples == 0 {
			b.AverageLength = float64(length)
		} else {
			b.AverageLength = m.cfg.Smoothing*float64(length) + (1-m.cfg.Smoothing)*b.AverageLength
		}
		b.Samples++
		for _, r := range req.Resources {
			b.KnownResources[r] = struct{}{}
		}
	})

	m.export(decision.Events)
	return decision
}

// RecordViolations turns a validator rejection into threat events: injection
// attempts for structural bypasses, exfiltration indicators for output chains.
func (m *Monitor) RecordViolations(req Request, violations []models.SecurityViolation) []models.ThreatEvent {
	now := m.now()
	var (
		events    []models.ThreatEvent
		injection []string
		worst     models.Severity
		exfil     bool
	)
	for _, v := range violations {
		switch v.Type {
		case models.SubsearchViolation, models.ForbiddenCommandViolation, models.ProtectedResourceAccessViolation:
			injection = append(injection, string(v.Type))
			if v.Severity.Rank() > worst.Rank() {
				worst = v.Severity
			}
		case models.SuspiciousPatternViolation:
			if v.Pattern == ExfiltrationPattern {
				exfil = true
			}
		}
	}
	if len(injection) > 0 {
		events = append(events, m.event(req, now, models.InjectionAttemptThreat, worst, map[string]any{
			"violations":   injection,
			"query_length": utf8.RuneCountInString(req.Query),
		}))
	}
	if exfil {
		events = append(events, m.event(req, now, models.ExfiltrationIndicatorThreat, models.HighSeverity, map[string]any{
			"pattern":      ExfiltrationPattern,
			"query_length": utf8.RuneCountInString(req.Query),
		}))
	}
	m.export(events)
	return events
}

// Baselines exposes the underlying store.
func (m *Monitor) Baselines() BaselineStore {
	return m.store
}

func (m *Monitor) event(req Request, now time.Time, t models.ThreatType, sev models.Severity, details map[string]any) models.ThreatEvent {
	return models.ThreatEvent{
		ID:        m.newID(),
		CallerID:  req.CallerID,
		TaskID:    req.TaskID,
		Timestamp: now,
		Type:      t,
		Severity:  sev,
		Details:   details,
	}
}

func (m *Monitor) export(events []models.ThreatEvent) {
	for _, e := range events {
		m.sink.Export(e)
	}
}
