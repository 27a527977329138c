package security_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threatEvent() models.ThreatEvent {
	return models.ThreatEvent{
		ID:        "evt-1",
		CallerID:  "agent-1",
		TaskID:    "triage",
		Timestamp: time.UnixMilli(1700000000000).UTC(),
		Type:      models.RateLimitExceededThreat,
		Severity:  models.HighSeverity,
		Details:   map[string]any{"limit": 3, "query": "a=b"},
	}
}

func TestWriterSink_JSON(t *testing.T) {
	var buf bytes.Buffer
	sink := security.NewWriterSink(&buf, security.JSONAuditFormat, 8, nil)
	sink.Export(threatEvent())
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "threat_event", entry["event"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "evt-1", entry["event_id"])
	assert.Equal(t, "agent-1", entry["caller_id"])
	assert.Equal(t, "triage", entry["task_id"])
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", entry["threat_type"])
	assert.Equal(t, "HIGH", entry["severity"])
	assert.Equal(t, float64(3), entry["detail_limit"])
	assert.Equal(t, "2023-11-14T22:13:20Z", entry["time"])
}

func TestWriterSink_CEF(t *testing.T) {
	var buf bytes.Buffer
	sink := security.NewWriterSink(&buf, security.CEFAuditFormat, 8, nil)
	e := threatEvent()
	e.Type = models.InjectionAttemptThreat
	e.Severity = models.CriticalSeverity
	e.Details = nil
	sink.Export(e)
	require.NoError(t, sink.Close())

	assert.Equal(t,
		"CEF:0|triageflow|query-gate|1.0|INJECTION_ATTEMPT|injection attempt|10|rt=1700000000000 caller_id=agent-1 event_id=evt-1 task_id=triage\n",
		buf.String())
}

func TestFormatCEF(t *testing.T) {
	line := security.FormatCEF(threatEvent())
	assert.Equal(t,
		`CEF:0|triageflow|query-gate|1.0|RATE_LIMIT_EXCEEDED|rate limit exceeded|8|rt=1700000000000 caller_id=agent-1 detail_limit=3 detail_query=a\=b event_id=evt-1 task_id=triage`,
		line)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	started  chan struct{}
	release  chan struct{}
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestPublisherSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := security.NewPublisherSink(pub, security.DefaultAuditSubject, 8, nil)
	sink.Export(threatEvent())
	require.NoError(t, sink.Close())

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "triageflow.audit.threats", pub.subjects[0])

	var got models.ThreatEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, models.RateLimitExceededThreat, got.Type)
	assert.Equal(t, "agent-1", got.CallerID)
}

func TestPublisherSink_ReportsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection closed")}
	var (
		mu   sync.Mutex
		errs []error
	)
	sink := security.NewPublisherSink(pub, "audit", 8, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	sink.Export(threatEvent())
	require.NoError(t, sink.Close())

	require.Len(t, errs, 1)
	assert.Equal(t, "publish threat event to audit: connection closed", errs[0].Error())
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{started: make(chan struct{}, 4), release: make(chan struct{})}
	sink := security.NewPublisherSink(pub, "audit", 1, nil)

	sink.Export(threatEvent())
	<-pub.started // first event is being delivered
	sink.Export(threatEvent())
	sink.Export(threatEvent())
	assert.Equal(t, int64(1), sink.Dropped())

	close(pub.release)
	require.NoError(t, sink.Close())
	assert.Len(t, pub.payloads, 2)

	sink.Export(threatEvent())
	assert.Equal(t, int64(2), sink.Dropped(), "events after close are dropped")
	assert.NoError(t, sink.Close())
}

func TestMultiSink(t *testing.T) {
	a, b := &collectingSink{}, &collectingSink{}
	security.MultiSink{a, security.NopSink{}, b}.Export(threatEvent())
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestParseAuditFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    security.AuditFormat
		wantErr bool
	}{
		{"", security.JSONAuditFormat, false},
		{"json", security.JSONAuditFormat, false},
		{"CEF", security.CEFAuditFormat, false},
		{"syslog", "", true},
	}
	for _, tt := range tests {
		got, err := security.ParseAuditFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
