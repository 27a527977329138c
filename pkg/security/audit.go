package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AuditSink receives threat events for an external log pipeline. Export must
// never block or fail the caller.
type AuditSink interface {
	Export(event models.ThreatEvent)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Export(models.ThreatEvent) {}

// MultiSink fans events out to several sinks.
type MultiSink []AuditSink

func (m MultiSink) Export(event models.ThreatEvent) {
	for _, s := range m {
		s.Export(event)
	}
}

type AuditFormat string

const (
	JSONAuditFormat AuditFormat = "json"
	CEFAuditFormat  AuditFormat = "cef"
)

// ParseAuditFormat accepts "json" (default) or "cef".
func ParseAuditFormat(s string) (AuditFormat, error) {
	switch AuditFormat(strings.ToLower(s)) {
	case "", JSONAuditFormat:
		return JSONAuditFormat, nil
	case CEFAuditFormat:
		return CEFAuditFormat, nil
	}
	return "", errors.Errorf("unknown audit format %q", s)
}

const DefaultAuditBuffer = 256

// AsyncSink hands events to a background goroutine through a bounded buffer.
// When the buffer is full the event is dropped and counted.
type AsyncSink struct {
	events  chan models.ThreatEvent
	deliver func(models.ThreatEvent) error
	onError func(error)
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

func newAsyncSink(buffer int, deliver func(models.ThreatEvent) error, onError func(error)) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultAuditBuffer
	}
	if onError == nil {
		onError = func(error) {}
	}
	s := &AsyncSink{
		events:  make(chan models.ThreatEvent, buffer),
		deliver: deliver,
		onError: onError,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for e := range s.events {
		if err := s.deliver(e); err != nil {
			s.onError(err)
		}
	}
}

func (s *AsyncSink) Export(event models.ThreatEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits for buffered ones to be delivered.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
	return nil
}

// NewWriterSink writes one audit line per event to w in the given format.
func NewWriterSink(w io.Writer, format AuditFormat, buffer int, onError func(error)) *AsyncSink {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	if format == CEFAuditFormat {
		logger.SetFormatter(&CEFFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        logrus.FieldMap{logrus.FieldKeyMsg: "event"},
		})
	}
	return newAsyncSink(buffer, func(e models.ThreatEvent) error {
		logger.WithFields(eventFields(e)).WithTime(e.Timestamp).Log(auditLevel(e.Severity), "threat_event")
		return nil
	}, onError)
}

// Publisher is the subset of *nats.Conn used by the NATS sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NewPublisherSink publishes each event as JSON on subject.
func NewPublisherSink(pub Publisher, subject string, buffer int, onError func(error)) *AsyncSink {
	return newAsyncSink(buffer, func(e models.ThreatEvent) error {
		data, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal threat event")
		}
		return errors.Wrapf(pub.Publish(subject, data), "publish threat event to %s", subject)
	}, onError)
}

func auditLevel(s models.Severity) logrus.Level {
	switch s {
	case models.CriticalSeverity:
		return logrus.ErrorLevel
	case models.HighSeverity, models.MediumSeverity:
		return logrus.WarnLevel
	}
	return logrus.InfoLevel
}

func eventFields(e models.ThreatEvent) logrus.Fields {
	f := logrus.Fields{
		"event_id":    e.ID,
		"caller_id":   e.CallerID,
		"threat_type": string(e.Type),
		"severity":    string(e.Severity),
	}
	if e.TaskID != "" {
		f["task_id"] = e.TaskID
	}
	for k, v := range e.Details {
		f["detail_"+k] = v
	}
	return f
}

// CEFFormatter renders audit entries in ArcSight Common Event Format.
type CEFFormatter struct{}

var cefSeverity = map[string]int{
	string(models.LowSeverity):      3,
	string(models.MediumSeverity):   5,
	string(models.HighSeverity):     8,
	string(models.CriticalSeverity): 10,
}

func (f *CEFFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	threat, _ := entry.Data["threat_type"].(string)
	severity, _ := entry.Data["severity"].(string)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "threat_type" || k == "severity" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ext []string
	ext = append(ext, "rt="+cefEscapeValue(fmt.Sprint(entry.Time.UnixMilli())))
	for _, k := range keys {
		ext = append(ext, k+"="+cefEscapeValue(fmt.Sprint(entry.Data[k])))
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "CEF:0|triageflow|query-gate|1.0|%s|%s|%d|%s\n",
		cefEscapeHeader(threat),
		cefEscapeHeader(strings.ReplaceAll(strings.ToLower(threat), "_", " ")),
		cefSeverity[severity],
		strings.Join(ext, " "))
	return b.Bytes(), nil
}

// FormatCEF renders a single event as a CEF line without a trailing newline.
func FormatCEF(e models.ThreatEvent) string {
	entry := logrus.NewEntry(logrus.StandardLogger()).WithFields(eventFields(e)).WithTime(e.Timestamp)
	line, _ := (&CEFFormatter{}).Format(entry)
	return strings.TrimRight(string(line), "\n")
}

func cefEscapeHeader(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func cefEscapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
