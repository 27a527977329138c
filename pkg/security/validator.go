package security

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
)

// Mode selects how much of the validation pipeline runs.
type Mode int

const (
	// StrictMode stops at the first blocking violation.
	StrictMode Mode = iota
	// ReportMode runs every check and returns every violation.
	ReportMode
)

func (m Mode) String() string {
	if m == ReportMode {
		return "report"
	}
	return "strict"
}

// ParseMode accepts "strict" or "report" (case-insensitive). Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return StrictMode, nil
	case "report":
		return ReportMode, nil
	}
	return StrictMode, errors.Errorf("unknown validation mode %q; must be 'strict' or 'report'", s)
}

const (
	DefaultMaxQueryLength   = 4096
	DefaultMaxPipelineDepth = 15
)

// DefaultAllowedCommands lists the pipeline commands permitted out of the box:
// filtering, aggregation, field extraction and formatting.
var DefaultAllowedCommands = []string{
	"search", "where", "stats", "eventstats", "streamstats", "tstats", "timechart", "chart",
	"table", "fields", "rename", "eval", "rex", "spath", "extract", "sort", "head", "tail",
	"dedup", "top", "rare", "bin", "bucket", "fillnull", "makemv", "mvexpand", "metadata",
	"transaction", "makeresults", "convert", "addinfo", "lookup",
}

// hardDeniedCommands execute code, write outside the search, or reach other processes.
// They are rejected whatever the allow-list says.
var hardDeniedCommands = map[string]string{
	"script":         "executes external scripts",
	"run":            "executes external scripts",
	"runshellscript": "executes shell scripts",
	"sendemail":      "sends data outside the platform",
	"sendalert":      "triggers external alert actions",
	"outputlookup":   "writes lookup files",
	"outputcsv":      "writes files to disk",
	"outputtext":     "writes files to disk",
	"collect":        "writes events into an index",
	"tscollect":      "writes events into a namespace",
	"mcollect":       "writes metrics into an index",
	"meventcollect":  "writes metrics into an index",
	"delete":         "removes indexed data",
	"map":            "runs one search per result",
	"dbxquery":       "queries external databases",
	"rest":           "calls platform REST endpoints",
}

// DefaultProtectedResources are internal indexes ordinary queries must not read.
var DefaultProtectedResources = []string{
	"_audit", "_internal", "_introspection", "_telemetry", "_configtracker",
}

// PatternConfig adds a suspicious-pattern heuristic.
type PatternConfig struct {
	Name          string `mapstructure:"name" yaml:"name" validate:"required"`
	Regex         string `mapstructure:"regex" yaml:"regex" validate:"required"`
	Message       string `mapstructure:"message" yaml:"message"`
	NearProtected bool   `mapstructure:"near_protected" yaml:"near_protected"` // Only fires if a protected name appears too
}

// ValidatorConfig configures the query validator. Limits are inclusive.
type ValidatorConfig struct {
	MaxQueryLength     int             `mapstructure:"max_query_length" yaml:"max_query_length" validate:"gte=1"`
	MaxPipelineDepth   int             `mapstructure:"max_pipeline_depth" yaml:"max_pipeline_depth" validate:"gte=1"`
	AllowedCommands    []string        `mapstructure:"allowed_commands" yaml:"allowed_commands"`
	ProtectedResources []string        `mapstructure:"protected_resources" yaml:"protected_resources"`
	ExemptCallers      []string        `mapstructure:"exempt_callers" yaml:"exempt_callers"`
	BlockSuspicious    bool            `mapstructure:"block_suspicious" yaml:"block_suspicious"`
	ExtraPatterns      []PatternConfig `mapstructure:"extra_patterns" yaml:"extra_patterns" validate:"omitempty,dive"`
}

// DefaultValidatorConfig returns the built-in policy.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxQueryLength:     DefaultMaxQueryLength,
		MaxPipelineDepth:   DefaultMaxPipelineDepth,
		AllowedCommands:    append([]string(nil), DefaultAllowedCommands...),
		ProtectedResources: append([]string(nil), DefaultProtectedResources...),
	}
}

type suspiciousPattern struct {
	name          string
	regex         *regexp.Regexp
	message       string
	nearProtected bool
}

const ExfiltrationPattern = "exfiltration_chain"

var builtinPatterns = []PatternConfig{
	{
		Name:          ExfiltrationPattern,
		Regex:         `(?i)\b(outputlookup|outputcsv|outputtext|collect|tscollect|sendemail|sendalert)\b`,
		Message:       "output redirection combined with a protected resource reference",
		NearProtected: true,
	},
	{
		Name:    "encoded_payload",
		Regex:   `(?i)\b(base64|urldecode|unescape|fromhex)\s*\(`,
		Message: "decoding function may hide query text",
	},
	{
		Name:    "comment_smuggling",
		Regex:   "```|(?i)\\bcomment\\s*\\(",
		Message: "inline comment may hide query text",
	},
	{
		Name:    "macro_expansion",
		Regex:   "`[A-Za-z0-9_]+(\\([^`]*\\))?`",
		Message: "search macro expands to text that is not validated",
	},
}

var (
	resourceAssignRe = regexp.MustCompile(`(?i)\b(index|source|sourcetype)\s*=\s*("[^"]*"|[^\s()|\[\]"]+)`)
	resourceInRe     = regexp.MustCompile(`(?i)\b(index|source|sourcetype)\s+in\s*\(([^)]*)\)`)
	commandTokenRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)
)

// Validator checks candidate queries against the security policy. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	cfg       ValidatorConfig
	allowed   map[string]struct{}
	protected []string
	exempt    map[string]struct{}
	patterns  []suspiciousPattern
}

// NewValidator builds a validator, filling zero limits with defaults.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	if cfg.MaxPipelineDepth <= 0 {
		cfg.MaxPipelineDepth = DefaultMaxPipelineDepth
	}
	if cfg.AllowedCommands == nil {
		cfg.AllowedCommands = DefaultAllowedCommands
	}
	if cfg.ProtectedResources == nil {
		cfg.ProtectedResources = DefaultProtectedResources
	}

	v := &Validator{
		cfg:     cfg,
		allowed: make(map[string]struct{}, len(cfg.AllowedCommands)),
		exempt:  make(map[string]struct{}, len(cfg.ExemptCallers)),
	}
	for _, c := range cfg.AllowedCommands {
		v.allowed[strings.ToLower(c)] = struct{}{}
	}
	for _, r := range cfg.ProtectedResources {
		v.protected = append(v.protected, strings.ToLower(r))
	}
	for _, c := range cfg.ExemptCallers {
		v.exempt[c] = struct{}{}
	}

	all := append(append([]PatternConfig(nil), builtinPatterns...), cfg.ExtraPatterns...)
	for i, p := range all {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid suspicious pattern %q at index %d", p.Name, i)
		}
		msg := p.Message
		if msg == "" {
			msg = fmt.Sprintf("query matches suspicious pattern %q", p.Name)
		}
		v.patterns = append(v.patterns, suspiciousPattern{name: p.Name, regex: re, message: msg, nearProtected: p.NearProtected})
	}
	return v, nil
}

// MustNewValidator is NewValidator for configurations known to be valid.
func MustNewValidator(cfg ValidatorConfig) *Validator {
	v, err := NewValidator(cfg)
	if err != nil {
		panic(err)
	}
	return v
}

// Config returns the effective configuration.
func (v *Validator) Config() ValidatorConfig {
	return v.cfg
}

// Validate checks query with no caller exemptions applied.
func (v *Validator) Validate(query string, mode Mode) (bool, []models.SecurityViolation) {
	return v.ValidateFor("", query, mode)
}

// ValidateFor checks query on behalf of callerID. Checks run in a fixed order:
// limits, subsearch, command allow-list, protected resources, suspicious patterns.
func (v *Validator) ValidateFor(callerID, query string, mode Mode) (bool, []models.SecurityViolation) {
	c := &collector{mode: mode, blockSuspicious: v.cfg.BlockSuspicious}

	if strings.TrimSpace(query) == "" {
		c.add(models.ComplexityExceededViolation, models.MediumSeverity, "", "query must not be empty")
		return c.result()
	}

	parsed := scanQuery(query)

	if n := utf8.RuneCountInString(query); n > v.cfg.MaxQueryLength {
		if c.add(models.ComplexityExceededViolation, models.HighSeverity, "",
			fmt.Sprintf("query length %d exceeds maximum of %d characters", n, v.cfg.MaxQueryLength)) {
			return c.result()
		}
	}
	if depth := len(parsed.stages); depth > v.cfg.MaxPipelineDepth {
		if c.add(models.ComplexityExceededViolation, models.HighSeverity, "",
			fmt.Sprintf("pipeline depth %d exceeds maximum of %d stages", depth, v.cfg.MaxPipelineDepth)) {
			return c.result()
		}
	}

	if parsed.subsearches > 0 {
		if c.add(models.SubsearchViolation, models.CriticalSeverity, "",
			fmt.Sprintf("subsearches are not permitted (found %d bracketed nested query)", parsed.subsearches)) {
			return c.result()
		}
	}

	for i, stage := range parsed.stages {
		cmd := stageCommand(stage, i == 0 && !parsed.leadingPipe, v.allowed)
		if cmd == "" {
			if c.add(models.ForbiddenCommandViolation, models.HighSeverity, "",
				fmt.Sprintf("pipeline stage %d has no command", i+1)) {
				return c.result()
			}
			continue
		}
		if reason, denied := hardDeniedCommands[cmd]; denied {
			if c.add(models.ForbiddenCommandViolation, models.CriticalSeverity, "",
				fmt.Sprintf("command '%s' is denied: %s", cmd, reason)) {
				return c.result()
			}
			continue
		}
		if _, ok := v.allowed[cmd]; !ok {
			if c.add(models.ForbiddenCommandViolation, models.HighSeverity, "",
				fmt.Sprintf("command '%s' is not in the allow-list", cmd)) {
				return c.result()
			}
		}
	}

	if _, exempt := v.exempt[callerID]; !exempt {
		for _, res := range v.ExtractResources(query) {
			if v.IsProtected(res) {
				if c.add(models.ProtectedResourceAccessViolation, models.HighSeverity, "",
					fmt.Sprintf("access to protected resource '%s' is not permitted", res)) {
					return c.result()
				}
			}
		}
	}

	lower := strings.ToLower(query)
	for _, p := range v.patterns {
		if !p.regex.MatchString(query) {
			continue
		}
		if p.nearProtected && !v.mentionsProtected(lower) {
			continue
		}
		if c.add(models.SuspiciousPatternViolation, models.MediumSeverity, p.name, p.message) {
			return c.result()
		}
	}

	return c.result()
}

// ExtractResources returns the index/source/sourcetype values a query names,
// lowercased, in order of first appearance.
func (v *Validator) ExtractResources(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		r := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"'`))
		if r == "" {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	type hit struct {
		pos    int
		values []string
	}
	// a keyword inside a quoted literal is text, not a resource reference
	spans := quotedSpans(query)
	var hits []hit
	for _, m := range resourceAssignRe.FindAllStringSubmatchIndex(query, -1) {
		if inSpan(spans, m[0]) {
			continue
		}
		hits = append(hits, hit{pos: m[0], values: []string{query[m[4]:m[5]]}})
	}
	for _, m := range resourceInRe.FindAllStringSubmatchIndex(query, -1) {
		if inSpan(spans, m[0]) {
			continue
		}
		list := query[m[4]:m[5]]
		hits = append(hits, hit{pos: m[0], values: strings.FieldsFunc(list, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})})
	}
	// keep appearance order across both expressions
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	for _, h := range hits {
		for _, val := range h.values {
			add(val)
		}
	}
	return out
}

// IsProtected reports whether resource names, or as a wildcard could match, a
// protected resource.
func (v *Validator) IsProtected(resource string) bool {
	r := strings.ToLower(resource)
	wildcard := strings.ContainsAny(r, "*?")
	for _, p := range v.protected {
		if r == p {
			return true
		}
		if wildcard && strings.HasPrefix(r, "_") {
			if ok, err := path.Match(r, p); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// NearProtected reports whether resource looks like it lives in the protected
// namespace without being an exact protected name.
func (v *Validator) NearProtected(resource string) bool {
	r := strings.ToLower(resource)
	if v.IsProtected(r) || strings.HasPrefix(r, "_") {
		return true
	}
	for _, p := range v.protected {
		if strings.Contains(r, strings.TrimPrefix(p, "_")) {
			return true
		}
	}
	return false
}

func (v *Validator) mentionsProtected(lower string) bool {
	for _, p := range v.protected {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

type collector struct {
	mode            Mode
	blockSuspicious bool
	violations      []models.SecurityViolation
	blocked         bool
}

// add records a violation and reports whether validation must stop.
func (c *collector) add(t models.ViolationType, sev models.Severity, pattern, msg string) bool {
	v := models.SecurityViolation{Type: t, Message: msg, Severity: sev, Pattern: pattern}
	c.violations = append(c.violations, v)
	if v.Blocking() || c.blockSuspicious {
		c.blocked = true
	}
	return c.mode == StrictMode && c.blocked
}

func (c *collector) result() (bool, []models.SecurityViolation) {
	return !c.blocked, c.violations
}

type scannedQuery struct {
	stages      []string
	leadingPipe bool
	subsearches int
}

// scanQuery splits a query into pipeline stages on unquoted, unbracketed pipes
// and counts top-level bracketed nested queries.
func scanQuery(q string) scannedQuery {
	var (
		out      scannedQuery
		cur      strings.Builder
		inQuote  bool
		escaped  bool
		depth    int
		sawStage bool
	)
	trimmed := strings.TrimSpace(q)
	if strings.HasPrefix(trimmed, "|") {
		out.leadingPipe = true
		trimmed = strings.TrimSpace(trimmed[1:])
	}
	flush := func() {
		out.stages = append(out.stages, strings.TrimSpace(cur.String()))
		cur.Reset()
		sawStage = true
	}
	for _, r := range trimmed {
		switch {
		case escaped:
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '[':
			if depth == 0 {
				out.subsearches++
			}
			depth++
		case r == ']':
			if depth > 0 {
				depth--
			}
		case r == '|' && depth == 0:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 || sawStage || len(out.stages) == 0 {
		flush()
	}
	return out
}

// quotedSpans returns the byte ranges [start, end) of double-quoted literals,
// honouring backslash escapes the way scanQuery does. An unterminated quote
// runs to the end of the query.
func quotedSpans(q string) [][2]int {
	var (
		spans   [][2]int
		start   = -1
		escaped bool
	)
	for i, r := range q {
		switch {
		case escaped:
			escaped = false
		case start >= 0 && r == '\\':
			escaped = true
		case r == '"' && start < 0:
			start = i
		case r == '"':
			spans = append(spans, [2]int{start, i + 1})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(q)})
	}
	return spans
}

func inSpan(spans [][2]int, pos int) bool {
	for _, s := range spans {
		if pos > s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

// stageCommand returns the lowercased command of a stage. The first stage of a
// query without a leading pipe is an implicit search unless it starts with a
// known command.
func stageCommand(stage string, implicitSearch bool, allowed map[string]struct{}) string {
	tok := strings.ToLower(commandTokenRe.FindString(stage))
	if !implicitSearch {
		// a command token must be followed by whitespace, '(' or end of stage
		if tok != "" && len(stage) > len(tok) && strings.ContainsRune("=<>!", rune(stage[len(tok)])) {
			return ""
		}
		return tok
	}
	if tok == "" {
		return "search"
	}
	rest := strings.TrimLeft(stage[len(tok):], " \t")
	if strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, "!=") || strings.HasPrefix(rest, "<") || strings.HasPrefix(rest, ">") {
		return "search"
	}
	if _, denied := hardDeniedCommands[tok]; denied {
		return tok
	}
	if _, ok := allowed[tok]; ok {
		return tok
	}
	return "search"
}
