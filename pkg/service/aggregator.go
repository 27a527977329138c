package service

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
)

// SummaryInput is everything one run produced.
type SummaryInput struct {
	RunID      string
	WorkflowID string
	CallerID   string
	// TaskOrder lists the declared tasks; results for undeclared ids are reported after them.
	TaskOrder  []string
	Results    map[string]models.TaskResult
	Violations []models.SecurityViolation
	Threats    []models.ThreatEvent
	StartedAt  time.Time
	FinishedAt time.Time
}

const noResultReason = "no result recorded"

// recommendations keyed by finding kind, optionally refined by failure reason.
var recommendations = map[string]string{
	"FAILED/" + string(models.SetupFailure):     "Register the missing capabilities or supply the required context keys, then re-run the workflow.",
	"FAILED/" + string(models.TimeoutFailure):   "Increase the task timeout or narrow the time range searched by the task's queries.",
	"FAILED/" + string(models.CancelledFailure): "Extend the workflow deadline; unfinished tasks were cancelled.",
	"FAILED/" + string(models.SecurityFailure):  "Rewrite the rejected queries to use allow-listed commands and permitted resources only.",
	"FAILED/" + string(models.ExecutionFailure): "Check connectivity to the data platform and the output of the failing task.",
	string(models.BlockedTaskStatus):            "Fix the failing upstream tasks; their dependents were blocked.",
	string(models.SkippedTaskStatus):            "Re-run once the optional dependencies succeed to cover the skipped tasks.",
	"DEGRADED":                                  "Treat results of degraded tasks as incomplete until their optional dependencies succeed.",
	"UNKNOWN":                                   "Inspect the run record; some task results were malformed.",

	string(models.SubsearchViolation):               "Remove subsearches and run the nested query as a separate task.",
	string(models.ForbiddenCommandViolation):        "Replace denied commands with allow-listed alternatives.",
	string(models.ProtectedResourceAccessViolation): "Query non-protected indexes or request an exemption for the caller.",
	string(models.ComplexityExceededViolation):      "Split long or deeply piped queries into smaller tasks.",
	string(models.SuspiciousPatternViolation):       "Review the flagged query text for obfuscation or exfiltration.",

	string(models.RateLimitExceededThreat):       "Reduce the caller's query volume or raise its rate limit.",
	string(models.AnomalousQueryLengthThreat):    "Confirm the unusually long queries were intended by the caller.",
	string(models.AnomalousResourceAccessThreat): "Confirm the caller is expected to access the newly touched resources.",
	string(models.InjectionAttemptThreat):        "Review the caller's input for query injection attempts.",
	string(models.ExfiltrationIndicatorThreat):   "Investigate possible data exfiltration by the caller.",
}

const allClearRecommendation = "No action required."

// Summarize builds the report of a run. It is deterministic and never fails:
// declared tasks without a result are reported as blocked.
func Summarize(in SummaryInput) *models.Report {
	report := &models.Report{
		RunID:      in.RunID,
		WorkflowID: in.WorkflowID,
		CallerID:   in.CallerID,
		TaskCounts: make(map[models.TaskStatus]int),
		Tasks:      make(map[string]models.TaskResult, len(in.Results)),
		Violations: slices.Clone(in.Violations),
		Threats:    slices.Clone(in.Threats),
		StartedAt:  in.StartedAt,
		FinishedAt: in.FinishedAt,
	}

	var (
		findings []models.Finding
		keys     []string
	)
	addFinding := func(f models.Finding, key string) {
		findings = append(findings, f)
		keys = append(keys, key)
	}

	succeeded := 0
	for _, id := range taskOrder(in) {
		res, ok := in.Results[id]
		if !ok {
			res = models.TaskResult{TaskID: id, Status: models.BlockedTaskStatus, Warnings: []string{noResultReason}}
		}
		if res.TaskID == "" {
			res.TaskID = id
		}
		report.Tasks[id] = res
		report.TaskCounts[res.Status]++

		switch res.Status {
		case models.SucceededTaskStatus:
			succeeded++
			if res.Degraded {
				addFinding(models.Finding{Severity: models.LowSeverity, Source: models.TaskFindingSource, Kind: "DEGRADED", TaskID: id,
					Message: fmt.Sprintf("task '%s' ran with degraded context", id)}, "DEGRADED")
			}
		case models.FailedTaskStatus:
			sev := models.HighSeverity
			if res.Reason == models.TimeoutFailure || res.Reason == models.CancelledFailure {
				sev = models.MediumSeverity
			}
			reason := res.Reason
			if reason == "" {
				reason = models.ExecutionFailure
			}
			msg := res.Error
			if msg == "" {
				msg = "no error recorded"
			}
			addFinding(models.Finding{Severity: sev, Source: models.TaskFindingSource, Kind: string(res.Status), TaskID: id,
				Message: fmt.Sprintf("task '%s' failed: %s", id, msg)}, "FAILED/"+string(reason))
		case models.BlockedTaskStatus:
			addFinding(models.Finding{Severity: models.MediumSeverity, Source: models.TaskFindingSource, Kind: string(res.Status), TaskID: id,
				Message: fmt.Sprintf("task '%s' was blocked: %s", id, firstOr(res.Warnings, "dependency did not succeed"))}, string(res.Status))
		case models.SkippedTaskStatus:
			addFinding(models.Finding{Severity: models.LowSeverity, Source: models.TaskFindingSource, Kind: string(res.Status), TaskID: id,
				Message: fmt.Sprintf("task '%s' was skipped: %s", id, firstOr(res.Warnings, "optional dependency did not succeed"))}, string(res.Status))
		default:
			addFinding(models.Finding{Severity: models.LowSeverity, Source: models.TaskFindingSource, Kind: "UNKNOWN", TaskID: id,
				Message: fmt.Sprintf("task '%s' has unknown status %q", id, res.Status)}, "UNKNOWN")
		}
	}

	for _, v := range in.Violations {
		if !v.Severity.AtLeast(models.HighSeverity) {
			continue
		}
		addFinding(models.Finding{Severity: v.Severity, Source: models.ViolationFindingSource, Kind: string(v.Type), TaskID: v.TaskID,
			Message: v.Message}, string(v.Type))
	}
	for _, e := range in.Threats {
		if !e.Severity.AtLeast(models.HighSeverity) {
			continue
		}
		addFinding(models.Finding{Severity: e.Severity, Source: models.ThreatFindingSource, Kind: string(e.Type), TaskID: e.TaskID,
			Message: threatMessage(e)}, string(e.Type))
	}

	idx := make([]int, len(findings))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return findings[idx[a]].Severity.Rank() > findings[idx[b]].Severity.Rank()
	})
	report.Findings = make([]models.Finding, 0, len(findings))
	report.Recommendations = []string{}
	for _, i := range idx {
		report.Findings = append(report.Findings, findings[i])
		if rec, ok := recommendations[keys[i]]; ok && !slices.Contains(report.Recommendations, rec) {
			report.Recommendations = append(report.Recommendations, rec)
		}
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, allClearRecommendation)
	}

	total := len(report.Tasks)
	switch {
	case succeeded == 0:
		report.Status = models.FailedRunStatus
	case succeeded+report.TaskCounts[models.SkippedTaskStatus] == total:
		report.Status = models.SucceededRunStatus
	default:
		report.Status = models.PartiallySucceededRunStatus
	}
	return report
}

func taskOrder(in SummaryInput) []string {
	var order []string
	seen := make(map[string]struct{}, len(in.TaskOrder))
	for _, id := range in.TaskOrder {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			order = append(order, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(in.Results)) {
		if _, ok := seen[id]; !ok {
			order = append(order, id)
		}
	}
	return order
}

func threatMessage(e models.ThreatEvent) string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s by caller '%s' in task '%s'", e.Type, e.CallerID, e.TaskID)
	}
	return fmt.Sprintf("%s by caller '%s'", e.Type, e.CallerID)
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return fallback
}
