package deployment

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Canonical status categories. Every aggregation buckets by these and nothing
// else.
const (
	CategorySuccess    = "success"
	CategoryFailure    = "failure"
	CategoryPending    = "pending"
	CategoryInProgress = "in_progress"
	CategoryCancelled  = "cancelled"
	CategoryUnknown    = "unknown"
)

// Overall approval states derived from the per-environment latest entries.
const (
	ApprovalRejected   = "rejected"
	ApprovalPending    = "pending_approval"
	ApprovalApproved   = "approved"
	ApprovalInProgress = "in_progress"
	ApprovalUnknown    = "unknown"
)

// ProtectionRuleMarker tags the row key of an environment protection-rule
// record.
const ProtectionRuleMarker = "_protection_rule"

// approvalEventType is the event type of records created by a deployment
// review request.
const approvalEventType = "deployment_review"

// Categorize maps a raw status token to its canonical category. This synonym
// table is the single source of truth for status bucketing.
func Categorize(state string) string {
	switch strings.ToLower(state) {
	case "success", "completed", "approved":
		return CategorySuccess
	case "failure", "failed", "rejected":
		return CategoryFailure
	case "pending", "waiting", "pending_approval", "queued":
		return CategoryPending
	case "in_progress", "running":
		return CategoryInProgress
	case "cancelled", "canceled":
		return CategoryCancelled
	}
	return CategoryUnknown
}

// displayStatus maps a raw status token to its human-facing label. Unmapped
// tokens pass through unchanged.
func displayStatus(state string) string {
	switch strings.ToLower(state) {
	case "success", "completed", "approved":
		return "Success"
	case "failure", "failed", "rejected":
		return "Failed"
	case "pending", "waiting", "pending_approval":
		return "Pending"
	case "in_progress", "running":
		return "Running"
	case "queued":
		return "Queued"
	case "cancelled", "canceled":
		return "Cancelled"
	}
	return state
}

// EnvironmentTransition is one state change within an environment, with the
// gap to the next transition in sequence. The last transition of an
// environment has no duration.
type EnvironmentTransition struct {
	StatusHistoryItem
	Duration *time.Duration
}

// EnvironmentProgression is the time-ordered transition sequence of one
// environment.
type EnvironmentProgression struct {
	Environment string
	StartedAt   *time.Time
	Transitions []EnvironmentTransition
}

// View is a record plus everything derived from it. It is computed exactly
// once per record per query so the precedence rules apply identically at
// every call site.
type View struct {
	Record

	DeploymentInfo DeploymentHistoryInfo
	Jobs           []JobInfo
	StatusItems    []StatusHistoryItem

	State          string
	StatusCategory string
	DisplayStatus  string

	// Environment resolved from the record, falling back to the newest
	// status-history entry. Empty when neither knows.
	Environment string

	LatestStatusItem *StatusHistoryItem

	CreatedAt *time.Time
	UpdatedAt *time.Time

	IsApprovalRecord      bool
	RequiresApproval      bool
	OverallApprovalStatus string

	Progressions []EnvironmentProgression
}

// Derive computes the canonical view of a record. Malformed embedded data
// degrades to empty defaults; Derive itself never fails, so one bad record
// can never abort a bulk query.
func Derive(rec Record, logger *slog.Logger) View {
	v := View{
		Record:         rec,
		DeploymentInfo: ParseDeploymentInfo(rec.DeploymentHistory, logger),
		Jobs:           ParseJobs(rec.JobHistory, logger),
		StatusItems:    ParseStatusHistory(rec.StatusHistory, logger),
	}

	if latest := latestStatusItem(v.StatusItems); latest != nil {
		v.LatestStatusItem = latest
	}

	latestState, latestEnv := "", ""
	if v.LatestStatusItem != nil {
		latestState = v.LatestStatusItem.State
		latestEnv = v.LatestStatusItem.Environment
	}

	v.State = firstNonEmpty(rec.CurrentStatus, rec.RunStatus, rec.LegacyStatus, latestState, CategoryUnknown)
	v.Environment = firstNonEmpty(rec.Environment, latestEnv)
	v.StatusCategory = Categorize(v.State)
	v.DisplayStatus = displayStatus(v.State)

	// Precedence order is significant on both chains.
	v.CreatedAt = firstTime(rec.CreatedAt, v.DeploymentInfo.CreatedAt, rec.RunStartedAt, rec.RequestedAt, rec.LastStatusUpdate)
	v.UpdatedAt = firstTime(rec.UpdatedAt, rec.LastStatusUpdate, v.DeploymentInfo.UpdatedAt, v.CreatedAt)

	v.IsApprovalRecord = rec.EventType == approvalEventType
	v.RequiresApproval = v.IsApprovalRecord || strings.Contains(strings.ToLower(rec.StatusHistory), "waiting")

	v.OverallApprovalStatus = overallApprovalStatus(v.StatusItems)
	v.Progressions = environmentProgressions(v.StatusItems)

	return v
}

// overallApprovalStatus folds the latest state of every environment in the
// status history. Rejection wins over pending wins over approved.
func overallApprovalStatus(items []StatusHistoryItem) string {
	latest := make(map[string]StatusHistoryItem)
	for _, item := range items {
		env := item.Environment
		prev, seen := latest[env]
		if !seen || !itemTime(prev).After(itemTime(item)) {
			latest[env] = item
		}
	}
	if len(latest) == 0 {
		return ApprovalUnknown
	}

	var anyFailure, anyWaiting, allSuccess bool
	allSuccess = true
	for _, item := range latest {
		switch Categorize(item.State) {
		case CategoryFailure:
			anyFailure = true
			allSuccess = false
		case CategoryPending:
			anyWaiting = true
			allSuccess = false
		case CategorySuccess:
		default:
			allSuccess = false
		}
	}

	switch {
	case anyFailure:
		return ApprovalRejected
	case anyWaiting:
		return ApprovalPending
	case allSuccess:
		return ApprovalApproved
	}
	return ApprovalInProgress
}

// environmentProgressions groups status history by environment, orders each
// group by created-then-updated time ascending, and computes per-transition
// duration as the gap to the next transition. Environments are ordered by
// earliest start time; those with no resolvable start sort last.
func environmentProgressions(items []StatusHistoryItem) []EnvironmentProgression {
	groups := make(map[string][]StatusHistoryItem)
	var order []string
	for _, item := range items {
		if _, seen := groups[item.Environment]; !seen {
			order = append(order, item.Environment)
		}
		groups[item.Environment] = append(groups[item.Environment], item)
	}

	progressions := make([]EnvironmentProgression, 0, len(order))
	for _, env := range order {
		group := groups[env]
		sort.SliceStable(group, func(i, j int) bool {
			return itemTime(group[i]).Before(itemTime(group[j]))
		})

		prog := EnvironmentProgression{Environment: env}
		if t := itemTimePtr(group[0]); t != nil {
			prog.StartedAt = t
		}
		for i, item := range group {
			tr := EnvironmentTransition{StatusHistoryItem: item}
			if i+1 < len(group) {
				cur, next := itemTimePtr(item), itemTimePtr(group[i+1])
				if cur != nil && next != nil {
					d := next.Sub(*cur)
					tr.Duration = &d
				}
			}
			prog.Transitions = append(prog.Transitions, tr)
		}
		progressions = append(progressions, prog)
	}

	sort.SliceStable(progressions, func(i, j int) bool {
		a, b := progressions[i].StartedAt, progressions[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})

	return progressions
}

// RunDuration returns how long the run took, when both endpoints are known.
func (v View) RunDuration() *time.Duration {
	if v.Record.RunStartedAt == nil || v.Record.UpdatedAt == nil {
		return nil
	}
	d := v.Record.UpdatedAt.Sub(*v.Record.RunStartedAt)
	return &d
}

// FormattedDuration renders the run duration for display.
func (v View) FormattedDuration() string {
	d := v.RunDuration()
	if d == nil {
		return "N/A"
	}
	return FormatDuration(*d)
}

// FormatDuration renders a duration in coarse day/hour/minute/second buckets.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours()) / 24
		return fmt.Sprintf("%dd %dh %dm", days, int(d.Hours())%24, int(d.Minutes())%60)
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// IsProtectionRule reports whether the record's row key carries the
// protection-rule marker.
func (v View) IsProtectionRule() bool {
	return strings.Contains(v.RowKey, ProtectionRuleMarker)
}

// EnvironmentName returns the resolved environment, defaulting to production.
// It shadows the record-level fallback so callers see the status-history
// environment when the record scalar is blank.
func (v View) EnvironmentName() string {
	if v.Environment != "" {
		return v.Environment
	}
	return "production"
}

func latestStatusItem(items []StatusHistoryItem) *StatusHistoryItem {
	var latest *StatusHistoryItem
	for i := range items {
		if latest == nil || !itemTime(*latest).After(itemTime(items[i])) {
			latest = &items[i]
		}
	}
	return latest
}

// itemTime orders a status history item by created then updated time. Items
// with neither sort first.
func itemTime(item StatusHistoryItem) time.Time {
	if t := itemTimePtr(item); t != nil {
		return *t
	}
	return time.Time{}
}

func itemTimePtr(item StatusHistoryItem) *time.Time {
	if item.CreatedAt != nil {
		return item.CreatedAt
	}
	return item.UpdatedAt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
