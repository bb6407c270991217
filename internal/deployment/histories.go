package deployment

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DeploymentHistoryInfo is the parsed deploymentHistory blob. At most one
// logical entry is authoritative; when the JSON root is a list the first
// element wins.
type DeploymentHistoryInfo struct {
	Creator     string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
	Ref         string
	Environment string
	ExternalID  string
}

// JobInfo is one job from the jobHistory blob.
type JobInfo struct {
	ID              string
	Name            string
	Status          string
	Conclusion      string
	DurationSeconds *float64
	RunnerName      string
}

// Status history entry type tags.
const (
	StatusTypeReviewRequest         = "review-request"
	StatusTypeApproverResponse      = "approver-response"
	StatusTypeProtectionRuleRequest = "protection-rule-request"
)

// StatusHistoryItem is one entry of the append-only statusHistory log.
type StatusHistoryItem struct {
	Type        string     `json:"Type,omitempty"`
	Creator     string     `json:"Creator,omitempty"`
	CreatedAt   *time.Time `json:"CreatedAt,omitempty"`
	UpdatedAt   *time.Time `json:"UpdatedAt,omitempty"`
	State       string     `json:"State,omitempty"`
	Environment string     `json:"Environment,omitempty"`
	Description string     `json:"Description,omitempty"`
	LogURL      string     `json:"LogUrl,omitempty"`

	// Type-specific optional fields
	Reviewers   []string `json:"Reviewers,omitempty"`
	Approver    string   `json:"Approver,omitempty"`
	Comment     string   `json:"Comment,omitempty"`
	CallbackURL string   `json:"CallbackUrl,omitempty"`
}

// ParseDeploymentInfo parses the deploymentHistory blob. Absent or malformed
// JSON yields the zero value; the failure is logged and never propagated.
func ParseDeploymentInfo(raw string, logger *slog.Logger) DeploymentHistoryInfo {
	obj, ok := decodeFirstObject(raw, logger, "deploymentHistory")
	if !ok {
		return DeploymentHistoryInfo{}
	}

	return DeploymentHistoryInfo{
		Creator:     lookupString(obj, "creator"),
		CreatedAt:   lookupTime(obj, "createdAt"),
		UpdatedAt:   lookupTime(obj, "updatedAt"),
		Ref:         lookupString(obj, "ref"),
		Environment: lookupString(obj, "environment"),
		ExternalID:  lookupString(obj, "id"),
	}
}

// ParseJobs parses the jobHistory blob into an unordered job collection.
func ParseJobs(raw string, logger *slog.Logger) []JobInfo {
	objs, ok := decodeObjectList(raw, logger, "jobHistory")
	if !ok {
		return nil
	}

	jobs := make([]JobInfo, 0, len(objs))
	for _, obj := range objs {
		job := JobInfo{
			ID:         lookupString(obj, "id"),
			Name:       lookupString(obj, "name"),
			Status:     lookupString(obj, "status"),
			Conclusion: lookupString(obj, "conclusion"),
			RunnerName: lookupString(obj, "runnerName"),
		}
		if v := newValue(lookup(obj, "durationSeconds")); !v.IsAbsent() {
			if d, err := strconv.ParseFloat(v.String(), 64); err == nil {
				job.DurationSeconds = &d
			}
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// ParseStatusHistory parses the statusHistory blob into its entries.
func ParseStatusHistory(raw string, logger *slog.Logger) []StatusHistoryItem {
	objs, ok := decodeObjectList(raw, logger, "statusHistory")
	if !ok {
		return nil
	}

	items := make([]StatusHistoryItem, 0, len(objs))
	for _, obj := range objs {
		item := StatusHistoryItem{
			Type:        lookupString(obj, "type"),
			Creator:     lookupString(obj, "creator"),
			CreatedAt:   lookupTime(obj, "createdAt"),
			UpdatedAt:   lookupTime(obj, "updatedAt"),
			State:       lookupString(obj, "state"),
			Environment: lookupString(obj, "environment"),
			Description: lookupString(obj, "description"),
			LogURL:      lookupString(obj, "logUrl"),
			Approver:    lookupString(obj, "approver"),
			Comment:     lookupString(obj, "comment"),
			CallbackURL: lookupString(obj, "callbackUrl"),
		}
		if raw, ok := lookup(obj, "reviewers"); ok {
			if list, ok := raw.([]any); ok {
				for _, entry := range list {
					if s := newValue(entry, true).String(); s != "" {
						item.Reviewers = append(item.Reviewers, s)
					}
				}
			}
		}
		items = append(items, item)
	}
	return items
}

// decodeFirstObject decodes raw as an object, or as a list taking the first
// element. Empty input and parse failures both report !ok.
func decodeFirstObject(raw string, logger *slog.Logger, field string) (map[string]any, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, true
	}

	var list []map[string]any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		logParseFailure(logger, field, err)
		return nil, false
	}
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// decodeObjectList decodes raw as a list of objects, wrapping a bare object
// into a single-element list.
func decodeObjectList(raw string, logger *slog.Logger, field string) ([]map[string]any, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}

	var list []map[string]any
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, true
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		logParseFailure(logger, field, err)
		return nil, false
	}
	return []map[string]any{obj}, true
}

func logParseFailure(logger *slog.Logger, field string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("failed to parse embedded history", "field", field, "error", err)
}

// lookup finds a field by name in a decoded object. Matching ignores case and
// underscores so camelCase, PascalCase, and the snake_case of upstream CI
// payloads all resolve to the same field.
func lookup(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	want := foldKey(name)
	for k, v := range obj {
		if foldKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

func foldKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

func lookupString(obj map[string]any, name string) string {
	return newValue(lookup(obj, name)).String()
}

func lookupTime(obj map[string]any, name string) *time.Time {
	return ResolveTimestamp(newValue(lookup(obj, name)))
}
