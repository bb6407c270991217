package deployment

import (
	"strings"
	"time"

	"deptrack/internal/store"
)

// Record is the canonical in-memory deployment record. The store holds several
// incompatible generations of this shape (mixed field casing, scalar vs
// JSON-wrapped numbers and dates); Normalize folds all of them into this one
// struct. Identifiers stay opaque strings to tolerate mixed encodings.
type Record struct {
	Repository string
	RowKey     string
	ETag       string

	Environment  string
	EventType    string
	TriggerEvent string
	Ref          string
	Note         string

	WorkflowName string
	WorkflowPath string
	WorkflowURL  string
	RunURL       string

	RunNumber     string
	WorkflowRunID string
	DeploymentID  string

	CurrentStatus string
	RunStatus     string

	Creator string

	// Raw embedded JSON blobs, parsed lazily by the sub-parsers
	DeploymentHistory string
	JobHistory        string
	StatusHistory     string

	// Legacy approval-era fields from older schema generations
	LegacyStatus    string
	Requestor       string
	Reviewers       string
	ApprovalHistory string
	Action          string

	CreatedAt        *time.Time
	UpdatedAt        *time.Time
	LastStatusUpdate *time.Time
	RunStartedAt     *time.Time
	RequestedAt      *time.Time
}

// Normalize converts a raw stored entity into the canonical record. It is a
// pure transform and never fails: fields it cannot interpret are left zero.
// When the repository field is blank the partition key stands in for it.
func Normalize(ent store.Entity) Record {
	rec := Record{
		Repository: stringField(ent, "repository"),
		RowKey:     ent.RowKey,
		ETag:       ent.ETag,

		Environment:  stringField(ent, "environment"),
		EventType:    stringField(ent, "eventType"),
		TriggerEvent: stringField(ent, "triggerEvent"),
		Ref:          stringField(ent, "ref"),
		Note:         stringField(ent, "note"),

		WorkflowName: stringField(ent, "workflowName"),
		WorkflowPath: stringField(ent, "workflowPath"),
		WorkflowURL:  stringField(ent, "workflowUrl"),
		RunURL:       stringField(ent, "runUrl"),

		RunNumber:     stringField(ent, "runNumber"),
		WorkflowRunID: stringField(ent, "workflowRunId"),
		DeploymentID:  stringField(ent, "deploymentId"),

		CurrentStatus: stringField(ent, "currentStatus"),
		RunStatus:     stringField(ent, "runStatus"),

		Creator: stringField(ent, "creator"),

		DeploymentHistory: repairJSON(stringField(ent, "deploymentHistory")),
		JobHistory:        repairJSON(stringField(ent, "jobHistory")),
		StatusHistory:     repairJSON(stringField(ent, "statusHistory")),

		LegacyStatus:    stringField(ent, "status"),
		Requestor:       stringField(ent, "requestor"),
		Reviewers:       stringField(ent, "reviewers"),
		ApprovalHistory: repairJSON(stringField(ent, "approvalHistory")),
		Action:          stringField(ent, "action"),

		CreatedAt:        timeField(ent, "createdAt"),
		UpdatedAt:        timeField(ent, "updatedAt"),
		LastStatusUpdate: timeField(ent, "lastStatusUpdate"),
		RunStartedAt:     timeField(ent, "runStartedAt"),
		RequestedAt:      timeField(ent, "requestedAt"),
	}

	if rec.Repository == "" {
		rec.Repository = ent.PartitionKey
	}

	return rec
}

func stringField(ent store.Entity, name string) string {
	return newValue(ent.Property(name)).String()
}

func timeField(ent store.Entity, name string) *time.Time {
	return ResolveTimestamp(newValue(ent.Property(name)))
}

// repairJSON undoes the double-escaped quotes some generations picked up on
// their way through a CSV export.
func repairJSON(s string) string {
	if s == "" {
		return s
	}
	return strings.ReplaceAll(s, `""`, `"`)
}

// Branch returns the target branch, defaulting to main.
func (r Record) Branch() string {
	if r.Ref != "" {
		return r.Ref
	}
	return "main"
}

// EnvironmentName returns the environment, defaulting to production.
func (r Record) EnvironmentName() string {
	if r.Environment != "" {
		return r.Environment
	}
	return "production"
}

// CreatorLogin returns the creator, falling back through the legacy requestor
// field to "Unknown".
func (r Record) CreatorLogin() string {
	if r.Creator != "" {
		return r.Creator
	}
	if r.Requestor != "" {
		return r.Requestor
	}
	return "Unknown"
}

// WorkflowRunURL returns the run URL, falling back to the workflow URL.
func (r Record) WorkflowRunURL() string {
	if r.RunURL != "" {
		return r.RunURL
	}
	return r.WorkflowURL
}

// WorkflowDisplayName returns the workflow name, falling back to the last
// segment of the workflow path.
func (r Record) WorkflowDisplayName() string {
	if r.WorkflowName != "" {
		return r.WorkflowName
	}
	if r.WorkflowPath != "" {
		parts := strings.Split(r.WorkflowPath, "/")
		if last := parts[len(parts)-1]; last != "" {
			return last
		}
	}
	return "Unknown Workflow"
}

// TriggerType returns the trigger event, falling back to the event type then
// "manual".
func (r Record) TriggerType() string {
	if r.TriggerEvent != "" {
		return r.TriggerEvent
	}
	if r.EventType != "" {
		return r.EventType
	}
	return "manual"
}

// HasApprovalWorkflow reports whether any of the legacy approval fields are
// populated.
func (r Record) HasApprovalWorkflow() bool {
	return r.Requestor != "" || r.Reviewers != "" || r.ApprovalHistory != ""
}
