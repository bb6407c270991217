package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"deptrack/internal/deployment"
	"deptrack/internal/store"
)

// LatestPerEnvironmentLimit caps the per-environment lists returned by
// LatestByEnvironment.
const LatestPerEnvironmentLimit = 5

// ErrNotFound is returned when no record matches a (repository, id) lookup.
var ErrNotFound = store.ErrNotFound

// ErrConflict is returned when a mutation loses an optimistic-concurrency
// race; the caller should refetch and retry.
var ErrConflict = store.ErrConcurrency

// Service is the query, aggregation, and transition façade over the
// deployment table. Every call re-scans the backing store; there is no
// cross-request cache, so independent calls may run concurrently.
type Service struct {
	table  store.Table
	logger *slog.Logger
	now    func() time.Time
}

// New creates a service over the given table.
func New(table store.Table, logger *slog.Logger) *Service {
	return &Service{
		table:  table,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// loadViews scans the store, normalizing and deriving every matching entity.
// Transport failures propagate; a single bad record only costs that record.
func (s *Service) loadViews(ctx context.Context, filter *store.Filter) ([]deployment.View, error) {
	var views []deployment.View
	err := s.table.Scan(ctx, filter, func(ent store.Entity) error {
		views = append(views, deployment.Derive(deployment.Normalize(ent), s.logger))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployments: %w", err)
	}
	return views, nil
}

// List returns all deployments, newest first. A non-empty repository narrows
// the scan to records whose partition key or repository field matches.
func (s *Service) List(ctx context.Context, repository string) ([]deployment.View, error) {
	var filter *store.Filter
	if repository != "" {
		filter = store.Or(
			store.Eq("PartitionKey", repository),
			store.Eq("repository", repository),
		)
	}

	views, err := s.loadViews(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(views)
	return views, nil
}

// Get returns one deployment. Lookup tries, in order: the exact key, the key
// under the first underscore-segment of the id, then a row-key scan confirmed
// against the repository field. ErrNotFound only after all three miss.
func (s *Service) Get(ctx context.Context, repository, id string) (deployment.View, error) {
	ent, err := s.fetchEntity(ctx, repository, id)
	if err != nil {
		return deployment.View{}, err
	}
	return deployment.Derive(deployment.Normalize(ent), s.logger), nil
}

func (s *Service) fetchEntity(ctx context.Context, repository, id string) (store.Entity, error) {
	partitionKeys := []string{repository}
	if first, _, found := strings.Cut(id, "_"); found && first != repository {
		partitionKeys = append(partitionKeys, first)
	}

	for _, pk := range partitionKeys {
		ent, err := s.table.Get(ctx, pk, id)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Entity{}, err
		}
	}

	// Fall back to a row-key scan; the partition key of old generations is
	// unreliable, so confirm against the repository field instead.
	var (
		match store.Entity
		found bool
	)
	err := s.table.Scan(ctx, store.Eq("RowKey", id), func(ent store.Entity) error {
		rec := deployment.Normalize(ent)
		if repository == "" || strings.EqualFold(rec.Repository, repository) {
			match = ent
			found = true
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return store.Entity{}, fmt.Errorf("failed to scan for deployment %s/%s: %w", repository, id, err)
	}
	if !found {
		s.logger.Warn("deployment not found", "repository", repository, "id", id)
		return store.Entity{}, ErrNotFound
	}
	return match, nil
}

var errStopScan = errors.New("stop scan")

// GetRelated returns the sibling record of a workflow run: the deployment
// record, or the protection-rule record when protectionRule is set.
func (s *Service) GetRelated(ctx context.Context, repository, runID string, protectionRule bool) (deployment.View, error) {
	suffix := "_deployment"
	if protectionRule {
		suffix = deployment.ProtectionRuleMarker
	}
	return s.Get(ctx, repository, runID+suffix)
}

// ListByEnvironment returns deployments for one environment, newest first.
func (s *Service) ListByEnvironment(ctx context.Context, environment string) ([]deployment.View, error) {
	return s.listWhere(ctx, func(v deployment.View) bool {
		return strings.EqualFold(v.EnvironmentName(), environment)
	})
}

// ListByState returns deployments whose status category matches, newest first.
func (s *Service) ListByState(ctx context.Context, state string) ([]deployment.View, error) {
	return s.listWhere(ctx, func(v deployment.View) bool {
		return strings.EqualFold(v.StatusCategory, state)
	})
}

// ListByCreator returns deployments by one creator, newest first.
func (s *Service) ListByCreator(ctx context.Context, creator string) ([]deployment.View, error) {
	return s.listWhere(ctx, func(v deployment.View) bool {
		return strings.EqualFold(v.CreatorLogin(), creator)
	})
}

// ListWithFilters combines the optional repository, environment, and status
// category filters, newest first.
func (s *Service) ListWithFilters(ctx context.Context, repository, environment, category string) ([]deployment.View, error) {
	return s.listWhere(ctx, func(v deployment.View) bool {
		if repository != "" && !strings.EqualFold(v.Repository, repository) {
			return false
		}
		if environment != "" && !strings.EqualFold(v.EnvironmentName(), environment) {
			return false
		}
		if category != "" && !strings.EqualFold(v.StatusCategory, category) {
			return false
		}
		return true
	})
}

// ListRecent returns the newest count deployments across all repositories.
func (s *Service) ListRecent(ctx context.Context, count int) ([]deployment.View, error) {
	views, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if count > 0 && len(views) > count {
		views = views[:count]
	}
	return views, nil
}

// ListWorkflowRuns returns the newest limit runs for one repository.
func (s *Service) ListWorkflowRuns(ctx context.Context, repository string, limit int) ([]deployment.View, error) {
	views, err := s.listWhere(ctx, func(v deployment.View) bool {
		return strings.EqualFold(v.Repository, repository)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func (s *Service) listWhere(ctx context.Context, keep func(deployment.View) bool) ([]deployment.View, error) {
	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}
	filtered := views[:0]
	for _, v := range views {
		if keep(v) {
			filtered = append(filtered, v)
		}
	}
	sortByCreatedDesc(filtered)
	return filtered, nil
}

// ListPendingApprovals returns protection-rule records whose state is still
// pending or waiting, oldest first: approvals are worked oldest-first. An
// optional environment narrows the result.
func (s *Service) ListPendingApprovals(ctx context.Context, environment string) ([]deployment.View, error) {
	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}

	pending := views[:0]
	for _, v := range views {
		if !v.IsProtectionRule() {
			continue
		}
		if !isPendingStatus(v.StatusCategory) && !isPendingStatus(v.State) {
			continue
		}
		if environment != "" && !strings.EqualFold(v.EnvironmentName(), environment) {
			continue
		}
		pending = append(pending, v)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return createdTime(pending[i]).Before(createdTime(pending[j]))
	})
	return pending, nil
}

func isPendingStatus(status string) bool {
	if status == "" {
		return false
	}
	lower := strings.ToLower(status)
	return strings.Contains(lower, "pending") || strings.Contains(lower, "waiting")
}

// statBuckets are the fixed category buckets of grouped statistics; categories
// outside the set are dropped.
var statBuckets = []string{
	deployment.CategorySuccess,
	deployment.CategoryFailure,
	deployment.CategoryPending,
	deployment.CategoryInProgress,
	deployment.CategoryCancelled,
}

func newBuckets() map[string]int {
	counts := map[string]int{"total": 0}
	for _, b := range statBuckets {
		counts[b] = 0
	}
	return counts
}

// Statistics returns flat counts per status category across all deployments,
// plus a pending_approval count for records that carry an approval workflow
// and still read as pending.
func (s *Service) Statistics(ctx context.Context) (map[string]int, error) {
	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tally(views), nil
}

// StatisticsWithFilters returns flat counts narrowed by the optional
// repository and environment filters.
func (s *Service) StatisticsWithFilters(ctx context.Context, repository, environment string) (map[string]int, error) {
	views, err := s.ListWithFilters(ctx, repository, environment, "")
	if err != nil {
		return nil, err
	}
	return tally(views), nil
}

func tally(views []deployment.View) map[string]int {
	counts := newBuckets()
	counts[deployment.ApprovalPending] = 0
	for _, v := range views {
		counts["total"]++
		if _, ok := counts[v.StatusCategory]; ok {
			counts[v.StatusCategory]++
		}
		if v.HasApprovalWorkflow() && strings.Contains(strings.ToLower(v.State), "pending") {
			counts[deployment.ApprovalPending]++
		}
	}
	return counts
}

// StatDimension selects the grouping of StatisticsBy.
type StatDimension string

const (
	ByRepository  StatDimension = "repository"
	ByEnvironment StatDimension = "environment"
	ByCreator     StatDimension = "creator"
)

// StatisticsBy returns per-dimension counts per status category. Records with
// an empty dimension value are skipped.
func (s *Service) StatisticsBy(ctx context.Context, dim StatDimension) (map[string]map[string]int, error) {
	key, err := dimensionKey(dim)
	if err != nil {
		return nil, err
	}

	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]map[string]int)
	for _, v := range views {
		value := key(v)
		if value == "" {
			continue
		}
		counts, ok := stats[value]
		if !ok {
			counts = newBuckets()
			stats[value] = counts
		}
		counts["total"]++
		if _, ok := counts[v.StatusCategory]; ok {
			counts[v.StatusCategory]++
		}
	}
	return stats, nil
}

func dimensionKey(dim StatDimension) (func(deployment.View) string, error) {
	switch dim {
	case ByRepository:
		return func(v deployment.View) string { return v.Repository }, nil
	case ByEnvironment:
		return func(v deployment.View) string { return v.Environment }, nil
	case ByCreator:
		return func(v deployment.View) string { return v.CreatorLogin() }, nil
	}
	return nil, fmt.Errorf("unknown statistics dimension %q", dim)
}

// Repositories returns the distinct non-empty repository names, ascending.
func (s *Service) Repositories(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "", func(v deployment.View) string { return v.Repository })
}

// Environments returns the distinct non-empty environment names, ascending,
// optionally narrowed to one repository.
func (s *Service) Environments(ctx context.Context, repository string) ([]string, error) {
	return s.distinct(ctx, repository, func(v deployment.View) string { return v.Environment })
}

func (s *Service) distinct(ctx context.Context, repository string, key func(deployment.View) string) ([]string, error) {
	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var values []string
	for _, v := range views {
		if repository != "" && !strings.EqualFold(v.Repository, repository) {
			continue
		}
		value := key(v)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		values = append(values, value)
	}
	sort.Strings(values)
	return values, nil
}

// LatestByEnvironment returns, per environment, the newest deployments capped
// at LatestPerEnvironmentLimit, newest first. An optional repository narrows
// the scan.
func (s *Service) LatestByEnvironment(ctx context.Context, repository string) (map[string][]deployment.View, error) {
	views, err := s.loadViews(ctx, nil)
	if err != nil {
		return nil, err
	}

	byEnv := make(map[string][]deployment.View)
	for _, v := range views {
		if repository != "" && !strings.EqualFold(v.Repository, repository) {
			continue
		}
		env := v.Environment
		if env == "" {
			continue
		}
		byEnv[env] = append(byEnv[env], v)
	}

	for env, group := range byEnv {
		sortByCreatedDesc(group)
		if len(group) > LatestPerEnvironmentLimit {
			group = group[:LatestPerEnvironmentLimit]
		}
		byEnv[env] = group
	}
	return byEnv, nil
}

// Progression returns the per-environment state progression of one record.
// Malformed status history yields an empty progression, not an error.
func (s *Service) Progression(ctx context.Context, repository, id string) ([]deployment.EnvironmentProgression, error) {
	view, err := s.Get(ctx, repository, id)
	if err != nil {
		return nil, err
	}
	return view.Progressions, nil
}

// UpdateStatus appends a status-history entry and moves the record to
// newStatus under optimistic concurrency. Not-found, a lost concurrency race
// (ErrConflict), and transport failures all come back as errors; the engine
// never retries on its own.
func (s *Service) UpdateStatus(ctx context.Context, repository, id, newStatus, approver, comment string) error {
	ent, err := s.fetchEntity(ctx, repository, id)
	if err != nil {
		return err
	}

	rec := deployment.Normalize(ent)
	items := deployment.ParseStatusHistory(rec.StatusHistory, s.logger)

	now := s.now()
	if comment == "" {
		comment = fmt.Sprintf("Status updated to %s", newStatus)
	}
	items = append(items, deployment.StatusHistoryItem{
		Type:        deployment.StatusTypeApproverResponse,
		Creator:     approver,
		State:       newStatus,
		Description: comment,
		Environment: rec.EnvironmentName(),
		LogURL:      rec.WorkflowRunURL(),
		UpdatedAt:   &now,
	})

	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode status history: %w", err)
	}

	ent.SetProperty("currentStatus", newStatus)
	ent.SetProperty("statusHistory", string(encoded))
	ent.SetProperty("lastStatusUpdate", now.Format(time.RFC3339Nano))

	if _, err := s.table.Update(ctx, ent); err != nil {
		s.logger.Warn("failed to update deployment status",
			"repository", repository, "id", id, "status", newStatus, "error", err)
		return err
	}

	s.logger.Info("deployment status updated",
		"repository", repository, "id", id, "status", newStatus, "approver", approver)
	return nil
}

// Approve moves a record to approved.
func (s *Service) Approve(ctx context.Context, repository, id, approver, comment string) error {
	if comment == "" {
		comment = "Deployment approved"
	}
	return s.UpdateStatus(ctx, repository, id, "approved", approver, comment)
}

// Reject moves a record to rejected.
func (s *Service) Reject(ctx context.Context, repository, id, approver, comment string) error {
	if comment == "" {
		comment = "Deployment rejected"
	}
	return s.UpdateStatus(ctx, repository, id, "rejected", approver, comment)
}

// Count returns the number of stored records.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.table.Count(ctx)
}

// Ping verifies the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.table.Ping(ctx)
}

func sortByCreatedDesc(views []deployment.View) {
	sort.SliceStable(views, func(i, j int) bool {
		return createdTime(views[i]).After(createdTime(views[j]))
	})
}

func createdTime(v deployment.View) time.Time {
	if v.CreatedAt != nil {
		return *v.CreatedAt
	}
	return time.Time{}
}
