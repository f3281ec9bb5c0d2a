// Package approval implements the rule evaluation and approval state
// machine: deriving the current approval state of a file, authorizing
// and executing transitions, and recording the history used for
// auditing and KPI reporting.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gargmanash/approval-mainnc/internal/notify"
	"github.com/gargmanash/approval-mainnc/internal/store"
	"github.com/gargmanash/approval-mainnc/internal/tags"
)

// State is the derived approval state of a file for one viewer. It is
// never persisted directly; tags carry the live status and the activity
// log carries history.
type State string

const (
	StateNothing State = "nothing"
	StatePending State = "pending"
	// StateApprovable is the per-viewer projection of pending for a user
	// who is an authorized approver of the matching rule.
	StateApprovable State = "approvable"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
)

// Result pairs a derived state with the rule that produced it. Rule is
// nil for StateNothing.
type Result struct {
	State State
	Rule  *store.Rule
}

// PendingFile is one entry of an approver's pending queue.
type PendingFile struct {
	File        store.FileHandle
	RuleID      string
	RequestedAt *time.Time
}

// Timeline reports when a (file, rule) pair entered each state. SentAt
// is the earliest record for the pair; ApprovedAt and RejectedAt are the
// latest records of their state. State is the most recently recorded
// state, empty when the pair has no history.
type Timeline struct {
	SentAt     *time.Time
	ApprovedAt *time.Time
	RejectedAt *time.Time
	State      string
}

type dataStore interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	GetFile(ctx context.Context, fileID string) (store.FileHandle, error)
	ResolveVisibleFile(ctx context.Context, userID, fileID string) (*store.FileHandle, error)
	UsersWithAccess(ctx context.Context, fileID string) ([]string, error)
	GetRule(ctx context.Context, ruleID string) (store.Rule, error)
	ListRules(ctx context.Context) ([]store.Rule, error)
	AppendActivity(ctx context.Context, fileID, ruleID, actorUserID, newState string) (store.ActivityRecord, error)
	LatestActivity(ctx context.Context, fileID, ruleID string) (*store.ActivityRecord, error)
	LatestOfState(ctx context.Context, fileID, ruleID, state string) (*store.ActivityRecord, error)
	FirstActivity(ctx context.Context, fileID, ruleID string) (*store.ActivityRecord, error)
	WorkflowKpis(ctx context.Context) ([]store.RuleKpi, error)
}

type authorizer interface {
	IsAuthorized(ctx context.Context, userID string, rule store.Rule, role string) bool
	AuthorizedUserIDs(ctx context.Context, rule store.Rule, role string) []string
}

type Service struct {
	store    dataStore
	tags     tags.Store
	authz    authorizer
	notifier notify.Notifier
	events   notify.EventSink
	sharer   notify.Sharer
	locks    *fileLocks
}

func New(dataStore dataStore, tagStore tags.Store, authz authorizer, notifier notify.Notifier, events notify.EventSink, sharer notify.Sharer) *Service {
	return &Service{
		store:    dataStore,
		tags:     tagStore,
		authz:    authz,
		notifier: notifier,
		events:   events,
		sharer:   sharer,
		locks:    newFileLocks(),
	}
}

// hasTag probes tag membership, treating an unknown tag as not assigned.
func (s *Service) hasTag(ctx context.Context, fileID, tagID string) (bool, error) {
	assigned, err := s.tags.Has(ctx, fileID, tagID)
	if errors.Is(err, tags.ErrTagNotFound) {
		log.Printf("approval: tag %s not found while probing file %s", tagID, fileID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe tag: %w", err)
	}
	return assigned, nil
}

// State derives the approval state of a file as seen by one user.
// A user without access to the file always observes StateNothing,
// whatever the tags say. Rules are evaluated in listing order (ascending
// id): first an approvable match, then pending, then rejected, then
// approved.
func (s *Service) State(ctx context.Context, fileID, userID string) (Result, error) {
	visible, err := s.store.ResolveVisibleFile(ctx, userID, fileID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve file: %w", err)
	}
	if visible == nil {
		return Result{State: StateNothing}, nil
	}

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list rules: %w", err)
	}

	for i, rule := range rules {
		pending, err := s.hasTag(ctx, fileID, rule.TagPending)
		if err != nil {
			return Result{}, err
		}
		if pending && s.authz.IsAuthorized(ctx, userID, rule, store.RoleApprovers) {
			return Result{State: StateApprovable, Rule: &rules[i]}, nil
		}
	}
	for i, rule := range rules {
		pending, err := s.hasTag(ctx, fileID, rule.TagPending)
		if err != nil {
			return Result{}, err
		}
		if pending {
			return Result{State: StatePending, Rule: &rules[i]}, nil
		}
	}
	for i, rule := range rules {
		rejected, err := s.hasTag(ctx, fileID, rule.TagRejected)
		if err != nil {
			return Result{}, err
		}
		if rejected {
			return Result{State: StateRejected, Rule: &rules[i]}, nil
		}
	}
	for i, rule := range rules {
		approved, err := s.hasTag(ctx, fileID, rule.TagApproved)
		if err != nil {
			return Result{}, err
		}
		if approved {
			return Result{State: StateApproved, Rule: &rules[i]}, nil
		}
	}
	return Result{State: StateNothing}, nil
}

// Approve moves a pending file to approved. Returns false when the
// caller's view of the file is not approvable; authorization failure and
// nothing-pending are indistinguishable to the caller.
func (s *Service) Approve(ctx context.Context, fileID, userID string) (bool, error) {
	return s.transition(ctx, fileID, userID, store.StateApproved)
}

// Reject moves a pending file to rejected, under the same rules as
// Approve.
func (s *Service) Reject(ctx context.Context, fileID, userID string) (bool, error) {
	return s.transition(ctx, fileID, userID, store.StateRejected)
}

func (s *Service) transition(ctx context.Context, fileID, userID, newState string) (bool, error) {
	lock := s.locks.get(fileID)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.State(ctx, fileID, userID)
	if err != nil {
		return false, err
	}
	if result.State != StateApprovable {
		return false, nil
	}
	rule := *result.Rule

	terminalTag := rule.TagApproved
	if newState == store.StateRejected {
		terminalTag = rule.TagRejected
	}

	// Assign the terminal tag before removing the pending one so the
	// file is never observed fully untagged mid-transition.
	if err := s.tags.Assign(ctx, fileID, terminalTag); err != nil {
		return false, fmt.Errorf("assign terminal tag: %w", err)
	}
	if err := s.tags.Unassign(ctx, fileID, rule.TagPending); err != nil {
		if !errors.Is(err, tags.ErrTagNotFound) {
			return false, fmt.Errorf("unassign pending tag: %w", err)
		}
		log.Printf("approval: pending tag %s missing while finishing transition of file %s", rule.TagPending, fileID)
	}

	if _, err := s.store.AppendActivity(ctx, fileID, rule.ID, userID, newState); err != nil {
		// Tags are already moved and are not rolled back; the log and
		// history now disagree until an operator intervenes.
		log.Printf("approval: activity append failed after tag transition file=%s rule=%s state=%s: %v", fileID, rule.ID, newState, err)
		return false, fmt.Errorf("append activity: %w", err)
	}

	s.notifyOutcome(ctx, fileID, userID, newState)
	subject := notify.SubjectApproved
	if newState == store.StateRejected {
		subject = notify.SubjectRejected
	}
	s.events.TriggerEvent(ctx, "file", fileID, subject, map[string]any{})
	return true, nil
}

// notifyOutcome tells everyone with access to the file, except the
// acting approver, about the decision.
func (s *Service) notifyOutcome(ctx context.Context, fileID, actorUserID, newState string) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		log.Printf("approval: outcome notification skipped, file %s lookup failed: %v", fileID, err)
		return
	}
	userIDs, err := s.store.UsersWithAccess(ctx, fileID)
	if err != nil {
		log.Printf("approval: outcome notification skipped, access listing failed for %s: %v", fileID, err)
		return
	}
	kind := notify.KindApproved
	if newState == store.StateRejected {
		kind = notify.KindRejected
	}
	for _, userID := range userIDs {
		if userID == actorUserID {
			continue
		}
		s.notifier.Notify(ctx, userID, kind, map[string]any{
			"fileId":     fileID,
			"fileName":   file.Name,
			"approverId": actorUserID,
		})
	}
}

// Request starts an approval workflow for a file under a rule. The file
// is resolved in the requesting user's own view, which doubles as the
// access check. Duplicate requests are detected by tag presence, the
// authoritative live-status signal, and fail with ErrAlreadyInWorkflow.
func (s *Service) Request(ctx context.Context, fileID, ruleID, userID string) (Result, error) {
	lock := s.locks.get(fileID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrUserNotFound
		}
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}

	visible, err := s.store.ResolveVisibleFile(ctx, userID, fileID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve file: %w", err)
	}
	if visible == nil {
		return Result{}, ErrFileNotAccessible
	}

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrRuleNotFound
		}
		return Result{}, fmt.Errorf("lookup rule: %w", err)
	}

	if !s.authz.IsAuthorized(ctx, userID, rule, store.RoleRequesters) {
		return Result{}, ErrNotAuthorized
	}

	for _, tagID := range []string{rule.TagPending, rule.TagApproved, rule.TagRejected} {
		assigned, err := s.hasTag(ctx, fileID, tagID)
		if err != nil {
			return Result{}, err
		}
		if assigned {
			return Result{}, ErrAlreadyInWorkflow
		}
	}

	if err := s.tags.Assign(ctx, fileID, rule.TagPending); err != nil {
		return Result{}, fmt.Errorf("assign pending tag: %w", err)
	}
	if _, err := s.store.AppendActivity(ctx, fileID, rule.ID, userID, store.StatePending); err != nil {
		log.Printf("approval: activity append failed after pending tag assignment file=%s rule=%s: %v", fileID, rule.ID, err)
		return Result{}, fmt.Errorf("append activity: %w", err)
	}

	s.shareWithApprovers(ctx, *visible, rule, userID)
	s.notifyApprovers(ctx, rule, *visible, userID, false)
	s.events.TriggerEvent(ctx, "file", fileID, notify.SubjectRequested, map[string]any{
		"users": s.authz.AuthorizedUserIDs(ctx, rule, store.RoleApprovers),
		"who":   userID,
	})

	return s.State(ctx, fileID, userID)
}

// RequestViaTagAssignment runs the request side effects for a pending
// tag that appeared through an external mechanism (manual tagging or an
// automation flow). The requester-authorization check is intentionally
// skipped: the tag is already on the file and there is no UI actor to
// reject. This is a policy divergence from Request, not an oversight.
func (s *Service) RequestViaTagAssignment(ctx context.Context, fileID, ruleID, actorUserID string) error {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("lookup rule: %w", err)
	}
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFileNotAccessible
		}
		return fmt.Errorf("lookup file: %w", err)
	}

	lock := s.locks.get(fileID)
	lock.Lock()
	defer lock.Unlock()
	return s.startExternalRequest(ctx, rule, file, actorUserID)
}

// startExternalRequest runs the side effects of an external request.
// The caller holds the file lock.
func (s *Service) startExternalRequest(ctx context.Context, rule store.Rule, file store.FileHandle, actorUserID string) error {
	s.shareWithApprovers(ctx, file, rule, actorUserID)

	if _, err := s.store.AppendActivity(ctx, file.ID, rule.ID, actorUserID, store.StatePending); err != nil {
		log.Printf("approval: activity append failed for external request file=%s rule=%s: %v", file.ID, rule.ID, err)
		return fmt.Errorf("append activity: %w", err)
	}

	s.events.TriggerEvent(ctx, "file", file.ID, notify.SubjectRequestedOrigin, map[string]any{
		"origin_user_id": actorUserID,
	})
	return nil
}

// HandleTagAssigned reacts to a tag-assignment event from the tag store.
// When the assigned tags contain some rule's pending tag and no pending
// activity exists yet, the tag arrived outside the request entry point
// and the trust-relaxed request path runs, attributed to actorUserID or,
// when empty, the file owner. Otherwise the approvers are only notified
// again.
func (s *Service) HandleTagAssigned(ctx context.Context, fileID string, tagIDs []string, actorUserID string) error {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	var matched *store.Rule
	for i, rule := range rules {
		for _, tagID := range tagIDs {
			if tagID == rule.TagPending {
				matched = &rules[i]
				break
			}
		}
		if matched != nil {
			break
		}
	}
	if matched == nil {
		log.Printf("approval: no rule matches assigned tags on file %s", fileID)
		return nil
	}

	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("approval: file %s not found while handling tag assignment", fileID)
			return nil
		}
		return fmt.Errorf("lookup file: %w", err)
	}

	// The existence check and the request must sit under the same file
	// lock: concurrent assignment events for the same pending tag would
	// otherwise both observe no activity and both start a workflow.
	lock := s.locks.get(fileID)
	lock.Lock()
	activity, err := s.store.LatestOfState(ctx, fileID, matched.ID, store.StatePending)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("lookup pending activity: %w", err)
	}

	if activity == nil {
		requester := actorUserID
		if requester == "" {
			requester = file.OwnerUserID
		}
		err := s.startExternalRequest(ctx, *matched, file, requester)
		lock.Unlock()
		if err != nil {
			return err
		}
		// Shares may not be effective yet, so notify every approver.
		s.notifyApprovers(ctx, *matched, file, requester, false)
		return nil
	}
	lock.Unlock()

	// The request came through the regular entry point; only re-notify
	// the approvers who can actually see the file.
	s.notifyApprovers(ctx, *matched, file, activity.ActorUserID, true)
	return nil
}

// shareWithApprovers grants read access to every approver principal of
// the rule. Failures are logged and never block the request.
func (s *Service) shareWithApprovers(ctx context.Context, file store.FileHandle, rule store.Rule, requesterUserID string) {
	const label = "Please check my approval request"
	for _, principal := range rule.Approvers {
		if principal.Type == store.PrincipalUser {
			visible, err := s.store.ResolveVisibleFile(ctx, principal.EntityID, file.ID)
			if err == nil && visible != nil {
				// Approver already sees the file; skip the duplicate share.
				continue
			}
		}
		if !s.sharer.ShareRead(ctx, file, principal.Type, principal.EntityID, requesterUserID, label) {
			log.Printf("approval: share with %s/%s failed for file %s", principal.Type, principal.EntityID, file.ID)
		}
	}
}

func (s *Service) notifyApprovers(ctx context.Context, rule store.Rule, file store.FileHandle, requesterUserID string, checkAccess bool) {
	for _, userID := range s.authz.AuthorizedUserIDs(ctx, rule, store.RoleApprovers) {
		if checkAccess {
			visible, err := s.store.ResolveVisibleFile(ctx, userID, file.ID)
			if err != nil || visible == nil {
				continue
			}
		}
		s.notifier.Notify(ctx, userID, notify.KindManualRequest, map[string]any{
			"fileId":      file.ID,
			"fileName":    file.Name,
			"requesterId": requesterUserID,
		})
	}
}

// PendingFiles lists the files awaiting a decision from the given user:
// files carrying the pending tag of any rule the user may approve with,
// restricted to files the user can see, newest request first.
func (s *Service) PendingFiles(ctx context.Context, userID string) ([]PendingFile, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	seen := make(map[string]struct{})
	pending := make([]PendingFile, 0)
	for _, rule := range rules {
		if !s.authz.IsAuthorized(ctx, userID, rule, store.RoleApprovers) {
			continue
		}
		fileIDs, err := s.tags.FilesWithTag(ctx, rule.TagPending)
		if errors.Is(err, tags.ErrTagNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list pending files: %w", err)
		}
		for _, fileID := range fileIDs {
			if _, ok := seen[fileID]; ok {
				continue
			}
			visible, err := s.store.ResolveVisibleFile(ctx, userID, fileID)
			if err != nil {
				return nil, fmt.Errorf("resolve file: %w", err)
			}
			if visible == nil {
				continue
			}
			seen[fileID] = struct{}{}
			entry := PendingFile{File: *visible, RuleID: rule.ID}
			if record, err := s.store.LatestOfState(ctx, fileID, rule.ID, store.StatePending); err == nil && record != nil {
				requestedAt := record.CreatedAt
				entry.RequestedAt = &requestedAt
			}
			pending = append(pending, entry)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].RequestedAt, pending[j].RequestedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
	return pending, nil
}

// UserRules lists the rules the user may act with in the given role.
// With a file id and the requesters role, rules whose triad is already
// on the file are filtered out, since a new request would conflict.
func (s *Service) UserRules(ctx context.Context, userID, role, fileID string) ([]store.Rule, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]store.Rule, 0)
	for _, rule := range rules {
		if !s.authz.IsAuthorized(ctx, userID, rule, role) {
			continue
		}
		if role == store.RoleRequesters && fileID != "" {
			inWorkflow := false
			for _, tagID := range []string{rule.TagPending, rule.TagApproved, rule.TagRejected} {
				assigned, err := s.hasTag(ctx, fileID, tagID)
				if err != nil {
					return nil, err
				}
				if assigned {
					inWorkflow = true
					break
				}
			}
			if inWorkflow {
				continue
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

// FileTimeline reports when the (file, rule) pair was requested,
// approved and rejected. SentAt is the earliest record for the pair.
func (s *Service) FileTimeline(ctx context.Context, fileID, ruleID string) (Timeline, error) {
	var timeline Timeline
	first, err := s.store.FirstActivity(ctx, fileID, ruleID)
	if err != nil {
		return Timeline{}, fmt.Errorf("first activity: %w", err)
	}
	if first != nil {
		sentAt := first.CreatedAt
		timeline.SentAt = &sentAt
	}
	latest, err := s.store.LatestActivity(ctx, fileID, ruleID)
	if err != nil {
		return Timeline{}, fmt.Errorf("latest activity: %w", err)
	}
	if latest != nil {
		timeline.State = latest.NewState
	}
	if record, err := s.store.LatestOfState(ctx, fileID, ruleID, store.StateApproved); err != nil {
		return Timeline{}, fmt.Errorf("approved activity: %w", err)
	} else if record != nil {
		approvedAt := record.CreatedAt
		timeline.ApprovedAt = &approvedAt
	}
	if record, err := s.store.LatestOfState(ctx, fileID, ruleID, store.StateRejected); err != nil {
		return Timeline{}, fmt.Errorf("rejected activity: %w", err)
	} else if record != nil {
		rejectedAt := record.CreatedAt
		timeline.RejectedAt = &rejectedAt
	}
	return timeline, nil
}

// Kpis counts distinct files per current state for every rule, reading
// only the materialized latest-state index.
func (s *Service) Kpis(ctx context.Context) ([]store.RuleKpi, error) {
	kpis, err := s.store.WorkflowKpis(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow kpis: %w", err)
	}
	return kpis, nil
}
