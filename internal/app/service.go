package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"ontoserve/api/internal/approval"
	"ontoserve/api/internal/archive"
	"ontoserve/api/internal/conflict"
	"ontoserve/api/internal/impact"
	"ontoserve/api/internal/search"
	"ontoserve/api/internal/session"
	"ontoserve/api/internal/store"
	"ontoserve/api/internal/util"
)

// Unresolved conflicts are held in memory while the parties work through
// them; anything older is re-detectable at the next submit.
const conflictTTL = 30 * time.Minute

type dataStore interface {
	Ping(ctx context.Context) error

	InsertChangeRequest(ctx context.Context, req store.ChangeRequest) error
	GetChangeRequest(ctx context.Context, requestID string) (store.ChangeRequest, error)
	ListChangeRequests(ctx context.Context, ontologyID, status string) ([]store.ChangeRequest, error)
	PendingRequestsForElement(ctx context.Context, ontologyID, elementID, excludeRequestID string) ([]store.ChangeRequest, error)
	UpdateDraft(ctx context.Context, requestID string, proposed map[string]any, description string, report *store.ImpactReport) error
	DeleteChangeRequest(ctx context.Context, requestID string) error
	BeginReview(ctx context.Context, requestID string, expectedVersion int, chainID string, report *store.ImpactReport) error
	FinalizeStatus(ctx context.Context, requestID string, expectedVersion int, toStatus string) error
	MarkApplied(ctx context.Context, requestID string) error

	InsertApprovalChain(ctx context.Context, chain store.ApprovalChain) error
	GetApprovalChain(ctx context.Context, chainID string) (store.ApprovalChain, error)
	FindChainForArea(ctx context.Context, ontologyArea string) (store.ApprovalChain, error)
	ListApprovalChains(ctx context.Context, ontologyArea string) ([]store.ApprovalChain, error)

	ActivateLevel(ctx context.Context, requestID string, level int, activatedAt, deadlineAt time.Time) error
	RecordApproval(ctx context.Context, action store.ApprovalAction) (int, error)
	FinalizeWithDecision(ctx context.Context, requestID string, expectedVersion int, toStatus string, action store.ApprovalAction) error
	MarkLevelSatisfied(ctx context.Context, requestID string, level int) error
	LevelProgress(ctx context.Context, requestID string) ([]store.LevelProgress, error)
	ListOverdueRequests(ctx context.Context, now time.Time) ([]store.ChangeRequest, error)

	UpsertElements(ctx context.Context, ontologyID string, elements []store.Element, references []store.ElementReference) error
	GetElement(ctx context.Context, ontologyID, elementID string) (store.Element, error)
	InboundReferences(ctx context.Context, ontologyID, elementID string) ([]store.ElementReference, error)
	ApplyChange(ctx context.Context, req store.ChangeRequest) error

	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, requestID string, limit int) ([]store.AuditEvent, error)
}

type sessionStore interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, sessionID, ontologyID string) (session.Session, error)
	JoinSession(ctx context.Context, sessionID, actorID string) (session.Session, error)
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
	CloseSession(ctx context.Context, sessionID string) error
	AcquireLock(ctx context.Context, sessionID, elementID, actorID string) (session.Lock, error)
	ReleaseLock(ctx context.Context, sessionID, elementID, actorID string) error
}

type archiver interface {
	RecordApplied(req store.ChangeRequest, after *store.Element) (archive.CommitInfo, error)
	History(ontologyID string, limit int) ([]archive.CommitInfo, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexRequest(rec search.RequestRecord)
	DeleteRequest(id string)
}

type trackedConflict struct {
	conflict  conflict.Conflict
	expiresAt time.Time
}

type Service struct {
	store    dataStore
	sessions sessionStore
	analyzer *impact.Analyzer
	archive  archiver
	search   searchIndex

	conflictMu sync.Mutex
	conflicts  map[string]trackedConflict
}

func NewService(st dataStore, sessions sessionStore, arch archiver, idx searchIndex, thresholds impact.Thresholds) *Service {
	return &Service{
		store:     st,
		sessions:  sessions,
		analyzer:  impact.NewAnalyzer(st, thresholds),
		archive:   arch,
		search:    idx,
		conflicts: make(map[string]trackedConflict),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// ── Collaboration sessions ──

func (s *Service) CreateSession(ctx context.Context, ontologyID, actorID string) (session.Session, error) {
	if strings.TrimSpace(ontologyID) == "" {
		return session.Session{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "ontologyId is required", nil)
	}
	if strings.TrimSpace(actorID) == "" {
		return session.Session{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "actorId is required", nil)
	}

	sess, err := s.sessions.CreateSession(ctx, util.NewID("sess"), ontologyID)
	if err != nil {
		return session.Session{}, mapSessionError(err)
	}
	sess, err = s.sessions.JoinSession(ctx, sess.ID, actorID)
	if err != nil {
		return session.Session{}, mapSessionError(err)
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, mapSessionError(err)
	}
	return sess, nil
}

func (s *Service) JoinSession(ctx context.Context, sessionID, actorID string) (session.Session, error) {
	if strings.TrimSpace(actorID) == "" {
		return session.Session{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "actorId is required", nil)
	}
	sess, err := s.sessions.JoinSession(ctx, sessionID, actorID)
	if err != nil {
		return session.Session{}, mapSessionError(err)
	}
	return sess, nil
}

func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.CloseSession(ctx, sessionID); err != nil {
		return mapSessionError(err)
	}
	return nil
}

func (s *Service) AcquireLock(ctx context.Context, sessionID, elementID, actorID string) (session.Lock, error) {
	if strings.TrimSpace(elementID) == "" {
		return session.Lock{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "elementId is required", nil)
	}
	if strings.TrimSpace(actorID) == "" {
		return session.Lock{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "actorId is required", nil)
	}
	lock, err := s.sessions.AcquireLock(ctx, sessionID, elementID, actorID)
	if err != nil {
		return session.Lock{}, mapSessionError(err)
	}
	return lock, nil
}

func (s *Service) ReleaseLock(ctx context.Context, sessionID, elementID, actorID string) error {
	if err := s.sessions.ReleaseLock(ctx, sessionID, elementID, actorID); err != nil {
		return mapSessionError(err)
	}
	return nil
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return domainError(http.StatusConflict, CodeAlreadyActive, "Another session is active for this ontology", nil)
	case errors.Is(err, session.ErrLockConflict):
		return domainError(http.StatusConflict, CodeLockConflict, err.Error(), nil)
	case errors.Is(err, session.ErrNotOwner):
		return domainError(http.StatusConflict, CodeNotOwner, "Lock is held by a different participant", nil)
	case errors.Is(err, session.ErrNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Session not found", nil)
	default:
		return err
	}
}

// ── Change requests ──

type DraftInput struct {
	OntologyID      string         `json:"ontologyId"`
	OntologyArea    string         `json:"ontologyArea"`
	RequesterID     string         `json:"requesterId"`
	ChangeType      string         `json:"changeType"`
	TargetElementID string         `json:"targetElementId"`
	ProposedChanges map[string]any `json:"proposedChanges"`
	BaseState       map[string]any `json:"baseState"`
	Description     string         `json:"description"`
}

type RequestView struct {
	ID              string              `json:"id"`
	OntologyID      string              `json:"ontologyId"`
	OntologyArea    string              `json:"ontologyArea"`
	RequesterID     string              `json:"requesterId"`
	ChangeType      string              `json:"changeType"`
	TargetElementID string              `json:"targetElementId"`
	ProposedChanges map[string]any      `json:"proposedChanges"`
	BaseState       map[string]any      `json:"baseState"`
	Description     string              `json:"description"`
	Status          string              `json:"status"`
	ChainID         string              `json:"chainId,omitempty"`
	ImpactReport    *store.ImpactReport `json:"impactReport,omitempty"`
	Version         int                 `json:"version"`
	AppliedAt       *time.Time          `json:"appliedAt,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	Progress        []LevelView         `json:"progress,omitempty"`
	Overdue         bool                `json:"overdue"`
}

type LevelView struct {
	Level       int        `json:"level"`
	ActivatedAt time.Time  `json:"activatedAt"`
	DeadlineAt  time.Time  `json:"deadlineAt"`
	SatisfiedAt *time.Time `json:"satisfiedAt,omitempty"`
	Approvals   int        `json:"approvals"`
	Required    int        `json:"required"`
}

func (s *Service) CreateDraft(ctx context.Context, input DraftInput) (RequestView, error) {
	if err := validateDraftInput(input); err != nil {
		return RequestView{}, err
	}

	req := store.ChangeRequest{
		ID:              util.NewID("cr"),
		OntologyID:      input.OntologyID,
		OntologyArea:    input.OntologyArea,
		RequesterID:     input.RequesterID,
		ChangeType:      input.ChangeType,
		TargetElementID: input.TargetElementID,
		ProposedChanges: orEmpty(input.ProposedChanges),
		BaseState:       orEmpty(input.BaseState),
		Description:     input.Description,
		Status:          store.StatusDraft,
		Version:         1,
	}

	report, err := s.analyzer.Analyze(ctx, &req)
	if err != nil {
		return RequestView{}, fmt.Errorf("analyze impact: %w", err)
	}
	req.ImpactReport = report

	if err := s.store.InsertChangeRequest(ctx, req); err != nil {
		return RequestView{}, err
	}
	s.indexRequest(req)
	s.audit(ctx, "request_created", req.RequesterID, req, nil)
	return s.requestView(ctx, req)
}

func (s *Service) UpdateDraft(ctx context.Context, requestID string, proposed map[string]any, description string) (RequestView, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}

	req.ProposedChanges = orEmpty(proposed)
	if description != "" {
		req.Description = description
	}
	report, err := s.analyzer.Analyze(ctx, &req)
	if err != nil {
		return RequestView{}, fmt.Errorf("analyze impact: %w", err)
	}
	req.ImpactReport = report

	if err := s.store.UpdateDraft(ctx, requestID, req.ProposedChanges, req.Description, report); err != nil {
		return RequestView{}, mapStoreError(err)
	}
	s.indexRequest(req)
	return s.GetRequest(ctx, requestID)
}

// DiscardDraft deletes an unsubmitted draft and drops it from the search
// index. Requests past draft are immutable history and stay put.
func (s *Service) DiscardDraft(ctx context.Context, requestID string) error {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteChangeRequest(ctx, requestID); err != nil {
		return mapStoreError(err)
	}
	if s.search != nil {
		s.search.DeleteRequest(requestID)
	}
	s.audit(ctx, "request_discarded", req.RequesterID, req, nil)
	return nil
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (RequestView, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	return s.requestView(ctx, req)
}

func (s *Service) ListRequests(ctx context.Context, ontologyID, status string) ([]RequestView, error) {
	requests, err := s.store.ListChangeRequests(ctx, ontologyID, status)
	if err != nil {
		return nil, err
	}
	views := make([]RequestView, 0, len(requests))
	for _, req := range requests {
		view, err := s.requestView(ctx, req)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// ListOverdue returns in-review requests with at least one missed deadline.
// Deadlines are checked on read; nothing escalates automatically.
func (s *Service) ListOverdue(ctx context.Context) ([]RequestView, error) {
	requests, err := s.store.ListOverdueRequests(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	views := make([]RequestView, 0, len(requests))
	for _, req := range requests {
		view, err := s.requestView(ctx, req)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Submit moves a draft into review: conflicts must be clear, a chain must
// cover the request's area, and the impact report is computed fresh.
func (s *Service) Submit(ctx context.Context, requestID string) (RequestView, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	if req.Status != store.StatusDraft {
		return RequestView{}, domainError(http.StatusConflict, CodeWrongState,
			fmt.Sprintf("request is %s, only drafts can be submitted", req.Status), nil)
	}

	conflicts, err := s.detectAndTrack(ctx, &req, "")
	if err != nil {
		return RequestView{}, err
	}
	if len(conflicts) > 0 {
		ids := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			ids = append(ids, c.ID)
		}
		return RequestView{}, domainError(http.StatusConflict, CodeUnresolvedConflict,
			"Concurrent changes target the same element", map[string]any{"conflictIds": ids})
	}

	chain, err := s.store.FindChainForArea(ctx, req.OntologyArea)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RequestView{}, domainError(http.StatusUnprocessableEntity, CodeNoChainConfigured,
				fmt.Sprintf("no approval chain covers area %q", req.OntologyArea), nil)
		}
		return RequestView{}, err
	}

	report, err := s.analyzer.Analyze(ctx, &req)
	if err != nil {
		return RequestView{}, fmt.Errorf("analyze impact: %w", err)
	}

	if err := s.store.BeginReview(ctx, requestID, req.Version, chain.ID, report); err != nil {
		return RequestView{}, mapStoreError(err)
	}

	now := time.Now().UTC()
	if chain.ApprovalType == store.ChainParallel {
		for _, lvl := range chain.Levels {
			if err := s.store.ActivateLevel(ctx, requestID, lvl.Level, now, approval.Deadline(lvl, now)); err != nil {
				return RequestView{}, err
			}
		}
	} else {
		first := chain.Levels[0]
		if err := s.store.ActivateLevel(ctx, requestID, first.Level, now, approval.Deadline(first, now)); err != nil {
			return RequestView{}, err
		}
	}

	req.Status = store.StatusInReview
	req.ChainID = chain.ID
	req.ImpactReport = report
	s.indexRequest(req)
	s.audit(ctx, "request_submitted", req.RequesterID, req, map[string]any{"chainId": chain.ID})
	return s.GetRequest(ctx, requestID)
}

// Approve records one approver's sign-off and advances the chain when the
// level's quorum is met. The last satisfied level finalizes the request and
// applies the change.
func (s *Service) Approve(ctx context.Context, requestID, approverID, reason string) (RequestView, error) {
	req, chain, err := s.loadForDecision(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}

	level := approval.FindLevel(&chain, approverID)
	if level == 0 {
		return RequestView{}, domainError(http.StatusForbidden, CodeNotEligibleApprover,
			fmt.Sprintf("%s is not an approver on chain %s", approverID, chain.ID), nil)
	}

	progress, err := s.store.LevelProgress(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	entry, active := findProgress(progress, level)
	if !active {
		return RequestView{}, domainError(http.StatusConflict, CodeWrongState,
			fmt.Sprintf("level %d is not active yet", level), nil)
	}
	if entry.SatisfiedAt != nil {
		// Level already cleared; nothing to advance.
		return s.GetRequest(ctx, requestID)
	}

	count, err := s.store.RecordApproval(ctx, store.ApprovalAction{
		ID:         util.NewID("act"),
		RequestID:  requestID,
		Level:      level,
		ApproverID: approverID,
		Action:     "approved",
		Reason:     reason,
	})
	if err != nil {
		return RequestView{}, err
	}
	s.audit(ctx, "request_approval", approverID, req, map[string]any{"level": level, "approvals": count})

	lvl, _ := approval.Level(&chain, level)
	if count < approval.RequiredApprovals(chain.ApprovalType, lvl) {
		return s.GetRequest(ctx, requestID)
	}

	if err := s.store.MarkLevelSatisfied(ctx, requestID, level); err != nil {
		return RequestView{}, err
	}

	done := false
	if chain.ApprovalType == store.ChainParallel {
		progress, err = s.store.LevelProgress(ctx, requestID)
		if err != nil {
			return RequestView{}, err
		}
		done = satisfiedCount(progress) == len(chain.Levels)
	} else {
		next := approval.NextLevel(&chain, level)
		if next == 0 {
			done = true
		} else {
			nextLvl, _ := approval.Level(&chain, next)
			now := time.Now().UTC()
			if err := s.store.ActivateLevel(ctx, requestID, next, now, approval.Deadline(nextLvl, now)); err != nil {
				return RequestView{}, err
			}
		}
	}

	if done {
		if err := s.finalizeApproved(ctx, req); err != nil {
			return RequestView{}, err
		}
	}
	return s.GetRequest(ctx, requestID)
}

// Reject terminates the request. On PARALLEL chains any approver can reject;
// on SEQUENTIAL chains only an approver at the active level. A reason is
// mandatory.
func (s *Service) Reject(ctx context.Context, requestID, approverID, reason string) (RequestView, error) {
	if strings.TrimSpace(reason) == "" {
		return RequestView{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "reason is required", nil)
	}
	return s.decide(ctx, requestID, approverID, reason, "rejected", store.StatusRejected)
}

// RequestChanges sends the request back to its author with feedback.
func (s *Service) RequestChanges(ctx context.Context, requestID, approverID, feedback string) (RequestView, error) {
	if strings.TrimSpace(feedback) == "" {
		return RequestView{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "feedback is required", nil)
	}
	return s.decide(ctx, requestID, approverID, feedback, "changes_requested", store.StatusChangesRequested)
}

func (s *Service) decide(ctx context.Context, requestID, approverID, reason, action, toStatus string) (RequestView, error) {
	req, chain, err := s.loadForDecision(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	level := approval.FindLevel(&chain, approverID)
	if level == 0 {
		return RequestView{}, domainError(http.StatusForbidden, CodeNotEligibleApprover,
			fmt.Sprintf("%s is not an approver on chain %s", approverID, chain.ID), nil)
	}

	// Sequential chains only hear from the level currently under review.
	if chain.ApprovalType != store.ChainParallel {
		progress, err := s.store.LevelProgress(ctx, requestID)
		if err != nil {
			return RequestView{}, err
		}
		entry, active := findProgress(progress, level)
		if !active || entry.SatisfiedAt != nil {
			return RequestView{}, domainError(http.StatusConflict, CodeWrongState,
				fmt.Sprintf("level %d is not the active level", level), nil)
		}
	}

	if err := s.store.FinalizeWithDecision(ctx, requestID, req.Version, toStatus, store.ApprovalAction{
		ID:         util.NewID("act"),
		RequestID:  requestID,
		Level:      level,
		ApproverID: approverID,
		Action:     action,
		Reason:     reason,
	}); err != nil {
		return RequestView{}, mapStoreError(err)
	}

	req.Status = toStatus
	s.indexRequest(req)
	s.audit(ctx, "request_"+action, approverID, req, map[string]any{"reason": reason})
	return s.GetRequest(ctx, requestID)
}

func (s *Service) loadForDecision(ctx context.Context, requestID string) (store.ChangeRequest, store.ApprovalChain, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return store.ChangeRequest{}, store.ApprovalChain{}, err
	}
	if req.Status != store.StatusInReview {
		return store.ChangeRequest{}, store.ApprovalChain{}, domainError(http.StatusConflict, CodeWrongState,
			fmt.Sprintf("request is %s, not in review", req.Status), nil)
	}
	chain, err := s.store.GetApprovalChain(ctx, req.ChainID)
	if err != nil {
		return store.ChangeRequest{}, store.ApprovalChain{}, err
	}
	return req, chain, nil
}

// finalizeApproved flips the request to approved, applies the mutation to
// the element read model and archives a snapshot. Apply failures leave the
// request approved but un-applied; applied_at records success.
func (s *Service) finalizeApproved(ctx context.Context, req store.ChangeRequest) error {
	if err := s.store.FinalizeStatus(ctx, req.ID, req.Version, store.StatusApproved); err != nil {
		return mapStoreError(err)
	}
	req.Status = store.StatusApproved
	s.indexRequest(req)
	s.audit(ctx, "request_approved", req.RequesterID, req, nil)

	if err := s.store.ApplyChange(ctx, req); err != nil {
		return fmt.Errorf("apply change: %w", err)
	}
	if s.archive != nil {
		var after *store.Element
		if req.ChangeType != store.ChangeDelete {
			element, err := s.store.GetElement(ctx, req.OntologyID, req.TargetElementID)
			if err == nil {
				after = &element
			}
		}
		if _, err := s.archive.RecordApplied(req, after); err != nil {
			return fmt.Errorf("archive applied change: %w", err)
		}
	}
	if err := s.store.MarkApplied(ctx, req.ID); err != nil {
		return err
	}
	s.audit(ctx, "request_applied", req.RequesterID, req, nil)
	return nil
}

// ImpactReport returns the stored report for a request.
func (s *Service) ImpactReport(ctx context.Context, requestID string) (*store.ImpactReport, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ImpactReport == nil {
		return nil, domainError(http.StatusNotFound, CodeNotFound, "no impact report for this request", nil)
	}
	return req.ImpactReport, nil
}

// ── Conflicts ──

// DetectConflicts diffs a request against concurrent pending requests for
// the same element, or against one named request. Found conflicts are
// tracked until resolved or expired.
func (s *Service) DetectConflicts(ctx context.Context, requestID, otherRequestID string) ([]conflict.Conflict, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.detectAndTrack(ctx, &req, otherRequestID)
}

func (s *Service) detectAndTrack(ctx context.Context, req *store.ChangeRequest, otherRequestID string) ([]conflict.Conflict, error) {
	var others []store.ChangeRequest
	if otherRequestID != "" {
		other, err := s.store.GetChangeRequest(ctx, otherRequestID)
		if err != nil {
			return nil, err
		}
		if other.TargetElementID != req.TargetElementID {
			return nil, domainError(http.StatusUnprocessableEntity, CodeValidation,
				"requests target different elements", nil)
		}
		others = []store.ChangeRequest{other}
	} else {
		var err error
		others, err = s.store.PendingRequestsForElement(ctx, req.OntologyID, req.TargetElementID, req.ID)
		if err != nil {
			return nil, err
		}
	}

	conflicts := conflict.Detect(req, others, func() string { return util.NewID("conf") })

	s.conflictMu.Lock()
	now := time.Now()
	for id, tracked := range s.conflicts {
		if now.After(tracked.expiresAt) {
			delete(s.conflicts, id)
		}
	}
	for _, c := range conflicts {
		s.conflicts[c.ID] = trackedConflict{conflict: c, expiresAt: now.Add(conflictTTL)}
	}
	s.conflictMu.Unlock()

	return conflicts, nil
}

// ResolveConflict applies a resolution strategy to a tracked conflict and
// rewrites the owning draft's proposed changes with the merge result.
func (s *Service) ResolveConflict(ctx context.Context, conflictID, strategy string, mergedFields map[string]any, resolvedBy string) (RequestView, error) {
	s.conflictMu.Lock()
	tracked, ok := s.conflicts[conflictID]
	if ok && time.Now().After(tracked.expiresAt) {
		delete(s.conflicts, conflictID)
		ok = false
	}
	s.conflictMu.Unlock()
	if !ok {
		return RequestView{}, domainError(http.StatusNotFound, CodeNotFound, "conflict not found or expired", nil)
	}
	c := tracked.conflict

	var fields map[string]any
	switch strategy {
	case "accept_mine":
		fields = c.Mine
	case "accept_theirs":
		fields = c.Theirs
	case "manual_merge":
		fields = mergedFields
	default:
		return RequestView{}, domainError(http.StatusUnprocessableEntity, CodeValidation,
			fmt.Sprintf("unknown resolution strategy %q", strategy), nil)
	}

	req, err := s.store.GetChangeRequest(ctx, c.RequestID)
	if err != nil {
		return RequestView{}, err
	}

	// Fields only the other side changed must survive the merge, so load its
	// full proposal; a vanished counterpart contributes nothing.
	theirs := map[string]any{}
	if other, err := s.store.GetChangeRequest(ctx, c.OtherID); err == nil {
		theirs = other.ProposedChanges
	} else if !errors.Is(err, sql.ErrNoRows) {
		return RequestView{}, err
	}

	merged, err := conflict.Merge(&c, req.ProposedChanges, theirs, &conflict.Resolution{
		ConflictID: conflictID,
		ResolvedBy: resolvedBy,
		Fields:     orEmpty(fields),
	})
	if err != nil {
		if errors.Is(err, conflict.ErrIncompleteMerge) {
			return RequestView{}, domainError(http.StatusUnprocessableEntity, CodeIncompleteMerge,
				"resolution must cover every conflicting field", map[string]any{"fields": c.Fields})
		}
		return RequestView{}, err
	}

	view, err := s.UpdateDraft(ctx, c.RequestID, merged, req.Description)
	if err != nil {
		return RequestView{}, err
	}

	s.conflictMu.Lock()
	delete(s.conflicts, conflictID)
	s.conflictMu.Unlock()

	s.audit(ctx, "conflict_resolved", resolvedBy, req, map[string]any{
		"conflictId": conflictID,
		"strategy":   strategy,
	})
	return view, nil
}

// ── Approval chains ──

type ChainInput struct {
	Name         string                `json:"name"`
	OntologyArea string                `json:"ontologyArea"`
	ApprovalType string                `json:"approvalType"`
	Levels       []store.ApprovalLevel `json:"levels"`
}

func (s *Service) CreateChain(ctx context.Context, input ChainInput) (store.ApprovalChain, error) {
	chain := store.ApprovalChain{
		ID:           util.NewID("chain"),
		Name:         input.Name,
		OntologyArea: input.OntologyArea,
		ApprovalType: input.ApprovalType,
		Levels:       input.Levels,
	}
	if strings.TrimSpace(chain.Name) == "" {
		return store.ApprovalChain{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "name is required", nil)
	}
	if strings.TrimSpace(chain.OntologyArea) == "" {
		return store.ApprovalChain{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "ontologyArea is required", nil)
	}
	if err := approval.ValidateChain(&chain); err != nil {
		return store.ApprovalChain{}, domainError(http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
	}
	if err := s.store.InsertApprovalChain(ctx, chain); err != nil {
		return store.ApprovalChain{}, err
	}
	return s.store.GetApprovalChain(ctx, chain.ID)
}

func (s *Service) GetChain(ctx context.Context, chainID string) (store.ApprovalChain, error) {
	return s.store.GetApprovalChain(ctx, chainID)
}

func (s *Service) ListChains(ctx context.Context, ontologyArea string) ([]store.ApprovalChain, error) {
	return s.store.ListApprovalChains(ctx, ontologyArea)
}

// ── Ontology elements ──

// SyncElements replaces the engine's read model of an ontology with the
// annotation platform's current elements and reference edges.
func (s *Service) SyncElements(ctx context.Context, ontologyID string, elements []store.Element, references []store.ElementReference) error {
	if strings.TrimSpace(ontologyID) == "" {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "ontologyId is required", nil)
	}
	for i := range elements {
		if elements[i].Fields == nil {
			elements[i].Fields = map[string]any{}
		}
	}
	return s.store.UpsertElements(ctx, ontologyID, elements, references)
}

func (s *Service) GetElement(ctx context.Context, ontologyID, elementID string) (store.Element, error) {
	return s.store.GetElement(ctx, ontologyID, elementID)
}

// ── Search, archive, audit ──

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) ArchiveHistory(ctx context.Context, ontologyID string, limit int) ([]archive.CommitInfo, error) {
	if s.archive == nil {
		return []archive.CommitInfo{}, nil
	}
	return s.archive.History(ontologyID, limit)
}

func (s *Service) AuditTrail(ctx context.Context, requestID string, limit int) ([]store.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, requestID, limit)
}

// ── helpers ──

func (s *Service) requestView(ctx context.Context, req store.ChangeRequest) (RequestView, error) {
	view := RequestView{
		ID:              req.ID,
		OntologyID:      req.OntologyID,
		OntologyArea:    req.OntologyArea,
		RequesterID:     req.RequesterID,
		ChangeType:      req.ChangeType,
		TargetElementID: req.TargetElementID,
		ProposedChanges: req.ProposedChanges,
		BaseState:       req.BaseState,
		Description:     req.Description,
		Status:          req.Status,
		ChainID:         req.ChainID,
		ImpactReport:    req.ImpactReport,
		Version:         req.Version,
		AppliedAt:       req.AppliedAt,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
	}
	if req.Status != store.StatusInReview && req.ChainID == "" {
		return view, nil
	}

	progress, err := s.store.LevelProgress(ctx, req.ID)
	if err != nil {
		return RequestView{}, err
	}
	if len(progress) == 0 {
		return view, nil
	}

	var chain store.ApprovalChain
	if req.ChainID != "" {
		chain, err = s.store.GetApprovalChain(ctx, req.ChainID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return RequestView{}, err
		}
	}

	now := time.Now().UTC()
	for _, p := range progress {
		lv := LevelView{
			Level:       p.Level,
			ActivatedAt: p.ActivatedAt,
			DeadlineAt:  p.DeadlineAt,
			SatisfiedAt: p.SatisfiedAt,
			Approvals:   p.Approvals,
		}
		if lvl, ok := approval.Level(&chain, p.Level); ok {
			lv.Required = approval.RequiredApprovals(chain.ApprovalType, lvl)
		}
		if p.SatisfiedAt == nil && now.After(p.DeadlineAt) {
			view.Overdue = true
		}
		view.Progress = append(view.Progress, lv)
	}
	return view, nil
}

func (s *Service) indexRequest(req store.ChangeRequest) {
	if s.search == nil {
		return
	}
	s.search.IndexRequest(search.RequestRecord{
		ID:          req.ID,
		OntologyID:  req.OntologyID,
		ElementID:   req.TargetElementID,
		ChangeType:  req.ChangeType,
		Status:      req.Status,
		Description: req.Description,
		RequesterID: req.RequesterID,
	})
}

func (s *Service) audit(ctx context.Context, eventType, actorID string, req store.ChangeRequest, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	event := store.AuditEvent{
		EventType:  eventType,
		ActorID:    actorID,
		OntologyID: req.OntologyID,
		RequestID:  req.ID,
		Payload:    payload,
	}
	if err := s.store.InsertAuditEvent(ctx, event); err != nil {
		// The lifecycle action already committed; log and move on.
		log.Printf("audit: record %s for %s: %v", eventType, req.ID, err)
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrStaleVersion):
		return domainError(http.StatusConflict, CodeStaleRequest, "request changed underneath you, reload and retry", nil)
	case errors.Is(err, store.ErrWrongState):
		return domainError(http.StatusConflict, CodeWrongState, err.Error(), nil)
	default:
		return err
	}
}

func validateDraftInput(input DraftInput) error {
	if strings.TrimSpace(input.OntologyID) == "" {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "ontologyId is required", nil)
	}
	if strings.TrimSpace(input.RequesterID) == "" {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "requesterId is required", nil)
	}
	if strings.TrimSpace(input.TargetElementID) == "" {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "targetElementId is required", nil)
	}
	switch input.ChangeType {
	case store.ChangeAdd, store.ChangeModify, store.ChangeDelete:
	default:
		return domainError(http.StatusUnprocessableEntity, CodeValidation,
			fmt.Sprintf("changeType must be ADD, MODIFY or DELETE, got %q", input.ChangeType), nil)
	}
	if input.ChangeType != store.ChangeDelete && len(input.ProposedChanges) == 0 {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "proposedChanges is required", nil)
	}
	return nil
}

func findProgress(progress []store.LevelProgress, level int) (store.LevelProgress, bool) {
	for _, p := range progress {
		if p.Level == level {
			return p, true
		}
	}
	return store.LevelProgress{}, false
}

func satisfiedCount(progress []store.LevelProgress) int {
	count := 0
	for _, p := range progress {
		if p.SatisfiedAt != nil {
			count++
		}
	}
	return count
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
