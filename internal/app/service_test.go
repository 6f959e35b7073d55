package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"ontoserve/api/internal/archive"
	"ontoserve/api/internal/impact"
	"ontoserve/api/internal/search"
	"ontoserve/api/internal/session"
	"ontoserve/api/internal/store"
)

// memStore is an in-memory dataStore with the same transition semantics as
// the Postgres implementation, so workflow tests exercise real state.
type memStore struct {
	requests map[string]*store.ChangeRequest
	chains   map[string]*store.ApprovalChain
	progress map[string][]*store.LevelProgress
	actions  []store.ApprovalAction
	elements map[string]store.Element
	refs     map[string][]store.ElementReference
	audits   []store.AuditEvent

	beforeFinalize func()
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]*store.ChangeRequest),
		chains:   make(map[string]*store.ApprovalChain),
		progress: make(map[string][]*store.LevelProgress),
		elements: make(map[string]store.Element),
		refs:     make(map[string][]store.ElementReference),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) InsertChangeRequest(_ context.Context, req store.ChangeRequest) error {
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	m.requests[req.ID] = &req
	return nil
}

func (m *memStore) GetChangeRequest(_ context.Context, requestID string) (store.ChangeRequest, error) {
	req, ok := m.requests[requestID]
	if !ok {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	return *req, nil
}

func (m *memStore) ListChangeRequests(_ context.Context, ontologyID, status string) ([]store.ChangeRequest, error) {
	var out []store.ChangeRequest
	for _, req := range m.requests {
		if ontologyID != "" && req.OntologyID != ontologyID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (m *memStore) PendingRequestsForElement(_ context.Context, ontologyID, elementID, excludeRequestID string) ([]store.ChangeRequest, error) {
	var out []store.ChangeRequest
	for _, req := range m.requests {
		if req.ID == excludeRequestID || req.OntologyID != ontologyID || req.TargetElementID != elementID {
			continue
		}
		if req.Status == store.StatusSubmitted || req.Status == store.StatusInReview {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *memStore) UpdateDraft(_ context.Context, requestID string, proposed map[string]any, description string, report *store.ImpactReport) error {
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != store.StatusDraft {
		return fmt.Errorf("%w: expected draft, found %s", store.ErrWrongState, req.Status)
	}
	req.ProposedChanges = proposed
	req.Description = description
	req.ImpactReport = report
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) BeginReview(_ context.Context, requestID string, expectedVersion int, chainID string, report *store.ImpactReport) error {
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != store.StatusDraft {
		return fmt.Errorf("%w: expected draft, found %s", store.ErrWrongState, req.Status)
	}
	if req.Version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, found %d", store.ErrStaleVersion, expectedVersion, req.Version)
	}
	req.Status = store.StatusInReview
	req.ChainID = chainID
	req.ImpactReport = report
	req.Version++
	return nil
}

func (m *memStore) FinalizeStatus(_ context.Context, requestID string, expectedVersion int, toStatus string) error {
	if m.beforeFinalize != nil {
		m.beforeFinalize()
	}
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != store.StatusInReview {
		return fmt.Errorf("%w: expected in_review, found %s", store.ErrWrongState, req.Status)
	}
	if req.Version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, found %d", store.ErrStaleVersion, expectedVersion, req.Version)
	}
	req.Status = toStatus
	req.Version++
	return nil
}

func (m *memStore) DeleteChangeRequest(_ context.Context, requestID string) error {
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != store.StatusDraft {
		return fmt.Errorf("%w: expected draft, found %s", store.ErrWrongState, req.Status)
	}
	delete(m.requests, requestID)
	return nil
}

func (m *memStore) MarkApplied(_ context.Context, requestID string) error {
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now().UTC()
	req.AppliedAt = &now
	return nil
}

func (m *memStore) InsertApprovalChain(_ context.Context, chain store.ApprovalChain) error {
	chain.CreatedAt = time.Now().UTC()
	m.chains[chain.ID] = &chain
	return nil
}

func (m *memStore) GetApprovalChain(_ context.Context, chainID string) (store.ApprovalChain, error) {
	chain, ok := m.chains[chainID]
	if !ok {
		return store.ApprovalChain{}, sql.ErrNoRows
	}
	return *chain, nil
}

func (m *memStore) FindChainForArea(_ context.Context, ontologyArea string) (store.ApprovalChain, error) {
	var newest *store.ApprovalChain
	for _, chain := range m.chains {
		if chain.OntologyArea != ontologyArea {
			continue
		}
		if newest == nil || chain.CreatedAt.After(newest.CreatedAt) {
			newest = chain
		}
	}
	if newest == nil {
		return store.ApprovalChain{}, sql.ErrNoRows
	}
	return *newest, nil
}

func (m *memStore) ListApprovalChains(_ context.Context, ontologyArea string) ([]store.ApprovalChain, error) {
	var out []store.ApprovalChain
	for _, chain := range m.chains {
		if ontologyArea == "" || chain.OntologyArea == ontologyArea {
			out = append(out, *chain)
		}
	}
	return out, nil
}

func (m *memStore) ActivateLevel(_ context.Context, requestID string, level int, activatedAt, deadlineAt time.Time) error {
	for _, p := range m.progress[requestID] {
		if p.Level == level {
			return nil
		}
	}
	m.progress[requestID] = append(m.progress[requestID], &store.LevelProgress{
		RequestID:   requestID,
		Level:       level,
		ActivatedAt: activatedAt,
		DeadlineAt:  deadlineAt,
	})
	return nil
}

func (m *memStore) RecordApproval(_ context.Context, action store.ApprovalAction) (int, error) {
	exists := false
	for _, a := range m.actions {
		if a.RequestID == action.RequestID && a.Level == action.Level && a.ApproverID == action.ApproverID {
			exists = true
			break
		}
	}
	if !exists {
		m.actions = append(m.actions, action)
	}
	seen := map[string]bool{}
	for _, a := range m.actions {
		if a.RequestID == action.RequestID && a.Level == action.Level && a.Action == "approved" {
			seen[a.ApproverID] = true
		}
	}
	return len(seen), nil
}

func (m *memStore) FinalizeWithDecision(ctx context.Context, requestID string, expectedVersion int, toStatus string, action store.ApprovalAction) error {
	if err := m.FinalizeStatus(ctx, requestID, expectedVersion, toStatus); err != nil {
		return err
	}
	m.actions = append(m.actions, action)
	return nil
}

func (m *memStore) MarkLevelSatisfied(_ context.Context, requestID string, level int) error {
	for _, p := range m.progress[requestID] {
		if p.Level == level && p.SatisfiedAt == nil {
			now := time.Now().UTC()
			p.SatisfiedAt = &now
		}
	}
	return nil
}

func (m *memStore) LevelProgress(_ context.Context, requestID string) ([]store.LevelProgress, error) {
	entries := m.progress[requestID]
	out := make([]store.LevelProgress, 0, len(entries))
	for _, p := range entries {
		entry := *p
		seen := map[string]bool{}
		for _, a := range m.actions {
			if a.RequestID == requestID && a.Level == p.Level && a.Action == "approved" {
				seen[a.ApproverID] = true
			}
		}
		entry.Approvals = len(seen)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *memStore) ListOverdueRequests(_ context.Context, now time.Time) ([]store.ChangeRequest, error) {
	var out []store.ChangeRequest
	for id, entries := range m.progress {
		req, ok := m.requests[id]
		if !ok || req.Status != store.StatusInReview {
			continue
		}
		for _, p := range entries {
			if p.SatisfiedAt == nil && p.DeadlineAt.Before(now) {
				out = append(out, *req)
				break
			}
		}
	}
	return out, nil
}

func elementKey(ontologyID, elementID string) string { return ontologyID + "/" + elementID }

func (m *memStore) UpsertElements(_ context.Context, ontologyID string, elements []store.Element, references []store.ElementReference) error {
	for _, el := range elements {
		el.OntologyID = ontologyID
		m.elements[elementKey(ontologyID, el.ID)] = el
	}
	m.refs[ontologyID] = references
	return nil
}

func (m *memStore) GetElement(_ context.Context, ontologyID, elementID string) (store.Element, error) {
	el, ok := m.elements[elementKey(ontologyID, elementID)]
	if !ok {
		return store.Element{}, sql.ErrNoRows
	}
	return el, nil
}

func (m *memStore) InboundReferences(_ context.Context, ontologyID, elementID string) ([]store.ElementReference, error) {
	var out []store.ElementReference
	for _, ref := range m.refs[ontologyID] {
		if ref.TargetID == elementID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (m *memStore) ApplyChange(_ context.Context, req store.ChangeRequest) error {
	key := elementKey(req.OntologyID, req.TargetElementID)
	if req.ChangeType == store.ChangeDelete {
		delete(m.elements, key)
		return nil
	}
	el, ok := m.elements[key]
	if !ok {
		el = store.Element{ID: req.TargetElementID, OntologyID: req.OntologyID, ElementType: "entity_type", Name: req.TargetElementID, Fields: map[string]any{}}
	}
	for k, v := range req.ProposedChanges {
		el.Fields[k] = v
	}
	m.elements[key] = el
	return nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	event.CreatedAt = time.Now().UTC()
	m.audits = append(m.audits, event)
	return nil
}

func (m *memStore) ListAuditEvents(_ context.Context, requestID string, limit int) ([]store.AuditEvent, error) {
	var out []store.AuditEvent
	for _, e := range m.audits {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeSessions satisfies sessionStore without Redis.
type fakeSessions struct {
	createFn func(ctx context.Context, sessionID, ontologyID string) (session.Session, error)
	lockFn   func(ctx context.Context, sessionID, elementID, actorID string) (session.Lock, error)
}

func (f *fakeSessions) Ping(context.Context) error { return nil }
func (f *fakeSessions) CreateSession(ctx context.Context, sessionID, ontologyID string) (session.Session, error) {
	if f.createFn != nil {
		return f.createFn(ctx, sessionID, ontologyID)
	}
	return session.Session{ID: sessionID, OntologyID: ontologyID}, nil
}
func (f *fakeSessions) JoinSession(_ context.Context, sessionID, actorID string) (session.Session, error) {
	return session.Session{ID: sessionID, Participants: []string{actorID}}, nil
}
func (f *fakeSessions) GetSession(_ context.Context, sessionID string) (session.Session, error) {
	return session.Session{ID: sessionID}, nil
}
func (f *fakeSessions) CloseSession(context.Context, string) error { return nil }
func (f *fakeSessions) AcquireLock(ctx context.Context, sessionID, elementID, actorID string) (session.Lock, error) {
	if f.lockFn != nil {
		return f.lockFn(ctx, sessionID, elementID, actorID)
	}
	return session.Lock{ElementID: elementID, HolderID: actorID}, nil
}
func (f *fakeSessions) ReleaseLock(context.Context, string, string, string) error { return nil }

type fakeArchive struct {
	commits []store.ChangeRequest
}

func (f *fakeArchive) RecordApplied(req store.ChangeRequest, _ *store.Element) (archive.CommitInfo, error) {
	f.commits = append(f.commits, req)
	return archive.CommitInfo{Hash: "abc1234", Author: req.RequesterID}, nil
}

func (f *fakeArchive) History(string, int) ([]archive.CommitInfo, error) {
	return []archive.CommitInfo{}, nil
}

type fakeSearch struct {
	indexed []search.RequestRecord
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexRequest(rec search.RequestRecord) { f.indexed = append(f.indexed, rec) }
func (f *fakeSearch) DeleteRequest(id string)               { f.deleted = append(f.deleted, id) }

func newTestService(m *memStore) (*Service, *fakeArchive, *fakeSearch) {
	arch := &fakeArchive{}
	idx := &fakeSearch{}
	svc := NewService(m, &fakeSessions{}, arch, idx, impact.Thresholds{})
	return svc, arch, idx
}

func seedChain(t *testing.T, svc *Service, approvalType string, levels []store.ApprovalLevel) store.ApprovalChain {
	t.Helper()
	chain, err := svc.CreateChain(context.Background(), ChainInput{
		Name:         "ontology governance",
		OntologyArea: "medical",
		ApprovalType: approvalType,
		Levels:       levels,
	})
	if err != nil {
		t.Fatalf("CreateChain failed: %v", err)
	}
	return chain
}

func seedDraft(t *testing.T, svc *Service, changeType string, proposed map[string]any) RequestView {
	t.Helper()
	view, err := svc.CreateDraft(context.Background(), DraftInput{
		OntologyID:      "ont-1",
		OntologyArea:    "medical",
		RequesterID:     "alice",
		ChangeType:      changeType,
		TargetElementID: "E1",
		ProposedChanges: proposed,
		BaseState:       map[string]any{"label": "Thing"},
		Description:     "rename the base element",
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	return view
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func TestCreateDraftValidation(t *testing.T) {
	svc, _, idx := newTestService(newMemStore())
	ctx := context.Background()

	_, err := svc.CreateDraft(ctx, DraftInput{OntologyID: "ont-1", RequesterID: "alice", TargetElementID: "E1", ChangeType: "RENAME"})
	wantCode(t, err, CodeValidation)

	_, err = svc.CreateDraft(ctx, DraftInput{OntologyID: "ont-1", RequesterID: "alice", TargetElementID: "E1", ChangeType: store.ChangeModify})
	wantCode(t, err, CodeValidation)

	// DELETE needs no proposed changes.
	view, err := svc.CreateDraft(ctx, DraftInput{
		OntologyID: "ont-1", OntologyArea: "medical", RequesterID: "alice",
		TargetElementID: "E1", ChangeType: store.ChangeDelete,
	})
	if err != nil {
		t.Fatalf("CreateDraft DELETE failed: %v", err)
	}
	if view.Status != store.StatusDraft || view.Version != 1 {
		t.Errorf("unexpected draft: status=%s version=%d", view.Status, view.Version)
	}
	if view.ImpactReport == nil {
		t.Error("expected impact report on draft")
	}
	if len(idx.indexed) != 1 {
		t.Errorf("expected draft indexed, got %d records", len(idx.indexed))
	}
}

func TestSubmitWithoutChain(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})

	_, err := svc.Submit(context.Background(), draft.ID)
	wantCode(t, err, CodeNoChainConfigured)
}

func TestSubmitSequentialActivatesFirstLevel(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}, DeadlineHours: 24},
		{Level: 2, Approvers: []string{"steward"}, DeadlineHours: 48},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})

	view, err := svc.Submit(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if view.Status != store.StatusInReview {
		t.Errorf("expected in_review, got %s", view.Status)
	}
	if view.ChainID == "" {
		t.Error("expected chain attached")
	}
	if len(view.Progress) != 1 || view.Progress[0].Level != 1 {
		t.Fatalf("expected only level 1 active, got %+v", view.Progress)
	}
	if view.Progress[0].Required != 1 {
		t.Errorf("expected quorum 1 for sequential level, got %d", view.Progress[0].Required)
	}

	// Submitting twice is a state error.
	_, err = svc.Submit(context.Background(), draft.ID)
	wantCode(t, err, CodeWrongState)
}

func TestSequentialApprovalFlow(t *testing.T) {
	m := newMemStore()
	svc, arch, _ := newTestService(m)
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
		{Level: 2, Approvers: []string{"steward"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The level 2 approver cannot act before level 1 is satisfied.
	_, err := svc.Approve(ctx, draft.ID, "steward", "")
	wantCode(t, err, CodeWrongState)

	// An outsider is not eligible at all.
	_, err = svc.Approve(ctx, draft.ID, "stranger", "")
	wantCode(t, err, CodeNotEligibleApprover)

	view, err := svc.Approve(ctx, draft.ID, "lead", "looks right")
	if err != nil {
		t.Fatalf("Approve by lead failed: %v", err)
	}
	if view.Status != store.StatusInReview {
		t.Errorf("expected still in_review after level 1, got %s", view.Status)
	}
	if len(view.Progress) != 2 {
		t.Fatalf("expected level 2 activated, got %+v", view.Progress)
	}
	if view.Progress[0].SatisfiedAt == nil {
		t.Error("expected level 1 satisfied")
	}

	view, err = svc.Approve(ctx, draft.ID, "steward", "")
	if err != nil {
		t.Fatalf("Approve by steward failed: %v", err)
	}
	if view.Status != store.StatusApproved {
		t.Errorf("expected approved, got %s", view.Status)
	}
	if view.AppliedAt == nil {
		t.Error("expected applied_at set after final approval")
	}

	// The change landed in the element read model and the archive.
	el, err := m.GetElement(ctx, "ont-1", "E1")
	if err != nil {
		t.Fatalf("element not applied: %v", err)
	}
	if el.Fields["label"] != "Entity" {
		t.Errorf("applied field missing: %v", el.Fields)
	}
	if len(arch.commits) != 1 {
		t.Errorf("expected 1 archive commit, got %d", len(arch.commits))
	}
}

func TestParallelQuorum(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainParallel, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"a", "b", "c"}, MinApprovals: 2},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	view, err := svc.Approve(ctx, draft.ID, "a", "")
	if err != nil {
		t.Fatalf("first approve failed: %v", err)
	}
	if view.Status != store.StatusInReview {
		t.Errorf("one of two approvals should not finalize, got %s", view.Status)
	}

	// The same approver again does not advance the quorum.
	view, err = svc.Approve(ctx, draft.ID, "a", "")
	if err != nil {
		t.Fatalf("repeat approve failed: %v", err)
	}
	if view.Status != store.StatusInReview {
		t.Errorf("repeat approval finalized the request: %s", view.Status)
	}
	if view.Progress[0].Approvals != 1 {
		t.Errorf("expected 1 distinct approval, got %d", view.Progress[0].Approvals)
	}

	view, err = svc.Approve(ctx, draft.ID, "b", "")
	if err != nil {
		t.Fatalf("second approve failed: %v", err)
	}
	if view.Status != store.StatusApproved {
		t.Errorf("expected approved at quorum, got %s", view.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
		{Level: 2, Approvers: []string{"steward"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := svc.Reject(ctx, draft.ID, "lead", "  ")
	wantCode(t, err, CodeValidation)

	_, err = svc.Reject(ctx, draft.ID, "stranger", "no")
	wantCode(t, err, CodeNotEligibleApprover)

	// Level 2 has not been activated, so its approver cannot reject yet.
	_, err = svc.Reject(ctx, draft.ID, "steward", "conflicts with the imaging ontology")
	wantCode(t, err, CodeWrongState)

	view, err := svc.Reject(ctx, draft.ID, "lead", "conflicts with the imaging ontology")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if view.Status != store.StatusRejected {
		t.Errorf("expected rejected, got %s", view.Status)
	}

	_, err = svc.Approve(ctx, draft.ID, "lead", "")
	wantCode(t, err, CodeWrongState)
}

func TestSequentialDecisionNeedsActiveLevel(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
		{Level: 2, Approvers: []string{"steward"}},
		{Level: 3, Approvers: []string{"board"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Approve(ctx, draft.ID, "lead", ""); err != nil {
		t.Fatalf("Approve by lead failed: %v", err)
	}

	// Level 1 already signed off; its approver has no further say.
	_, err := svc.Reject(ctx, draft.ID, "lead", "second thoughts")
	wantCode(t, err, CodeWrongState)

	// Level 3 is still dormant.
	_, err = svc.RequestChanges(ctx, draft.ID, "board", "too broad")
	wantCode(t, err, CodeWrongState)

	// Level 2 holds the review and can send it back.
	view, err := svc.RequestChanges(ctx, draft.ID, "steward", "narrow the scope")
	if err != nil {
		t.Fatalf("RequestChanges by steward failed: %v", err)
	}
	if view.Status != store.StatusChangesRequested {
		t.Errorf("expected changes_requested, got %s", view.Status)
	}
}

func TestParallelApproverCanLaterReject(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainParallel, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"a", "b"}, MinApprovals: 2},
		{Level: 2, Approvers: []string{"c"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Approve(ctx, draft.ID, "a", "fine by me"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// The same approver can reverse course while the review is open.
	view, err := svc.Reject(ctx, draft.ID, "a", "new evidence against it")
	if err != nil {
		t.Fatalf("Reject after approve failed: %v", err)
	}
	if view.Status != store.StatusRejected {
		t.Errorf("expected rejected, got %s", view.Status)
	}
}

func TestRequestChangesNeedsFeedback(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := svc.RequestChanges(ctx, draft.ID, "lead", "")
	wantCode(t, err, CodeValidation)

	view, err := svc.RequestChanges(ctx, draft.ID, "lead", "split this into two requests")
	if err != nil {
		t.Fatalf("RequestChanges failed: %v", err)
	}
	if view.Status != store.StatusChangesRequested {
		t.Errorf("expected changes_requested, got %s", view.Status)
	}
}

func TestStaleFinalization(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A concurrent writer bumps the version between read and finalize.
	m.beforeFinalize = func() {
		m.beforeFinalize = nil
		m.requests[draft.ID].Version++
	}

	_, err := svc.Reject(ctx, draft.ID, "lead", "duplicate request")
	wantCode(t, err, CodeStaleRequest)
}

func TestUpdateDraftAfterSubmitFails(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := svc.UpdateDraft(ctx, draft.ID, map[string]any{"label": "Other"}, "")
	wantCode(t, err, CodeWrongState)
}

func TestSubmitBlockedByConflictThenResolved(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	ctx := context.Background()

	mine := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})

	// A competing request is already in review for the same element.
	theirs := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Individual"})
	if _, err := svc.Submit(ctx, theirs.ID); err != nil {
		t.Fatalf("Submit of competing request failed: %v", err)
	}

	_, err := svc.Submit(ctx, mine.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != CodeUnresolvedConflict {
		t.Fatalf("expected UNRESOLVED_CONFLICT, got %v", err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected conflict details, got %v", domainErr.Details)
	}
	ids, ok := details["conflictIds"].([]string)
	if !ok || len(ids) != 1 {
		t.Fatalf("expected one conflict id, got %v", details["conflictIds"])
	}

	view, err := svc.ResolveConflict(ctx, ids[0], "accept_theirs", nil, "alice")
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if view.ProposedChanges["label"] != "Individual" {
		t.Errorf("expected their value after accept_theirs, got %v", view.ProposedChanges)
	}

	// With the proposals now structurally identical, submit goes through.
	if _, err := svc.Submit(ctx, mine.ID); err != nil {
		t.Fatalf("Submit after resolution failed: %v", err)
	}
}

func TestResolveConflictManualMergeIncomplete(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	ctx := context.Background()

	mine := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity", "color": "red"})
	theirs, err := svc.CreateDraft(ctx, DraftInput{
		OntologyID: "ont-1", OntologyArea: "medical", RequesterID: "bob",
		ChangeType: store.ChangeModify, TargetElementID: "E1",
		ProposedChanges: map[string]any{"label": "Individual", "color": "blue"},
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	conflicts, err := svc.DetectConflicts(ctx, mine.ID, theirs.ID)
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
	if len(conflicts[0].Fields) != 2 {
		t.Fatalf("expected two conflicting fields, got %v", conflicts[0].Fields)
	}

	_, err = svc.ResolveConflict(ctx, conflicts[0].ID, "manual_merge", map[string]any{"label": "Being"}, "alice")
	wantCode(t, err, CodeIncompleteMerge)

	view, err := svc.ResolveConflict(ctx, conflicts[0].ID, "manual_merge",
		map[string]any{"label": "Being", "color": "purple"}, "alice")
	if err != nil {
		t.Fatalf("complete manual merge failed: %v", err)
	}
	if view.ProposedChanges["label"] != "Being" || view.ProposedChanges["color"] != "purple" {
		t.Errorf("merge not applied: %v", view.ProposedChanges)
	}

	// The conflict is consumed.
	_, err = svc.ResolveConflict(ctx, conflicts[0].ID, "accept_mine", nil, "alice")
	wantCode(t, err, CodeNotFound)
}

func TestResolveConflictKeepsTheirUnconflictedFields(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	ctx := context.Background()

	mine := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	theirs, err := svc.CreateDraft(ctx, DraftInput{
		OntologyID: "ont-1", OntologyArea: "medical", RequesterID: "bob",
		ChangeType: store.ChangeModify, TargetElementID: "E1",
		ProposedChanges: map[string]any{"label": "Individual", "color": "blue"},
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	conflicts, err := svc.DetectConflicts(ctx, mine.ID, theirs.ID)
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 1 || len(conflicts[0].Fields) != 1 {
		t.Fatalf("expected one conflict on one field, got %+v", conflicts)
	}

	view, err := svc.ResolveConflict(ctx, conflicts[0].ID, "manual_merge",
		map[string]any{"label": "Being"}, "alice")
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if view.ProposedChanges["label"] != "Being" {
		t.Errorf("resolution not applied: %v", view.ProposedChanges)
	}
	// The field only bob touched survives the merge.
	if view.ProposedChanges["color"] != "blue" {
		t.Errorf("expected their color to carry forward, got %v", view.ProposedChanges)
	}
}

func TestResolveConflictUnknownStrategy(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	ctx := context.Background()

	mine := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	theirs, err := svc.CreateDraft(ctx, DraftInput{
		OntologyID: "ont-1", OntologyArea: "medical", RequesterID: "bob",
		ChangeType: store.ChangeModify, TargetElementID: "E1",
		ProposedChanges: map[string]any{"label": "Individual"},
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	conflicts, err := svc.DetectConflicts(ctx, mine.ID, theirs.ID)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("DetectConflicts = %v, %v", conflicts, err)
	}

	_, err = svc.ResolveConflict(ctx, conflicts[0].ID, "coin_flip", nil, "alice")
	wantCode(t, err, CodeValidation)
}

func TestCreateChainValidation(t *testing.T) {
	svc, _, _ := newTestService(newMemStore())
	ctx := context.Background()

	_, err := svc.CreateChain(ctx, ChainInput{
		Name: "bad", OntologyArea: "medical", ApprovalType: store.ChainSequential,
		Levels: []store.ApprovalLevel{{Level: 1, Approvers: nil}},
	})
	wantCode(t, err, CodeValidation)

	_, err = svc.CreateChain(ctx, ChainInput{
		Name: "", OntologyArea: "medical", ApprovalType: store.ChainSequential,
		Levels: []store.ApprovalLevel{{Level: 1, Approvers: []string{"a"}}},
	})
	wantCode(t, err, CodeValidation)
}

func TestOverdueDetection(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}, DeadlineHours: 24},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	overdue, err := svc.ListOverdue(ctx)
	if err != nil {
		t.Fatalf("ListOverdue failed: %v", err)
	}
	if len(overdue) != 0 {
		t.Fatalf("nothing should be overdue yet, got %d", len(overdue))
	}

	// Push the deadline into the past.
	for _, p := range m.progress[draft.ID] {
		p.DeadlineAt = time.Now().UTC().Add(-time.Hour)
	}

	overdue, err = svc.ListOverdue(ctx)
	if err != nil {
		t.Fatalf("ListOverdue failed: %v", err)
	}
	if len(overdue) != 1 || !overdue[0].Overdue {
		t.Fatalf("expected one overdue request with flag set, got %+v", overdue)
	}

	// Overdue is informational; the approver can still act.
	view, err := svc.Approve(ctx, draft.ID, "lead", "late but fine")
	if err != nil {
		t.Fatalf("Approve after deadline failed: %v", err)
	}
	if view.Status != store.StatusApproved {
		t.Errorf("expected approved, got %s", view.Status)
	}
}

func TestImpactReportLookup(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	ctx := context.Background()

	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	report, err := svc.ImpactReport(ctx, draft.ID)
	if err != nil {
		t.Fatalf("ImpactReport failed: %v", err)
	}
	if report.MigrationComplexity == "" {
		t.Error("expected a complexity classification")
	}

	// A request without a report is a 404.
	m.requests["bare"] = &store.ChangeRequest{ID: "bare", Status: store.StatusDraft}
	_, err = svc.ImpactReport(ctx, "bare")
	wantCode(t, err, CodeNotFound)
}

func TestDeleteImpactUsesReferenceGraph(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	ctx := context.Background()

	if err := svc.SyncElements(ctx, "ont-1", []store.Element{
		{ID: "E1", ElementType: "entity_type", Name: "Person", ProjectID: "proj-a"},
		{ID: "E2", ElementType: "relation_type", Name: "knows", ProjectID: "proj-b"},
	}, []store.ElementReference{
		{SourceID: "E2", TargetID: "E1", Field: "domain"},
	}); err != nil {
		t.Fatalf("SyncElements failed: %v", err)
	}

	view, err := svc.CreateDraft(ctx, DraftInput{
		OntologyID: "ont-1", OntologyArea: "medical", RequesterID: "alice",
		ChangeType: store.ChangeDelete, TargetElementID: "E1",
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	report := view.ImpactReport
	if report.AffectedRelations != 1 {
		t.Errorf("expected 1 affected relation, got %d", report.AffectedRelations)
	}
	if len(report.BreakingChanges) != 1 {
		t.Errorf("expected 1 breaking change, got %d", len(report.BreakingChanges))
	}
	if report.MigrationComplexity != impact.ComplexityMedium {
		t.Errorf("expected MEDIUM for one breaking change, got %s", report.MigrationComplexity)
	}
}

func TestSessionErrorMapping(t *testing.T) {
	m := newMemStore()
	sessions := &fakeSessions{
		createFn: func(context.Context, string, string) (session.Session, error) {
			return session.Session{}, session.ErrAlreadyActive
		},
		lockFn: func(context.Context, string, string, string) (session.Lock, error) {
			return session.Lock{}, fmt.Errorf("%w: held by bob", session.ErrLockConflict)
		},
	}
	svc := NewService(m, sessions, nil, nil, impact.Thresholds{})
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "ont-1", "alice")
	wantCode(t, err, CodeAlreadyActive)

	_, err = svc.AcquireLock(ctx, "sess-1", "E1", "alice")
	wantCode(t, err, CodeLockConflict)
}

func TestDiscardDraft(t *testing.T) {
	m := newMemStore()
	svc, _, idx := newTestService(m)
	ctx := context.Background()

	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	if err := svc.DiscardDraft(ctx, draft.ID); err != nil {
		t.Fatalf("DiscardDraft failed: %v", err)
	}

	if _, err := svc.GetRequest(ctx, draft.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected the draft gone, got %v", err)
	}

	if len(idx.deleted) != 1 || idx.deleted[0] != draft.ID {
		t.Errorf("expected request removed from the index, got %v", idx.deleted)
	}

	found := false
	for _, e := range m.audits {
		if e.RequestID == draft.ID && e.EventType == "request_discarded" {
			found = true
		}
	}
	if !found {
		t.Error("expected request_discarded audit event")
	}
}

func TestDiscardDraftRefusesSubmitted(t *testing.T) {
	svc, _, idx := newTestService(newMemStore())
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err := svc.DiscardDraft(ctx, draft.ID)
	wantCode(t, err, CodeWrongState)
	if len(idx.deleted) != 0 {
		t.Errorf("rejected discard must not touch the index, got %v", idx.deleted)
	}
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	m := newMemStore()
	svc, _, _ := newTestService(m)
	seedChain(t, svc, store.ChainSequential, []store.ApprovalLevel{
		{Level: 1, Approvers: []string{"lead"}},
	})
	draft := seedDraft(t, svc, store.ChangeModify, map[string]any{"label": "Entity"})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, draft.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Approve(ctx, draft.ID, "lead", ""); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	events, err := svc.AuditTrail(ctx, draft.ID, 0)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.EventType] = true
	}
	for _, want := range []string{"request_created", "request_submitted", "request_approved", "request_applied"} {
		if !types[want] {
			t.Errorf("missing audit event %s in %v", want, types)
		}
	}
}
