package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Contention and state errors surfaced to the service layer. The service maps
// them onto the HTTP error taxonomy.
var (
	ErrStaleVersion = errors.New("change request version is stale")
	ErrWrongState   = errors.New("change request is not in the expected state")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Change requests ──

func (s *PostgresStore) InsertChangeRequest(ctx context.Context, req ChangeRequest) error {
	proposed, err := json.Marshal(req.ProposedChanges)
	if err != nil {
		return fmt.Errorf("marshal proposed changes: %w", err)
	}
	base, err := json.Marshal(req.BaseState)
	if err != nil {
		return fmt.Errorf("marshal base state: %w", err)
	}
	report, err := marshalReport(req.ImpactReport)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_requests
			(id, ontology_id, ontology_area, requester_id, change_type, target_element_id,
			 proposed_changes, base_state, description, status, version, impact_report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
	`, req.ID, req.OntologyID, req.OntologyArea, req.RequesterID, req.ChangeType,
		req.TargetElementID, proposed, base, req.Description, StatusDraft, report)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, requestID string) (ChangeRequest, error) {
	const query = `
		SELECT id, ontology_id, ontology_area, requester_id, change_type, target_element_id,
			proposed_changes, base_state, description, status, COALESCE(chain_id, ''),
			impact_report, version, applied_at, created_at, updated_at
		FROM change_requests WHERE id = $1
	`
	return scanChangeRequest(s.db.QueryRowContext(ctx, query, requestID))
}

func (s *PostgresStore) ListChangeRequests(ctx context.Context, ontologyID, status string) ([]ChangeRequest, error) {
	query := `
		SELECT id, ontology_id, ontology_area, requester_id, change_type, target_element_id,
			proposed_changes, base_state, description, status, COALESCE(chain_id, ''),
			impact_report, version, applied_at, created_at, updated_at
		FROM change_requests WHERE 1=1
	`
	args := []any{}
	if ontologyID != "" {
		args = append(args, ontologyID)
		query += fmt.Sprintf(" AND ontology_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	requests := make([]ChangeRequest, 0)
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// PendingRequestsForElement returns submitted or in-review requests that
// target the given element, excluding the caller's own request. Used by the
// conflict detector to find concurrent edits.
func (s *PostgresStore) PendingRequestsForElement(ctx context.Context, ontologyID, elementID, excludeRequestID string) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ontology_id, ontology_area, requester_id, change_type, target_element_id,
			proposed_changes, base_state, description, status, COALESCE(chain_id, ''),
			impact_report, version, applied_at, created_at, updated_at
		FROM change_requests
		WHERE ontology_id = $1 AND target_element_id = $2 AND id <> $3
			AND status IN ($4, $5)
		ORDER BY created_at
	`, ontologyID, elementID, excludeRequestID, StatusSubmitted, StatusInReview)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	requests := make([]ChangeRequest, 0)
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// UpdateDraft replaces the proposed changes, description and impact report of
// a request that is still a draft. Any other state fails with ErrWrongState.
func (s *PostgresStore) UpdateDraft(ctx context.Context, requestID string, proposed map[string]any, description string, report *ImpactReport) error {
	proposedJSON, err := json.Marshal(proposed)
	if err != nil {
		return fmt.Errorf("marshal proposed changes: %w", err)
	}
	reportJSON, err := marshalReport(report)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET proposed_changes = $2, description = $3, impact_report = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, requestID, proposedJSON, description, reportJSON, StatusDraft)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	return s.checkTransition(ctx, result, requestID, StatusDraft, 0)
}

// BeginReview moves a draft into review in one compare-and-set write,
// attaching the matched chain and the computed impact report.
func (s *PostgresStore) BeginReview(ctx context.Context, requestID string, expectedVersion int, chainID string, report *ImpactReport) error {
	reportJSON, err := marshalReport(report)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET status = $2, chain_id = $3, impact_report = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND version = $6
	`, requestID, StatusInReview, chainID, reportJSON, StatusDraft, expectedVersion)
	if err != nil {
		return fmt.Errorf("begin review: %w", err)
	}
	return s.checkTransition(ctx, result, requestID, StatusDraft, expectedVersion)
}

// FinalizeStatus applies a terminal transition out of in_review using the
// optimistic version counter.
func (s *PostgresStore) FinalizeStatus(ctx context.Context, requestID string, expectedVersion int, toStatus string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND version = $4
	`, requestID, toStatus, StatusInReview, expectedVersion)
	if err != nil {
		return fmt.Errorf("finalize status: %w", err)
	}
	return s.checkTransition(ctx, result, requestID, StatusInReview, expectedVersion)
}

// DeleteChangeRequest removes a draft. Requests past draft are immutable
// history and refuse deletion.
func (s *PostgresStore) DeleteChangeRequest(ctx context.Context, requestID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM change_requests WHERE id = $1 AND status = $2
	`, requestID, StatusDraft)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return s.checkTransition(ctx, result, requestID, StatusDraft, 0)
}

func (s *PostgresStore) MarkApplied(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE change_requests SET applied_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, requestID, StatusApproved)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

// checkTransition inspects a zero-row CAS update and reports whether the
// request vanished, changed state, or moved versions under the caller.
func (s *PostgresStore) checkTransition(ctx context.Context, result sql.Result, requestID, expectedStatus string, expectedVersion int) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var status string
	var version int
	err = s.db.QueryRowContext(ctx, `SELECT status, version FROM change_requests WHERE id = $1`, requestID).
		Scan(&status, &version)
	if err != nil {
		return err
	}
	if status != expectedStatus {
		return fmt.Errorf("%w: expected %s, found %s", ErrWrongState, expectedStatus, status)
	}
	if expectedVersion != 0 && version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, found %d", ErrStaleVersion, expectedVersion, version)
	}
	return ErrWrongState
}

// ── Approval chains ──

func (s *PostgresStore) InsertApprovalChain(ctx context.Context, chain ApprovalChain) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chain tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_chains (id, name, ontology_area, approval_type)
		VALUES ($1, $2, $3, $4)
	`, chain.ID, chain.Name, chain.OntologyArea, chain.ApprovalType); err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}

	for _, level := range chain.Levels {
		approvers, err := json.Marshal(level.Approvers)
		if err != nil {
			return fmt.Errorf("marshal approvers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_levels (chain_id, level, approvers, deadline_hours, min_approvals)
			VALUES ($1, $2, $3, $4, $5)
		`, chain.ID, level.Level, approvers, level.DeadlineHours, level.MinApprovals); err != nil {
			return fmt.Errorf("insert level %d: %w", level.Level, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chain tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApprovalChain(ctx context.Context, chainID string) (ApprovalChain, error) {
	var chain ApprovalChain
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, ontology_area, approval_type, created_at
		FROM approval_chains WHERE id = $1
	`, chainID).Scan(&chain.ID, &chain.Name, &chain.OntologyArea, &chain.ApprovalType, &chain.CreatedAt)
	if err != nil {
		return ApprovalChain{}, err
	}
	chain.Levels, err = s.chainLevels(ctx, chainID)
	return chain, err
}

// FindChainForArea returns the most recently created chain for an ontology
// area. Chains are versioned by replacement, so the newest one governs new
// submissions while older ones stay referenced by in-flight requests.
func (s *PostgresStore) FindChainForArea(ctx context.Context, ontologyArea string) (ApprovalChain, error) {
	var chainID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM approval_chains
		WHERE ontology_area = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, ontologyArea).Scan(&chainID)
	if err != nil {
		return ApprovalChain{}, err
	}
	return s.GetApprovalChain(ctx, chainID)
}

func (s *PostgresStore) ListApprovalChains(ctx context.Context, ontologyArea string) ([]ApprovalChain, error) {
	query := `SELECT id FROM approval_chains`
	args := []any{}
	if ontologyArea != "" {
		query += ` WHERE ontology_area = $1`
		args = append(args, ontologyArea)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chain id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chains := make([]ApprovalChain, 0, len(ids))
	for _, id := range ids {
		chain, err := s.GetApprovalChain(ctx, id)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

func (s *PostgresStore) chainLevels(ctx context.Context, chainID string) ([]ApprovalLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, approvers, deadline_hours, min_approvals
		FROM approval_levels WHERE chain_id = $1 ORDER BY level
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("load chain levels: %w", err)
	}
	defer rows.Close()

	var levels []ApprovalLevel
	for rows.Next() {
		var level ApprovalLevel
		var approvers []byte
		if err := rows.Scan(&level.Level, &approvers, &level.DeadlineHours, &level.MinApprovals); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		if err := json.Unmarshal(approvers, &level.Approvers); err != nil {
			return nil, fmt.Errorf("decode approvers: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ── Approval progress ──

func (s *PostgresStore) ActivateLevel(ctx context.Context, requestID string, level int, activatedAt, deadlineAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_progress (request_id, level, activated_at, deadline_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, level) DO NOTHING
	`, requestID, level, activatedAt, deadlineAt)
	if err != nil {
		return fmt.Errorf("activate level: %w", err)
	}
	return nil
}

// RecordApproval inserts one approval action and returns the number of
// distinct approvers at the level afterwards. The unique index on
// (request_id, level, approver_id, action) makes repeated approvals
// idempotent, and the count runs in the same transaction so concurrent quorum
// checks cannot race.
func (s *PostgresStore) RecordApproval(ctx context.Context, action ApprovalAction) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_actions (id, request_id, level, approver_id, action, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, level, approver_id, action) DO NOTHING
	`, action.ID, action.RequestID, action.Level, action.ApproverID, action.Action, action.Reason); err != nil {
		return 0, fmt.Errorf("insert approval: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT approver_id) FROM approval_actions
		WHERE request_id = $1 AND level = $2 AND action = 'approved'
	`, action.RequestID, action.Level).Scan(&count); err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit approval tx: %w", err)
	}
	return count, nil
}

// FinalizeWithDecision flips an in-review request to a terminal status and
// records the approver's decision in the same transaction, so the request
// never lands rejected without its decision row. An approver who already
// approved at the level may still decide; only an identical decision repeats
// as a no-op insert.
func (s *PostgresStore) FinalizeWithDecision(ctx context.Context, requestID string, expectedVersion int, toStatus string, action ApprovalAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE change_requests
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND version = $4
	`, requestID, toStatus, StatusInReview, expectedVersion)
	if err != nil {
		return fmt.Errorf("finalize status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return s.checkTransition(ctx, result, requestID, StatusInReview, expectedVersion)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_actions (id, request_id, level, approver_id, action, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, level, approver_id, action) DO NOTHING
	`, action.ID, action.RequestID, action.Level, action.ApproverID, action.Action, action.Reason); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkLevelSatisfied(ctx context.Context, requestID string, level int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_progress SET satisfied_at = NOW()
		WHERE request_id = $1 AND level = $2 AND satisfied_at IS NULL
	`, requestID, level)
	if err != nil {
		return fmt.Errorf("mark level satisfied: %w", err)
	}
	return nil
}

func (s *PostgresStore) LevelProgress(ctx context.Context, requestID string) ([]LevelProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.request_id, p.level, p.activated_at, p.deadline_at, p.satisfied_at,
			(SELECT COUNT(DISTINCT a.approver_id) FROM approval_actions a
			 WHERE a.request_id = p.request_id AND a.level = p.level AND a.action = 'approved')
		FROM approval_progress p
		WHERE p.request_id = $1
		ORDER BY p.level
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("load level progress: %w", err)
	}
	defer rows.Close()

	progress := make([]LevelProgress, 0)
	for rows.Next() {
		var p LevelProgress
		if err := rows.Scan(&p.RequestID, &p.Level, &p.ActivatedAt, &p.DeadlineAt, &p.SatisfiedAt, &p.Approvals); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// ListOverdueRequests returns in-review requests with at least one activated,
// unsatisfied level whose deadline has passed.
func (s *PostgresStore) ListOverdueRequests(ctx context.Context, now time.Time) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.id, r.ontology_id, r.ontology_area, r.requester_id, r.change_type,
			r.target_element_id, r.proposed_changes, r.base_state, r.description, r.status,
			COALESCE(r.chain_id, ''), r.impact_report, r.version, r.applied_at, r.created_at, r.updated_at
		FROM change_requests r
		JOIN approval_progress p ON p.request_id = r.id
		WHERE r.status = $1 AND p.satisfied_at IS NULL AND p.deadline_at < $2
		ORDER BY r.created_at
	`, StatusInReview, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue requests: %w", err)
	}
	defer rows.Close()

	requests := make([]ChangeRequest, 0)
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ── Ontology elements ──

func (s *PostgresStore) UpsertElements(ctx context.Context, ontologyID string, elements []Element, references []ElementReference) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin elements tx: %w", err)
	}
	defer tx.Rollback()

	for _, element := range elements {
		fields, err := json.Marshal(element.Fields)
		if err != nil {
			return fmt.Errorf("marshal element fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO elements (id, ontology_id, element_type, name, project_id, fields)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				element_type = EXCLUDED.element_type,
				name = EXCLUDED.name,
				project_id = EXCLUDED.project_id,
				fields = EXCLUDED.fields,
				updated_at = NOW()
		`, element.ID, ontologyID, element.ElementType, element.Name, element.ProjectID, fields); err != nil {
			return fmt.Errorf("upsert element %s: %w", element.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM element_references WHERE ontology_id = $1
	`, ontologyID); err != nil {
		return fmt.Errorf("clear references: %w", err)
	}
	for _, ref := range references {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO element_references (ontology_id, source_id, target_id, field)
			VALUES ($1, $2, $3, $4)
		`, ontologyID, ref.SourceID, ref.TargetID, ref.Field); err != nil {
			return fmt.Errorf("insert reference %s->%s: %w", ref.SourceID, ref.TargetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit elements tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetElement(ctx context.Context, ontologyID, elementID string) (Element, error) {
	var element Element
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ontology_id, element_type, name, COALESCE(project_id, ''), fields, updated_at
		FROM elements WHERE ontology_id = $1 AND id = $2
	`, ontologyID, elementID).Scan(&element.ID, &element.OntologyID, &element.ElementType,
		&element.Name, &element.ProjectID, &fields, &element.UpdatedAt)
	if err != nil {
		return Element{}, err
	}
	if err := json.Unmarshal(fields, &element.Fields); err != nil {
		return Element{}, fmt.Errorf("decode element fields: %w", err)
	}
	return element, nil
}

func (s *PostgresStore) InboundReferences(ctx context.Context, ontologyID, elementID string) ([]ElementReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, COALESCE(field, '')
		FROM element_references
		WHERE ontology_id = $1 AND target_id = $2
		ORDER BY source_id
	`, ontologyID, elementID)
	if err != nil {
		return nil, fmt.Errorf("load inbound references: %w", err)
	}
	defer rows.Close()

	refs := make([]ElementReference, 0)
	for rows.Next() {
		var ref ElementReference
		if err := rows.Scan(&ref.SourceID, &ref.TargetID, &ref.Field); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ApplyChange writes an approved mutation into the element read model.
func (s *PostgresStore) ApplyChange(ctx context.Context, req ChangeRequest) error {
	switch req.ChangeType {
	case ChangeDelete:
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM elements WHERE ontology_id = $1 AND id = $2
		`, req.OntologyID, req.TargetElementID); err != nil {
			return fmt.Errorf("apply delete: %w", err)
		}
		return nil
	case ChangeAdd, ChangeModify:
		fields, err := json.Marshal(req.ProposedChanges)
		if err != nil {
			return fmt.Errorf("marshal applied fields: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO elements (id, ontology_id, element_type, name, fields)
			VALUES ($1, $2, 'entity_type', $1, $3)
			ON CONFLICT (id) DO UPDATE SET
				fields = elements.fields || EXCLUDED.fields,
				updated_at = NOW()
		`, req.TargetElementID, req.OntologyID, fields); err != nil {
			return fmt.Errorf("apply change: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("apply change: unknown change type %q", req.ChangeType)
	}
}

// ── Audit events ──

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_id, ontology_id, request_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventType, event.ActorID, event.OntologyID, event.RequestID, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, requestID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor_id, ontology_id, request_id, payload, created_at
		FROM audit_events
		WHERE request_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.EventType, &event.ActorID, &event.OntologyID,
			&event.RequestID, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ── helpers ──

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeRequest(row rowScanner) (ChangeRequest, error) {
	var req ChangeRequest
	var proposed, base []byte
	var report sql.NullString
	err := row.Scan(&req.ID, &req.OntologyID, &req.OntologyArea, &req.RequesterID, &req.ChangeType,
		&req.TargetElementID, &proposed, &base, &req.Description, &req.Status, &req.ChainID,
		&report, &req.Version, &req.AppliedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return ChangeRequest{}, err
	}
	if err := json.Unmarshal(proposed, &req.ProposedChanges); err != nil {
		return ChangeRequest{}, fmt.Errorf("decode proposed changes: %w", err)
	}
	if err := json.Unmarshal(base, &req.BaseState); err != nil {
		return ChangeRequest{}, fmt.Errorf("decode base state: %w", err)
	}
	if report.Valid && report.String != "" {
		var parsed ImpactReport
		if err := json.Unmarshal([]byte(report.String), &parsed); err != nil {
			return ChangeRequest{}, fmt.Errorf("decode impact report: %w", err)
		}
		req.ImpactReport = &parsed
	}
	return req, nil
}

func marshalReport(report *ImpactReport) (any, error) {
	if report == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal impact report: %w", err)
	}
	return encoded, nil
}
