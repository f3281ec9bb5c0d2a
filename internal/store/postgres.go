package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRuleHasHistory is returned by DeleteRule when activity records
// reference the rule. History review is a primary function, so deletion
// is blocked rather than cascaded.
var ErrRuleHasHistory = errors.New("rule has activity history")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Groups

func (s *PostgresStore) InsertGroup(ctx context.Context, group Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, group.ID, group.Name)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserInGroup(ctx context.Context, userID, groupID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM group_memberships WHERE group_id=$1 AND user_id=$2)
	`, groupID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) ExpandGroup(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM group_memberships WHERE group_id=$1 ORDER BY user_id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("expand group: %w", err)
	}
	defer rows.Close()

	userIDs := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return userIDs, nil
}

// ---------------------------------------------------------------------------
// Files

func (s *PostgresStore) InsertFile(ctx context.Context, file FileHandle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, mime_type, owner_user_id, path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, file.ID, file.Name, file.MimeType, file.OwnerUserID, file.Path)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GrantFileAccess(ctx context.Context, fileID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_access (file_id, user_id) VALUES ($1, $2)
		ON CONFLICT (file_id, user_id) DO NOTHING
	`, fileID, userID)
	if err != nil {
		return fmt.Errorf("grant file access: %w", err)
	}
	return nil
}

// GetFile returns a file without any visibility check. Callers that act
// on behalf of a user must use ResolveVisibleFile instead.
func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (FileHandle, error) {
	var file FileHandle
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, mime_type, owner_user_id, path
		FROM files
		WHERE id=$1
	`, fileID).Scan(&file.ID, &file.Name, &file.MimeType, &file.OwnerUserID, &file.Path)
	if err != nil {
		return FileHandle{}, err
	}
	return file, nil
}

// UsersWithAccess lists the owner and every user holding an access row
// for the file, deduplicated.
func (s *PostgresStore) UsersWithAccess(ctx context.Context, fileID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_user_id FROM files WHERE id=$1
		UNION
		SELECT user_id FROM file_access WHERE file_id=$1
		ORDER BY 1 ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list users with access: %w", err)
	}
	defer rows.Close()

	userIDs := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user with access: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users with access: %w", err)
	}
	return userIDs, nil
}

// ResolveVisibleFile returns the file as seen by the given user, or nil
// when the user cannot see it. Owners always see their files; everyone
// else needs a file_access row.
func (s *PostgresStore) ResolveVisibleFile(ctx context.Context, userID, fileID string) (*FileHandle, error) {
	var file FileHandle
	err := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.name, f.mime_type, f.owner_user_id, f.path
		FROM files f
		WHERE f.id=$1
		  AND (f.owner_user_id=$2
		       OR EXISTS(SELECT 1 FROM file_access fa WHERE fa.file_id=f.id AND fa.user_id=$2))
	`, fileID, userID).Scan(&file.ID, &file.Name, &file.MimeType, &file.OwnerUserID, &file.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve visible file: %w", err)
	}
	return &file, nil
}

// ---------------------------------------------------------------------------
// Rules

func (s *PostgresStore) CreateRule(ctx context.Context, rule Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create rule: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_rules (id, tag_pending, tag_approved, tag_rejected, description)
		VALUES ($1, $2, $3, $4, $5)
	`, rule.ID, rule.TagPending, rule.TagApproved, rule.TagRejected, rule.Description); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert rule: %w", err)
	}
	if err := insertPrincipals(ctx, tx, rule.ID, RoleApprovers, rule.Approvers); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertPrincipals(ctx, tx, rule.ID, RoleRequesters, rule.Requesters); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create rule: %w", err)
	}
	return nil
}

// UpdateRule replaces the description and principal lists. The tag triad
// is fixed at creation and cannot be changed here.
func (s *PostgresStore) UpdateRule(ctx context.Context, ruleID, description string, approvers, requesters []Principal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update rule: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE approval_rules SET description=$2 WHERE id=$1
	`, ruleID, description)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update rule rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM approval_rule_principals WHERE rule_id=$1
	`, ruleID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear rule principals: %w", err)
	}
	if err := insertPrincipals(ctx, tx, ruleID, RoleApprovers, approvers); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertPrincipals(ctx, tx, ruleID, RoleRequesters, requesters); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update rule: %w", err)
	}
	return nil
}

func insertPrincipals(ctx context.Context, tx *sql.Tx, ruleID, role string, principals []Principal) error {
	for _, principal := range principals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_rule_principals (rule_id, role, principal_type, entity_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (rule_id, role, principal_type, entity_id) DO NOTHING
		`, ruleID, role, principal.Type, principal.EntityID); err != nil {
			return fmt.Errorf("insert rule principal: %w", err)
		}
	}
	return nil
}

// DeleteRule removes a rule and its principals. Deletion is blocked with
// ErrRuleHasHistory while activity records reference the rule.
func (s *PostgresStore) DeleteRule(ctx context.Context, ruleID string) error {
	var historyCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_activity WHERE rule_id=$1
	`, ruleID).Scan(&historyCount); err != nil {
		return fmt.Errorf("count rule history: %w", err)
	}
	if historyCount > 0 {
		return ErrRuleHasHistory
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM approval_rules WHERE id=$1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetRule(ctx context.Context, ruleID string) (Rule, error) {
	var rule Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tag_pending, tag_approved, tag_rejected, description, created_at
		FROM approval_rules
		WHERE id=$1
	`, ruleID).Scan(&rule.ID, &rule.TagPending, &rule.TagApproved, &rule.TagRejected, &rule.Description, &rule.CreatedAt)
	if err != nil {
		return Rule{}, err
	}
	if err := s.loadPrincipals(ctx, []*Rule{&rule}); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ListRules returns all rules in creation order, id as tie-break. This
// listing order is the rule priority used by state derivation when a
// file carries tags from more than one rule.
func (s *PostgresStore) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_pending, tag_approved, tag_rejected, description, created_at
		FROM approval_rules
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.TagPending, &rule.TagApproved, &rule.TagRejected, &rule.Description, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	refs := make([]*Rule, len(rules))
	for i := range rules {
		refs[i] = &rules[i]
	}
	if err := s.loadPrincipals(ctx, refs); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *PostgresStore) loadPrincipals(ctx context.Context, rules []*Rule) error {
	if len(rules) == 0 {
		return nil
	}
	byID := make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		rule.Approvers = make([]Principal, 0)
		rule.Requesters = make([]Principal, 0)
		byID[rule.ID] = rule
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, role, principal_type, entity_id
		FROM approval_rule_principals
		ORDER BY rule_id ASC, role ASC, principal_type ASC, entity_id ASC
	`)
	if err != nil {
		return fmt.Errorf("list rule principals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, role string
		var principal Principal
		if err := rows.Scan(&ruleID, &role, &principal.Type, &principal.EntityID); err != nil {
			return fmt.Errorf("scan rule principal: %w", err)
		}
		rule, ok := byID[ruleID]
		if !ok {
			continue
		}
		if role == RoleApprovers {
			rule.Approvers = append(rule.Approvers, principal)
		} else {
			rule.Requesters = append(rule.Requesters, principal)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rule principals: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Activity log

// AppendActivity inserts an immutable history record and upserts the
// latest-state row for the (file, rule) pair in one transaction.
func (s *PostgresStore) AppendActivity(ctx context.Context, fileID, ruleID, actorUserID, newState string) (ActivityRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ActivityRecord{}, fmt.Errorf("begin append activity: %w", err)
	}
	record := ActivityRecord{
		FileID:      fileID,
		RuleID:      ruleID,
		ActorUserID: actorUserID,
		NewState:    newState,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO approval_activity (file_id, rule_id, actor_user_id, new_state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, fileID, ruleID, actorUserID, newState).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		return ActivityRecord{}, fmt.Errorf("insert activity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_latest (file_id, rule_id, state, activity_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id, rule_id)
		DO UPDATE SET state=EXCLUDED.state, activity_id=EXCLUDED.activity_id, created_at=EXCLUDED.created_at
	`, fileID, ruleID, newState, record.ID, record.CreatedAt); err != nil {
		_ = tx.Rollback()
		return ActivityRecord{}, fmt.Errorf("upsert latest state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ActivityRecord{}, fmt.Errorf("commit append activity: %w", err)
	}
	return record, nil
}

const activityColumns = `id, file_id, rule_id, actor_user_id, new_state, created_at`

func scanActivity(row *sql.Row) (*ActivityRecord, error) {
	var record ActivityRecord
	err := row.Scan(&record.ID, &record.FileID, &record.RuleID, &record.ActorUserID, &record.NewState, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// LatestActivity returns the chronologically last record for the pair,
// or nil when none exists.
func (s *PostgresStore) LatestActivity(ctx context.Context, fileID, ruleID string) (*ActivityRecord, error) {
	record, err := scanActivity(s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM approval_activity
		WHERE file_id=$1 AND rule_id=$2
		ORDER BY id DESC
		LIMIT 1
	`, fileID, ruleID))
	if err != nil {
		return nil, fmt.Errorf("latest activity: %w", err)
	}
	return record, nil
}

// LatestOfState returns the last record matching a given state, used for
// approved_at / rejected_at reporting.
func (s *PostgresStore) LatestOfState(ctx context.Context, fileID, ruleID, state string) (*ActivityRecord, error) {
	record, err := scanActivity(s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM approval_activity
		WHERE file_id=$1 AND rule_id=$2 AND new_state=$3
		ORDER BY id DESC
		LIMIT 1
	`, fileID, ruleID, state))
	if err != nil {
		return nil, fmt.Errorf("latest activity of state: %w", err)
	}
	return record, nil
}

// FirstActivity returns the earliest record for the pair. Callers use it
// for "sent_at" reporting, which is defined as the first record rather
// than the last pending one.
func (s *PostgresStore) FirstActivity(ctx context.Context, fileID, ruleID string) (*ActivityRecord, error) {
	record, err := scanActivity(s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM approval_activity
		WHERE file_id=$1 AND rule_id=$2
		ORDER BY id ASC
		LIMIT 1
	`, fileID, ruleID))
	if err != nil {
		return nil, fmt.Errorf("first activity: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) listActivity(ctx context.Context, query string, args ...any) ([]ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	records := make([]ActivityRecord, 0)
	for rows.Next() {
		var record ActivityRecord
		if err := rows.Scan(&record.ID, &record.FileID, &record.RuleID, &record.ActorUserID, &record.NewState, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) ActivityForFile(ctx context.Context, fileID string) ([]ActivityRecord, error) {
	return s.listActivity(ctx, `
		SELECT `+activityColumns+`
		FROM approval_activity
		WHERE file_id=$1
		ORDER BY id ASC
	`, fileID)
}

func (s *PostgresStore) ActivityForRule(ctx context.Context, ruleID string) ([]ActivityRecord, error) {
	return s.listActivity(ctx, `
		SELECT `+activityColumns+`
		FROM approval_activity
		WHERE rule_id=$1
		ORDER BY id ASC
	`, ruleID)
}

// LatestStates scans the materialized latest-state index for reporting.
func (s *PostgresStore) LatestStates(ctx context.Context) ([]LatestState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, rule_id, state, activity_id, created_at
		FROM approval_latest
		ORDER BY rule_id ASC, file_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list latest states: %w", err)
	}
	defer rows.Close()

	states := make([]LatestState, 0)
	for rows.Next() {
		var state LatestState
		if err := rows.Scan(&state.FileID, &state.RuleID, &state.State, &state.ActivityID, &state.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan latest state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest states: %w", err)
	}
	return states, nil
}

// WorkflowKpis counts distinct files per current state for every rule.
// A file that was rejected then re-requested and approved counts once,
// as approved, because only the latest-state row is consulted.
func (s *PostgresStore) WorkflowKpis(ctx context.Context) ([]RuleKpi, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id,
			COUNT(l.file_id) FILTER (WHERE l.state='pending')::int,
			COUNT(l.file_id) FILTER (WHERE l.state='approved')::int,
			COUNT(l.file_id) FILTER (WHERE l.state='rejected')::int
		FROM approval_rules r
		LEFT JOIN approval_latest l ON l.rule_id = r.id
		GROUP BY r.id
		ORDER BY r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("workflow kpis: %w", err)
	}
	defer rows.Close()

	kpis := make([]RuleKpi, 0)
	for rows.Next() {
		var kpi RuleKpi
		if err := rows.Scan(&kpi.RuleID, &kpi.Pending, &kpi.Approved, &kpi.Rejected); err != nil {
			return nil, fmt.Errorf("scan workflow kpi: %w", err)
		}
		kpis = append(kpis, kpi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow kpis: %w", err)
	}
	return kpis, nil
}

// ResetActivity deletes all history and latest-state rows. Irreversible,
// administrative only.
func (s *PostgresStore) ResetActivity(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset activity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_latest`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset latest states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_activity`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset activity: %w", err)
	}
	return nil
}

// ResetActivityForFile deletes history and latest-state rows for one file.
func (s *PostgresStore) ResetActivityForFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset file activity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_latest WHERE file_id=$1`, fileID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset file latest states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_activity WHERE file_id=$1`, fileID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset file activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset file activity: %w", err)
	}
	return nil
}
