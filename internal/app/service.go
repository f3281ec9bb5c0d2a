package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gargmanash/approval-mainnc/internal/approval"
	"github.com/gargmanash/approval-mainnc/internal/auth"
	"github.com/gargmanash/approval-mainnc/internal/authpw"
	"github.com/gargmanash/approval-mainnc/internal/config"
	"github.com/gargmanash/approval-mainnc/internal/rbac"
	"github.com/gargmanash/approval-mainnc/internal/store"
	"github.com/gargmanash/approval-mainnc/internal/tags"
	"github.com/gargmanash/approval-mainnc/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// RuleInput is the admin payload for creating or updating a rule. On
// creation either TagBaseName is set, in which case the three workflow
// tags are created from it, or the three explicit tag ids are given.
type RuleInput struct {
	TagBaseName string            `json:"tagBaseName"`
	TagPending  string            `json:"tagPending"`
	TagApproved string            `json:"tagApproved"`
	TagRejected string            `json:"tagRejected"`
	Description string            `json:"description"`
	Approvers   []store.Principal `json:"approvers"`
	Requesters  []store.Principal `json:"requesters"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	GetRule(ctx context.Context, ruleID string) (store.Rule, error)
	ListRules(ctx context.Context) ([]store.Rule, error)
	CreateRule(ctx context.Context, rule store.Rule) error
	UpdateRule(ctx context.Context, ruleID, description string, approvers, requesters []store.Principal) error
	DeleteRule(ctx context.Context, ruleID string) error
	ActivityForFile(ctx context.Context, fileID string) ([]store.ActivityRecord, error)
	ResetActivity(ctx context.Context) error
	ResetActivityForFile(ctx context.Context, fileID string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	tags      tags.Store
	approvals *approval.Service
	passwords *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, tagStore tags.Store, approvals *approval.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		tags:      tagStore,
		approvals: approvals,
		passwords: authpw.NewService(dataStore),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingTags checks the tag store when the implementation supports it.
func (s *Service) PingTags(ctx context.Context) error {
	if pinger, ok := s.tags.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SignIn authenticates by email and password and issues a bearer token.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	jti := util.NewID("tok")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Role, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) State(ctx context.Context, fileID, userID string) (approval.Result, error) {
	return s.approvals.State(ctx, fileID, userID)
}

func (s *Service) Request(ctx context.Context, fileID, ruleID, userID string) (approval.Result, error) {
	return s.approvals.Request(ctx, fileID, ruleID, userID)
}

func (s *Service) Approve(ctx context.Context, fileID, userID string) (bool, error) {
	return s.approvals.Approve(ctx, fileID, userID)
}

func (s *Service) Reject(ctx context.Context, fileID, userID string) (bool, error) {
	return s.approvals.Reject(ctx, fileID, userID)
}

func (s *Service) PendingFiles(ctx context.Context, userID string) ([]approval.PendingFile, error) {
	return s.approvals.PendingFiles(ctx, userID)
}

func (s *Service) UserRules(ctx context.Context, userID, role, fileID string) ([]store.Rule, error) {
	return s.approvals.UserRules(ctx, userID, role, fileID)
}

func (s *Service) Kpis(ctx context.Context) ([]store.RuleKpi, error) {
	return s.approvals.Kpis(ctx)
}

func (s *Service) FileHistory(ctx context.Context, fileID string) ([]store.ActivityRecord, error) {
	return s.store.ActivityForFile(ctx, fileID)
}

func (s *Service) FileTimeline(ctx context.Context, fileID, ruleID string) (approval.Timeline, error) {
	return s.approvals.FileTimeline(ctx, fileID, ruleID)
}

func (s *Service) HandleTagAssigned(ctx context.Context, fileID string, tagIDs []string, actorUserID string) error {
	return s.approvals.HandleTagAssigned(ctx, fileID, tagIDs, actorUserID)
}

func (s *Service) ListRules(ctx context.Context) ([]store.Rule, error) {
	return s.store.ListRules(ctx)
}

// CreateRule validates the admin payload, creates the workflow tags
// when a base name is given, and persists the rule. Tag uniqueness is
// enforced twice, by the tag store on creation and by the rule table's
// unique constraints.
func (s *Service) CreateRule(ctx context.Context, input RuleInput) (store.Rule, error) {
	if err := validatePrincipals(input.Approvers); err != nil {
		return store.Rule{}, err
	}
	if err := validatePrincipals(input.Requesters); err != nil {
		return store.Rule{}, err
	}
	if len(input.Approvers) == 0 {
		return store.Rule{}, validationError("at least one approver is required")
	}

	rule := store.Rule{
		ID:          util.NewID("rule"),
		TagPending:  strings.TrimSpace(input.TagPending),
		TagApproved: strings.TrimSpace(input.TagApproved),
		TagRejected: strings.TrimSpace(input.TagRejected),
		Description: strings.TrimSpace(input.Description),
		Approvers:   input.Approvers,
		Requesters:  input.Requesters,
	}

	if base := strings.TrimSpace(input.TagBaseName); base != "" {
		var err error
		if rule.TagPending, err = s.tags.Create(ctx, base+" (pending)"); err != nil {
			return store.Rule{}, fmt.Errorf("create pending tag: %w", err)
		}
		if rule.TagApproved, err = s.tags.Create(ctx, base+" (approved)"); err != nil {
			return store.Rule{}, fmt.Errorf("create approved tag: %w", err)
		}
		if rule.TagRejected, err = s.tags.Create(ctx, base+" (rejected)"); err != nil {
			return store.Rule{}, fmt.Errorf("create rejected tag: %w", err)
		}
	}

	if rule.TagPending == "" || rule.TagApproved == "" || rule.TagRejected == "" {
		return store.Rule{}, validationError("a tag base name or three tag ids are required")
	}
	if rule.TagPending == rule.TagApproved || rule.TagPending == rule.TagRejected || rule.TagApproved == rule.TagRejected {
		return store.Rule{}, validationError("the three workflow tags must be distinct")
	}

	if err := s.store.CreateRule(ctx, rule); err != nil {
		return store.Rule{}, err
	}
	return s.store.GetRule(ctx, rule.ID)
}

// UpdateRule changes the description and principal lists. The tag triad
// is immutable; retagging would orphan the existing history.
func (s *Service) UpdateRule(ctx context.Context, ruleID string, input RuleInput) (store.Rule, error) {
	if err := validatePrincipals(input.Approvers); err != nil {
		return store.Rule{}, err
	}
	if err := validatePrincipals(input.Requesters); err != nil {
		return store.Rule{}, err
	}
	if len(input.Approvers) == 0 {
		return store.Rule{}, validationError("at least one approver is required")
	}
	if err := s.store.UpdateRule(ctx, ruleID, strings.TrimSpace(input.Description), input.Approvers, input.Requesters); err != nil {
		return store.Rule{}, err
	}
	return s.store.GetRule(ctx, ruleID)
}

// DeleteRule removes a history-free rule and its three workflow tags.
// Deletion is blocked by the store while activity references the rule,
// in which case the tags stay untouched. Tag-store failures after a
// successful delete are logged; the rule itself is already gone.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	for _, tagID := range []string{rule.TagPending, rule.TagApproved, rule.TagRejected} {
		if err := s.tags.Delete(ctx, tagID); err != nil && !errors.Is(err, tags.ErrTagNotFound) {
			log.Printf("app: delete tag %s for removed rule %s failed: %v", tagID, ruleID, err)
		}
	}
	return nil
}

// ResetActivity wipes the whole history and latest-state index, or only
// one file's when fileID is set. Tags are untouched.
func (s *Service) ResetActivity(ctx context.Context, fileID string) error {
	if fileID != "" {
		return s.store.ResetActivityForFile(ctx, fileID)
	}
	return s.store.ResetActivity(ctx)
}

func validatePrincipals(principals []store.Principal) error {
	for _, principal := range principals {
		switch principal.Type {
		case store.PrincipalUser, store.PrincipalGroup, store.PrincipalCircle:
		default:
			return validationError(fmt.Sprintf("unknown principal type %q", principal.Type))
		}
		if strings.TrimSpace(principal.EntityID) == "" {
			return validationError("principal entity id is required")
		}
	}
	return nil
}
