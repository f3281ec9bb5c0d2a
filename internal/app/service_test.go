package app

import (
	"context"
	"errors"
	"testing"

	"github.com/gargmanash/approval-mainnc/internal/config"
	"github.com/gargmanash/approval-mainnc/internal/store"
	"github.com/gargmanash/approval-mainnc/internal/tags"
)

type fakeRuleStore struct {
	rules   map[string]store.Rule
	history map[string]bool
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]store.Rule), history: make(map[string]bool)}
}

func (f *fakeRuleStore) Ping(context.Context) error { return nil }

func (f *fakeRuleStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, errors.New("not found")
}

func (f *fakeRuleStore) CreateUser(context.Context, store.User) error { return nil }

func (f *fakeRuleStore) GetRule(_ context.Context, ruleID string) (store.Rule, error) {
	rule, ok := f.rules[ruleID]
	if !ok {
		return store.Rule{}, errors.New("not found")
	}
	return rule, nil
}

func (f *fakeRuleStore) ListRules(context.Context) ([]store.Rule, error) {
	out := make([]store.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (f *fakeRuleStore) CreateRule(_ context.Context, rule store.Rule) error {
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeRuleStore) UpdateRule(_ context.Context, ruleID, description string, approvers, requesters []store.Principal) error {
	rule, ok := f.rules[ruleID]
	if !ok {
		return errors.New("not found")
	}
	rule.Description = description
	rule.Approvers = approvers
	rule.Requesters = requesters
	f.rules[ruleID] = rule
	return nil
}

func (f *fakeRuleStore) DeleteRule(_ context.Context, ruleID string) error {
	if f.history[ruleID] {
		return store.ErrRuleHasHistory
	}
	delete(f.rules, ruleID)
	return nil
}

func (f *fakeRuleStore) ActivityForFile(context.Context, string) ([]store.ActivityRecord, error) {
	return nil, nil
}

func (f *fakeRuleStore) ResetActivity(context.Context) error               { return nil }
func (f *fakeRuleStore) ResetActivityForFile(context.Context, string) error { return nil }

type fakeTagRegistry struct {
	tags map[string]bool
}

func newFakeTagRegistry() *fakeTagRegistry {
	return &fakeTagRegistry{tags: make(map[string]bool)}
}

func (f *fakeTagRegistry) Create(_ context.Context, name string) (string, error) {
	tagID := "tag_" + name
	if f.tags[tagID] {
		return "", tags.ErrTagExists
	}
	f.tags[tagID] = true
	return tagID, nil
}

func (f *fakeTagRegistry) Delete(_ context.Context, tagID string) error {
	if !f.tags[tagID] {
		return tags.ErrTagNotFound
	}
	delete(f.tags, tagID)
	return nil
}

func (f *fakeTagRegistry) Assign(context.Context, string, string) error   { return nil }
func (f *fakeTagRegistry) Unassign(context.Context, string, string) error { return nil }
func (f *fakeTagRegistry) Has(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeTagRegistry) FilesWithTag(context.Context, string) ([]string, error) {
	return nil, nil
}

func newRuleTestService(fs *fakeRuleStore, ft *fakeTagRegistry) *Service {
	return &Service{cfg: config.Config{}, store: fs, tags: ft}
}

func TestCreateRuleFromBaseName(t *testing.T) {
	fs := newFakeRuleStore()
	ft := newFakeTagRegistry()
	svc := newRuleTestService(fs, ft)

	rule, err := svc.CreateRule(context.Background(), RuleInput{
		TagBaseName: "contracts",
		Approvers:   []store.Principal{{Type: store.PrincipalUser, EntityID: "alice"}},
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if rule.TagPending == "" || rule.TagApproved == "" || rule.TagRejected == "" {
		t.Fatalf("expected three tags, got %+v", rule)
	}
	if len(ft.tags) != 3 {
		t.Fatalf("expected 3 registered tags, got %d", len(ft.tags))
	}
}

func TestDeleteRuleRemovesTags(t *testing.T) {
	fs := newFakeRuleStore()
	ft := newFakeTagRegistry()
	svc := newRuleTestService(fs, ft)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, RuleInput{
		TagBaseName: "contracts",
		Approvers:   []store.Principal{{Type: store.PrincipalUser, EntityID: "alice"}},
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if err := svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, ok := fs.rules[rule.ID]; ok {
		t.Fatal("rule should be deleted")
	}
	if len(ft.tags) != 0 {
		t.Fatalf("triad tags should be deleted with the rule, %d left", len(ft.tags))
	}
}

func TestDeleteRuleBlockedKeepsTags(t *testing.T) {
	fs := newFakeRuleStore()
	ft := newFakeTagRegistry()
	svc := newRuleTestService(fs, ft)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, RuleInput{
		TagBaseName: "contracts",
		Approvers:   []store.Principal{{Type: store.PrincipalUser, EntityID: "alice"}},
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	fs.history[rule.ID] = true

	if err := svc.DeleteRule(ctx, rule.ID); !errors.Is(err, store.ErrRuleHasHistory) {
		t.Fatalf("expected ErrRuleHasHistory, got %v", err)
	}
	if _, ok := fs.rules[rule.ID]; !ok {
		t.Fatal("blocked delete must keep the rule")
	}
	if len(ft.tags) != 3 {
		t.Fatalf("blocked delete must keep the tags, got %d", len(ft.tags))
	}
}

func TestValidatePrincipalsRejectsUnknownType(t *testing.T) {
	fs := newFakeRuleStore()
	ft := newFakeTagRegistry()
	svc := newRuleTestService(fs, ft)

	_, err := svc.CreateRule(context.Background(), RuleInput{
		TagBaseName: "contracts",
		Approvers:   []store.Principal{{Type: "robot", EntityID: "r2"}},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}
