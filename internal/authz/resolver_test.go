package authz

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/gargmanash/approval-mainnc/internal/store"
)

type fakeOracle struct {
	groups     map[string][]string
	circles    map[string][]string
	groupErr   error
	circleErr  error
	groupCalls int
}

func (f *fakeOracle) UserInGroup(_ context.Context, userID, groupID string) (bool, error) {
	f.groupCalls++
	if f.groupErr != nil {
		return false, f.groupErr
	}
	for _, member := range f.groups[groupID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOracle) UserInCircle(_ context.Context, userID, circleID string) (bool, error) {
	if f.circleErr != nil {
		return false, f.circleErr
	}
	for _, member := range f.circles[circleID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOracle) ExpandGroup(_ context.Context, groupID string) ([]string, error) {
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return f.groups[groupID], nil
}

func (f *fakeOracle) ExpandCircle(_ context.Context, circleID string) ([]string, error) {
	if f.circleErr != nil {
		return nil, f.circleErr
	}
	return f.circles[circleID], nil
}

func testRule() store.Rule {
	return store.Rule{
		ID: "rule-1",
		Approvers: []store.Principal{
			{Type: store.PrincipalUser, EntityID: "alice"},
			{Type: store.PrincipalGroup, EntityID: "legal"},
			{Type: store.PrincipalCircle, EntityID: "board"},
		},
		Requesters: []store.Principal{
			{Type: store.PrincipalGroup, EntityID: "staff"},
		},
	}
}

func TestIsAuthorizedDirectUser(t *testing.T) {
	oracle := &fakeOracle{}
	resolver := NewResolver(oracle)

	if !resolver.IsAuthorized(context.Background(), "alice", testRule(), store.RoleApprovers) {
		t.Fatal("direct user principal should authorize")
	}
	if oracle.groupCalls != 0 {
		t.Fatal("direct match must short-circuit before group lookups")
	}
}

func TestIsAuthorizedGroupAndCircle(t *testing.T) {
	oracle := &fakeOracle{
		groups:  map[string][]string{"legal": {"bob"}, "staff": {"carol"}},
		circles: map[string][]string{"board": {"dave"}},
	}
	resolver := NewResolver(oracle)
	ctx := context.Background()

	if !resolver.IsAuthorized(ctx, "bob", testRule(), store.RoleApprovers) {
		t.Fatal("group member should authorize")
	}
	if !resolver.IsAuthorized(ctx, "dave", testRule(), store.RoleApprovers) {
		t.Fatal("circle member should authorize")
	}
	if !resolver.IsAuthorized(ctx, "carol", testRule(), store.RoleRequesters) {
		t.Fatal("requester group member should authorize")
	}
	if resolver.IsAuthorized(ctx, "carol", testRule(), store.RoleApprovers) {
		t.Fatal("requester must not authorize as approver")
	}
}

func TestIsAuthorizedDegradedBackend(t *testing.T) {
	oracle := &fakeOracle{
		groupErr:  errors.New("ldap down"),
		circleErr: errors.New("circles down"),
	}
	resolver := NewResolver(oracle)
	ctx := context.Background()

	// Backend failures degrade to non-membership, never to an error.
	if resolver.IsAuthorized(ctx, "bob", testRule(), store.RoleApprovers) {
		t.Fatal("degraded backend must not authorize")
	}
	// Direct user matches keep working.
	if !resolver.IsAuthorized(ctx, "alice", testRule(), store.RoleApprovers) {
		t.Fatal("direct match should survive backend failures")
	}
}

func TestAuthorizedUserIDsDeduplicates(t *testing.T) {
	oracle := &fakeOracle{
		groups:  map[string][]string{"legal": {"alice", "bob"}},
		circles: map[string][]string{"board": {"bob", "eve"}},
	}
	resolver := NewResolver(oracle)

	userIDs := resolver.AuthorizedUserIDs(context.Background(), testRule(), store.RoleApprovers)
	want := []string{"alice", "bob", "eve"}
	if !reflect.DeepEqual(userIDs, want) {
		t.Fatalf("AuthorizedUserIDs = %v, want %v", userIDs, want)
	}
}

func TestAuthorizedUserIDsDegradedBackend(t *testing.T) {
	oracle := &fakeOracle{circleErr: errors.New("circles down")}
	resolver := NewResolver(oracle)

	userIDs := resolver.AuthorizedUserIDs(context.Background(), testRule(), store.RoleApprovers)
	// Only the direct user survives; failed expansions contribute nothing.
	if !reflect.DeepEqual(userIDs, []string{"alice"}) {
		t.Fatalf("AuthorizedUserIDs = %v, want [alice]", userIDs)
	}
}
