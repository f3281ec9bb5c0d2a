// Package authz decides whether a user may act in a given role on an
// approval rule, and expands a rule's principal lists to concrete users.
package authz

import (
	"context"
	"log"

	"github.com/gargmanash/approval-mainnc/internal/directory"
	"github.com/gargmanash/approval-mainnc/internal/store"
)

type Resolver struct {
	directory directory.Oracle
}

func NewResolver(oracle directory.Oracle) *Resolver {
	return &Resolver{directory: oracle}
}

// IsAuthorized checks the rule's principal list for the role in order:
// direct user match, then group membership, then circle membership.
// It short-circuits on the first hit. Oracle failures count as
// non-membership and are logged; authorization never fails hard on a
// degraded membership backend.
func (r *Resolver) IsAuthorized(ctx context.Context, userID string, rule store.Rule, role string) bool {
	principals := rule.Requesters
	if role == store.RoleApprovers {
		principals = rule.Approvers
	}

	for _, principal := range principals {
		if principal.Type == store.PrincipalUser && principal.EntityID == userID {
			return true
		}
	}
	for _, principal := range principals {
		if principal.Type != store.PrincipalGroup {
			continue
		}
		member, err := r.directory.UserInGroup(ctx, userID, principal.EntityID)
		if err != nil {
			log.Printf("authz: group lookup failed for %s: %v", principal.EntityID, err)
			continue
		}
		if member {
			return true
		}
	}
	for _, principal := range principals {
		if principal.Type != store.PrincipalCircle {
			continue
		}
		member, err := r.directory.UserInCircle(ctx, userID, principal.EntityID)
		if err != nil {
			log.Printf("authz: circle lookup failed for %s: %v", principal.EntityID, err)
			continue
		}
		if member {
			return true
		}
	}
	return false
}

// AuthorizedUserIDs expands every principal of the role into a
// deduplicated user id list. A failing group or circle backend expands
// to nothing, logged, so notification targeting keeps working.
func (r *Resolver) AuthorizedUserIDs(ctx context.Context, rule store.Rule, role string) []string {
	principals := rule.Requesters
	if role == store.RoleApprovers {
		principals = rule.Approvers
	}

	seen := make(map[string]struct{})
	userIDs := make([]string, 0)
	add := func(userID string) {
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		userIDs = append(userIDs, userID)
	}

	for _, principal := range principals {
		switch principal.Type {
		case store.PrincipalUser:
			add(principal.EntityID)
		case store.PrincipalGroup:
			members, err := r.directory.ExpandGroup(ctx, principal.EntityID)
			if err != nil {
				log.Printf("authz: group expansion failed for %s: %v", principal.EntityID, err)
				continue
			}
			for _, member := range members {
				add(member)
			}
		case store.PrincipalCircle:
			members, err := r.directory.ExpandCircle(ctx, principal.EntityID)
			if err != nil {
				log.Printf("authz: circle expansion failed for %s: %v", principal.EntityID, err)
				continue
			}
			for _, member := range members {
				add(member)
			}
		}
	}
	return userIDs
}
