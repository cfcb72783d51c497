package navigation

import (
	"context"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// AccessChecker is the slice of the feature resolver the filter needs.
type AccessChecker interface {
	HasMenuAccess(ctx context.Context, principal *shared.Principal, menuKey string) bool
}

// Filter walks the static tree depth-first and returns the subtree the
// principal may see. It is pure over the current cache snapshot: it never
// triggers fetches itself, so callers should warm the cache first to avoid
// filtering against a partially loaded state.
//
// A node is access-eligible when its menu key passes the feature gate AND
// its authority list is empty or intersects the principal's roles; the two
// gates are conjunctive. Branch nodes (collapse, title) survive only with at
// least one surviving child; item leaves are decided solely by their own
// check. Sibling order is preserved throughout.
func Filter(ctx context.Context, checker AccessChecker, principal *shared.Principal, nodes []Node) []Node {
	filtered := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if !eligible(ctx, checker, principal, node) {
			continue
		}
		switch node.Type {
		case NodeItem:
			node.Children = []Node{}
			filtered = append(filtered, node)
		default:
			children := Filter(ctx, checker, principal, node.Children)
			if len(children) == 0 {
				continue
			}
			node.Children = children
			filtered = append(filtered, node)
		}
	}
	return filtered
}

func eligible(ctx context.Context, checker AccessChecker, principal *shared.Principal, node Node) bool {
	if !checker.HasMenuAccess(ctx, principal, node.Key) {
		return false
	}
	return len(node.Authority) == 0 || principal.HasAnyRole(node.Authority...)
}
