package navigation

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadTree reads and validates the static navigation configuration from a
// JSON file. knownFeatures is the catalog key set the menu mapping must
// resolve against. The tree is loaded once at startup and never mutated.
func LoadTree(path string, knownFeatures map[string]struct{}) (*Tree, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("navigation: read config: %w", err)
	}
	return ParseTree(payload, knownFeatures)
}

// ParseTree decodes and validates a navigation configuration document.
func ParseTree(payload []byte, knownFeatures map[string]struct{}) (*Tree, error) {
	var tree Tree
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("navigation: decode config: %w", err)
	}
	seen := make(map[string]struct{})
	for i := range tree.Items {
		if err := validateNode(&tree.Items[i], seen); err != nil {
			return nil, err
		}
	}
	for menuKey, featureKeys := range tree.MenuMap {
		if _, ok := seen[menuKey]; !ok {
			return nil, fmt.Errorf("navigation: mapping references unknown menu key %q", menuKey)
		}
		for _, featureKey := range featureKeys {
			if _, ok := knownFeatures[featureKey]; !ok {
				return nil, fmt.Errorf("navigation: menu %q mapped to unknown feature %q", menuKey, featureKey)
			}
		}
	}
	if tree.MenuMap == nil {
		tree.MenuMap = map[string][]string{}
	}
	return &tree, nil
}

// validateNode enforces the per-variant field contract: items carry a path
// and no children, collapse and title nodes carry children and no path.
func validateNode(node *Node, seen map[string]struct{}) error {
	if node.Key == "" {
		return fmt.Errorf("navigation: node without key (title %q)", node.Title)
	}
	if _, dup := seen[node.Key]; dup {
		return fmt.Errorf("navigation: duplicate node key %q", node.Key)
	}
	seen[node.Key] = struct{}{}
	switch node.Type {
	case NodeItem:
		if len(node.Children) > 0 {
			return fmt.Errorf("navigation: item %q must not have children", node.Key)
		}
		if node.Path == "" {
			return fmt.Errorf("navigation: item %q requires a path", node.Key)
		}
	case NodeCollapse, NodeTitle:
		if node.Path != "" {
			return fmt.Errorf("navigation: %s %q must not have a path", node.Type, node.Key)
		}
		if len(node.Children) == 0 {
			return fmt.Errorf("navigation: %s %q requires children", node.Type, node.Key)
		}
	default:
		return fmt.Errorf("navigation: node %q has unknown type %q", node.Key, node.Type)
	}
	for i := range node.Children {
		if err := validateNode(&node.Children[i], seen); err != nil {
			return err
		}
	}
	return nil
}
