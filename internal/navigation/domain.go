package navigation

// NodeType is the closed set of menu node variants.
type NodeType string

const (
	// NodeItem is a navigable leaf with a path.
	NodeItem NodeType = "item"
	// NodeCollapse is an expandable branch holding child nodes.
	NodeCollapse NodeType = "collapse"
	// NodeTitle is a non-navigable section caption holding child nodes.
	NodeTitle NodeType = "title"
)

// Node is one entry of the static navigation tree. Which fields are valid
// depends on Type and is enforced at load: only items carry a Path, only
// collapse and title nodes carry Children. Authority lists role ids; an
// empty list means no role restriction from this gate.
type Node struct {
	Key       string   `json:"key"`
	Type      NodeType `json:"type"`
	Title     string   `json:"title"`
	Path      string   `json:"path,omitempty"`
	Icon      string   `json:"icon,omitempty"`
	Authority []string `json:"authority,omitempty"`
	Children  []Node   `json:"children"`
}

// Tree is the ordered top-level node list plus the menu-key to feature-key
// mapping. One feature may gate several menu keys and one menu key may be
// gated by several features (any one granting suffices).
type Tree struct {
	Items   []Node              `json:"items"`
	MenuMap map[string][]string `json:"menu_features"`
}
