package store

import "sort"

// BuildTree arranges an entry arena into parent/child order. tips maps an
// entry id to the branch names whose leaf it is; labels carries the current
// bookmark per entry. Children are ordered by sequence number, so siblings
// appear in the order they were committed.
func BuildTree(entries map[string]Entry, labels map[string]string, tips map[string][]string) []Node {
	byParent := make(map[string][]Entry)
	var roots []Entry
	for _, e := range entries {
		if e.ParentID == nil {
			roots = append(roots, e)
		} else {
			byParent[*e.ParentID] = append(byParent[*e.ParentID], e)
		}
	}

	var build func(Entry) Node
	build = func(e Entry) Node {
		node := Node{
			Entry:    e,
			Label:    labels[e.ID],
			Branches: tips[e.ID],
		}
		children := byParent[e.ID]
		sort.Slice(children, func(i, j int) bool {
			return children[i].Seq < children[j].Seq
		})
		for _, child := range children {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].Seq < roots[j].Seq })
	var tree []Node
	for _, r := range roots {
		tree = append(tree, build(r))
	}
	return tree
}

// Tips inverts branch leaves into a map keyed by leaf entry id, with the
// branch names at each tip sorted for stable display.
func Tips(branches map[string]Branch, leaves map[string]string) map[string][]string {
	tips := make(map[string][]string)
	for name := range branches {
		tips[leaves[name]] = append(tips[leaves[name]], name)
	}
	for _, names := range tips {
		sort.Strings(names)
	}
	return tips
}
