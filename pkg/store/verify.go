package store

// Path walks parent links from leafID back to the root and returns the
// entries in root-to-leaf order. A broken link is a corruption, because
// entries are only ever appended with an existing parent.
func Path(sessionID string, entries map[string]Entry, leafID string) ([]Entry, error) {
	var path []Entry
	currID := leafID
	for currID != "" {
		e, ok := entries[currID]
		if !ok {
			return nil, Corruptf(sessionID, currID, "broken parent link")
		}
		path = append(path, e)
		if e.ParentID == nil {
			break
		}
		currID = *e.ParentID
	}
	// Reverse into root-to-leaf order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Resolve materializes the context for a leaf: the root-to-leaf path with
// the most recent applicable compaction expanded into its summary entry
// followed by the literal entries after the cut point. Compaction entries
// hang off their cut point as side nodes, so candidates are found both on
// the path itself and among children of path entries.
func Resolve(sessionID string, entries map[string]Entry, leafID string) ([]Entry, error) {
	path, err := Path(sessionID, entries, leafID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, nil
	}

	onPath := make(map[string]int, len(path))
	for i, e := range path {
		onPath[e.ID] = i
	}

	// Latest compaction whose cut point lies on this path wins.
	var latest *Entry
	for _, e := range entries {
		if e.Type != TypeCompaction {
			continue
		}
		if e.ParentID == nil {
			continue
		}
		if _, ok := onPath[*e.ParentID]; !ok {
			continue
		}
		if latest == nil || e.Seq > latest.Seq {
			c := e
			latest = &c
		}
	}

	if latest == nil {
		return path, nil
	}

	cutIdx := onPath[*latest.ParentID]
	resolved := make([]Entry, 0, len(path)-cutIdx)
	resolved = append(resolved, *latest)
	for _, e := range path[cutIdx+1:] {
		if e.Type == TypeCompaction {
			continue
		}
		resolved = append(resolved, e)
	}
	return resolved, nil
}

// Verify checks the structural invariants of a replayed entry arena against
// its branch pointers: a single root, acyclic parent links with strictly
// increasing sequence numbers, resolvable branch bases, cut points on
// compaction entries, and tool-call/result matching along every branch
// path. Duplicate ids cannot survive into the arena map and are reported
// by the backends during replay.
func Verify(sessionID string, entries map[string]Entry, branches []Branch) error {
	if len(entries) == 0 {
		return nil
	}

	roots := 0
	for _, e := range entries {
		if e.ParentID == nil {
			roots++
			continue
		}
		parent, ok := entries[*e.ParentID]
		if !ok {
			return Corruptf(sessionID, e.ID, "parent %s not found", *e.ParentID)
		}
		if parent.Seq >= e.Seq {
			return Corruptf(sessionID, e.ID, "sequence %d not after parent sequence %d", e.Seq, parent.Seq)
		}
	}
	if roots != 1 {
		return Corruptf(sessionID, "", "expected exactly one root entry, found %d", roots)
	}

	for _, e := range entries {
		if e.Type == TypeCompaction && e.ParentID == nil {
			return Corruptf(sessionID, e.ID, "compaction entry without a cut point")
		}
	}

	for _, b := range branches {
		if b.Base == "" {
			continue
		}
		if _, ok := entries[b.Base]; !ok {
			return Corruptf(sessionID, "", "branch %q points at missing entry %s", b.Name, b.Base)
		}
	}

	for _, b := range branches {
		leaf := LeafOf(entries, b)
		if leaf == "" {
			continue
		}
		path, err := Path(sessionID, entries, leaf)
		if err != nil {
			return err
		}
		if err := verifyCallPairing(sessionID, path); err != nil {
			return err
		}
	}
	return nil
}

// LeafOf derives a branch's leaf: the highest-sequence entry appended on
// the branch, or the fork base if nothing was appended yet.
func LeafOf(entries map[string]Entry, b Branch) string {
	leaf := b.Base
	var best uint64
	for _, e := range entries {
		if e.Branch != b.Name {
			continue
		}
		if e.Type == TypeCompaction {
			// Side node, never a branch tip.
			continue
		}
		if e.Seq >= best {
			best = e.Seq
			leaf = e.ID
		}
	}
	return leaf
}

// verifyCallPairing enforces that between consecutive assistant entries on
// a path, every tool call is answered by exactly one result with the same
// id. A dangling batch at the path tip is legal (an aborted turn); the
// runner reconciles it before the next model invocation.
func verifyCallPairing(sessionID string, path []Entry) error {
	pending := map[string]bool{}
	for _, e := range path {
		if e.Type != TypeMessage || e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case RoleAssistant:
			if len(pending) > 0 {
				return Corruptf(sessionID, e.ID, "%d unanswered tool calls before next assistant turn", len(pending))
			}
			for _, c := range e.Message.Content {
				if c.Type == ContentTypeToolUse && c.ToolUse != nil {
					if pending[c.ToolUse.ID] {
						return Corruptf(sessionID, e.ID, "duplicate tool call id %s", c.ToolUse.ID)
					}
					pending[c.ToolUse.ID] = true
				}
			}
		case RoleTool:
			for _, c := range e.Message.Content {
				if c.Type != ContentTypeToolResult || c.ToolResult == nil {
					continue
				}
				id := c.ToolResult.ToolUseID
				if !pending[id] {
					return Corruptf(sessionID, e.ID, "tool result references unknown call id %s", id)
				}
				delete(pending, id)
			}
		}
	}
	return nil
}
