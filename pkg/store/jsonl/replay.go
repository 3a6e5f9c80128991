package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/weft-dev/weft/pkg/store"
)

// replayLocked rebuilds the in-memory state from the session file. It
// discards a crash-truncated trailing record, upgrades version 1 files to
// the current record format, and verifies the tree invariants before the
// session is served. The caller holds s.mu.
func (s *Session) replayLocked() error {
	if _, err := s.fileHandle.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(s.fileHandle)

	headerLine, err := reader.ReadString('\n')
	if err != nil {
		return store.Corruptf(s.id, "", "missing or unterminated header")
	}
	var h store.Header
	if err := json.Unmarshal([]byte(headerLine), &h); err != nil {
		return store.Corruptf(s.id, "", "unreadable header: %v", err)
	}
	if h.Type != store.TypeSession || h.ID == "" {
		return store.Corruptf(s.id, "", "first record is not a session header")
	}
	if s.id != "" && s.id != h.ID {
		return store.Corruptf(s.id, "", "header id %s does not match file name", h.ID)
	}
	s.id = h.ID

	if h.Version < store.FormatVersion {
		// Old headers carry the profile under a different key, which the
		// parse above silently dropped.
		if v1h, err := parseV1Header([]byte(headerLine)); err == nil {
			h = v1h
		}
		return s.migrateLocked(h, reader)
	}

	entries := make(map[string]store.Entry)
	branches := map[string]store.Branch{
		store.BranchMain: {Name: store.BranchMain, Base: "", Created: h.CreatedAt},
	}
	leaves := map[string]string{store.BranchMain: ""}
	labels := make(map[string]string)
	active := store.BranchMain
	var nextSeq uint64 = 1

	offset := int64(len(headerLine))
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// A record without its newline was torn by a crash.
				// Drop it and cut the file back so appends start clean.
				slog.Warn("Discarding truncated trailing record",
					"session", s.id, "bytes", len(line))
				if terr := s.fileHandle.Truncate(offset); terr != nil {
					return fmt.Errorf("truncating torn record: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return err
		}
		lineStart := offset
		offset += int64(len(line))

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			return store.Corruptf(s.id, "", "unreadable record at byte %d: %v", lineStart, err)
		}

		switch {
		case rec.Entry != nil:
			e := *rec.Entry
			if _, dup := entries[e.ID]; dup {
				return store.Corruptf(s.id, e.ID, "duplicate entry id")
			}
			if _, ok := branches[e.Branch]; !ok {
				return store.Corruptf(s.id, e.ID, "entry on undeclared branch %q", e.Branch)
			}
			entries[e.ID] = e
			if e.Seq >= nextSeq {
				nextSeq = e.Seq + 1
			}
			if e.Type != store.TypeCompaction {
				leaves[e.Branch] = e.ID
			}
			if e.Type == store.TypeLabel && e.Label != nil {
				labels[e.Label.TargetID] = e.Label.Label
			}
		case rec.Fork != nil:
			f := rec.Fork
			if _, dup := branches[f.Name]; dup && f.Name != store.BranchMain {
				return store.Corruptf(s.id, "", "duplicate branch %q", f.Name)
			}
			branches[f.Name] = store.Branch{Name: f.Name, Base: f.Base, Created: f.Created}
			if _, ok := leaves[f.Name]; !ok {
				leaves[f.Name] = f.Base
			}
		case rec.Checkout != nil:
			if _, ok := branches[rec.Checkout.Name]; !ok {
				return store.Corruptf(s.id, "", "checkout of undeclared branch %q", rec.Checkout.Name)
			}
			active = rec.Checkout.Name
		default:
			return store.Corruptf(s.id, "", "empty record at byte %d", lineStart)
		}
	}

	branchList := make([]store.Branch, 0, len(branches))
	for _, b := range branches {
		branchList = append(branchList, b)
	}
	if err := store.Verify(s.id, entries, branchList); err != nil {
		return err
	}

	s.header = h
	s.entries = entries
	s.branches = branches
	s.leaves = leaves
	s.labels = labels
	s.active = active
	s.nextSeq = nextSeq

	// The buffered reader read ahead; position the handle for appends.
	if _, err := s.fileHandle.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// migrateLocked upgrades a version 1 file: bare entry lines, one implicit
// branch, and in-path compaction entries keyed by first-kept id. The
// upgraded records are rewritten to a fresh file which atomically replaces
// the old one, then replayed normally.
func (s *Session) migrateLocked(h store.Header, reader *bufio.Reader) error {
	var lines [][]byte
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			if len(strings.TrimSpace(line)) > 0 {
				slog.Warn("Discarding truncated trailing record during migration", "session", s.id)
			}
			break
		}
		if err != nil {
			return err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, []byte(trimmed))
		}
	}

	entries, err := migrateV1(s.id, lines)
	if err != nil {
		return err
	}

	h.Version = store.FormatVersion
	tmpPath := s.filePath + ".migrate"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating migration file: %w", err)
	}
	writeLine := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tmp.Write(append(data, '\n'))
		return err
	}
	if err := writeLine(h); err != nil {
		tmp.Close()
		return err
	}
	fr := forkRecord{Name: store.BranchMain, Created: h.CreatedAt}
	if err := writeLine(record{Fork: &fr}); err != nil {
		tmp.Close()
		return err
	}
	for i := range entries {
		if err := writeLine(record{Entry: &entries[i]}); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.fileHandle.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	f, err := os.OpenFile(s.filePath, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	s.fileHandle = f

	slog.Info("Migrated session file", "session", s.id, "from", 1, "to", store.FormatVersion, "entries", len(entries))
	return s.replayLocked()
}
