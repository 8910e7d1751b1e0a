// Package ledger persists per-build key download bookkeeping.
//
// A ledger maps a build ID to either a terminal outcome (true when keys were
// obtained, false when the attempt budget was exhausted) or a count of
// attempts made so far. The on-disk format is a pretty-printed JSON object
// with sorted keys so that git diffs stay reviewable:
//
//	{
//	  "22A3354": true,
//	  "22B83": 4,
//	  "22C150": false
//	}
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Entry is the state of a single build in the ledger: either a terminal
// outcome or an in-flight attempt count.
type Entry struct {
	Attempts int
	Terminal bool
	Success  bool // only meaningful when Terminal is set
}

// MarshalJSON emits a bool for terminal entries and a bare integer otherwise.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Terminal {
		return json.Marshal(e.Success)
	}
	return json.Marshal(e.Attempts)
}

// UnmarshalJSON accepts either a bool or an integer.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*e = Entry{Terminal: true, Success: b}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ledger entry must be a bool or an integer: %s", string(data))
	}
	*e = Entry{Attempts: n}
	return nil
}

// Ledger tracks download outcomes for one (purpose, OS) pair. Every mutation
// is written back to disk immediately so an aborted run loses at most the
// attempt that was in flight.
type Ledger struct {
	path    string
	entries map[string]Entry
}

// Path returns the ledger file location for a (purpose, OS) pair,
// i.e. "<dir>/<OS>_<purpose>.json".
func Path(dir, osName, purpose string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", osName, purpose))
}

// Open loads the ledger at path, starting empty if the file does not exist.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: make(map[string]Entry),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger %s: %v", path, err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %v", path, err)
	}
	return l, nil
}

// Get returns the entry for a build.
func (l *Ledger) Get(build string) (Entry, bool) {
	e, ok := l.entries[build]
	return e, ok
}

// Len returns the number of tracked builds.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Pending returns the number of builds that have not reached a terminal
// outcome yet.
func (l *Ledger) Pending() int {
	var n int
	for _, e := range l.entries {
		if !e.Terminal {
			n++
		}
	}
	return n
}

// Builds returns all tracked build IDs in sorted order.
func (l *Ledger) Builds() []string {
	builds := make([]string, 0, len(l.entries))
	for build := range l.entries {
		builds = append(builds, build)
	}
	sort.Strings(builds)
	return builds
}

// Seed registers builds that are not tracked yet with a zero attempt count.
// Existing entries are left untouched. The ledger is saved once if anything
// was added.
func (l *Ledger) Seed(builds []string) error {
	var added bool
	for _, build := range builds {
		if _, ok := l.entries[build]; !ok {
			l.entries[build] = Entry{}
			added = true
		}
	}
	if !added {
		return nil
	}
	return l.Save()
}

// Succeed marks a build as terminally successful and saves the ledger.
func (l *Ledger) Succeed(build string) error {
	l.entries[build] = Entry{Terminal: true, Success: true}
	return l.Save()
}

// Fail records a failed attempt and saves the ledger. Once maxAttempts is
// reached the entry becomes a terminal failure and the build is never tried
// again. Attempt counts only ever go up.
func (l *Ledger) Fail(build string, maxAttempts int) error {
	e := l.entries[build]
	if e.Terminal {
		return nil
	}
	e.Attempts++
	if e.Attempts >= maxAttempts {
		e = Entry{Terminal: true, Success: false}
	}
	l.entries[build] = e
	return l.Save()
}

// Save writes the ledger to disk atomically (temp file + rename).
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %v", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close ledger temp file: %v", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace ledger %s: %v", l.path, err)
	}
	return nil
}
