// Package keys manages the on-disk FCS key layout: per-build PEM directories
// under "<root>/<OS>/<build>/" and the consolidated fcs-keys.json database.
package keys

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// DatabaseName is the canonical consolidated key database filename, shared
// with the ipsw tool's --pem-db interface.
const DatabaseName = "fcs-keys.json"

// Database maps a key fingerprint to raw PEM bytes; encoding/json renders the
// values as standard base64, matching the ipsw pem-db format.
type Database map[string][]byte

// Fingerprint derives the database key for a PEM: the URL-safe base64 of its
// SHA-256 digest.
func Fingerprint(pem []byte) string {
	sum := sha256.Sum256(pem)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// Store is a per-build key directory tree rooted at Root.
type Store struct {
	Root string
}

// BuildDir returns the key folder for an (OS, build) pair.
func (s *Store) BuildDir(osName, build string) string {
	return filepath.Join(s.Root, osName, build)
}

// Attempted reports whether a build already has a key folder or an empty
// "tried, nothing found" marker file.
func (s *Store) Attempted(osName, build string) bool {
	_, err := os.Stat(s.BuildDir(osName, build))
	return err == nil
}

// Populated reports whether a build has an actual key folder (not just a
// marker) with at least one PEM in it.
func (s *Store) Populated(osName, build string) bool {
	pems, err := s.BuildPEMs(osName, build)
	return err == nil && len(pems) > 0
}

// BuildPEMs returns the PEM paths stored for a build, sorted by name.
func (s *Store) BuildPEMs(osName, build string) ([]string, error) {
	dir := s.BuildDir(osName, build)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key folder %s: %v", dir, err)
	}
	var pems []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".pem") {
			pems = append(pems, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(pems)
	return pems, nil
}

// Collect walks a directory the ipsw tool populated and files every PEM it
// finds under the build's key folder, renamed to the MD5 of its contents.
// The ipsw filenames suggest a key belongs to a single DMG when it really
// covers the whole build, and identical keys show up once per DMG; hashing
// collapses both. When no PEMs turn up, an empty marker file is left at the
// build path so the build counts as attempted.
func (s *Store) Collect(osName, build, srcDir string) (int, error) {
	keyDir := s.BuildDir(osName, build)

	var srcs []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".pem") {
			srcs = append(srcs, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %v", srcDir, err)
	}
	sort.Strings(srcs)

	if len(srcs) == 0 {
		if err := os.MkdirAll(filepath.Dir(keyDir), 0o750); err != nil {
			return 0, fmt.Errorf("failed to create OS key folder: %v", err)
		}
		if err := os.WriteFile(keyDir, nil, 0o644); err != nil {
			return 0, fmt.Errorf("failed to write attempt marker %s: %v", keyDir, err)
		}
		return 0, nil
	}

	if err := os.MkdirAll(keyDir, 0o750); err != nil {
		return 0, fmt.Errorf("failed to create key folder %s: %v", keyDir, err)
	}

	var stored int
	for _, src := range srcs {
		data, err := os.ReadFile(src)
		if err != nil {
			return stored, fmt.Errorf("failed to read %s: %v", src, err)
		}
		dst := filepath.Join(keyDir, fmt.Sprintf("%x.pem", md5.Sum(data)))
		if _, err := os.Stat(dst); err == nil {
			continue // duplicate key
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return stored, fmt.Errorf("failed to write %s: %v", dst, err)
		}
		log.WithFields(log.Fields{
			"build": build,
			"size":  humanize.Bytes(uint64(len(data))),
		}).Debugf("stored %s", filepath.Base(dst))
		stored++
	}

	return stored, nil
}

// SynthesizeDB builds a temporary fcs-keys.json from individual PEM files so
// the ipsw extract --pem-db interface works uniformly for both key sources.
// Callers must remove the returned file when done.
func SynthesizeDB(pems []string) (string, error) {
	db := make(Database, len(pems))
	for _, pem := range pems {
		data, err := os.ReadFile(pem)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %v", pem, err)
		}
		db[Fingerprint(data)] = data
	}

	tmp, err := os.CreateTemp("", "fcs-keys-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp key database: %v", err)
	}
	if err := json.NewEncoder(tmp).Encode(db); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp key database: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return tmp.Name(), nil
}

// SortDatabase rewrites a consolidated key database pretty-printed with
// sorted fingerprints, for git diffs and human eyes.
func SortDatabase(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read key database %s: %v", path, err)
	}
	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return fmt.Errorf("failed to parse key database %s: %v", path, err)
	}
	out, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key database: %v", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite key database %s: %v", path, err)
	}
	return nil
}

// LoadDatabase reads a consolidated key database.
func LoadDatabase(path string) (Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to parse key database %s: %v", path, err)
	}
	return db, nil
}
