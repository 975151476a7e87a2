package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/herdctl/herdctl/internal/config"
)

// UnsafePathError is raised when a computed path would escape the state
// directory or a name component fails validation.
type UnsafePathError struct {
	Path   string
	Reason string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe state path %q: %s", e.Path, e.Reason)
}

// safeJoin joins parts under root and verifies the result stays inside it.
// Each part must already be a validated single component; this is the last
// line of defence against `..` and absolute-path components.
func safeJoin(root string, parts ...string) (string, error) {
	p := filepath.Join(append([]string{root}, parts...)...)
	cleaned := filepath.Clean(p)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", &UnsafePathError{Path: p, Reason: "escapes state directory"}
	}
	return cleaned, nil
}

func validAgentName(name string) error {
	if !config.NamePattern.MatchString(name) {
		return &UnsafePathError{Path: name, Reason: "invalid agent name"}
	}
	return nil
}

func validJobID(id string) error {
	if !ValidJobID(id) {
		return &UnsafePathError{Path: id, Reason: "invalid job id"}
	}
	return nil
}

// statePath returns <dir>/state.yaml.
func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state.yaml")
}

// jobDir returns <dir>/jobs/<id> after validating the id.
func (s *Store) jobDir(jobID string) (string, error) {
	if err := validJobID(jobID); err != nil {
		return "", err
	}
	return safeJoin(s.dir, "jobs", jobID)
}

func (s *Store) jobMetadataPath(jobID string) (string, error) {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "metadata.yaml"), nil
}

func (s *Store) jobOutputPath(jobID string) (string, error) {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "output.jsonl"), nil
}

func (s *Store) sessionPath(agent string) (string, error) {
	if err := validAgentName(agent); err != nil {
		return "", err
	}
	return safeJoin(s.dir, "sessions", agent+".json")
}
