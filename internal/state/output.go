package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// maxOutputLine bounds a single output record on read. Runtime messages are
// small; anything larger is treated as corruption.
const maxOutputLine = 1 << 20

// AppendOutput appends one record to the job's output.jsonl as a single
// write. Records are never rewritten and the file is not fsynced
// per-record.
func (s *Store) AppendOutput(jobID string, rec OutputRecord) error {
	path, err := s.jobOutputPath(jobID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal output record: %w", err)
	}
	line = append(line, '\n')

	unlock := s.lock(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append output record: %w", err)
	}
	return nil
}

// ReadOutput returns up to limit records from the job's output stream
// (limit <= 0 means all). Lines that fail to parse, including trailing
// partial writes, are skipped with a warning.
func (s *Store) ReadOutput(jobID string, limit int) ([]OutputRecord, error) {
	path, err := s.jobOutputPath(jobID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	var records []OutputRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec OutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping unparseable output line",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read output file: %w", err)
	}
	return records, nil
}

// CountOutput returns the number of parseable records for a job.
func (s *Store) CountOutput(jobID string) (int, error) {
	records, err := s.ReadOutput(jobID, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
