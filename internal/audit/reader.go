package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineBytes bounds a single audit line when reading the log back.
const maxLineBytes = 4 << 20

// ReadResult is the outcome of scanning an audit log.
type ReadResult struct {
	Records []Record
	// Skipped counts lines that were not valid records, such as a torn
	// trailing line left by a crash mid-write.
	Skipped int
}

// ReadRecords parses newline-delimited records from r. Malformed lines are
// skipped so that one bad line never hides the records before or after it.
func ReadRecords(r io.Reader) (*ReadResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	result := &ReadResult{}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Skipped++
			continue
		}
		result.Records = append(result.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("scan audit log: %w", err)
	}
	return result, nil
}

// ReadFile reads every record in the log at path.
func ReadFile(path string) (*ReadResult, error) {
	// #nosec G304 -- the audit path comes from operator input.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}
