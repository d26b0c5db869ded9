package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_AppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "traffic.log")

	sink, err := OpenFile(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append(&Record{Timestamp: "2026-01-02T03:04:05Z", Event: EventHTTPTraffic, RequestID: "a"}))
	require.NoError(t, sink.Append(&Record{Timestamp: "2026-01-02T03:04:06Z", Event: EventTurn, RequestID: "b"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"a"`)
	assert.Contains(t, lines[1], `"event":"turn"`)
}

func TestFileSink_NeverTruncatesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.log")
	existing := `{"ts":"2025-12-31T23:59:59Z","event":"startup"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o640))

	sink, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, sink.Append(&Record{Event: EventHTTPTraffic}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), existing), "prior content must be preserved")

	result, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
}

func TestFileSink_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.log")
	sink, err := OpenFile(path)
	require.NoError(t, err)
	defer sink.Close()

	const writers = 16
	const perWriter = 25
	body := strings.Repeat("x", 3000)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				preview := body
				rec := &Record{
					Event:     EventHTTPTraffic,
					RequestID: fmt.Sprintf("w%d-%d", w, i),
					HTTP:      &HTTPInfo{Method: "POST", Path: "/api/messages", BodyPreview: &preview},
				}
				assert.NoError(t, sink.Append(rec))
			}
		}(w)
	}
	wg.Wait()

	result, err := ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, result.Skipped, "no line may be corrupted by concurrent writers")
	assert.Len(t, result.Records, writers*perWriter)

	seen := make(map[string]bool)
	for _, rec := range result.Records {
		seen[rec.RequestID] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestFileSink_AppendAfterClose(t *testing.T) {
	sink, err := OpenFile(filepath.Join(t.TempDir(), "traffic.log"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Error(t, sink.Append(&Record{Event: EventHTTPTraffic}))
}

func TestReadRecords_SkipsMalformedTrailingLine(t *testing.T) {
	log := strings.Join([]string{
		`{"ts":"2026-01-01T00:00:00Z","event":"startup"}`,
		`{"ts":"2026-01-01T00:00:01Z","event":"http_traffic","request_id":"r1"}`,
		`{"ts":"2026-01-01T00:00:02Z","event":"http_traf`,
	}, "\n")

	result, err := ReadRecords(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, "r1", result.Records[1].RequestID)
}

func TestReadRecords_SkipsMalformedMiddleLineAndBlankLines(t *testing.T) {
	log := "{\"event\":\"startup\"}\n\nnot json\n{\"event\":\"turn\"}\n"

	result, err := ReadRecords(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, EventTurn, result.Records[1].Event)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.log"))
	assert.Error(t, err)
}
