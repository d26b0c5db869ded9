// Command auditlog inspects the bot's audit trail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/qnabot/internal/audit"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "auditlog:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	fileFlag := &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Value:   "traffic.log",
		Usage:   "JSONL audit log to read",
		Sources: cli.EnvVars("QNABOT_AUDIT__PATH"),
	}

	return &cli.Command{
		Name:  "auditlog",
		Usage: "inspect the qnabot audit trail",
		Commands: []*cli.Command{
			{
				Name:  "summary",
				Usage: "count records by event, outcome and error type",
				Flags: []cli.Flag{fileFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					res, err := audit.ReadFile(cmd.String("file"))
					if err != nil {
						return err
					}
					writeSummary(cmd.Root().Writer, summarize(res))
					return nil
				},
			},
			{
				Name:  "tail",
				Usage: "print the last records as JSON lines",
				Flags: []cli.Flag{
					fileFlag,
					&cli.IntFlag{Name: "n", Value: 20, Usage: "number of records"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					res, err := audit.ReadFile(cmd.String("file"))
					if err != nil {
						return err
					}
					return writeRecords(cmd.Root().Writer, tail(res.Records, cmd.Int("n")))
				},
			},
			{
				Name:  "db",
				Usage: "query the SQLite mirror",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "sqlite",
						Usage:    "SQLite audit database",
						Sources:  cli.EnvVars("QNABOT_AUDIT__SQLITE_PATH"),
						Required: true,
					},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "recent records to print"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return queryDB(ctx, cmd.Root().Writer, cmd.String("sqlite"), cmd.Int("limit"))
				},
			},
		},
	}
}

// summary aggregates a decoded audit log.
type summary struct {
	Total      int
	Skipped    int
	Events     map[string]int
	Outcomes   map[string]int
	ErrorTypes map[string]int
}

func summarize(res *audit.ReadResult) summary {
	s := summary{
		Total:      len(res.Records),
		Skipped:    res.Skipped,
		Events:     make(map[string]int),
		Outcomes:   make(map[string]int),
		ErrorTypes: make(map[string]int),
	}
	for _, rec := range res.Records {
		s.Events[string(rec.Event)]++
		if rec.Turn != nil {
			s.Outcomes[outcomeKey(rec.Turn)]++
		}
		if rec.ErrorType != "" {
			s.ErrorTypes[rec.ErrorType]++
		}
	}
	return s
}

func outcomeKey(t *audit.TurnInfo) string {
	if t.Reason == "" {
		return t.Outcome
	}
	return t.Outcome + "/" + t.Reason
}

func writeSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "records: %d (skipped malformed lines: %d)\n", s.Total, s.Skipped)
	writeCounts(w, "events", s.Events)
	writeCounts(w, "outcomes", s.Outcomes)
	writeCounts(w, "errors", s.ErrorTypes)
}

func writeCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-32s %d\n", k, counts[k])
	}
}

func tail(records []audit.Record, n int) []audit.Record {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[len(records)-n:]
}

func writeRecords(w io.Writer, records []audit.Record) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

func queryDB(ctx context.Context, w io.Writer, path string, limit int) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	sink, err := audit.NewSQLiteSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	counts, err := sink.CountByOutcome(ctx)
	if err != nil {
		return err
	}
	writeCounts(w, "outcomes", counts)

	recent, err := sink.Recent(ctx, limit)
	if err != nil {
		return err
	}
	return writeRecords(w, recent)
}
