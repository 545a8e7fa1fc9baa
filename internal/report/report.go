// Package report reduces executor results into summaries and renders them.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/schaermu/dirsyncd/internal/executor"
	"github.com/schaermu/dirsyncd/internal/plan"
)

// Summary counts the outcomes of a set of results
type Summary struct {
	Copied     int      `json:"copied"`
	Updated    int      `json:"updated"`
	Deleted    int      `json:"deleted"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
}

// Aggregate reduces results to a Summary. Successful actions count by kind,
// everything else by outcome.
func Aggregate(results []executor.Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case executor.Success:
			switch r.Action.Kind {
			case plan.Copy:
				s.Copied++
			case plan.Update:
				s.Updated++
			case plan.Delete:
				s.Deleted++
			default:
				s.Skipped++
			}
		case executor.Failed:
			s.Failed++
			if r.Err != nil {
				s.Errors = append(s.Errors, r.Err.Error())
			} else {
				s.Errors = append(s.Errors, fmt.Sprintf("%s %s: failed", r.Action.Kind, r.Action.Path))
			}
		default:
			s.Skipped++
		}

		if r.Advisory != "" {
			s.Advisories = append(s.Advisories, fmt.Sprintf("%s: %s", r.Action.Path, r.Advisory))
		}
	}
	return s
}

// Merge adds other to s.
func (s *Summary) Merge(other Summary) {
	s.Copied += other.Copied
	s.Updated += other.Updated
	s.Deleted += other.Deleted
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Errors = append(s.Errors, other.Errors...)
	s.Advisories = append(s.Advisories, other.Advisories...)
}

// HasFailures reports whether any action failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Total is the number of results the summary was built from.
func (s Summary) Total() int {
	return s.Copied + s.Updated + s.Deleted + s.Skipped + s.Failed
}

// WriteText renders s as human readable text.
func WriteText(w io.Writer, s Summary) error {
	if _, err := fmt.Fprintf(w, "copied: %d, updated: %d, deleted: %d, skipped: %d, failed: %d\n",
		s.Copied, s.Updated, s.Deleted, s.Skipped, s.Failed); err != nil {
		return err
	}
	for _, a := range s.Advisories {
		if _, err := fmt.Fprintf(w, "  advisory: %s\n", a); err != nil {
			return err
		}
	}
	for _, e := range s.Errors {
		if _, err := fmt.Fprintf(w, "  error: %s\n", e); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON renders v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
