package inference

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/clipforge/clipforge/pkg/models"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripNoise removes reasoning blocks and code fences so the JSON scanners
// see the payload the model intended.
func stripNoise(raw string) string {
	s := thinkBlockRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

type rawMoment struct {
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	Title     string   `json:"title"`
}

// ParseMoments extracts the first well-formed JSON array of moments from the
// model output. Surrounding prose is tolerated; entries with missing fields
// or a non-positive span are dropped rather than failing the parse. An empty
// array is a valid result.
func ParseMoments(raw string) ([]models.Moment, error) {
	s := stripNoise(raw)

	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		var entries []json.RawMessage
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&entries); err != nil {
			continue
		}

		moments := make([]models.Moment, 0, len(entries))
		for _, entry := range entries {
			var rm rawMoment
			if err := json.Unmarshal(entry, &rm); err != nil {
				continue
			}
			if rm.StartTime == nil || rm.EndTime == nil || rm.Title == "" {
				continue
			}
			if *rm.StartTime >= *rm.EndTime || *rm.StartTime < 0 {
				continue
			}
			moments = append(moments, models.Moment{
				Title:     rm.Title,
				StartTime: *rm.StartTime,
				EndTime:   *rm.EndTime,
			})
		}
		return moments, nil
	}
	return nil, fmt.Errorf("%w: no JSON array of moments found", ErrParse)
}

type rawRefinement struct {
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
}

// ParseRefinement extracts the first JSON object carrying numeric start and
// end times from the model output.
func ParseRefinement(raw string) (start, end float64, err error) {
	s := stripNoise(raw)

	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var rr rawRefinement
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&rr); err != nil {
			continue
		}
		if rr.StartTime == nil || rr.EndTime == nil {
			continue
		}
		if *rr.StartTime >= *rr.EndTime || *rr.StartTime < 0 {
			continue
		}
		return *rr.StartTime, *rr.EndTime, nil
	}
	return 0, 0, fmt.Errorf("%w: no refinement object found", ErrParse)
}
