package service

import (
	"fmt"
	"strings"

	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/tidwall/gjson"
)

// Model output arrives as JSON text. gjson keeps the parsing tolerant of
// extra fields the judge likes to add around the requested schema.

func parseTranscript(text string) (*model.Transcript, error) {
	segments := gjson.Get(text, "segments")
	if !segments.Exists() || !segments.IsArray() {
		return nil, fmt.Errorf("no segments array in model output")
	}

	t := &model.Transcript{
		Language: gjson.Get(text, "language").String(),
	}
	segments.ForEach(func(_, seg gjson.Result) bool {
		t.Segments = append(t.Segments, model.Segment{
			Speaker:    seg.Get("speaker").String(),
			StartMs:    seg.Get("start_ms").Int(),
			EndMs:      seg.Get("end_ms").Int(),
			Text:       seg.Get("text").String(),
			Confidence: seg.Get("confidence").Float(),
		})
		return true
	})

	if len(t.Segments) == 0 {
		return nil, fmt.Errorf("model output contained zero segments")
	}
	return t, nil
}

func parseCritique(text string) (*model.Critique, error) {
	segments := gjson.Get(text, "segments")
	if !segments.Exists() || !segments.IsArray() {
		return nil, fmt.Errorf("no segments array in critique output")
	}

	c := &model.Critique{
		MatchedSegments: int(gjson.Get(text, "matched_segments").Int()),
		TotalSegments:   int(gjson.Get(text, "total_segments").Int()),
		Summary:         gjson.Get(text, "summary").String(),
	}
	segments.ForEach(func(_, seg gjson.Result) bool {
		c.Segments = append(c.Segments, model.SegmentCritique{
			Index:      int(seg.Get("index").Int()),
			Speaker:    seg.Get("speaker").String(),
			Severity:   parseSeverity(seg.Get("severity").String()),
			Correct:    seg.Get("correct").Bool(),
			Confidence: seg.Get("confidence").Float(),
			Note:       seg.Get("note").String(),
		})
		return true
	})

	// the judge occasionally forgets the aggregate counters
	if c.TotalSegments == 0 {
		c.TotalSegments = len(c.Segments)
	}
	if c.MatchedSegments == 0 {
		for _, s := range c.Segments {
			if s.Correct {
				c.MatchedSegments++
			}
		}
	}
	return c, nil
}

func parseAPICritique(text string) (*model.APICritique, error) {
	matchPercent := gjson.Get(text, "transcript_match_percent")
	if !matchPercent.Exists() {
		return nil, fmt.Errorf("no transcript_match_percent in critique output")
	}

	c := &model.APICritique{
		TranscriptMatchPercent: matchPercent.Float(),
		Summary:                gjson.Get(text, "summary").String(),
	}
	gjson.Get(text, "fields").ForEach(func(_, f gjson.Result) bool {
		c.Fields = append(c.Fields, model.FieldComparison{
			Path:       f.Get("path").String(),
			Expected:   f.Get("expected").String(),
			Actual:     f.Get("actual").String(),
			Match:      f.Get("match").Bool(),
			Severity:   parseSeverity(f.Get("severity").String()),
			Confidence: f.Get("confidence").Float(),
		})
		return true
	})
	return c, nil
}

func parseSeverity(s string) model.Severity {
	switch model.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case model.SeverityNone, model.SeverityMinor, model.SeverityMajor, model.SeverityCritical:
		return model.Severity(strings.ToLower(strings.TrimSpace(s)))
	}
	return model.SeverityNone
}
