package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Segment is a timestamped span of transcript text attributed to one speaker.
type Segment struct {
	Speaker    string  `json:"speaker"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Transcript is an ordered sequence of speaker-attributed segments.
type Transcript struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language,omitempty"`
}

// PlainText joins all segment text in order, one segment per line.
func (t *Transcript) PlainText() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for i, s := range t.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

func (t Transcript) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *Transcript) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("unsupported transcript source type %T", value)
	}
}
