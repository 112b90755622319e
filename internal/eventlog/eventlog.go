package eventlog

import (
	"encoding/json"
	"time"
)

type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

// Record is one realtime event as shown in the session log. Count is zero for
// the first occurrence of a run and >= 2 once consecutive duplicates merge.
type Record struct {
	Time   time.Time       `json:"time"`
	Source Source          `json:"source"`
	Type   string          `json:"type"`
	Event  json.RawMessage `json:"event,omitempty"`
	Count  int             `json:"count,omitempty"`
}

// NewRecord builds a record from a raw event, reading its "type" field.
// Events without a readable type are kept with an empty Type; frames that are
// not JSON are kept as a JSON string so the log always marshals.
func NewRecord(at time.Time, source Source, raw []byte) Record {
	r := Record{Time: at, Source: source}
	if !json.Valid(raw) {
		r.Event, _ = json.Marshal(string(raw))
		return r
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err == nil {
		r.Type = head.Type
	}
	r.Event = append(json.RawMessage(nil), raw...)
	return r
}

// Coalesce returns log with r added. When r has the same type as the last
// entry, that entry is replaced by r carrying the bumped count; otherwise r is
// appended with no count. The input slice is never written to.
func Coalesce(log []Record, r Record) []Record {
	n := len(log)
	if n > 0 && log[n-1].Type == r.Type {
		prev := log[n-1].Count
		if prev < 1 {
			prev = 1
		}
		r.Count = prev + 1
		out := make([]Record, n)
		copy(out, log[:n-1])
		out[n-1] = r
		return out
	}

	r.Count = 0
	out := make([]Record, n+1)
	copy(out, log)
	out[n] = r
	return out
}
