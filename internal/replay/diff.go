package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/tunnelgate/tunnelgate/internal/inspect"
)

// Severity of a status change between original and replayed responses.
const (
	SeverityNone     = "none"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// StatusDiff compares status codes. Severity is critical when the status
// classes differ and warning when only the code differs within a class.
type StatusDiff struct {
	Original int    `json:"original"`
	Replay   int    `json:"replay"`
	Changed  bool   `json:"changed"`
	Severity string `json:"severity"`
}

// TimingDiff compares response times. A change is significant when it moved
// by more than 20 percent.
type TimingDiff struct {
	DeltaMS       int64   `json:"delta_ms"`
	PercentChange float64 `json:"percent_change"`
	Significant   bool    `json:"significant"`
}

// HeaderChange describes one header key from the union of both header sets.
type HeaderChange struct {
	Change   string `json:"change"` // added, removed, modified
	Original string `json:"original,omitempty"`
	Replay   string `json:"replay,omitempty"`
}

// FieldChange is one dotted-path difference between two JSON bodies.
type FieldChange struct {
	Path     string `json:"path"`
	Original any    `json:"original,omitempty"`
	Replay   any    `json:"replay,omitempty"`
}

// BodyDiff is either a recursive JSON key-path diff (Kind "json") or a plain
// length summary (Kind "text").
type BodyDiff struct {
	Kind           string        `json:"kind"`
	Additions      []FieldChange `json:"additions,omitempty"`
	Removals       []FieldChange `json:"removals,omitempty"`
	Modifications  []FieldChange `json:"modifications,omitempty"`
	OriginalLength int           `json:"original_length"`
	ReplayLength   int           `json:"replay_length"`
	LengthDelta    int           `json:"length_delta"`
}

// Diff is the structured comparison between the original response and the
// replayed one.
type Diff struct {
	Status       StatusDiff              `json:"status"`
	Timing       TimingDiff              `json:"timing"`
	Headers      map[string]HeaderChange `json:"headers"`
	Body         BodyDiff                `json:"body"`
	TotalChanges int                     `json:"total_changes"`
}

// Compare diffs two response snapshots. Either side may be nil (a replay
// that errored before producing a response); nil compares as an empty
// response.
func Compare(original, replayed *inspect.ResponseSnapshot) *Diff {
	if original == nil {
		original = &inspect.ResponseSnapshot{}
	}
	if replayed == nil {
		replayed = &inspect.ResponseSnapshot{}
	}

	d := &Diff{
		Status:  diffStatus(original.Status, replayed.Status),
		Timing:  diffTiming(original.ResponseTimeMS, replayed.ResponseTimeMS),
		Headers: diffHeaders(original.Headers, replayed.Headers),
		Body:    diffBody(original.Body, replayed.Body),
	}

	if d.Status.Changed {
		d.TotalChanges++
	}
	d.TotalChanges += len(d.Headers)
	d.TotalChanges += len(d.Body.Additions) + len(d.Body.Removals) + len(d.Body.Modifications)
	return d
}

func diffStatus(original, replayed int) StatusDiff {
	sd := StatusDiff{Original: original, Replay: replayed, Severity: SeverityNone}
	if original == replayed {
		return sd
	}
	sd.Changed = true
	if original/100 != replayed/100 {
		sd.Severity = SeverityCritical
	} else {
		sd.Severity = SeverityWarning
	}
	return sd
}

func diffTiming(original, replayed int64) TimingDiff {
	td := TimingDiff{DeltaMS: replayed - original}
	if original > 0 {
		td.PercentChange = float64(td.DeltaMS) / float64(original) * 100
	}
	if td.PercentChange > 20 || td.PercentChange < -20 {
		td.Significant = true
	}
	return td
}

func diffHeaders(original, replayed map[string]string) map[string]HeaderChange {
	out := make(map[string]HeaderChange)
	for k, ov := range original {
		rv, ok := replayed[k]
		switch {
		case !ok:
			out[k] = HeaderChange{Change: "removed", Original: ov}
		case ov != rv:
			out[k] = HeaderChange{Change: "modified", Original: ov, Replay: rv}
		}
	}
	for k, rv := range replayed {
		if _, ok := original[k]; !ok {
			out[k] = HeaderChange{Change: "added", Replay: rv}
		}
	}
	return out
}

func diffBody(original, replayed []byte) BodyDiff {
	bd := BodyDiff{
		OriginalLength: len(original),
		ReplayLength:   len(replayed),
		LengthDelta:    len(replayed) - len(original),
	}

	var ov, rv any
	if len(original) > 0 && len(replayed) > 0 &&
		json.Unmarshal(original, &ov) == nil && json.Unmarshal(replayed, &rv) == nil {
		bd.Kind = "json"
		diffJSON("", ov, rv, &bd)
		return bd
	}

	bd.Kind = "text"
	if !bytes.Equal(original, replayed) {
		bd.Modifications = append(bd.Modifications, FieldChange{
			Path:     "$",
			Original: fmt.Sprintf("%d bytes", len(original)),
			Replay:   fmt.Sprintf("%d bytes", len(replayed)),
		})
	}
	return bd
}

// diffJSON walks both values producing dotted key paths for every
// difference.
func diffJSON(path string, original, replayed any, bd *BodyDiff) {
	om, oIsMap := original.(map[string]any)
	rm, rIsMap := replayed.(map[string]any)
	if oIsMap && rIsMap {
		for k, ov := range om {
			child := joinPath(path, k)
			if rv, ok := rm[k]; ok {
				diffJSON(child, ov, rv, bd)
			} else {
				bd.Removals = append(bd.Removals, FieldChange{Path: child, Original: ov})
			}
		}
		for k, rv := range rm {
			if _, ok := om[k]; !ok {
				bd.Additions = append(bd.Additions, FieldChange{Path: joinPath(path, k), Replay: rv})
			}
		}
		return
	}

	oa, oIsArr := original.([]any)
	ra, rIsArr := replayed.([]any)
	if oIsArr && rIsArr {
		for i := 0; i < len(oa) || i < len(ra); i++ {
			child := joinPath(path, strconv.Itoa(i))
			switch {
			case i >= len(oa):
				bd.Additions = append(bd.Additions, FieldChange{Path: child, Replay: ra[i]})
			case i >= len(ra):
				bd.Removals = append(bd.Removals, FieldChange{Path: child, Original: oa[i]})
			default:
				diffJSON(child, oa[i], ra[i], bd)
			}
		}
		return
	}

	if !reflect.DeepEqual(original, replayed) {
		bd.Modifications = append(bd.Modifications, FieldChange{Path: rootPath(path), Original: original, Replay: replayed})
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func rootPath(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
