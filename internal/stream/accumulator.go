package stream

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

// MergeDelta folds a later fragment into an earlier one for the same index.
// Identity fields keep their first non-empty value and arguments concatenate,
// so the fold is associative.
func MergeDelta(earlier, later models.ToolCallDelta) models.ToolCallDelta {
	out := earlier
	if out.ID == "" {
		out.ID = later.ID
	}
	if out.Type == "" {
		out.Type = later.Type
	}
	if out.Name == "" {
		out.Name = later.Name
	}
	out.Arguments = earlier.Arguments + later.Arguments
	if out.ExtraContent == nil {
		out.ExtraContent = later.ExtraContent
	}
	return out
}

// Accumulator rebuilds complete tool calls from indexed fragments.
type Accumulator struct {
	calls map[int]models.ToolCallDelta
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]models.ToolCallDelta)}
}

// Add merges fragments in arrival order.
func (a *Accumulator) Add(deltas ...models.ToolCallDelta) {
	for _, d := range deltas {
		if existing, ok := a.calls[d.Index]; ok {
			a.calls[d.Index] = MergeDelta(existing, d)
			continue
		}
		a.calls[d.Index] = d
	}
}

// Len reports how many distinct tool calls have been seen.
func (a *Accumulator) Len() int {
	return len(a.calls)
}

// Finalize returns the completed calls ordered by index.
// Arguments that do not form valid JSON fail the response.
func (a *Accumulator) Finalize() ([]models.ToolCall, error) {
	if len(a.calls) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		d := a.calls[idx]
		if d.Name == "" {
			return nil, apierr.New(apierr.CodeToolCallAccumulation, "tool call at index %d never received a function name", idx)
		}

		args := strings.TrimSpace(d.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, apierr.New(apierr.CodeToolCallAccumulation, "tool call %s (%s) arguments are not valid JSON", d.ID, d.Name)
		}

		id := d.ID
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		out = append(out, models.ToolCall{
			ID:           id,
			Type:         "function",
			Function:     models.FunctionCall{Name: d.Name, Arguments: args},
			ExtraContent: d.ExtraContent,
		})
	}
	return out, nil
}
