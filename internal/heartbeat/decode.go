package heartbeat

import (
	"encoding/json"
	"fmt"
)

// DecodeExtra parses the JSON array of additional heartbeats read from
// stdin via --extra-heartbeats. Per spec.md §4.5 step 3, an entry that
// fails to parse or fails Validate is dropped rather than aborting the
// whole batch; the caller receives the surviving heartbeats plus one
// warning string per dropped entry.
func DecodeExtra(data []byte) (valid []Heartbeat, warnings []string, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("extra heartbeats: not a JSON array: %w", err)
	}

	for i, r := range raw {
		var h Heartbeat
		if err := json.Unmarshal(r, &h); err != nil {
			warnings = append(warnings, fmt.Sprintf("entry %d: invalid JSON: %v", i, err))
			continue
		}
		if err := Validate(&h); err != nil {
			warnings = append(warnings, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		valid = append(valid, h)
	}

	return valid, warnings, nil
}

// Validate checks the minimal invariants a Heartbeat must satisfy to be
// enqueued: a non-empty entity, a known entity type, and a non-negative
// time. Everything else is optional.
func Validate(h *Heartbeat) error {
	if h.Entity == "" {
		return fmt.Errorf("entity must not be empty")
	}
	switch h.EntityType {
	case EntityFile, EntityDomain, EntityURL, EntityApp:
	default:
		return fmt.Errorf("unknown entity type %q", h.EntityType)
	}
	if h.Time < 0 {
		return fmt.Errorf("time must not be negative, got %v", h.Time)
	}
	if h.ID == "" {
		h.ID = NewID()
	}
	return nil
}
