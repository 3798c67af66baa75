package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/cupcake-engine/cupcake/core/synth"
)

// decodeDecisionSet converts the raw value returned by the prepared
// query's first expression — the aggregation entrypoint's result —
// into a synth.DecisionSet. OPA decodes Rego objects/sets into plain
// Go maps/slices of interface{}, so a JSON round-trip is the simplest
// faithful way to land them on the typed shape.
func decodeDecisionSet(value any) (synth.DecisionSet, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return synth.DecisionSet{}, fmt.Errorf("encode decision set: %w", err)
	}

	var ds synth.DecisionSet
	if err := json.Unmarshal(raw, &ds); err != nil {
		return synth.DecisionSet{}, fmt.Errorf("decode decision set: %w", err)
	}
	return ds, nil
}
