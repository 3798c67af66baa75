package synth

// Synthesize normalizes a DecisionSet into one prioritized Decision,
// following the six-step verb hierarchy: halt > deny > block > ask >
// modify > add_context. Within halt, deny and block, the
// highest-severity decision wins; ties are broken by insertion
// (discovery) order. Ask and modify use the first decision inserted.
func Synthesize(ds DecisionSet) Decision {
	if d, ok := highestSeverity(ds.Halts); ok {
		return Decision{
			Outcome:  OutcomeHalt,
			RuleID:   d.RuleID,
			Reason:   d.Reason,
			Severity: d.Severity,
			Actions:  d.Actions,
		}
	}

	if d, ok := highestSeverity(ds.Denials); ok {
		return Decision{
			Outcome:  OutcomeDeny,
			RuleID:   d.RuleID,
			Reason:   d.Reason,
			Severity: d.Severity,
			Actions:  d.Actions,
		}
	}

	if d, ok := highestSeverity(ds.Blocks); ok {
		return Decision{
			Outcome:  OutcomeBlock,
			RuleID:   d.RuleID,
			Reason:   d.Reason,
			Severity: d.Severity,
			Actions:  d.Actions,
		}
	}

	if len(ds.Asks) > 0 {
		d := ds.Asks[0]
		return Decision{
			Outcome:  OutcomeAsk,
			RuleID:   d.RuleID,
			Reason:   d.Reason,
			Severity: d.Severity,
			Question: d.Question,
			Actions:  d.Actions,
		}
	}

	if len(ds.Modifications) > 0 {
		d := ds.Modifications[0]
		return Decision{
			Outcome:      OutcomeAllowWithContext,
			RuleID:       d.RuleID,
			Reason:       d.Reason,
			Severity:     d.Severity,
			Modification: d.Modification,
			Actions:      d.Actions,
		}
	}

	ctx := dedupContext(ds.AddContext)
	if ctx == "" {
		return Decision{Outcome: OutcomeAllow}
	}
	return Decision{Outcome: OutcomeAllowWithContext, Context: ctx}
}

// highestSeverity returns the decision with the highest severity in
// ds, ties broken by the earliest (lowest-index) insertion.
func highestSeverity(ds []VerbDecision) (VerbDecision, bool) {
	if len(ds) == 0 {
		return VerbDecision{}, false
	}
	best := ds[0]
	for _, d := range ds[1:] {
		if d.Severity.Compare(best.Severity) > 0 {
			best = d
		}
	}
	return best, true
}

// dedupContext concatenates add_context strings, deduplicated with
// insertion order preserved, as the spec requires.
func dedupContext(ds []VerbDecision) string {
	seen := make(map[string]bool, len(ds))
	var parts []string
	for _, d := range ds {
		s := d.Context
		if s == "" {
			s = d.Reason
		}
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		parts = append(parts, s)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
