package xa

import "fmt"

// Heuristic is the outcome class of a branch whose resources did not all
// complete the same way.
type Heuristic int

const (
	HeuristicNone Heuristic = iota
	HeuristicRollback
	HeuristicCommit
	HeuristicMixed
	HeuristicHazard
)

func (h Heuristic) String() string {
	switch h {
	case HeuristicNone:
		return "none"
	case HeuristicRollback:
		return "rolled-back"
	case HeuristicCommit:
		return "committed"
	case HeuristicMixed:
		return "mixed"
	case HeuristicHazard:
		return "hazard"
	default:
		return fmt.Sprintf("Heuristic(%d)", int(h))
	}
}

// Code maps h to its XA_HEUR* code. HeuristicNone has no code.
func (h Heuristic) Code() (Code, bool) {
	switch h {
	case HeuristicRollback:
		return HeurRollback, true
	case HeuristicCommit:
		return HeurCommit, true
	case HeuristicMixed:
		return HeurMixed, true
	case HeuristicHazard:
		return HeurHazard, true
	}
	return 0, false
}

// Outcome accumulates evidence about how the resources of one branch
// completed. The resulting Heuristic depends only on the set of observations,
// never on their order, and observing more never lowers it: mixed dominates,
// then hazard, then a single direction.
type Outcome struct {
	rolledBack bool
	committed  bool
	hazard     bool
	mixed      bool
}

// Observe records one heuristic observation.
func (o *Outcome) Observe(h Heuristic) {
	switch h {
	case HeuristicRollback:
		o.rolledBack = true
	case HeuristicCommit:
		o.committed = true
	case HeuristicMixed:
		o.mixed = true
	case HeuristicHazard:
		o.hazard = true
	}
}

// Merge folds the observations of other into o.
func (o *Outcome) Merge(other Outcome) {
	o.rolledBack = o.rolledBack || other.rolledBack
	o.committed = o.committed || other.committed
	o.hazard = o.hazard || other.hazard
	o.mixed = o.mixed || other.mixed
}

// Heuristic returns the aggregate outcome.
func (o Outcome) Heuristic() Heuristic {
	switch {
	case o.mixed, o.rolledBack && o.committed:
		return HeuristicMixed
	case o.hazard:
		return HeuristicHazard
	case o.committed:
		return HeuristicCommit
	case o.rolledBack:
		return HeuristicRollback
	default:
		return HeuristicNone
	}
}

// Reconcile folds the per-resource results of a rollback into one error.
//
// committed reports whether any resource of the branch had already
// committed. results holds one entry per resource that was rolled back; nil
// means the resource rolled back cleanly.
//
// It returns nil for a clean rollback, XA_HEURMIX when every rollback
// succeeded but something had committed, XAER_RMERR when a resource
// reported a code outside the heuristic and hazard classes (XA_RB*
// included), and otherwise the XA_HEUR* code of the aggregate outcome.
func Reconcile(committed bool, results []error) error {
	var (
		outcome Outcome
		failed  []error
		fault   error
	)
	if committed {
		outcome.Observe(HeuristicCommit)
	}
	for _, err := range results {
		if err == nil {
			outcome.Observe(HeuristicRollback)
			continue
		}
		code, ok := CodeOf(err)
		if !ok {
			code = RMErr
		}
		switch {
		case code.isHazard():
			outcome.Observe(HeuristicHazard)
		case code == HeurCommit:
			outcome.Observe(HeuristicCommit)
		case code == HeurRollback:
			outcome.Observe(HeuristicRollback)
		case code == HeurMixed:
			outcome.Observe(HeuristicMixed)
		default:
			if fault == nil {
				fault = err
			}
		}
		failed = append(failed, err)
	}

	if len(failed) == 0 {
		if committed {
			return NewError(HeurMixed, "resources rolled back after others committed")
		}
		return nil
	}
	if fault != nil {
		return Wrap(RMErr, fault, "unexpected error code from resource rollback")
	}
	code, _ := outcome.Heuristic().Code()
	return &Error{Code: code, Reason: fmt.Sprintf("%d of %d resources failed to roll back", len(failed), len(results)), Err: failed[0]}
}
