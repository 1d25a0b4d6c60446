package models

// OutcomeKind tells the caller of an action list, flow or prompt handler what happened.
type OutcomeKind int

const (
	// OutcomeContinue means execution finished normally and the caller may go on.
	OutcomeContinue OutcomeKind = iota
	// OutcomeStopSuccess means a step already completed the unit of work (e.g. change-flow).
	OutcomeStopSuccess
	// OutcomeStopFailure means the unit of work did not complete (e.g. bot disabled, validation).
	OutcomeStopFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeStopSuccess:
		return "stop_success"
	case OutcomeStopFailure:
		return "stop_failure"
	default:
		return "unknown"
	}
}

// Outcome is an explicit control-flow result.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// Immediate is set by hooks that asked to finish without saving memory or advancing.
	Immediate bool
}

// Continue returns an outcome that lets the caller proceed.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// StopSuccess returns an outcome that ends the current unit of work successfully.
func StopSuccess(reason string) Outcome {
	return Outcome{Kind: OutcomeStopSuccess, Reason: reason}
}

// StopImmediately is StopSuccess that also skips any follow-up bookkeeping.
func StopImmediately(reason string) Outcome {
	return Outcome{Kind: OutcomeStopSuccess, Reason: reason, Immediate: true}
}

// StopFailure returns an outcome that ends the current unit of work as not completed.
func StopFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeStopFailure, Reason: reason}
}

// ShouldContinue reports whether later steps in the same list may run.
func (o Outcome) ShouldContinue() bool { return o.Kind == OutcomeContinue }

// Completed reports whether the unit of work counts as completed.
func (o Outcome) Completed() bool { return o.Kind != OutcomeStopFailure }
