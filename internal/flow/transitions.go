package flow

import (
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Outcome is the result a node reports to the transition table.
type Outcome string

const (
	OutcomeNotFound      Outcome = "not_found"
	OutcomeAutoFixable   Outcome = "auto_fixable"
	OutcomeSensitive     Outcome = "sensitive"
	OutcomeIneligible    Outcome = "ineligible"
	OutcomeInformational Outcome = "informational"
	OutcomeError         Outcome = "error"
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeEvidence      Outcome = "evidence"
	OutcomeNoEvidence    Outcome = "no_evidence"
	OutcomeExhausted     Outcome = "exhausted"
	OutcomeValid         Outcome = "valid"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeUncertain     Outcome = "uncertain"
	OutcomeDone          Outcome = "done"
)

type edge struct {
	from    models.Node
	outcome Outcome
}

// transitions is the complete workflow graph. Pairs that are not listed are
// programming errors.
var transitions = map[edge]models.Node{
	{models.NodeFetchOrder, OutcomeNotFound}:      models.NodeRespondOther,
	{models.NodeFetchOrder, OutcomeError}:         models.NodeRespondOther,
	{models.NodeFetchOrder, OutcomeAutoFixable}:   models.NodeAutoFix,
	{models.NodeFetchOrder, OutcomeSensitive}:     models.NodeRequestEvidence,
	{models.NodeFetchOrder, OutcomeIneligible}:    models.NodeDone,
	{models.NodeFetchOrder, OutcomeInformational}: models.NodeDone,

	{models.NodeAutoFix, OutcomeSuccess}: models.NodeDone,
	{models.NodeAutoFix, OutcomeFailure}: models.NodeDone,

	{models.NodeRequestEvidence, OutcomeEvidence}:   models.NodeValidateEvidence,
	{models.NodeRequestEvidence, OutcomeNoEvidence}: models.NodeDone,
	{models.NodeRequestEvidence, OutcomeExhausted}:  models.NodeEscalate,

	{models.NodeValidateEvidence, OutcomeValid}:     models.NodeDone,
	{models.NodeValidateEvidence, OutcomeFailure}:   models.NodeDone,
	{models.NodeValidateEvidence, OutcomeInvalid}:   models.NodeDone,
	{models.NodeValidateEvidence, OutcomeUncertain}: models.NodeEscalate,
	{models.NodeValidateEvidence, OutcomeError}:     models.NodeDone,

	{models.NodeEscalate, OutcomeDone}:  models.NodeDone,
	{models.NodeEscalate, OutcomeError}: models.NodeDone,

	{models.NodeSubscriptionFlow, OutcomeDone}:  models.NodeDone,
	{models.NodeSubscriptionFlow, OutcomeError}: models.NodeDone,

	{models.NodeRespondOther, OutcomeDone}: models.NodeDone,
}

// Next looks up the node that follows from after outcome.
func Next(from models.Node, outcome Outcome) (models.Node, bool) {
	n, ok := transitions[edge{from, outcome}]
	return n, ok
}

// ErrNoTransition reports a node outcome with no edge in the workflow graph.
type ErrNoTransition struct {
	From    models.Node
	Outcome Outcome
}

func (e *ErrNoTransition) Error() string {
	return fmt.Sprintf("no transition from %s on %q", e.From, e.Outcome)
}
