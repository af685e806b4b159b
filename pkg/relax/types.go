// Package relax decides, once per invocation, whether a relaxation
// calculation should be set up, submitted, continued, or finalized, and
// persists that decision to the calculation directory's status record.
//
// The heavy lifting (queue submission, VASP execution, output parsing)
// belongs to injected collaborators; this package owns only the status
// state machine and its on-disk contract.
package relax

import "fmt"

// RunStatus is the persisted calculation status.
//
// NOTE: these values are written to status.json and are part of the stable
// on-disk contract.
type RunStatus string

const (
	StatusNotSubmitted RunStatus = "not_submitted"
	StatusSubmitted    RunStatus = "submitted"
	StatusStarted      RunStatus = "started"
	StatusComplete     RunStatus = "complete"
	StatusFailed       RunStatus = "failed"
)

// FailureType classifies a failed calculation. Present in status.json only
// when the status is "failed".
type FailureType string

const (
	FailureNone                  FailureType = ""
	FailureUnknown               FailureType = "unknown"
	FailureElectronicConvergence FailureType = "electronic_convergence"
	FailureRunLimit              FailureType = "run_limit"
)

// EngineStatus is the relaxation engine's view of a calculation.
// Anything outside these three values is a contract violation.
type EngineStatus string

const (
	EngineComplete      EngineStatus = "complete"
	EngineNotConverging EngineStatus = "not_converging"
	EngineIncomplete    EngineStatus = "incomplete"
)

// EngineTask is the next action an incomplete calculation needs.
type EngineTask string

const (
	TaskSetup    EngineTask = "setup"
	TaskContinue EngineTask = "continue"
	TaskFinal    EngineTask = "final"
)

// StatusFileName is the status record written inside the calculation
// directory.
const StatusFileName = "status.json"

// PropertiesFileName is the results report written on successful finalize.
const PropertiesFileName = "properties.calc.json"

// SettingsCopyFileName is the settings copy written next to a run-limit
// failure so a human can raise run_limit and resubmit.
const SettingsCopyFileName = "relax.json"

// UnexpectedStatusError reports an engine (status, task) pair outside the
// defined enumeration. Continuing after one of these would corrupt the
// status record, so callers treat it as fatal.
type UnexpectedStatusError struct {
	Status EngineStatus
	Task   EngineTask
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected relaxation status %q and task %q", e.Status, e.Task)
}
