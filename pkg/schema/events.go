package schema

// Event type constants for the live event stream.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"

	EventConfigUpdated = "config_updated"

	EventProposalCreated  = "proposal_created"
	EventProposalReviewed = "proposal_reviewed"
	EventProposalExecuted = "proposal_executed"
)

// RunStatus represents the lifecycle state of an automation run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusError   RunStatus = "error"
)

// ProposalStatus represents the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExecuted ProposalStatus = "executed"
	ProposalStatusFailed   ProposalStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalStatusRejected, ProposalStatusExecuted, ProposalStatusFailed:
		return true
	}
	return false
}

// EntityType identifies the kind of business entity a proposal targets.
type EntityType string

const (
	EntityJob         EntityType = "job"
	EntityOpportunity EntityType = "opportunity"
	EntityPartnership EntityType = "partnership"
	EntityIndividual  EntityType = "individual"
	EntityContact     EntityType = "contact"
)

// EntityTypes lists all known entity types.
var EntityTypes = []EntityType{
	EntityJob, EntityOpportunity, EntityPartnership, EntityIndividual, EntityContact,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operation identifies the kind of mutation a proposal describes.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// ProposalSource identifies how a proposal originated.
type ProposalSource string

const (
	SourceManual     ProposalSource = "manual"
	SourceAutomation ProposalSource = "automation"
)
