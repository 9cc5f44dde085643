package detect

// Status is the disposition of a single transaction or log.
type Status int

const (
	StatusOK Status = iota
	StatusSkip
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkip:
		return "skip"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Skip reasons.
const (
	ReasonNotCreation       = "not_creation"
	ReasonMissingHash       = "missing_hash"
	ReasonMissingReceipt    = "missing_receipt"
	ReasonNoContractAddress = "no_contract_address"
	ReasonNotERC721         = "not_erc721"
	ReasonTopicCount        = "topic_count"
	ReasonNotTransfer       = "not_transfer"
	ReasonNotMint           = "not_mint"
	ReasonRemoved           = "removed"
)

// Outcome is the per-item result of a detector: a signal, a skip with a reason, or a failure.
type Outcome[T any] struct {
	Status Status
	Value  T
	Reason string
	Err    error
}

// OK wraps a detected signal.
func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v}
}

// Skip records a normal negative classification.
func Skip[T any](reason string) Outcome[T] {
	return Outcome[T]{Status: StatusSkip, Reason: reason}
}

// Fail records an item that could not be resolved.
func Fail[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusFail, Err: err}
}
