package match

import "errors"

var (
	ErrInvalidParam      = errors.New("the param is invalid")
	ErrMarketNotFound    = errors.New("market not found")
	ErrRoundTimeout      = errors.New("matching round timed out")
	ErrShutdown          = errors.New("matcher is shutting down")
	ErrInsufficientFunds = errors.New("wallet balance is insufficient")

	// ErrConservation signals that applying a fill would break the zero-sum
	// balance invariant. It is fatal for the round: the whole transaction
	// rolls back rather than skipping the offending fill.
	ErrConservation = errors.New("fill would violate balance conservation")
)
