package plan

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrUnknownKind       = errors.New("unknown node kind")
	ErrUnknownArgument   = errors.New("argument is not a node defined earlier")
	ErrDuplicateNode     = errors.New("node label defined twice")
	ErrArity             = errors.New("wrong number of arguments")
	ErrBadParam          = errors.New("invalid parameter")
	ErrNoValues          = errors.New("input node needs values")
	ErrUnknownForce      = errors.New("force targets an unknown node")
	ErrForceSize         = errors.New("force size does not match the value")
	ErrBadSetting        = errors.New("invalid plan setting")
	ErrStoreScalarOutput = errors.New("scalar outputs are always stored")
)

// NodeError ties a validation failure to the block that caused it.
type NodeError struct {
	Block   string // "node" or "force"
	Label   string // Block label
	Err     error  // One of the sentinel errors above
	Details string // Additional details
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s %q: %v: %s", e.Block, e.Label, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %q: %v", e.Block, e.Label, e.Err)
}

// Unwrap returns the sentinel error.
func (e *NodeError) Unwrap() error { return e.Err }

func nodeErr(label string, err error, format string, args ...any) error {
	return &NodeError{Block: "node", Label: label, Err: err, Details: fmt.Sprintf(format, args...)}
}

func forceErr(label string, err error, format string, args ...any) error {
	return &NodeError{Block: "force", Label: label, Err: err, Details: fmt.Sprintf(format, args...)}
}
