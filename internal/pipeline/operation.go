package pipeline

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"raffleBridge/internal/signer"
)

var ErrInvalidTransition = errors.New("pipeline: invalid state transition")

// State is the lifecycle position of a PendingOperation. It only moves forward.
type State uint8

const (
	StateBuilt State = iota + 1
	StateSigned
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// canAdvance allows forward moves and Failed from any non-terminal state.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to > from
}

// Call is a contract write to submit.
type Call struct {
	Network uint64
	Target  common.Address
	Data    []byte
	Value   *big.Int
	// Label names the call in logs, e.g. "approve".
	Label string
}

// PendingOperation tracks one submitted call.
type PendingOperation struct {
	Ref        string         `json:"ref"`
	Label      string         `json:"label"`
	Network    uint64         `json:"network"`
	Target     common.Address `json:"target"`
	Calldata   []byte         `json:"calldata"`
	Value      *big.Int       `json:"value,omitempty"`
	State      State          `json:"state"`
	SignerKind signer.Kind    `json:"signerKind"`
	OpHash     common.Hash    `json:"opHash,omitempty"`
	TxHash     common.Hash    `json:"txHash,omitempty"`
	Error      string         `json:"error,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (o PendingOperation) copy() PendingOperation {
	out := o
	out.Calldata = common.CopyBytes(o.Calldata)
	if o.Value != nil {
		out.Value = new(big.Int).Set(o.Value)
	}
	return out
}
