package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason extracts a human readable revert reason from an eth_call or
// estimateGas error. It reports false when err is not a revert.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(raw); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				if len(data) >= 4 {
					return "custom error " + hexutil.Encode(data[:4]), true
				}
			}
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertPrefix):], ":"))
	return reason, true
}
