package bridge

import (
	"encoding/json"
	"math/big"
)

// FeeQuote is the result of a fee estimate. A zero fee is a valid quote;
// an unavailable estimate carries no amount at all.
type FeeQuote struct {
	amount *big.Int
}

func Quoted(amount *big.Int) FeeQuote {
	if amount == nil {
		amount = new(big.Int)
	}
	return FeeQuote{amount: new(big.Int).Set(amount)}
}

func Unavailable() FeeQuote { return FeeQuote{} }

// Amount returns the fee and whether an estimate exists.
func (q FeeQuote) Amount() (*big.Int, bool) {
	if q.amount == nil {
		return nil, false
	}
	return new(big.Int).Set(q.amount), true
}

func (q FeeQuote) String() string {
	if q.amount == nil {
		return "unavailable"
	}
	return q.amount.String()
}

func (q FeeQuote) MarshalJSON() ([]byte, error) {
	if q.amount == nil {
		return json.Marshal(map[string]any{"available": false})
	}
	return json.Marshal(map[string]any{"available": true, "fee": q.amount.String()})
}
