package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"MarginClear/internal/clearing"

	"github.com/shopspring/decimal"
)

var ErrMalformed = errors.New("malformed trade request")

// tradeRequestJSON is the wire format on margin.requests.>. Price may be a
// JSON string or number.
type tradeRequestJSON struct {
	RequestID string          `json:"request_id"`
	ClientID  string          `json:"client_id"`
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// ParseTradeRequest decodes and validates one request payload.
func ParseTradeRequest(data []byte) (clearing.TradeRequest, error) {
	var j tradeRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return clearing.TradeRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req := clearing.TradeRequest{
		RequestID: j.RequestID,
		ClientID:  j.ClientID,
		Symbol:    j.Symbol,
		Quantity:  j.Quantity,
		Price:     j.Price,
	}
	if err := req.Validate(); err != nil {
		return clearing.TradeRequest{}, err
	}
	return req, nil
}
