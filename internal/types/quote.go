package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRequest are the inputs of a fee quote
type QuoteRequest struct {
	SourceChain      Chain
	DestinationChain Chain
	Amount           decimal.Decimal
	StakedAmount     decimal.Decimal
	Slippage         decimal.Decimal
}

// Quote is an advisory fee quote, valid until ExpiresAt
type Quote struct {
	ID                   string          `json:"id"`
	SourceChain          Chain           `json:"sourceChain"`
	DestinationChain     Chain           `json:"destinationChain"`
	Amount               decimal.Decimal `json:"amount"`
	StakedAmount         decimal.Decimal `json:"stakedAmount"`
	Slippage             decimal.Decimal `json:"slippage"`
	Fee                  decimal.Decimal `json:"fee"`
	DiscountPercent      decimal.Decimal `json:"discountPercent"`
	ExchangeRate         decimal.Decimal `json:"exchangeRate"`
	DestinationAmount    decimal.Decimal `json:"destinationAmount"`
	MinDestinationAmount decimal.Decimal `json:"minDestinationAmount"`
	EstimatedTime        int64           `json:"estimatedTime"` // seconds
	CreatedAt            time.Time       `json:"createdAt"`
	ExpiresAt            time.Time       `json:"expiresAt"`
}

// QuoteRequestBody is the JSON form of a quote request
type QuoteRequestBody struct {
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Amount           string `json:"amount"`
	StakedAmount     string `json:"stakedAmount,omitempty"`
	Slippage         string `json:"slippage,omitempty"`
}
