package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether money leaves or enters the customer's account.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// Channel is the rail a transaction travelled on.
type Channel string

const (
	ChannelWire   Channel = "wire"
	ChannelCard   Channel = "card"
	ChannelCash   Channel = "cash"
	ChannelOnline Channel = "online"
)

// Transaction is an immutable record of a single money movement.
// Created once at ingestion and never mutated afterwards.
type Transaction struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Direction           Direction `json:"direction"`
	CounterpartyID      string    `json:"counterpartyId"`
	CounterpartyCountry string    `json:"counterpartyCountry"`
	Channel             Channel   `json:"channel"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Metadata carries rule-specific free-form fields.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TransactionRequest is the API payload for submitting a transaction.
type TransactionRequest struct {
	// ID lets callers resubmit a known transaction for re-evaluation.
	// Left empty, the server assigns one.
	ID string `json:"id,omitempty"`

	CustomerID          string            `json:"customerId"`
	Amount              decimal.Decimal   `json:"amount"`
	Currency            string            `json:"currency"`
	Direction           Direction         `json:"direction"`
	CounterpartyID      string            `json:"counterpartyId"`
	CounterpartyCountry string            `json:"counterpartyCountry"`
	Channel             Channel           `json:"channel"`
	Timestamp           time.Time         `json:"timestamp,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ToTransaction converts a request into a Transaction domain object.
func (r *TransactionRequest) ToTransaction(id string) *Transaction {
	now := time.Now().UTC()
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &Transaction{
		ID:                  id,
		CustomerID:          r.CustomerID,
		Amount:              r.Amount,
		Currency:            r.Currency,
		Direction:           r.Direction,
		CounterpartyID:      r.CounterpartyID,
		CounterpartyCountry: r.CounterpartyCountry,
		Channel:             r.Channel,
		Timestamp:           ts.UTC(),
		CreatedAt:           now,
		Metadata:            r.Metadata,
	}
}
