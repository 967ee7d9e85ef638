package domain

import (
	"encoding/json"
	"strings"
)

const PaymentStatusCompleted = "COMPLETED"

type Payer struct {
	EmailAddress string `json:"email_address,omitempty"`
}

// PaymentReceipt is what the payment collaborator reports for a captured
// payment. ID is the provider transaction id.
type PaymentReceipt struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time,omitempty"`
	Payer      Payer  `json:"payer"`
}

func (r PaymentReceipt) Completed() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), PaymentStatusCompleted)
}

func (r PaymentReceipt) JSON() (json.RawMessage, error) {
	return json.Marshal(r)
}
