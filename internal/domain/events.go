package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentEvent is the gateway-independent shape of a payment webhook.
type PaymentEvent struct {
	Gateway          string          `json:"gateway"`
	GatewayInvoiceID string          `json:"gateway_invoice_id"`
	OrderReference   string          `json:"order_reference"`
	Paid             bool            `json:"paid"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	// InvoiceSigned and ReferenceSigned report which identifiers the gateway
	// signature covers. Unsigned identifiers must not select an order.
	InvoiceSigned   bool `json:"invoice_signed"`
	ReferenceSigned bool `json:"reference_signed"`
}

type JobType string

const (
	JobDeliverGoods       JobType = "deliver-goods"
	JobDeliverBatch       JobType = "deliver-batch"
	JobProcessRefund      JobType = "process-refund"
	JobProcessReplacement JobType = "process-replacement"
	JobReferral           JobType = "referral"
)

// Job is the envelope carried by the guaranteed-delivery queue.
type Job struct {
	Type      JobType         `json:"type"`
	DedupID   string          `json:"dedup_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type DeliverGoodsPayload struct {
	OrderID           string `json:"order_id"`
	FirstDeliveryOnly bool   `json:"first_delivery_only"`
}

type DeliverBatchPayload struct{}

type ProcessRefundPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type ProcessReplacementPayload struct {
	TicketID string `json:"ticket_id"`
	ItemID   string `json:"item_id"`
}

type ReferralPayload struct {
	OrderID string `json:"order_id"`
}

func DeliverDedupID(orderID string) string      { return "deliver-" + orderID }
func ReferralDedupID(orderID string) string     { return "referral-" + orderID }
func RefundDedupID(orderID string) string       { return "refund-" + orderID }
func ReplacementDedupID(ticketID string) string { return "replace-" + ticketID }

// NewJob marshals payload into a job envelope.
func NewJob(jobType JobType, dedupID string, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Type:      jobType,
		DedupID:   dedupID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}
