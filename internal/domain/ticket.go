package domain

import "time"

type TicketKind string

const (
	TicketKindRefund      TicketKind = "refund"
	TicketKindReplacement TicketKind = "replacement"
)

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusApproved TicketStatus = "approved"
	TicketStatusClosed   TicketStatus = "closed"
)

type Ticket struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"order_id"`
	ItemID     string       `json:"item_id,omitempty"`
	UserID     string       `json:"user_id"`
	Kind       TicketKind   `json:"kind"`
	Status     TicketStatus `json:"status"`
	Reason     string       `json:"reason"`
	Resolution string       `json:"resolution,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
