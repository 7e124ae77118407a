package domain

import "time"

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "OPEN"
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeResolved    DisputeStatus = "RESOLVED"
)

type Resolution string

const (
	ResolutionReleaseToSeller Resolution = "RELEASE_TO_SELLER"
	ResolutionRefundToBuyer   Resolution = "REFUND_TO_BUYER"
)

// Decision is the admin's ruling on a dispute.
type Decision string

const (
	DecisionRelease Decision = "RELEASE"
	DecisionRefund  Decision = "REFUND"
)

// Dispute is the single dispute allowed per order.
type Dispute struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"order_id"`
	OpenedBy   string        `json:"opened_by"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	Resolution Resolution    `json:"resolution,omitempty"`
	AdminNote  string        `json:"admin_note,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}
