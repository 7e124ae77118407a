package domain

import "time"

// OTPRecord is the delivery-proof code issued for a physical order.
// Only the sha256 of the code is ever stored.
type OTPRecord struct {
	OrderID    string     `json:"order_id"`
	Hash       string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Attempts   int        `json:"attempts"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Deliverable is the seller's proof of delivery on a digital order.
type Deliverable struct {
	OrderID    string    `json:"order_id"`
	UploadedBy string    `json:"uploaded_by"`
	StorageRef string    `json:"storage_ref"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
