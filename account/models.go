package account

import "time"

// Role of a party that can receive payouts.
type Role string

const (
	RoleBroker  Role = "broker"
	RoleCarrier Role = "carrier"
)

// Profile is a party's payout account with the payment processor.
type Profile struct {
	PartyID            string
	Role               Role
	DisplayName        string
	ProcessorAccountID *string
	PayoutsEnabled     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
