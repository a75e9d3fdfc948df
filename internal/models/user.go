package models

import "time"

type User struct {
	ID                  int    `json:"id" example:"1"`                   // User ID
	Email               string `json:"email" example:"user@example.com"` // User email
	FirstName           string `json:"first_name" example:"John"`
	LastName            string `json:"last_name" example:"Doe"`
	PhoneNumber         string `json:"phone_number" example:"+254712345678"` // M-Pesa registered number
	PaypalEmail         string `json:"paypal_email,omitempty"`
	Role                string `json:"role"`
	FailedLoginAttempts int    `json:"-"`
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
