package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Consultation statuses
const (
	ConsultationScheduled  = "scheduled"
	ConsultationInProgress = "in_progress"
	ConsultationCompleted  = "completed"
	ConsultationCancelled  = "cancelled"
	ConsultationNoShow     = "no_show"
)

// Meeting platforms
const (
	PlatformJitsi      = "jitsi"
	PlatformZoom       = "zoom"
	PlatformGoogleMeet = "google_meet"
	PlatformTeams      = "teams"
)

// ConsultationPackage is a bookable consultation offering with a fixed price
// and duration.
type ConsultationPackage struct {
	ID              int             `json:"id" db:"id"`
	AnalystID       int             `json:"analyst_id" db:"analyst_id"`
	Name            string          `json:"name" db:"name"`
	Description     string          `json:"description" db:"description"`
	Price           decimal.Decimal `json:"price" db:"price"`
	DurationMinutes int             `json:"duration_minutes" db:"duration_minutes"`
	Platform        string          `json:"platform" db:"platform"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Consultation is a booked session. Lifecycle: scheduled -> in_progress ->
// completed, or scheduled -> cancelled / no_show. Meeting fields are derived
// from the persisted id in a second write after the insert.
type Consultation struct {
	ID               int             `json:"id" db:"id"`
	UserID           int             `json:"user_id" db:"user_id"`
	PackageID        int             `json:"package_id" db:"package_id"`
	ScheduledTime    time.Time       `json:"scheduled_time" db:"scheduled_time"`
	DurationMinutes  int             `json:"duration_minutes" db:"duration_minutes"`
	Status           string          `json:"status" db:"status"`
	PaymentStatus    string          `json:"payment_status" db:"payment_status"`
	PaymentMethod    string          `json:"payment_method" db:"payment_method"`
	PricePaid        decimal.Decimal `json:"price_paid" db:"price_paid"`
	MeetingID        string          `json:"meeting_id" db:"meeting_id"`
	MeetingLink      string          `json:"meeting_link" db:"meeting_link"`
	MeetingPlatform  string          `json:"meeting_platform" db:"meeting_platform"`
	SessionStartedAt *time.Time      `json:"session_started_at,omitempty" db:"session_started_at"`
	SessionEndedAt   *time.Time      `json:"session_ended_at,omitempty" db:"session_ended_at"`
	ActualDuration   int             `json:"actual_duration" db:"actual_duration"`
	Notes            string          `json:"notes" db:"notes"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
