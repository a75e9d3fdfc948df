package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptoconsult/backend/internal/models"
	"github.com/cryptoconsult/backend/internal/money"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// ErrPastSchedule rejects bookings whose slot is not in the future.
var ErrPastSchedule = errors.New("scheduled time must be in the future")

const reminderQueue = "reminder_queue"

// ConsultationService books paid consultation slots against the wallet and
// drives the session lifecycle. Meeting details are derived from the
// persisted row id in a second write; reminder scheduling is an explicit
// step of the booking flow, pushed onto a redis queue for the notifier.
type ConsultationService struct {
	db        *sql.DB
	redis     *redis.Client
	wallets   *WalletService
	validator *ValidationHelper
	now       func() time.Time
}

func NewConsultationService(db *sql.DB, redisClient *redis.Client, wallets *WalletService) *ConsultationService {
	return &ConsultationService{
		db:        db,
		redis:     redisClient,
		wallets:   wallets,
		validator: NewValidationHelper(),
		now:       time.Now,
	}
}

// bookConsultation is phase one of the booking: one atomic unit containing
// the funds check, the debit, the consultation row and the ledger entry.
func (cs *ConsultationService) bookConsultation(userID, packageID int, scheduledTime time.Time) (*models.Consultation, error) {
	if !scheduledTime.After(cs.now()) {
		return nil, ErrPastSchedule
	}

	tx, err := cs.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var pkg models.ConsultationPackage
	err = tx.QueryRow(`
		SELECT id, name, price, duration_minutes, platform
		FROM consultation_packages
		WHERE id = $1 AND is_active = true`, packageID).
		Scan(&pkg.ID, &pkg.Name, &pkg.Price, &pkg.DurationMinutes, &pkg.Platform)
	if err != nil {
		return nil, err
	}

	c := &models.Consultation{
		UserID:          userID,
		PackageID:       packageID,
		ScheduledTime:   scheduledTime,
		DurationMinutes: pkg.DurationMinutes,
		Status:          models.ConsultationScheduled,
		PaymentStatus:   "paid",
		PaymentMethod:   models.PaymentMethodWallet,
		PricePaid:       pkg.Price,
		MeetingPlatform: pkg.Platform,
	}
	err = tx.QueryRow(`
		INSERT INTO consultations (user_id, package_id, scheduled_time, duration_minutes, status,
		                           payment_status, payment_method, price_paid, meeting_platform, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`,
		c.UserID, c.PackageID, c.ScheduledTime, c.DurationMinutes, c.Status,
		c.PaymentStatus, c.PaymentMethod, c.PricePaid, c.MeetingPlatform, time.Now()).
		Scan(&c.ID)
	if err != nil {
		return nil, err
	}

	entry := &models.Transaction{
		UserID:         userID,
		Amount:         pkg.Price.Neg(),
		Kind:           models.TxKindPurchase,
		Method:         models.PaymentMethodWallet,
		Status:         models.TxStatusCompleted,
		Description:    fmt.Sprintf("Consultation booking: %s", pkg.Name),
		ConsultationID: &c.ID,
	}
	if err := cs.wallets.recordTx(tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Phase two: derive meeting details from the persisted id. Failure here
	// never rolls the booking back; the fallback platform keeps the slot
	// reachable.
	cs.assignMeetingDetails(c)

	cs.scheduleReminders(context.Background(), c)

	log.Printf("[CONSULT] user %d booked package %d for %s at %s",
		userID, packageID, money.Format(pkg.Price), scheduledTime.Format(time.RFC3339))
	return c, nil
}

// assignMeetingDetails writes the meeting id and link derived from the row
// id. The meeting id carries a short random suffix so a link alone is not
// guessable from the sequence.
func (cs *ConsultationService) assignMeetingDetails(c *models.Consultation) {
	meetingID := fmt.Sprintf("CONS%06d%s", c.ID, randomSuffix(4))
	link, err := meetingLink(c.MeetingPlatform, c.ID)
	if err != nil {
		log.Printf("[CONSULT] meeting link generation failed for consultation %d, falling back to jitsi: %v", c.ID, err)
		c.MeetingPlatform = models.PlatformJitsi
		link, _ = meetingLink(models.PlatformJitsi, c.ID)
	}

	_, err = cs.db.Exec(`
		UPDATE consultations
		SET meeting_id = $1, meeting_link = $2, meeting_platform = $3, updated_at = $4
		WHERE id = $5`,
		meetingID, link, c.MeetingPlatform, time.Now(), c.ID)
	if err != nil {
		log.Printf("[CONSULT] failed to save meeting details for consultation %d: %v", c.ID, err)
		return
	}

	c.MeetingID = meetingID
	c.MeetingLink = link
}

// meetingLink derives a stable join URL from the consultation id.
func meetingLink(platform string, id int) (string, error) {
	switch platform {
	case models.PlatformJitsi:
		return fmt.Sprintf("https://meet.jit.si/ConsApp%d", id), nil
	case models.PlatformZoom:
		return fmt.Sprintf("https://zoom.us/j/%010d", 1000000000+id), nil
	case models.PlatformGoogleMeet:
		return fmt.Sprintf("https://meet.google.com/lookup/consapp%d", id), nil
	case models.PlatformTeams:
		return fmt.Sprintf("https://teams.microsoft.com/l/meetup-join/ConsApp%d", id), nil
	default:
		return "", fmt.Errorf("unknown meeting platform %q", platform)
	}
}

func randomSuffix(n int) string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	out := make([]byte, n)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, _ := rand.Int(rand.Reader, charsetLen)
		out[i] = charset[idx.Int64()]
	}
	return string(out)
}

// scheduleReminders pushes the 24h and 1h reminder jobs for the booking.
// Best effort: a queue outage is logged, not surfaced.
func (cs *ConsultationService) scheduleReminders(ctx context.Context, c *models.Consultation) {
	if cs.redis == nil {
		return
	}
	for _, lead := range []time.Duration{24 * time.Hour, time.Hour} {
		job, _ := json.Marshal(map[string]any{
			"consultation_id": c.ID,
			"user_id":         c.UserID,
			"remind_at":       c.ScheduledTime.Add(-lead).UTC(),
			"scheduled_time":  c.ScheduledTime.UTC(),
		})
		if err := cs.redis.RPush(ctx, reminderQueue, job).Err(); err != nil {
			log.Printf("[CONSULT] failed to queue reminder for consultation %d: %v", c.ID, err)
		}
	}
}

// cancelConsultation moves a scheduled consultation to cancelled. With
// refund set, wallet-paid bookings are credited back inside the same atomic
// unit; external-rail payments are only flagged for manual processing.
func (cs *ConsultationService) cancelConsultation(userID, consultationID int, refund bool) error {
	tx, err := cs.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var c models.Consultation
	err = tx.QueryRow(`
		SELECT id, user_id, status, payment_method, price_paid
		FROM consultations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, consultationID, userID).
		Scan(&c.ID, &c.UserID, &c.Status, &c.PaymentMethod, &c.PricePaid)
	if err != nil {
		return err
	}

	if c.Status != models.ConsultationScheduled {
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, c.Status)
	}

	paymentStatus := "paid"
	if refund {
		if c.PaymentMethod == models.PaymentMethodWallet {
			entry := &models.Transaction{
				UserID:         userID,
				Amount:         c.PricePaid,
				Kind:           models.TxKindRefund,
				Method:         models.PaymentMethodWallet,
				Status:         models.TxStatusCompleted,
				Description:    fmt.Sprintf("Refund for cancelled consultation %d", c.ID),
				ConsultationID: &c.ID,
			}
			if err := cs.wallets.recordTx(tx, entry); err != nil {
				return err
			}
			paymentStatus = "refunded"
		} else {
			// External-rail refunds are not automated.
			paymentStatus = "refund_flagged"
			log.Printf("[CONSULT] consultation %d paid via %s, refund flagged for manual processing",
				c.ID, c.PaymentMethod)
		}
	}

	if _, err := tx.Exec(`
		UPDATE consultations
		SET status = $1, payment_status = $2, updated_at = $3
		WHERE id = $4`,
		models.ConsultationCancelled, paymentStatus, time.Now(), c.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// transition applies one lifecycle step with its stamp. Allowed:
// scheduled -> in_progress (stamps start), in_progress -> completed
// (stamps end, computes actual minutes), scheduled -> no_show.
func (cs *ConsultationService) transition(userID, consultationID int, target string) (*models.Consultation, error) {
	tx, err := cs.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var c models.Consultation
	err = tx.QueryRow(`
		SELECT id, user_id, status, session_started_at
		FROM consultations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, consultationID, userID).
		Scan(&c.ID, &c.UserID, &c.Status, &c.SessionStartedAt)
	if err != nil {
		return nil, err
	}

	now := cs.now()
	switch target {
	case models.ConsultationInProgress:
		if c.Status != models.ConsultationScheduled {
			return nil, fmt.Errorf("%w: %s -> in_progress", ErrInvalidTransition, c.Status)
		}
		_, err = tx.Exec(`
			UPDATE consultations
			SET status = $1, session_started_at = $2, updated_at = $2
			WHERE id = $3`, models.ConsultationInProgress, now, c.ID)
		c.SessionStartedAt = &now

	case models.ConsultationCompleted:
		if c.Status != models.ConsultationInProgress || c.SessionStartedAt == nil {
			return nil, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, c.Status)
		}
		actual := int(now.Sub(*c.SessionStartedAt).Minutes())
		_, err = tx.Exec(`
			UPDATE consultations
			SET status = $1, session_ended_at = $2, actual_duration = $3, updated_at = $2
			WHERE id = $4`, models.ConsultationCompleted, now, actual, c.ID)
		c.SessionEndedAt = &now
		c.ActualDuration = actual

	case models.ConsultationNoShow:
		if c.Status != models.ConsultationScheduled {
			return nil, fmt.Errorf("%w: %s -> no_show", ErrInvalidTransition, c.Status)
		}
		_, err = tx.Exec(`
			UPDATE consultations
			SET status = $1, updated_at = $2
			WHERE id = $3`, models.ConsultationNoShow, now, c.ID)

	default:
		return nil, fmt.Errorf("%w: unknown target %s", ErrInvalidTransition, target)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	c.Status = target
	return &c, nil
}

// BookConsultationRequest is the booking payload
type BookConsultationRequest struct {
	PackageID     int    `json:"package_id" validate:"required,gt=0"`
	ScheduledTime string `json:"scheduled_time" validate:"required"` // RFC 3339
}

// BookConsultation books a consultation slot paid from the wallet
// @Summary Book a consultation
// @Description Debits the wallet, creates the booking and derives the meeting link. Reminders are queued for 24h and 1h before the slot.
// @Tags consultations
// @Accept json
// @Produce json
// @Param booking body BookConsultationRequest true "Booking details"
// @Success 201 {object} models.Consultation
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /consultations [post]
func (cs *ConsultationService) BookConsultation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req BookConsultationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576)).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	scheduledTime, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		SendErrorResponse(w, "scheduled_time must be RFC 3339", http.StatusBadRequest, nil)
		return
	}

	if _, err := cs.wallets.GetOrCreateWallet(userID); err != nil {
		log.Printf("[CONSULT] wallet load failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}

	c, err := cs.bookConsultation(userID, req.PackageID, scheduledTime)
	if err != nil {
		switch {
		case errors.Is(err, ErrPastSchedule):
			SendErrorResponse(w, "Scheduled time must be in the future", http.StatusBadRequest, nil)
		case errors.Is(err, sql.ErrNoRows):
			SendErrorResponse(w, "Consultation package not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient wallet balance", http.StatusPaymentRequired, nil)
		default:
			log.Printf("[CONSULT] booking failed for user %d: %v", userID, err)
			SendErrorResponse(w, "Booking failed", http.StatusInternalServerError, nil)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// CancelConsultationRequest controls refund behavior on cancellation
type CancelConsultationRequest struct {
	Refund bool `json:"refund"`
}

// CancelConsultation cancels a scheduled consultation
// @Summary Cancel a consultation
// @Description Cancels a scheduled booking. Wallet payments are refunded when requested; external payments are flagged for manual refund.
// @Tags consultations
// @Accept json
// @Produce json
// @Param consultationID path int true "Consultation id"
// @Param cancel body CancelConsultationRequest false "Refund flag"
// @Success 200 {object} object{status=string}
// @Failure 409 {object} ErrorResponse
// @Router /consultations/{consultationID}/cancel [post]
func (cs *ConsultationService) CancelConsultation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	consultationID, err := strconv.Atoi(chi.URLParam(r, "consultationID"))
	if err != nil {
		SendErrorResponse(w, "Invalid consultation id", http.StatusBadRequest, nil)
		return
	}

	// The body is optional; an absent body means "no refund".
	var req CancelConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := cs.cancelConsultation(userID, consultationID, req.Refund); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			SendErrorResponse(w, "Consultation not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrInvalidTransition):
			SendErrorResponse(w, "Consultation can no longer be cancelled", http.StatusConflict, nil)
		default:
			log.Printf("[CONSULT] cancellation failed for consultation %d: %v", consultationID, err)
			SendErrorResponse(w, "Cancellation failed", http.StatusInternalServerError, nil)
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

// StartSession moves a consultation to in_progress
// @Summary Start a consultation session
// @Tags consultations
// @Produce json
// @Param consultationID path int true "Consultation id"
// @Success 200 {object} models.Consultation
// @Failure 409 {object} ErrorResponse
// @Router /consultations/{consultationID}/start [post]
func (cs *ConsultationService) StartSession(w http.ResponseWriter, r *http.Request) {
	cs.handleTransition(w, r, models.ConsultationInProgress)
}

// CompleteSession moves a consultation to completed
// @Summary Complete a consultation session
// @Tags consultations
// @Produce json
// @Param consultationID path int true "Consultation id"
// @Success 200 {object} models.Consultation
// @Failure 409 {object} ErrorResponse
// @Router /consultations/{consultationID}/complete [post]
func (cs *ConsultationService) CompleteSession(w http.ResponseWriter, r *http.Request) {
	cs.handleTransition(w, r, models.ConsultationCompleted)
}

// MarkNoShow flags a scheduled consultation the client never joined
// @Summary Mark a consultation as no-show
// @Tags consultations
// @Produce json
// @Param consultationID path int true "Consultation id"
// @Success 200 {object} models.Consultation
// @Failure 409 {object} ErrorResponse
// @Router /consultations/{consultationID}/no-show [post]
func (cs *ConsultationService) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	cs.handleTransition(w, r, models.ConsultationNoShow)
}

func (cs *ConsultationService) handleTransition(w http.ResponseWriter, r *http.Request, target string) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	consultationID, err := strconv.Atoi(chi.URLParam(r, "consultationID"))
	if err != nil {
		SendErrorResponse(w, "Invalid consultation id", http.StatusBadRequest, nil)
		return
	}

	c, err := cs.transition(userID, consultationID, target)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			SendErrorResponse(w, "Consultation not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrInvalidTransition):
			SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		default:
			log.Printf("[CONSULT] transition to %s failed for consultation %d: %v", target, consultationID, err)
			SendErrorResponse(w, "Transition failed", http.StatusInternalServerError, nil)
		}
		return
	}

	json.NewEncoder(w).Encode(c)
}

// ListConsultations returns the user's bookings
// @Summary List consultations
// @Tags consultations
// @Produce json
// @Success 200 {array} models.Consultation
// @Router /consultations [get]
func (cs *ConsultationService) ListConsultations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := cs.db.Query(`
		SELECT id, user_id, package_id, scheduled_time, duration_minutes, status, payment_status,
		       payment_method, price_paid, meeting_id, meeting_link, meeting_platform,
		       session_started_at, session_ended_at, actual_duration, created_at, updated_at
		FROM consultations
		WHERE user_id = $1
		ORDER BY scheduled_time DESC`, userID)
	if err != nil {
		log.Printf("[CONSULT] listing consultations for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to list consultations", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	consultations := []models.Consultation{}
	for rows.Next() {
		var c models.Consultation
		if err := rows.Scan(&c.ID, &c.UserID, &c.PackageID, &c.ScheduledTime, &c.DurationMinutes,
			&c.Status, &c.PaymentStatus, &c.PaymentMethod, &c.PricePaid, &c.MeetingID, &c.MeetingLink,
			&c.MeetingPlatform, &c.SessionStartedAt, &c.SessionEndedAt, &c.ActualDuration,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			log.Printf("[CONSULT] scanning consultation row: %v", err)
			continue
		}
		consultations = append(consultations, c)
	}

	json.NewEncoder(w).Encode(consultations)
}
