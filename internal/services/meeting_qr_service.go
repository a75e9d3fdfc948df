package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log"
	"strconv"
	"time"

	"github.com/cryptoconsult/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// ErrCheckInUnavailable: check-in codes are single-use and live only in
// redis; without it they cannot be issued or consumed safely.
var ErrCheckInUnavailable = errors.New("check-in unavailable")

// MeetingQRService renders consultation meeting links as QR images so a user
// can join from a phone, and issues single-use check-in codes the analyst
// scans to start the session. Rendered images and codes live in redis with a
// short TTL.
type MeetingQRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewMeetingQRService(db *sql.DB, redis *redis.Client) *MeetingQRService {
	return &MeetingQRService{
		db:    db,
		redis: redis,
	}
}

// GenerateMeetingQR renders the consultation's join link as a base64 PNG.
// Only the booking owner can request it, and only while the session can
// still be joined.
func (s *MeetingQRService) GenerateMeetingQR(ctx context.Context, userID, consultationID int) (string, error) {
	key := fmt.Sprintf("meetingqr:%d:%d", userID, consultationID)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			return cached, nil
		}
	}

	var meetingLink, status string
	err := s.db.QueryRow(`
		SELECT meeting_link, status FROM consultations
		WHERE id = $1 AND user_id = $2`, consultationID, userID).
		Scan(&meetingLink, &status)
	if err != nil {
		return "", err
	}

	if status != models.ConsultationScheduled && status != models.ConsultationInProgress {
		return "", fmt.Errorf("consultation is %s, nothing to join", status)
	}
	if meetingLink == "" {
		return "", fmt.Errorf("meeting link not assigned yet")
	}

	qr, err := qrcode.New(meetingLink, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	// The cache is best effort: a miss just re-renders.
	if s.redis != nil {
		if err := s.redis.Set(ctx, key, qrImage, 5*time.Minute).Err(); err != nil {
			log.Printf("[MEETINGQR] failed to cache QR for consultation %d: %v", consultationID, err)
		}
	}

	return qrImage, nil
}

// GenerateCheckInCode issues a single-use code bound to the consultation.
// The analyst scans it at session start; consuming it proves the client
// showed up.
func (s *MeetingQRService) GenerateCheckInCode(ctx context.Context, userID, consultationID int) (string, string, error) {
	if s.redis == nil {
		return "", "", ErrCheckInUnavailable
	}

	var status string
	err := s.db.QueryRow(`
		SELECT status FROM consultations
		WHERE id = $1 AND user_id = $2`, consultationID, userID).
		Scan(&status)
	if err != nil {
		return "", "", err
	}
	if status != models.ConsultationScheduled {
		return "", "", fmt.Errorf("consultation is %s, check-in not available", status)
	}

	code := s.generateNonce()
	key := fmt.Sprintf("checkin:%s", code)
	if err := s.redis.Set(ctx, key, strconv.Itoa(consultationID), 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ConsumeCheckInCode validates and burns a check-in code, returning the
// consultation it belongs to.
func (s *MeetingQRService) ConsumeCheckInCode(ctx context.Context, code string) (int, error) {
	if s.redis == nil {
		return 0, ErrCheckInUnavailable
	}

	key := fmt.Sprintf("checkin:%s", code)

	data, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("invalid or expired check-in code")
	}
	if err != nil {
		return 0, err
	}

	s.redis.Del(ctx, key)

	return strconv.Atoi(data)
}

func (s *MeetingQRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
