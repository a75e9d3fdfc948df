package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/cryptoconsult/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type MeetingQRHandler struct {
	service   *services.MeetingQRService
	validator *services.ValidationHelper
}

func NewMeetingQRHandler(service *services.MeetingQRService) *MeetingQRHandler {
	return &MeetingQRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

func handlerUserID(r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MeetingQR renders the consultation's join link as a QR image
// @Summary Meeting QR code
// @Description Returns the consultation meeting link as a base64 PNG QR image
// @Tags consultations
// @Produce json
// @Security BearerAuth
// @Param consultationID path int true "Consultation id"
// @Success 200 {object} object{qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /consultations/{consultationID}/qr [get]
func (h *MeetingQRHandler) MeetingQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlerUserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	consultationID, err := strconv.Atoi(chi.URLParam(r, "consultationID"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid consultation id", http.StatusBadRequest, nil)
		return
	}

	qrImage, err := h.service.GenerateMeetingQR(r.Context(), userID, consultationID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrImage": qrImage,
	})
}

// GenerateCheckIn issues a single-use check-in code for a booked session
// @Summary Generate check-in code
// @Description Issues a single-use check-in code the analyst scans to start the session
// @Tags consultations
// @Produce json
// @Security BearerAuth
// @Param consultationID path int true "Consultation id"
// @Success 200 {object} object{code=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /consultations/{consultationID}/checkin [post]
func (h *MeetingQRHandler) GenerateCheckIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlerUserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	consultationID, err := strconv.Atoi(chi.URLParam(r, "consultationID"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid consultation id", http.StatusBadRequest, nil)
		return
	}

	code, qrImage, err := h.service.GenerateCheckInCode(r.Context(), userID, consultationID)
	if err != nil {
		if errors.Is(err, services.ErrCheckInUnavailable) {
			services.SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    code,
		"qrImage": qrImage,
	})
}

// ConsumeCheckIn validates and burns a check-in code
// @Summary Consume check-in code
// @Description Validates a scanned check-in code and returns the consultation it belongs to
// @Tags consultations
// @Accept json
// @Produce json
// @Param request body object{code=string} true "Check-in request"
// @Success 200 {object} object{consultationId=int}
// @Failure 400 {object} services.ErrorResponse
// @Router /consultations/checkin/consume [post]
func (h *MeetingQRHandler) ConsumeCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	consultationID, err := h.service.ConsumeCheckInCode(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, services.ErrCheckInUnavailable) {
			services.SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"consultationId": consultationID,
	})
}
