package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/roster"
)

type RosterService interface {
	Subscribe(ctx context.Context, list, email string) error
	Confirm(ctx context.Context, list, email, code string) error
	Unsubscribe(ctx context.Context, list, email string) error
}

// SubscribersHandler handles the double opt-in flow and removals. Every
// request names its list; an empty list means the default one.
type SubscribersHandler struct {
	roster RosterService
	logger logrus.FieldLogger
}

func NewSubscribersHandler(roster RosterService, logger logrus.FieldLogger) *SubscribersHandler {
	return &SubscribersHandler{roster: roster, logger: logger}
}

type subscribeRequest struct {
	List  string `json:"list"`
	Email string `json:"email"`
}

type confirmRequest struct {
	List  string `json:"list"`
	Email string `json:"email"`
	Code  string `json:"code"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Subscribe emails a confirmation code to a new address.
func (h *SubscribersHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.roster.Subscribe(r.Context(), req.List, req.Email)
	switch {
	case errors.Is(err, roster.ErrInvalidEmail), errors.Is(err, roster.ErrInvalidList):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, roster.ErrAlreadySubscribed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).Error("SubscribersHandler: subscribe failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, statusResponse{Status: "code_sent"})
}

func (h *SubscribersHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.roster.Confirm(r.Context(), req.List, req.Email, req.Code)
	switch {
	case errors.Is(err, roster.ErrInvalidEmail), errors.Is(err, roster.ErrInvalidList), errors.Is(err, roster.ErrInvalidCode):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, roster.ErrTooManyAttempts):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case err != nil:
		h.logger.WithError(err).Error("SubscribersHandler: confirm failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, statusResponse{Status: "confirmed"})
}

// Unsubscribe removes the address given in the body or in the email and list
// query parameters.
func (h *SubscribersHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	req := subscribeRequest{
		List:  r.URL.Query().Get("list"),
		Email: r.URL.Query().Get("email"),
	}
	if req.Email == "" {
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	err := h.roster.Unsubscribe(r.Context(), req.List, req.Email)
	switch {
	case errors.Is(err, roster.ErrInvalidEmail), errors.Is(err, roster.ErrInvalidList):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, db.ErrSubscriberNotFound):
		http.Error(w, "Subscriber not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.WithError(err).Error("SubscribersHandler: unsubscribe failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
