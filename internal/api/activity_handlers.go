package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/auth"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/executor"
)

type startActivityRequest struct {
	Type      activity.Type   `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Username  string          `json:"username,omitempty"`
}

type startActivityResponse struct {
	ActivityID string            `json:"activityId"`
	Activity   activity.Activity `json:"activity"`
}

// conflictResponse is the 409 body; it names the activity holding the slot.
type conflictResponse struct {
	APIError
	Activity activity.Activity `json:"activity"`
}

func (r *Router) handleCurrentActivity(w http.ResponseWriter, req *http.Request) {
	current, ok := r.activities.Current()
	if !ok {
		writeErrorResponse(w, req, http.StatusNotFound, string(internalerrors.ErrorTypeNotFound),
			"No activity is running", nil)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (r *Router) handleStartActivity(w http.ResponseWriter, req *http.Request) {
	var body startActivityRequest
	if err := decodeJSONBody(w, req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if !body.Type.Valid() {
		writeError(w, req, fmt.Errorf("unknown activity type %q: %w", body.Type, internalerrors.ErrInvalidInput))
		return
	}

	user := auth.GetUser(req.Context())
	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID != "" {
		if _, ok := r.sessions.Get(sessionID); !ok {
			writeError(w, req, fmt.Errorf("session %s: %w", sessionID, internalerrors.ErrSessionGone))
			return
		}
	}

	act, err := r.executor.Start(req.Context(), executor.StartRequest{
		Type:        body.Type,
		Params:      body.Params,
		SessionID:   sessionID,
		Username:    body.Username,
		InitiatedBy: user,
	})
	if err != nil {
		var conflict *activity.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, conflictResponse{
				APIError: newAPIError(req, http.StatusConflict, string(internalerrors.ErrorTypeConflict), err.Error(), nil),
				Activity: conflict.Running,
			})
			return
		}
		writeError(w, req, err)
		return
	}

	log.Info().
		Str("component", "api").
		Str("action", "start_activity").
		Str("activity_id", act.ID).
		Str("type", string(act.Type)).
		Str("user", user).
		Str("session_id", sessionID).
		Msg("Activity started")

	writeJSON(w, http.StatusCreated, startActivityResponse{ActivityID: act.ID, Activity: act})
}

func (r *Router) handleAbortActivity(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.PathValue("id"))
	if err := r.activities.Abort(id); err != nil {
		writeError(w, req, err)
		return
	}

	log.Info().
		Str("component", "api").
		Str("action", "abort_activity").
		Str("activity_id", id).
		Str("user", auth.GetUser(req.Context())).
		Msg("Activity abort requested")

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting", "activityId": id})
}

func (r *Router) handleActivityHistory(w http.ResponseWriter, req *http.Request) {
	recent := r.activities.Recent()
	if recent == nil {
		recent = []activity.Summary{}
	}
	writeJSON(w, http.StatusOK, recent)
}
