package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/chatweave/chatweave/internal/models"
)

// createScheduleHandler registers a recurring scheduled message for a
// participant on one of the deployment's channels.
func (s *Server) createScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var sm models.ScheduledMessage
	if err := json.NewDecoder(r.Body).Decode(&sm); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	ch, ok := s.channels[sm.ChannelID]
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("unknown channel"))
		return
	}
	if sm.ExperimentID == "" {
		sm.ExperimentID = ch.Binding().ExperimentID
	}
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	if err := s.engine.Schedule(&sm); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(sm))
}

// cancelScheduleHandler cancels a scheduled message by ID.
func (s *Server) cancelScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("scheduleID")
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, models.ErrScheduleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("schedule not found"))
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to cancel schedule"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("schedule cancelled", nil))
}

// cancelSessionRunHandler flags a session's in-flight pipeline run for
// cooperative cancellation. The run stops at its next step boundary.
func (s *Server) cancelSessionRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.cancels == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("pipeline cancellation not enabled"))
		return
	}
	s.cancels.Cancel(r.PathValue("sessionID"))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("cancellation requested", nil))
}
