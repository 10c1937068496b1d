package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chatweave/chatweave/internal/bot"
	"github.com/chatweave/chatweave/internal/channel"
	"github.com/chatweave/chatweave/internal/models"
)

type chatRequest struct {
	ChannelID     string `json:"channel_id"`
	ParticipantID string `json:"participant_id"`
	Message       string `json:"message"`
}

type chatMessage struct {
	Body  string `json:"body,omitempty"`
	Audio []byte `json:"audio,omitempty"`
	Voice bool   `json:"voice,omitempty"`
}

type chatResponse struct {
	Replies []chatMessage `json:"replies"`
}

// lookupBinding resolves a configured channel binding and its experiment and
// responder.
func (s *Server) lookupBinding(channelID string) (*models.ExperimentChannel, *models.Experiment, bot.Responder, bool) {
	for i := range s.cfg.Channels {
		binding := &s.cfg.Channels[i]
		if binding.ID != channelID {
			continue
		}
		exp, ok := s.cfg.ExperimentByID(binding.ExperimentID)
		if !ok {
			return nil, nil, nil, false
		}
		responder, ok := s.bots[exp.ID]
		if !ok {
			return nil, nil, nil, false
		}
		return binding, exp, responder, true
	}
	return nil, nil, nil, false
}

// chatHandler is the synchronous API channel: one inbound message in the
// request body, the orchestrated replies in the response body.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	binding, exp, responder, ok := s.lookupBinding(req.ChannelID)
	if !ok || binding.Platform != models.PlatformAPI {
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown channel"))
		return
	}

	capture := channel.NewCaptureMessenger()
	ch := channel.NewChannel(exp, binding, s.store, responder, s.speech, capture)
	in := &models.IncomingMessage{
		ParticipantID: req.ParticipantID,
		Body:          req.Message,
		ContentType:   models.ContentTypeText,
	}
	if err := ch.NewUserMessage(r.Context(), in); err != nil {
		slog.Error("Server.chatHandler: message processing failed",
			"channel_id", req.ChannelID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process message"))
		return
	}

	resp := chatResponse{Replies: []chatMessage{}}
	for _, out := range capture.Drain() {
		resp.Replies = append(resp.Replies, chatMessage{Body: out.Body, Audio: out.Audio, Voice: out.Voice})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

type wsInbound struct {
	Message string `json:"message"`
}

type wsOutbound struct {
	Body  string `json:"body,omitempty"`
	Audio []byte `json:"audio,omitempty"`
	Voice bool   `json:"voice,omitempty"`
}

// wsChatHandler streams the in-browser chat channel. Client frames carry one
// text message each; orchestration runs off the read loop and replies arrive
// through the participant's web outbox.
func (s *Server) wsChatHandler(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	participantID := r.URL.Query().Get("participant_id")
	binding, exp, responder, ok := s.lookupBinding(channelID)
	if !ok || binding.Platform != models.PlatformWeb {
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown channel"))
		return
	}
	if participantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant_id is required"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsChatHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := channel.NewChannel(exp, binding, s.store, responder, s.speech, s.web)
	sub := s.web.Subscribe(participantID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range sub {
			frame := wsOutbound{Body: out.Body, Audio: out.Audio, Voice: out.Voice}
			if err := conn.WriteJSON(frame); err != nil {
				slog.Debug("Server.wsChatHandler: write failed", "participant_id", participantID, "error", err)
				return
			}
		}
	}()

	// The request context dies with the read loop; orchestration outlives it.
	msgCtx := context.WithoutCancel(r.Context())
	for {
		var frame wsInbound
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		in := &models.IncomingMessage{
			ParticipantID: participantID,
			Body:          frame.Message,
			ContentType:   models.ContentTypeText,
		}
		go processInbound(msgCtx, ch, in)
	}

	s.web.Unsubscribe(participantID)
	<-done
}
