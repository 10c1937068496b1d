package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/chatweave/chatweave/internal/channel"
	"github.com/chatweave/chatweave/internal/models"
)

const maxWebhookBody = 1 << 20

// webhookChannel resolves the binding named in the path, rejecting platform
// mismatches so a Telegram payload can never drive a Twilio channel.
func (s *Server) webhookChannel(w http.ResponseWriter, r *http.Request, platform models.Platform) *channel.Channel {
	id := r.PathValue("channelID")
	ch, ok := s.channels[id]
	if !ok || ch.Binding().Platform != platform {
		slog.Warn("Server.webhookChannel: unknown channel", "channel_id", id, "platform", platform)
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown channel"))
		return nil
	}
	return ch
}

// processInbound runs one normalized message through the channel. Failures
// are logged rather than surfaced: vendors retry on non-2xx status codes and
// a poisoned update would otherwise redeliver forever.
func processInbound(ctx context.Context, ch *channel.Channel, in *models.IncomingMessage) {
	if err := ch.NewUserMessage(ctx, in); err != nil {
		slog.Error("Server.processInbound: message processing failed",
			"platform", ch.Binding().Platform,
			"channel_id", ch.Binding().ID,
			"error", err)
	}
}

func (s *Server) telegramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ch := s.webhookChannel(w, r, models.PlatformTelegram)
	if ch == nil {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to read request body"))
		return
	}
	msg, err := channel.ParseTelegramUpdate(body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid Telegram update"))
		return
	}
	if msg != nil {
		processInbound(r.Context(), ch, msg)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ch := s.webhookChannel(w, r, models.PlatformTwilio)
	if ch == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form payload"))
		return
	}
	msg, err := channel.ParseTwilioWebhook(r.PostForm)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid Twilio payload"))
		return
	}
	processInbound(r.Context(), ch, msg)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) turnIOWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ch := s.webhookChannel(w, r, models.PlatformTurnIO)
	if ch == nil {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to read request body"))
		return
	}
	msgs, err := channel.ParseTurnIOWebhook(body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid Turn.io payload"))
		return
	}
	for _, msg := range msgs {
		processInbound(r.Context(), ch, msg)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) sureAdhereWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ch := s.webhookChannel(w, r, models.PlatformSureAdhere)
	if ch == nil {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to read request body"))
		return
	}
	msg, err := channel.ParseSureAdhereWebhook(body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid SureAdhere payload"))
		return
	}
	processInbound(r.Context(), ch, msg)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
