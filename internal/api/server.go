package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/campaign"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/processor"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/queue"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

// DefaultAddr is the default HTTP listen address.
const DefaultAddr = ":8080"

// maxWebhookBodySize caps webhook request bodies.
const maxWebhookBodySize = 1 << 20

// InboundEnqueuer is implemented by messaging backends that track inbound
// traffic themselves, such as the Cloud API service whose conversation
// window opens on a customer-initiated message.
type InboundEnqueuer interface {
	EnqueueInbound(msg models.InboundMessage)
}

// Server wires HTTP handlers to the store, the message queue, the campaign
// runner and the follow-up processor.
type Server struct {
	store         store.Store
	queue         queue.Queue
	runner        *campaign.Runner
	processor     *processor.Processor
	verifyToken   string
	twilioWebhook http.HandlerFunc
	enqueuer      InboundEnqueuer
}

// NewServer creates an API server. twilioWebhook may be nil when the Twilio
// backend is not in use. enqueuer may be nil; when set, webhook messages are
// handed to the messaging backend (which feeds the queue through Inbound())
// instead of being published to the queue directly, so the backend sees the
// inbound traffic.
func NewServer(s store.Store, q queue.Queue, runner *campaign.Runner, proc *processor.Processor, verifyToken string, twilioWebhook http.HandlerFunc, enqueuer InboundEnqueuer) *Server {
	return &Server{
		store:         s,
		queue:         q,
		runner:        runner,
		processor:     proc,
		verifyToken:   verifyToken,
		twilioWebhook: twilioWebhook,
		enqueuer:      enqueuer,
	}
}

// Routes builds the HTTP routing table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.healthHandler)
	r.Get("/webhook", s.verifyWebhookHandler)
	r.Post("/webhook", s.receiveWebhookHandler)
	if s.twilioWebhook != nil {
		r.Post("/webhook/twilio", s.twilioWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", s.createCampaignHandler)
		r.Get("/campaigns/{id}", s.getCampaignHandler)
		r.Post("/campaigns/{id}/send", s.sendCampaignHandler)
		r.Post("/followups/process", s.processFollowUpsHandler)
		r.Get("/customers/{phone}", s.getCustomerHandler)
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.healthHandler called", "method", r.Method)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"health": "ok"}))
}

// verifyWebhookHandler answers the Cloud API subscription handshake. The
// challenge is echoed back as plain text on a token match.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")
	slog.Debug("Server.verifyWebhookHandler called", "mode", mode)

	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("Webhook verification rejected", "mode", mode)
		writeJSONResponse(w, http.StatusForbidden, models.Error("Webhook verification failed"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(challenge)); err != nil {
		slog.Error("Failed to write webhook challenge", "error", err)
	}
}

// receiveWebhookHandler accepts Cloud API notifications and enqueues the
// contained messages. It always acknowledges parseable requests quickly;
// processing happens off the request path.
func (s *Server) receiveWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.receiveWebhookHandler called")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	messages, err := ParseWebhookPayload(body)
	if err != nil {
		slog.Error("Failed to parse webhook payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}

	enqueued := 0
	for _, msg := range messages {
		if s.enqueuer != nil {
			// The backend records the inbound traffic (opening the
			// conversation window) and forwards to the queue via Inbound().
			s.enqueuer.EnqueueInbound(msg)
			enqueued++
			continue
		}
		if err := s.queue.Publish(r.Context(), msg); err != nil {
			slog.Error("Failed to enqueue inbound message", "error", err, "message_id", msg.MessageID)
			continue
		}
		enqueued++
	}

	slog.Debug("Webhook messages enqueued", "received", len(messages), "enqueued", enqueued)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"received": len(messages), "enqueued": enqueued}))
}

// createCampaignRequest is the body of POST /api/campaigns.
type createCampaignRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	TemplateName string   `json:"template_name"`
	CustomerIDs  []string `json:"customer_ids,omitempty"`
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createCampaignHandler called")

	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Failed to decode campaign request", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	if req.Name == "" || req.TemplateName == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("name and template_name are required"))
		return
	}

	template, err := s.store.GetTemplateByName(req.TemplateName)
	if err != nil {
		slog.Error("Failed to look up template", "error", err, "template", req.TemplateName)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up template"))
		return
	}
	if template == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("template %s not found", req.TemplateName)))
		return
	}

	camp := models.Campaign{
		ID:           util.GenerateRandomID("camp_", 32),
		Name:         req.Name,
		Description:  req.Description,
		TemplateName: req.TemplateName,
		Status:       models.CampaignStatusScheduled,
	}
	if err := s.store.CreateCampaign(camp); err != nil {
		slog.Error("Failed to create campaign", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create campaign"))
		return
	}

	enrolled := 0
	if len(req.CustomerIDs) > 0 {
		enrolled, err = s.runner.Enroll(camp.ID, req.CustomerIDs)
		if err != nil {
			slog.Error("Failed to enroll campaign targets", "error", err, "campaign_id", camp.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll campaign targets"))
			return
		}
	}

	slog.Info("Campaign created", "campaign_id", camp.ID, "enrolled", enrolled)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]any{
		"campaign_id": camp.ID,
		"enrolled":    enrolled,
	}))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	slog.Debug("Server.getCampaignHandler called", "campaign_id", campaignID)

	camp, err := s.store.GetCampaign(campaignID)
	if err != nil {
		slog.Error("Failed to fetch campaign", "error", err, "campaign_id", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch campaign"))
		return
	}
	if camp == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrCampaignNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(camp))
}

// sendCampaignHandler kicks off a campaign run in the background and
// acknowledges immediately.
func (s *Server) sendCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	slog.Debug("Server.sendCampaignHandler called", "campaign_id", campaignID)

	camp, err := s.store.GetCampaign(campaignID)
	if err != nil {
		slog.Error("Failed to fetch campaign", "error", err, "campaign_id", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch campaign"))
		return
	}
	if camp == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrCampaignNotFound.Error()))
		return
	}
	if !camp.Status.IsStartable() {
		writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("campaign is %s, not startable", camp.Status)))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		result, err := s.runner.Run(ctx, campaignID)
		if err != nil {
			slog.Error("Campaign run failed", "error", err, "campaign_id", campaignID)
			return
		}
		slog.Info("Campaign run finished", "campaign_id", campaignID,
			"sent", result.Sent, "failed", result.Failed, "excluded", result.Excluded)
	}()

	writeJSONResponse(w, http.StatusAccepted, models.Started(fmt.Sprintf("campaign %s started", campaignID)))
}

func (s *Server) processFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.processFollowUpsHandler called")

	sent, err := s.processor.ProcessDueFollowUps(r.Context())
	if err != nil {
		slog.Error("Follow-up sweep failed", "error", err, "sent", sent)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Follow-up processing failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"sent": sent}))
}

func (s *Server) getCustomerHandler(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	slog.Debug("Server.getCustomerHandler called", "phone", phone)

	customer, err := s.store.GetCustomerByPhone(phone)
	if err != nil {
		slog.Error("Failed to fetch customer", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch customer"))
		return
	}
	if customer == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrCustomerNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(customer))
}
