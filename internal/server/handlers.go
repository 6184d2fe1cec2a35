package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	eventdomain "github.com/clinicore/clinicore/internal/event/domain"
	eventservice "github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	paymentwebhook "github.com/clinicore/clinicore/internal/payment/webhook"
	webhookdomain "github.com/clinicore/clinicore/internal/webhooks/domain"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
)

// Gateways retry on 5xx, so inbound payloads are capped to keep a hostile
// sender from holding memory.
const maxInboundBody = 1 << 20

type handler struct {
	log       *zap.Logger
	ingest    *paymentwebhook.Service
	endpoints *endpoint.Service
	emitter   *eventservice.Emitter
	metrics   *metrics.Metrics
}

func (h *handler) register(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	r.POST("/webhooks/payments/:provider", h.ingestPayment)

	api := r.Group("/api/v1")
	clinics := api.Group("/clinics/:clinicId")
	clinics.POST("/webhook-endpoints", h.createEndpoint)
	clinics.GET("/webhook-endpoints", h.listEndpoints)
	clinics.GET("/webhook-endpoints/:endpointId", h.getEndpoint)
	clinics.PATCH("/webhook-endpoints/:endpointId", h.updateEndpoint)
	clinics.GET("/webhook-endpoints/:endpointId/deliveries", h.listDeliveries)
	clinics.POST("/events/test", h.emitTestEvent)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ingestPayment receives one raw gateway callback. The body is read before any
// parsing so signature verification covers the exact bytes on the wire.
func (h *handler) ingestPayment(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody+1))
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(body) > maxInboundBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}

	result, err := h.ingest.Ingest(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		h.fail(c, err)
		return
	}

	// 200 in every accepted case, including ignored subtypes and replays, so
	// the gateway stops retrying.
	resp := gin.H{"ok": true}
	if result.Ignored {
		resp["ignored"] = true
	}
	if result.Replayed {
		resp["replayed"] = true
	}
	c.JSON(http.StatusOK, resp)
}

type createEndpointRequest struct {
	URL                     string   `json:"url" binding:"required"`
	Secret                  string   `json:"secret"`
	EventTypes              []string `json:"eventTypes"`
	MaxConcurrentDeliveries int      `json:"maxConcurrentDeliveries"`
}

func (h *handler) createEndpoint(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}

	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ep, err := h.endpoints.Create(c.Request.Context(), endpoint.CreateInput{
		ClinicID:                clinicID,
		URL:                     req.URL,
		Secret:                  req.Secret,
		EventTypes:              req.EventTypes,
		MaxConcurrentDeliveries: req.MaxConcurrentDeliveries,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	// The signing secret is shown exactly once, on creation.
	resp := endpointResponse(ep)
	resp["secret"] = ep.Secret
	c.JSON(http.StatusCreated, resp)
}

type updateEndpointRequest struct {
	URL                     *string  `json:"url"`
	Active                  *bool    `json:"active"`
	EventTypes              []string `json:"eventTypes"`
	MaxConcurrentDeliveries *int     `json:"maxConcurrentDeliveries"`
}

func (h *handler) updateEndpoint(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}
	endpointID, ok := h.pathID(c, "endpointId")
	if !ok {
		return
	}

	var req updateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ep, err := h.endpoints.Update(c.Request.Context(), clinicID, endpointID, endpoint.UpdateInput{
		URL:                     req.URL,
		Active:                  req.Active,
		EventTypes:              req.EventTypes,
		MaxConcurrentDeliveries: req.MaxConcurrentDeliveries,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, endpointResponse(ep))
}

func (h *handler) getEndpoint(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}
	endpointID, ok := h.pathID(c, "endpointId")
	if !ok {
		return
	}

	ep, err := h.endpoints.Get(c.Request.Context(), clinicID, endpointID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, endpointResponse(ep))
}

func (h *handler) listEndpoints(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}

	items, err := h.endpoints.List(c.Request.Context(), clinicID)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(items))
	for i := range items {
		out = append(out, endpointResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

func (h *handler) listDeliveries(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}
	endpointID, ok := h.pathID(c, "endpointId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	items, err := h.endpoints.ListDeliveries(c.Request.Context(), clinicID, endpointID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(items))
	for i := range items {
		out = append(out, deliveryResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}

// emitTestEvent raises a system.test event so subscribers can verify their
// endpoint, signature handling and retry posture end to end.
func (h *handler) emitTestEvent(c *gin.Context) {
	clinicID, ok := h.clinicID(c)
	if !ok {
		return
	}

	var metadata map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	event, err := h.emitter.Emit(c.Request.Context(), &eventdomain.Envelope{
		Type:         eventdomain.SystemTest,
		ClinicID:     clinicID,
		ActorType:    eventdomain.ActorSystem,
		ResourceType: "clinic",
		ResourceID:   clinicID.String(),
		Metadata:     metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"eventId": event.ID.String()})
}

func (h *handler) clinicID(c *gin.Context) (snowflake.ID, bool) {
	return h.pathID(c, "clinicId")
}

func (h *handler) pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return id, true
}

func (h *handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": code})
}

func endpointResponse(ep *webhookdomain.WebhookEndpoint) gin.H {
	var eventTypes []string
	if len(ep.EventTypes) > 0 {
		_ = json.Unmarshal(ep.EventTypes, &eventTypes)
	}
	return gin.H{
		"id":                      ep.ID.String(),
		"clinicId":                ep.ClinicID.String(),
		"url":                     ep.URL,
		"active":                  ep.Active,
		"eventTypes":              eventTypes,
		"maxConcurrentDeliveries": ep.MaxConcurrentDeliveries,
		"createdAt":               ep.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":               ep.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func deliveryResponse(d *webhookdomain.OutboundWebhookDelivery) gin.H {
	out := gin.H{
		"id":         d.ID.String(),
		"eventId":    d.EventID.String(),
		"endpointId": d.EndpointID.String(),
		"status":     d.Status,
		"attempts":   d.Attempts,
		"lastError":  d.LastError,
		"createdAt":  d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.LastStatusCode != nil {
		out["lastStatusCode"] = *d.LastStatusCode
	}
	if d.NextAttemptAt != nil {
		out["nextAttemptAt"] = d.NextAttemptAt.UTC().Format(time.RFC3339)
	}
	if d.DeliveredAt != nil {
		out["deliveredAt"] = d.DeliveredAt.UTC().Format(time.RFC3339)
	}
	return out
}
