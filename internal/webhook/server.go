// Package webhook is the inbound notification surface. It terminates the two
// providers' push protocols and hands authenticated notifications to the sync
// pipeline; no calendar semantics live here.
package webhook

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"calsync-go/internal/calsync"
)

// Server hosts the provider webhook endpoints.
type Server struct {
	sync   *calsync.SyncService
	logger calsync.Logger
	engine *gin.Engine
}

// NewServer builds the webhook HTTP surface over the given sync service.
func NewServer(sync *calsync.SyncService, logger calsync.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{sync: sync, logger: logger, engine: engine}

	engine.POST("/webhooks/google", s.handleGoogle)
	engine.POST("/webhooks/microsoft", s.handleMicrosoft)
	// Graph sends its validation handshake as both GET and POST.
	engine.GET("/webhooks/microsoft", s.handleMicrosoft)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

// handleGoogle terminates Google push: channel identity and token arrive as
// headers, the body is empty. A "sync" resource state is the channel-creation
// ping and is acknowledged without syncing.
func (s *Server) handleGoogle(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	token := c.GetHeader("X-Goog-Channel-Token")
	resourceState := c.GetHeader("X-Goog-Resource-State")

	if channelID == "" {
		c.String(http.StatusBadRequest, "missing channel id")
		return
	}
	if resourceState == "sync" {
		c.Status(http.StatusOK)
		return
	}

	err := s.sync.HandleNotification(c.Request.Context(), channelID, token)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case isUnauthorized(err):
		c.Status(http.StatusUnauthorized)
	default:
		s.logger.Error("google notification failed", "channel", channelID, "error", err)
		c.Status(http.StatusInternalServerError)
	}
}

// graphNotification is one entry of a Graph change-notification envelope.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// handleMicrosoft terminates Graph push. The validation handshake (a
// validationToken query parameter) is echoed back as text/plain before
// anything is looked up. Notification bodies can carry several entries for
// different subscriptions; each is processed on its own so one tenant's
// failure never blocks another's.
func (s *Server) handleMicrosoft(c *gin.Context) {
	if token, ok := c.GetQuery("validationToken"); ok {
		c.String(http.StatusOK, token)
		return
	}

	var envelope struct {
		Value []graphNotification `json:"value"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&envelope); err != nil {
		c.String(http.StatusBadRequest, "malformed notification body")
		return
	}
	if len(envelope.Value) == 0 {
		c.String(http.StatusBadRequest, "empty notification body")
		return
	}

	processed := 0
	unauthorized := 0
	failed := 0
	for _, n := range envelope.Value {
		err := s.sync.HandleNotification(c.Request.Context(), n.SubscriptionID, n.ClientState)
		switch {
		case err == nil:
			processed++
		case isUnauthorized(err):
			unauthorized++
		default:
			failed++
			s.logger.Error("graph notification failed",
				"subscription", n.SubscriptionID, "error", err)
		}
	}

	// Nothing got through: surface the dominant cause. A mixed batch still
	// answers 200 so the provider does not retry the entries that landed.
	if processed == 0 {
		if unauthorized > 0 && failed == 0 {
			c.Status(http.StatusUnauthorized)
			return
		}
		if failed > 0 {
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

// isUnauthorized folds the unknown-identity and bad-secret cases together so
// the wire response never reveals which check failed.
func isUnauthorized(err error) bool {
	return errors.Is(err, calsync.ErrUnknownWebhookIdentity) ||
		errors.Is(err, calsync.ErrInvalidWebhookSecret)
}
