package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/changerelay/changerelay/pkg/auth"
	"github.com/changerelay/changerelay/pkg/broker"
	"github.com/changerelay/changerelay/pkg/crypto"
	"github.com/changerelay/changerelay/pkg/subscription"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Event names pushed to individual connections during the subscribe flow
const (
	eventSubscriptionCreated        = "SubscriptionCreated"
	eventSubscriptionCreationFailed = "SubscriptionCreationFailed"
	eventUnauthorized               = "Unauthorized"
)

// negotiateResponse tells a client how to open its realtime connection
type negotiateResponse struct {
	ConnectionID   string `json:"connection_id"`
	WebSocketURL   string `json:"websocket_url"`
	VAPIDPublicKey string `json:"vapid_public_key,omitempty"`
}

// subscribeRequest binds the subscribe call body
type subscribeRequest struct {
	ConnectionID string                   `json:"connection_id"`
	Definition   *subscription.Definition `json:"definition"`
}

// authenticate validates the request's bearer token
func (s *Server) authenticate(c echo.Context) (*auth.TokenResult, error) {
	token := auth.ExtractBearerToken(c.Request().Header.Get("Authorization"))
	return s.validator.ValidateToken(c.Request().Context(), token)
}

// negotiate hands out a connection id and the websocket URL to dial
func (s *Server) negotiate(c echo.Context) error {
	result, err := s.authenticate(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	connectionID := uuid.New().String()
	s.negotiateMu.Lock()
	s.negotiated[connectionID] = result.UserID
	s.negotiateMu.Unlock()

	scheme := "ws"
	if c.Request().TLS != nil || c.Request().Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	resp := negotiateResponse{
		ConnectionID: connectionID,
		WebSocketURL: scheme + "://" + c.Request().Host + "/api/connect?id=" + connectionID,
	}
	if s.webpush != nil {
		resp.VAPIDPublicKey = s.webpush.VAPIDPublicKey()
	}
	return c.JSON(http.StatusOK, resp)
}

// connect upgrades a negotiated connection to a websocket and parks it in
// the hub until the peer goes away
func (s *Server) connect(c echo.Context) error {
	connectionID := c.QueryParam("id")

	s.negotiateMu.Lock()
	_, ok := s.negotiated[connectionID]
	s.negotiateMu.Unlock()
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unknown connection id"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.hub.Register(connectionID, conn)

	// Inbound frames are not part of the protocol; the read loop only
	// notices when the peer disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Unregister(connectionID)
	s.negotiateMu.Lock()
	delete(s.negotiated, connectionID)
	s.negotiateMu.Unlock()
	return nil
}

// subscribe resolves a subscription definition to a live record and joins
// the requesting connection to that subscription's routing group. Failures
// are signalled to the requesting connection only, never broadcast.
func (s *Server) subscribe(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	ctx := c.Request().Context()

	result, err := s.authenticate(c)
	if err != nil {
		s.signalConnection(c, req.ConnectionID, eventUnauthorized)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	record, err := s.coordinator.Subscribe(ctx, result.Token, result.UserID, req.Definition)
	if err != nil {
		log.Printf("Subscribe for user %s failed: %v", result.UserID, err)
		s.signalConnection(c, req.ConnectionID, eventSubscriptionCreationFailed, req.Definition)
		if errors.Is(err, subscription.ErrInvalidDefinition) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	// The record is persisted; only now is it safe to join the group
	if req.ConnectionID != "" {
		if err := s.broker.JoinGroup(ctx, record.SubscriptionID, req.ConnectionID); err != nil {
			log.Printf("Joining connection %s to group %s: %v", req.ConnectionID, record.SubscriptionID, err)
		}
		s.signalConnection(c, req.ConnectionID, eventSubscriptionCreated, record)
	}
	return c.JSON(http.StatusOK, record)
}

// signalConnection pushes an event frame at the exact requesting connection
func (s *Server) signalConnection(c echo.Context, connectionID, event string, payloads ...any) {
	if connectionID == "" {
		return
	}
	if err := s.broker.SendToConnection(c.Request().Context(), connectionID, event, payloads...); err != nil {
		if !errors.Is(err, broker.ErrUnknownConnection) {
			log.Printf("Signalling %s to connection %s: %v", event, connectionID, err)
		}
	}
}

// notifications is the upstream webhook intake. The validation handshake is
// answered inline; real batches are routed and always acknowledged with 202
// so the upstream does not retry items we have already dispatched.
func (s *Server) notifications(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusAccepted)
	}
	if err := s.router.Route(c.Request().Context(), body); err != nil {
		log.Printf("Routing notification batch: %v", err)
	}
	return c.NoContent(http.StatusAccepted)
}

// decrypt exposes single-envelope decryption for diagnostics
func (s *Server) decrypt(c echo.Context) error {
	if _, err := s.authenticate(c); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var envelope crypto.Envelope
	if err := c.Bind(&envelope); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid envelope"})
	}

	plaintext, err := s.router.Decrypt(&envelope)
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrKeyNotFound):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"plaintext": string(plaintext)})
}

// pushRegisterRequest binds a browser push registration
type pushRegisterRequest struct {
	ConnectionID string                  `json:"connection_id"`
	Subscription broker.PushRegistration `json:"subscription"`
}

// registerPush stores a Web Push registration under a connection id so the
// push broker can reach the client after its socket is gone
func (s *Server) registerPush(c echo.Context) error {
	if _, err := s.authenticate(c); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	if s.webpush == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "web push is not configured"})
	}

	var req pushRegisterRequest
	if err := c.Bind(&req); err != nil || req.ConnectionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid registration"})
	}
	if err := s.webpush.Register(req.ConnectionID, req.Subscription); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// listHistory returns the caller's delivery history, newest first
func (s *Server) listHistory(c echo.Context) error {
	result, err := s.authenticate(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	limit := 50
	if param := c.QueryParam("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}
	offset := 0
	if param := c.QueryParam("offset"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		}
		offset = parsed
	}

	filters := map[string]string{
		"subscription_id": c.QueryParam("subscription_id"),
		"delivered":       c.QueryParam("delivered"),
	}
	entries, total, err := s.history.List(result.UserID, limit, offset, filters)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

// health reports liveness
func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
