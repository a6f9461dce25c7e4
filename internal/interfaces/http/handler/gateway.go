// Package handler adapts HTTP requests to the RPC dispatcher.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"github.com/globus/atlas/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// Query parameters carrying credentials. They never reach the payload.
const (
	QuerySession = "session"
	QueryUserID  = "userId"
)

// Dispatcher runs one gateway call
type Dispatcher interface {
	Handle(ctx context.Context, req rpc.Request) *rpc.Response
}

// GatewayHandler exposes every registered endpoint at
// GET|POST /:endpoint and /:endpoint/:method.
type GatewayHandler struct {
	dispatcher Dispatcher
}

// NewGatewayHandler creates a gateway over d
func NewGatewayHandler(d Dispatcher) *GatewayHandler {
	return &GatewayHandler{dispatcher: d}
}

// RegisterRoutes mounts the gateway on rg
func (h *GatewayHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:endpoint", h.Handle)
	rg.GET("/:endpoint/:method", h.Handle)
	rg.POST("/:endpoint", h.Handle)
	rg.POST("/:endpoint/:method", h.Handle)
}

// Handle builds the request from the route, credential and payload,
// dispatches it and renders the response.
func (h *GatewayHandler) Handle(c *gin.Context) {
	payload, err := requestPayload(c)
	if err != nil {
		if middleware.TooLarge(err) {
			render(c, rpc.Advanced(http.StatusRequestEntityTooLarge, rpc.ErrorBody{
				Error:       "Request too large",
				Description: err.Error(),
			}, nil))
			return
		}
		logger.GetGinLogger(c).Info("Unreadable request body", zap.Error(err))
		render(c, rpc.BadRequest(err))
		return
	}
	resp := h.dispatcher.Handle(c.Request.Context(), rpc.Request{
		Endpoint:   c.Param("endpoint"),
		Method:     c.Param("method"),
		Credential: credential(c),
		Payload:    payload,
	})
	render(c, resp)
}

// credential prefers the Authorization header, then the session query
// parameter (staff links), then userId (customer links).
func credential(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return auth
	}
	if s := c.Query(QuerySession); s != "" {
		return s
	}
	return c.Query(QueryUserID)
}

// requestPayload reads the JSON body of a POST. Query parameters fill in
// keys the body does not set, so GET links and POST forms behave alike.
func requestPayload(c *gin.Context) (rpc.Payload, error) {
	query := rpc.PayloadFromQuery(c.Request.URL.Query(), QuerySession, QueryUserID)
	if c.Request.Method != http.MethodPost || c.Request.Body == nil {
		return query, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return rpc.Payload{}, err
	}
	payload := rpc.NewPayload(body)
	if len(c.Request.URL.RawQuery) == 0 {
		return payload, nil
	}
	return merge(query, payload)
}

func merge(base, over rpc.Payload) (rpc.Payload, error) {
	into, err := base.Fields()
	if err != nil {
		return rpc.Payload{}, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(over.Raw(), &top); err != nil {
		// A non-object body is passed through untouched.
		return over, nil
	}
	for k, v := range top {
		into[k] = v
	}
	return rpc.PayloadOf(into)
}

// render writes 3xx as a redirect, byte payloads verbatim and everything
// else as JSON. A redirect goes to the string payload, or to the Location
// header when the payload is not a string.
func render(c *gin.Context, resp *rpc.Response) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	switch {
	case resp.IsRedirect():
		location, ok := resp.Data.(string)
		if !ok || location == "" {
			location = resp.Headers["Location"]
		}
		status := resp.Status
		if status > http.StatusPermanentRedirect {
			status = http.StatusFound
		}
		c.Redirect(status, location)
	case resp.IsRaw():
		body := resp.Data.([]byte)
		contentType := resp.Headers["Content-Type"]
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(resp.Status, contentType, body)
	default:
		c.JSON(resp.Status, resp.Data)
	}
}
