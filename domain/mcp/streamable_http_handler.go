package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aussierobots/turul-mcp-go/pkg/sse"
)

// StreamableHTTPHandler (C7) implements the single-path POST/GET/DELETE
// Streamable HTTP transport. Grounded on the teacher's
// streamable_http_handler.go, generalized to: (1) actually honor the
// Accept: text/event-stream response mode for POST (the teacher always
// returned JSON, with a comment deferring SSE "for later"), (2) event ids
// start at 1 and the keepalive interval is a configurable handful of
// seconds rather than the teacher's fixed 4-hour ticker, (3) session and
// journal state is delegated to the generalized Storage/StreamManager
// rather than ad-hoc maps.
type StreamableHTTPHandler struct {
	server *Server
	config HTTPConfig
}

type HTTPConfig struct {
	Path                 string
	MaxBodySize          int64
	EnableCORS           bool
	SSEKeepaliveInterval time.Duration
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Path:                 "/mcp",
		MaxBodySize:          1 << 20, // 1 MiB
		EnableCORS:           true,
		SSEKeepaliveInterval: 20 * time.Second,
	}
}

func NewStreamableHTTPHandler(server *Server, cfg HTTPConfig) *StreamableHTTPHandler {
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.SSEKeepaliveInterval <= 0 {
		cfg.SSEKeepaliveInterval = 20 * time.Second
	}
	return &StreamableHTTPHandler{server: server, config: cfg}
}

// RegisterRoutes wires the unified endpoint onto all four methods it
// answers (§4.7).
func RegisterRoutes(e *echo.Echo, h *StreamableHTTPHandler) {
	e.POST(h.config.Path, h.handlePOST)
	e.GET(h.config.Path, h.handleGET)
	e.DELETE(h.config.Path, h.handleDELETE)
	e.OPTIONS(h.config.Path, h.handleOptions)
}

const (
	headerSessionID   = "Mcp-Session-Id"
	headerProtocolVer = "MCP-Protocol-Version"
	headerLastEventID = "Last-Event-Id"
)

func (h *StreamableHTTPHandler) handleOptions(c echo.Context) error {
	c.Response().Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, MCP-Protocol-Version, Accept, Last-Event-Id")
	return c.NoContent(http.StatusNoContent)
}

// handlePOST implements the POST /mcp contract of §4.7.
func (h *StreamableHTTPHandler) handlePOST(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.config.MaxBodySize+1))
	if err != nil {
		return h.writeTransportError(c, http.StatusBadRequest, nil, ErrCodeParseError, "failed to read request body")
	}
	if int64(len(body)) > h.config.MaxBodySize {
		// Boundary property 10: reject oversized bodies without allocating
		// a session.
		return h.writeTransportError(c, http.StatusRequestEntityTooLarge, nil, ErrCodeInvalidRequest, "request body exceeds max_body_size")
	}

	req, parseErr := DecodeRequest(body)
	if parseErr != nil {
		return h.writeTransportError(c, http.StatusOK, nil, parseErr.Code, parseErr.Message)
	}

	reqCtx := NewRequestContext(req.Method, req.Params, c.Request().Header)

	if req.Method == "initialize" {
		return h.handleInitialize(c, req)
	}

	sessionID := c.Request().Header.Get(headerSessionID)
	if sessionID == "" {
		return h.writeTransportError(c, http.StatusNotFound, req.ID, ErrCodeSessionNotFound, "Mcp-Session-Id header is required")
	}
	session, err := h.server.Sessions.Get(ctx, sessionID)
	if err != nil || session == nil {
		return h.writeTransportError(c, http.StatusNotFound, req.ID, ErrCodeSessionNotFound, "session not found: "+sessionID)
	}
	_ = h.server.Sessions.Touch(ctx, session)

	if req.IsNotification() {
		h.server.HandleDispatch(ctx, session, req, reqCtx)
		return c.NoContent(http.StatusAccepted)
	}

	accept := c.Request().Header.Get("Accept")
	if strings.Contains(accept, "text/event-stream") {
		return h.handlePOSTStreaming(c, session, req, reqCtx)
	}
	return h.handlePOSTJSON(c, session, req, reqCtx)
}

// handlePOSTJSON is the default (non-SSE) response mode: a single JSON
// body. Notifications emitted during dispatch are still journaled and
// reach concurrent GET subscribers, but are not echoed on this response.
func (h *StreamableHTTPHandler) handlePOSTJSON(c echo.Context, session *Session, req *Request, reqCtx *RequestContext) error {
	resp := h.server.HandleDispatch(c.Request().Context(), session, req, reqCtx)
	return c.JSON(http.StatusOK, resp)
}

// handlePOSTStreaming implements the SSE response mode (§4.7): subscribe
// to this session's broadcast before invoking the handler so that
// notifications emitted during dispatch are captured, emit each as one
// frame, then emit the terminal JSON-RPC response and close the stream.
func (h *StreamableHTTPHandler) handlePOSTStreaming(c echo.Context, session *Session, req *Request, reqCtx *RequestContext) error {
	ctx := c.Request().Context()

	latest, _, _ := h.server.Streams.storage.LatestEventID(ctx, session.ID)
	events, cancel := h.server.Streams.Subscribe(session.ID, latest)
	defer cancel()

	w := sse.NewWriter(c.Response())
	if err := w.Start(); err != nil {
		return err
	}

	done := make(chan *Response, 1)
	go func() {
		done <- h.server.HandleDispatch(ctx, session, req, reqCtx)
	}()

	writeEvent := func(evt StreamEvent) {
		var frame Frame
		if err := json.Unmarshal(evt.Data, &frame); err == nil {
			_ = w.WriteEventID(evt.EventID, frame.Method, frame.Params)
		}
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				continue
			}
			writeEvent(evt)
		case resp := <-done:
			// Drain every notification already buffered for this dispatch
			// before writing the terminal frame, so SSE clients always see
			// notifications ordered strictly before the response they
			// precede (§4.7).
		drain:
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						break drain
					}
					writeEvent(evt)
				default:
					break drain
				}
			}
			_ = w.WriteData(resp)
			w.Close()
			return nil
		case <-ctx.Done():
			w.Close()
			return nil
		}
	}
}

func (h *StreamableHTTPHandler) handleInitialize(c echo.Context, req *Request) error {
	ctx := c.Request().Context()
	session, resp := h.server.HandleInitialize(ctx, req.ID, req.Params)
	if session != nil {
		c.Response().Header().Set(headerSessionID, session.ID)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleGET implements the long-lived SSE subscription of §4.7.
func (h *StreamableHTTPHandler) handleGET(c echo.Context) error {
	if !strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "GET requires Accept: text/event-stream")
	}
	sessionID := c.Request().Header.Get(headerSessionID)
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Mcp-Session-Id header is required")
	}

	ctx := c.Request().Context()
	session, err := h.server.Sessions.Get(ctx, sessionID)
	if err != nil || session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found: "+sessionID)
	}
	_ = h.server.Sessions.Touch(ctx, session)

	var cursor int64
	if lastEventID := c.Request().Header.Get(headerLastEventID); lastEventID != "" {
		if n, perr := strconv.ParseInt(lastEventID, 10, 64); perr == nil {
			cursor = n
		}
	}

	w := sse.NewWriter(c.Response())
	if err := w.Start(); err != nil {
		return err
	}
	c.Response().Header().Set("X-Accel-Buffering", "no")

	replayed, newCursor, err := h.server.Streams.Replay(ctx, sessionID, cursor)
	if err == nil {
		for _, evt := range replayed {
			var frame Frame
			if jerr := json.Unmarshal(evt.Payload, &frame); jerr == nil {
				_ = w.WriteEventID(evt.EventID, frame.Method, frame.Params)
			}
		}
	}

	events, cancel := h.server.Streams.Subscribe(sessionID, newCursor)
	defer cancel()

	// An event can be journaled between the Replay read above and the
	// Subscribe attach just now; it was missed by both. Re-read the
	// journal once more at the post-attach cursor to catch it. Subscribe
	// anchors the live channel at the pre-catch-up cursor, so such an
	// event can also arrive on the channel; pumpGETStream's lastDelivered
	// watermark drops that duplicate.
	lastDelivered := newCursor
	if catchUp, caughtCursor, cerr := h.server.Streams.Replay(ctx, sessionID, newCursor); cerr == nil {
		for _, evt := range catchUp {
			var frame Frame
			if jerr := json.Unmarshal(evt.Payload, &frame); jerr == nil {
				_ = w.WriteEventID(evt.EventID, frame.Method, frame.Params)
			}
		}
		lastDelivered = caughtCursor
	}

	ticker := time.NewTicker(h.config.SSEKeepaliveInterval)
	defer ticker.Stop()

	return h.pumpGETStream(ctx, w, events, ticker, lastDelivered)
}

func (h *StreamableHTTPHandler) pumpGETStream(ctx context.Context, w *sse.Writer, events <-chan StreamEvent, ticker *time.Ticker, lastDelivered int64) error {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.EventID <= lastDelivered {
				continue
			}
			var frame Frame
			if jerr := json.Unmarshal(evt.Data, &frame); jerr == nil {
				_ = w.WriteEventID(evt.EventID, frame.Method, frame.Params)
				lastDelivered = evt.EventID
			}
		case <-ticker.C:
			if err := w.WriteComment("keepalive"); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handleDELETE implements explicit session termination (§4.7).
func (h *StreamableHTTPHandler) handleDELETE(c echo.Context) error {
	sessionID := c.Request().Header.Get(headerSessionID)
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Mcp-Session-Id header is required")
	}
	ctx := c.Request().Context()
	ok, err := h.server.Sessions.Destroy(ctx, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete session")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found: "+sessionID)
	}
	h.server.Streams.Drop(sessionID)
	_ = h.server.Streams.storage.ClearSession(ctx, sessionID)
	return c.NoContent(http.StatusNoContent)
}

// writeTransportError shapes a JSON-RPC error envelope for a
// transport-layer failure (§4.7's error-shaping rule: unparseable body,
// unknown session, wrong method are still JSON-RPC-shaped).
func (h *StreamableHTTPHandler) writeTransportError(c echo.Context, httpStatus int, id json.RawMessage, code int, message string) error {
	resp := NewErrorResponse(id, code, message, nil)
	return c.JSON(httpStatus, resp)
}
