package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/avacore/internal/envelope"
	"github.com/howard-nolan/avacore/internal/metrics"
	"github.com/howard-nolan/avacore/internal/session"
)

// Socket event names.
const (
	eventStatus     = "status"
	eventAIRequest  = "ai_request"
	eventAIResponse = "ai_response"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer is kept before the read fails.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10

	sendBuffer = 16
	jobBuffer  = 16
)

// The zero CheckOrigin only accepts same-origin browsers, which is where the
// dashboard lives. Non-browser clients send no Origin and are let through.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// inboundFrame and outboundFrame are the {"event", "data"} envelope every
// socket message travels in.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

// Hub tracks open socket connections so they can be counted and closed on
// shutdown.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	metrics *metrics.Metrics
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new WebSocket hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		metrics: m,
	}
}

// register adds c. It returns false once the hub is closed.
func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.SocketOpened()
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.SocketClosed()
	}
	_ = c.conn.Close()
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close sends a going-away close frame to every client, closes the
// connections and refuses new ones. Each connection's handler notices the
// closed socket, cancels its work and returns.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		delete(h.clients, c)
		h.metrics.SocketClosed()
	}
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

// wsJob is one inbound frame in arrival order: either a message to dispatch
// or a reply already decided because the frame was bad.
type wsJob struct {
	message string
	reply   *envelope.Reply
}

// handleWebSocket upgrades the connection and runs it until the peer goes
// away or the hub is closed.
//
// Each connection has three goroutines: this one reads frames, a worker
// dispatches them one at a time, and a writer owns every write to the
// socket. Since there is one worker, responses go out in request order.
// When the read side ends, the connection context is cancelled, which
// abandons any in-flight provider call.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade writes its own 101 response and ignores w.Header() unless it
	// is passed in, which would drop the security headers and the session
	// cookie the middleware set.
	conn, err := upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if !s.hub.register(c) {
		_ = conn.Close()
		return
	}
	defer s.hub.unregister(c)

	log := s.log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("session", session.FromContext(r.Context())).
		Logger()
	log.Debug().Msg("socket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	jobs := make(chan wsJob, jobBuffer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.socketWorker(ctx, jobs, c.send)
	}()
	go func() {
		defer wg.Done()
		socketWriter(ctx, cancel, c, log)
	}()

	c.send <- mustFrame(eventStatus, map[string]bool{"connected": true})

	socketReader(ctx, c, jobs, log)

	cancel()
	close(jobs)
	wg.Wait()
	log.Debug().Msg("socket disconnected")
}

// socketReader turns inbound frames into jobs until the socket fails or ctx
// ends.
func socketReader(ctx context.Context, c *wsClient, jobs chan<- wsJob, log zerolog.Logger) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		job, err := readJob(c.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("socket read failed")
			}
			return
		}

		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

// readJob reads the next data frame. At most maxBodyBytes of it are kept;
// a larger frame is drained and answered with BAD_REQUEST, so the
// connection survives it the same way /api/chat survives a large body.
func readJob(conn *websocket.Conn) (wsJob, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return wsJob{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return wsJob{}, err
	}
	if len(data) > maxBodyBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return wsJob{}, err
		}
		return badFrame("frame is larger than 1 MiB"), nil
	}
	return parseFrame(data), nil
}

// parseFrame validates one inbound frame. Anything other than a well-formed
// ai_request becomes a BAD_REQUEST reply.
func parseFrame(data []byte) wsJob {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return badFrame("frame must be a JSON object with \"event\" and \"data\"")
	}
	if in.Event != eventAIRequest {
		return badFrame(fmt.Sprintf("unknown event %q", in.Event))
	}
	msg, err := decodeMessage(in.Data)
	if err != nil {
		return badFrame(err.Error())
	}
	return wsJob{message: msg}
}

func badFrame(detail string) wsJob {
	reply := envelope.Fail(envelope.KindBadRequest, detail)
	return wsJob{reply: &reply}
}

// socketWorker handles jobs strictly one after another.
func (s *Server) socketWorker(ctx context.Context, jobs <-chan wsJob, send chan<- []byte) {
	for job := range jobs {
		if ctx.Err() != nil {
			return
		}

		var reply envelope.Reply
		if job.reply != nil {
			reply = *job.reply
		} else {
			reply = s.dispatchSafely(ctx, job.message)
		}

		select {
		case send <- mustFrame(eventAIResponse, reply):
		case <-ctx.Done():
			return
		}
	}
}

// dispatchSafely is Dispatch with the recoverer's guarantee. The worker runs
// outside the HTTP middleware chain, so a panic here would otherwise take
// the whole process down.
func (s *Server) dispatchSafely(ctx context.Context, message string) (reply envelope.Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("socket dispatch panicked")
			reply = envelope.Fail(envelope.KindInternal, "internal server error")
		}
	}()
	return s.dispatcher.Dispatch(ctx, message)
}

// socketWriter is the only goroutine that writes data frames. It also pings
// the peer so a dead connection is noticed by the read deadline.
func socketWriter(ctx context.Context, cancel context.CancelFunc, c *wsClient, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	fail := func(err error) {
		log.Debug().Err(err).Msg("socket write failed")
		cancel()
		// Unblocks the reader.
		_ = c.conn.Close()
	}

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				fail(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				fail(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// mustFrame encodes an outbound frame. Every payload here is a plain struct
// or map, so Marshal cannot fail.
func mustFrame(event string, data any) []byte {
	b, err := json.Marshal(outboundFrame{Event: event, Data: data})
	if err != nil {
		panic(fmt.Sprintf("encoding %s frame: %v", event, err))
	}
	return b
}
