package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/evmsim/internal/eventlog"
	"github.com/gateway-fm/evmsim/pkg/types"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// Allow same origin (same host)
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer streams event records of one environment to each client.
// Optional ?address= query parameters narrow the stream to those emitters.
type WebSocketServer struct {
	api    SimulatorAPI
	logger *slog.Logger

	// Connected clients
	clients   map[*websocket.Conn]context.CancelFunc
	clientsMu sync.RWMutex
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(api SimulatorAPI, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		api:     api,
		logger:  logger,
		clients: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// Handler returns the WebSocket HTTP handler for /v1/environments/{label}/ws.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label := r.PathValue("label")
		env, err := ws.api.Environment(label)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		var addrs []common.Address
		for _, a := range r.URL.Query()["address"] {
			addr, err := parseAddress(a)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			addrs = append(addrs, addr)
		}
		var src eventlog.Source = env
		if len(addrs) > 0 {
			src = eventlog.Filter(env, addrs...)
		}

		// Subscribe before upgrading so a client sees every block sealed
		// after its handshake completes.
		ctx, cancel := context.WithCancel(context.Background())
		stream, err := eventlog.New(eventlog.WithLogger(ws.logger)).AddStream(src).Stream(ctx)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cancel()
			stream.Close()
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = cancel
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("WebSocket client connected",
			slog.String("environment", label),
			slog.Int("total_clients", total),
		)

		defer func() {
			cancel()
			stream.Close()
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()

			ws.logger.Debug("WebSocket client disconnected",
				slog.String("environment", label),
				slog.Int("total_clients", total),
				slog.Uint64("dropped_blocks", stream.Dropped()),
			)
		}()

		// Reads only detect the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
					}
					return
				}
			}
		}()

		ws.pump(ctx, conn, stream)
	}
}

// pump writes records until the stream ends or the client leaves. A
// finished environment gets a normal close frame.
func (ws *WebSocketServer) pump(ctx context.Context, conn *websocket.Conn, stream *eventlog.Stream) {
	type next struct {
		rec types.EventRecord
		err error
	}
	recs := make(chan next)
	go func() {
		defer close(recs)
		for {
			rec, err := stream.Next(ctx)
			select {
			case recs <- next{rec, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case n, ok := <-recs:
			if !ok {
				return
			}
			if n.err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "environment stopped"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n.rec); err != nil {
				ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes every client connection.
func (ws *WebSocketServer) Stop() {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	for conn, cancel := range ws.clients {
		cancel()
		conn.Close()
	}
	ws.clients = make(map[*websocket.Conn]context.CancelFunc)
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
