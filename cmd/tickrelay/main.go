// cmd/tickrelay — WebSocket tick relay.
// Broadcasts simulated tick data so the engine can run in RELAY mode without
// broker credentials.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"symbol":"SBIN-EQ","price":50025,"qty":10,"exchange_ts":"..."}
//
// Price is in paise (1 INR = 100 paise), same as the live feed.
//
// Config (env vars):
//
//	RELAY_ADDR         — listen address  (default: ":9001")
//	RELAY_SYMBOLS      — comma-separated symbols (default: "SBIN-EQ")
//	RELAY_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tickMsg mirrors model.Tick for JSON serialisation.
type tickMsg struct {
	Symbol     string    `json:"symbol"`
	Price      int64     `json:"price"` // paise
	Qty        int64     `json:"qty"`
	ExchangeTS time.Time `json:"exchange_ts"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  int64 // current simulated price in paise
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickrelay] upgrade error: %v", err)
			return
		}
		log.Printf("[tickrelay] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickrelay] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: sends tick JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price int64) int64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	delta := int64(float64(price) * pct)
	newPrice := price + delta
	if newPrice < 100 { // floor at 1 paise
		newPrice = 100
	}
	return newPrice
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(instruments[i].Price)
			msg := tickMsg{
				Symbol:     instruments[i].Symbol,
				Price:      instruments[i].Price,
				Qty:        int64(rand.Intn(100) + 1),
				ExchangeTS: time.Now().UTC(),
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickrelay] starting tick relay...")

	addr := envOrDefault("RELAY_ADDR", ":9001")
	symbolsEnv := envOrDefault("RELAY_SYMBOLS", "SBIN-EQ")
	intervalMs := envIntOrDefault("RELAY_INTERVAL_MS", 100)

	instruments := parseSymbols(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickrelay] no symbols configured via RELAY_SYMBOLS")
	}
	log.Printf("[tickrelay] instruments: %+v", instruments)
	log.Printf("[tickrelay] broadcast interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickrelay"}`)
	})

	log.Printf("[tickrelay] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickrelay] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) []instrument {
	// Default starting prices in paise (INR × 100)
	defaultPrices := map[string]int64{
		"SBIN-EQ":     850_00,    // ~₹850.00
		"INFY-EQ":     1_520_00,  // ~₹1520.00
		"RELIANCE-EQ": 2_950_00,  // ~₹2950.00
		"NIFTY50":     25_660_00, // index sim
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		price := defaultPrices[part]
		if price == 0 {
			price = 1_000_00 // default ₹1000.00
		}
		result = append(result, instrument{Symbol: part, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
