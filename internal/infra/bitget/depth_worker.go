package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/event"
	"l2_trader/internal/infra"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// chain tracks one symbol's exchange sequence and the contiguous sequence
// handed to the book.
type chain struct {
	synced   bool
	exchSeq  int64
	bookSeq  uint64
	lastSeen time.Time
}

// DepthWorker streams L2 books from the Bitget public websocket and turns
// them into snapshot and delta events with contiguous sequence numbers.
// A break in the exchange chain (pseq != previous seq) is passed on as a
// skipped sequence so the book detects the gap.
type DepthWorker struct {
	url      string
	instType string
	channel  string
	symbols  []string
	inbox    chan<- event.Event
	metrics  *infra.Metrics
	logger   *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	chainMu sync.Mutex
	chains  map[string]*chain
}

// NewDepthWorker creates a worker. url defaults to the public endpoint.
func NewDepthWorker(url, instType, channel string, symbols []string, inbox chan<- event.Event, logger *slog.Logger) *DepthWorker {
	if url == "" {
		url = WSURL
	}
	if channel == "" {
		channel = "books"
	}
	if logger == nil {
		logger = slog.Default()
	}
	chains := make(map[string]*chain, len(symbols))
	for _, s := range symbols {
		chains[s] = &chain{}
	}
	return &DepthWorker{
		url:      url,
		instType: instType,
		channel:  channel,
		symbols:  symbols,
		inbox:    inbox,
		metrics:  infra.GlobalMetrics,
		logger:   logger.With("module", "bitget_depth"),
		chains:   chains,
	}
}

// Connect starts the connection loop with automatic reconnection.
func (w *DepthWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *DepthWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Depth worker panic recovered", "panic", r)
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Depth connection loop stopped")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := bo.NextBackOff()
			w.logger.Warn("Depth connection failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo.Reset()
		w.readLoop(ctx)
		w.desyncAll()
	}
}

func (w *DepthWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	w.metrics.IncrementConnections()

	if err := w.send("subscribe", w.symbols...); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	go w.pingLoop(ctx, conn)
	w.logger.Info("Depth websocket connected", "symbols", len(w.symbols), "channel", w.channel)
	return nil
}

func (w *DepthWorker) send(op string, symbols ...string) error {
	args := make([]wsArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, wsArg{InstType: w.instType, Channel: w.channel, InstId: s})
	}
	b, err := json.Marshal(wsRequest{Op: op, Args: args})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

// Resync drops the symbol's chain and resubscribes; the exchange answers a
// new subscription with a full snapshot.
func (w *DepthWorker) Resync(symbol string) error {
	w.chainMu.Lock()
	c, ok := w.chains[symbol]
	if ok {
		c.synced = false
	}
	w.chainMu.Unlock()
	if !ok {
		return fmt.Errorf("resync %s: %w", symbol, domain.ErrInvalidSymbol)
	}

	if err := w.send("unsubscribe", symbol); err != nil {
		return fmt.Errorf("resync %s: %w", symbol, err)
	}
	if err := w.send("subscribe", symbol); err != nil {
		return fmt.Errorf("resync %s: %w", symbol, err)
	}
	w.logger.Info("Resync requested", "symbol", symbol)
	return nil
}

func (w *DepthWorker) threadSafeWrite(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}
	return conn.WriteMessage(messageType, data)
}

func (w *DepthWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				w.logger.Warn("Ping failed", "error", err)
			}
		}
	}
}

func (w *DepthWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("Depth read error", "error", err)
			}
			w.closeConnection()
			return
		}
		if string(message) == "pong" {
			continue
		}

		for _, ev := range w.handleMessage(message, time.Now()) {
			select {
			case w.inbox <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage decodes one push into book events.
func (w *DepthWorker) handleMessage(message []byte, now time.Time) []event.Event {
	var msg bookMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		w.logger.Debug("Ignoring undecodable message", "error", err)
		return nil
	}
	if msg.Event == "error" {
		w.logger.Warn("Websocket error event", "code", msg.Code, "msg", msg.Msg)
		return nil
	}
	if msg.Event != "" || msg.Arg.Channel != w.channel || len(msg.Data) == 0 {
		return nil
	}

	symbol := msg.Arg.InstId
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	c, ok := w.chains[symbol]
	if !ok {
		return nil
	}

	out := make([]event.Event, 0, len(msg.Data))
	for _, d := range msg.Data {
		ts := parseMillis(d.Ts)
		if ts.IsZero() {
			ts = now
		}
		c.lastSeen = now

		if msg.Action == "snapshot" {
			c.synced = true
			c.exchSeq = d.Seq
			c.bookSeq++
			out = append(out, &event.BookSnapshotEvent{
				BaseEvent: event.BaseEvent{Seq: c.bookSeq, Ts: ts, Symbol: symbol},
				Bids:      parseLevels(d.Bids),
				Asks:      parseLevels(d.Asks),
			})
			continue
		}

		if !c.synced {
			continue
		}
		if d.Seq != 0 && d.Seq <= c.exchSeq {
			// Replayed push.
			continue
		}
		if d.Pseq != 0 && d.Pseq != c.exchSeq {
			w.logger.Warn("Exchange sequence break", "symbol", symbol, "expected_pseq", c.exchSeq, "pseq", d.Pseq)
			c.bookSeq++ // skipped on purpose
			c.synced = false
		}
		c.bookSeq++
		c.exchSeq = d.Seq

		ev := event.AcquireBookDeltaEvent()
		ev.Seq, ev.Ts, ev.Symbol = c.bookSeq, ts, symbol
		ev.Bids = appendLevels(ev.Bids, d.Bids)
		ev.Asks = appendLevels(ev.Asks, d.Asks)
		out = append(out, ev)
	}
	return out
}

// desyncAll forces every symbol to wait for a fresh snapshot.
func (w *DepthWorker) desyncAll() {
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	for _, c := range w.chains {
		c.synced = false
	}
}

func parseLevels(raw [][]string) []domain.PriceLevel {
	return appendLevels(make([]domain.PriceLevel, 0, len(raw)), raw)
}

func appendLevels(dst []domain.PriceLevel, raw [][]string) []domain.PriceLevel {
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			continue
		}
		dst = append(dst, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return dst
}

func (w *DepthWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.metrics.DecrementConnections()
	}
	w.connected = false
}

// Disconnect closes the connection and waits for the loops to exit.
func (w *DepthWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	w.logger.Info("Depth websocket disconnected")
}

// IsConnected returns connection status.
func (w *DepthWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// LastSeen reports when the symbol last received a push.
func (w *DepthWorker) LastSeen(symbol string) time.Time {
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	if c, ok := w.chains[symbol]; ok {
		return c.lastSeen
	}
	return time.Time{}
}
