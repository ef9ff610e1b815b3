package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveBroker routes orders to the real venue through its HTTP gateway and
// consumes the order-event stream over websocket. It implements Broker with
// the same semantics the simulated venue provides: token-idempotent
// placement, cancel-vs-fill resolved in the venue's favor, and a single
// ordered event stream.
type LiveBroker struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	clientID   int
	httpClient *http.Client
	logger     *zap.SugaredLogger
	timeOffset int64

	mu     sync.Mutex
	mark   float64
	wsConn *websocket.Conn

	events chan models.OrderUpdate
	done   chan struct{}
	closed sync.Once
}

// NewLiveBroker connects to the venue gateway and synchronizes clocks. The
// event stream starts immediately and reconnects on failure.
func NewLiveBroker(apiKey, secretKey, baseURL, wsBaseURL string, clientID int, logger *zap.SugaredLogger) (*LiveBroker, error) {
	b := &LiveBroker{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		events:     make(chan models.OrderUpdate, 1024),
		done:       make(chan struct{}),
	}

	if err := b.syncTime(); err != nil {
		return nil, fmt.Errorf("clock sync with venue failed: %w", err)
	}

	go b.eventLoop()
	return b, nil
}

// syncTime measures the offset between local and venue clocks so signed
// requests carry an accepted timestamp.
func (b *LiveBroker) syncTime() error {
	data, err := b.doRequest("GET", "/v1/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	b.timeOffset = serverTime.ServerTime - time.Now().UnixMilli()
	b.logger.Infow("venue clock sync complete", "offset_ms", b.timeOffset)
	return nil
}

// doRequest signs and executes one gateway call.
func (b *LiveBroker) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", b.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + b.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		queryParams.Set("clientId", strconv.Itoa(b.clientID))
		payloadToSign := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, b.sign(payloadToSign))
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == "GET" || method == "DELETE" {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else {
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building request failed: %w", err)
	}

	req.Header.Set("X-API-KEY", b.apiKey)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response failed: %w", err)
	}

	var venueError models.BrokerError
	if json.Unmarshal(body, &venueError) == nil && venueError.Code != 0 {
		return body, &venueError
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (b *LiveBroker) sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// PlaceOrder implements Broker. The client token rides as the venue client
// order ID, which is what makes retried submissions idempotent venue-side.
func (b *LiveBroker) PlaceOrder(order *models.Order, token string) (string, error) {
	params := url.Values{}
	params.Set("symbol", order.Contract.Symbol)
	params.Set("expiry", order.Contract.Expiry)
	params.Set("strike", fmt.Sprintf("%.2f", order.Contract.Strike))
	params.Set("right", string(order.Contract.Right))
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", strconv.Itoa(order.Quantity))
	params.Set("clientOrderId", token)
	if order.Type == models.Limit {
		params.Set("timeInForce", "DAY")
		params.Set("limitPrice", fmt.Sprintf("%.2f", order.LimitPrice))
	}
	if order.Type == models.Stop {
		params.Set("stopPrice", fmt.Sprintf("%.2f", order.StopPrice))
	}
	if order.OCAGroup != "" {
		params.Set("ocaGroup", order.OCAGroup)
		params.Set("ocaType", "2") // remaining siblings cancelled on any fill
	}

	data, err := b.doRequest("POST", "/v1/order", params, true)
	if err != nil {
		b.logger.Errorw("order placement failed", "error", err, "raw_response", string(data))
		return "", err
	}

	var placed wireOrder
	if err := json.Unmarshal(data, &placed); err != nil {
		return "", err
	}
	return placed.OrderID, nil
}

// CancelOrder implements Broker.
func (b *LiveBroker) CancelOrder(orderID string) error {
	params := url.Values{}
	params.Set("orderId", orderID)
	_, err := b.doRequest("DELETE", "/v1/order", params, true)
	if venueErr, ok := err.(*models.BrokerError); ok && venueErr.Code == 409 {
		// Already terminal on the venue: the fill or cancel that got there
		// first wins, nothing to do.
		return nil
	}
	return err
}

// GetOrderStatus implements Broker.
func (b *LiveBroker) GetOrderStatus(orderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	return b.fetchOrder(params)
}

// GetOrderByToken implements Broker.
func (b *LiveBroker) GetOrderByToken(token string) (*models.Order, error) {
	params := url.Values{}
	params.Set("clientOrderId", token)
	return b.fetchOrder(params)
}

func (b *LiveBroker) fetchOrder(params url.Values) (*models.Order, error) {
	data, err := b.doRequest("GET", "/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var wo wireOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, err
	}
	o := wo.toOrder()
	return &o, nil
}

// GetOpenOrders implements Broker.
func (b *LiveBroker) GetOpenOrders() ([]models.Order, error) {
	data, err := b.doRequest("GET", "/v1/openOrders", nil, true)
	if err != nil {
		return nil, err
	}
	var wire []wireOrder
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(wire))
	for _, wo := range wire {
		orders = append(orders, wo.toOrder())
	}
	return orders, nil
}

// GetPremium implements Broker using the venue quote endpoint. The midpoint
// sizes the entry; the actual fill price still comes from execution reports.
func (b *LiveBroker) GetPremium(contract models.Contract) (float64, error) {
	params := url.Values{}
	params.Set("symbol", contract.Symbol)
	params.Set("expiry", contract.Expiry)
	params.Set("strike", strconv.FormatFloat(contract.Strike, 'f', -1, 64))
	params.Set("right", string(contract.Right))
	data, err := b.doRequest("GET", "/v1/quote", params, true)
	if err != nil {
		return 0, err
	}
	var quote struct {
		Bid json.Number `json:"bid"`
		Ask json.Number `json:"ask"`
	}
	if err := json.Unmarshal(data, &quote); err != nil {
		return 0, err
	}
	bid, _ := quote.Bid.Float64()
	ask, _ := quote.Ask.Float64()
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0, fmt.Errorf("no usable quote for %s", contract.String())
	}
	return mid, nil
}

// OnBar implements Broker. Live fills come from the venue; only the mark is
// kept for logging.
func (b *LiveBroker) OnBar(bar models.Bar) {
	b.mu.Lock()
	b.mark = bar.Close
	b.mu.Unlock()
}

// Events implements Broker.
func (b *LiveBroker) Events() <-chan models.OrderUpdate { return b.events }

// Close implements Broker.
func (b *LiveBroker) Close() error {
	b.closed.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn != nil {
		return b.wsConn.Close()
	}
	return nil
}

// eventLoop keeps the order-event websocket alive for the whole session.
func (b *LiveBroker) eventLoop() {
	for {
		select {
		case <-b.done:
			return
		default:
			if err := b.connectWS(); err != nil {
				b.logger.Warnw("order stream connect failed, retrying", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			if err := b.readEvents(); err != nil {
				b.logger.Warnw("order stream dropped, reconnecting", "error", err)
			}
			b.mu.Lock()
			if b.wsConn != nil {
				b.wsConn.Close()
				b.wsConn = nil
			}
			b.mu.Unlock()
			time.Sleep(5 * time.Second)
		}
	}
}

func (b *LiveBroker) connectWS() error {
	wsURL := fmt.Sprintf("%s/ws/orders?clientId=%d", b.wsBaseURL, b.clientID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.wsConn = conn
	b.mu.Unlock()
	return nil
}

// readEvents drains one websocket connection, with ping/pong keepalive.
func (b *LiveBroker) readEvents() error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn := b.wsConn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-b.done:
				return
			}
		}
	}()

	for {
		select {
		case <-b.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("reading order event failed: %w", err)
			}

			var ev wireOrderEvent
			if err := json.Unmarshal(message, &ev); err != nil {
				b.logger.Warnw("unparseable order event", "error", err)
				continue
			}

			select {
			case b.events <- ev.toUpdate():
			case <-b.done:
				return nil
			}
		}
	}
}

// wireOrder is the gateway's order representation.
type wireOrder struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Expiry        string `json:"expiry"`
	Strike        string `json:"strike"`
	Right         string `json:"right"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limitPrice"`
	StopPrice     string `json:"stopPrice"`
	OCAGroup      string `json:"ocaGroup"`
	Status        string `json:"status"`
	FilledQty     string `json:"filledQty"`
	AvgFillPrice  string `json:"avgFillPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (wo wireOrder) toOrder() models.Order {
	strike, _ := strconv.ParseFloat(wo.Strike, 64)
	qty, _ := strconv.Atoi(wo.Quantity)
	filled, _ := strconv.Atoi(wo.FilledQty)
	limitPrice, _ := strconv.ParseFloat(wo.LimitPrice, 64)
	stopPrice, _ := strconv.ParseFloat(wo.StopPrice, 64)
	avg, _ := strconv.ParseFloat(wo.AvgFillPrice, 64)
	return models.Order{
		OrderID:     wo.OrderID,
		ClientToken: wo.ClientOrderID,
		Contract: models.Contract{
			Symbol: wo.Symbol,
			Expiry: wo.Expiry,
			Strike: strike,
			Right:  models.Right(wo.Right),
		},
		Side:         models.Side(wo.Side),
		Type:         models.OrderType(wo.Type),
		Quantity:     qty,
		LimitPrice:   limitPrice,
		StopPrice:    stopPrice,
		OCAGroup:     wo.OCAGroup,
		Status:       models.OrderStatus(wo.Status),
		FilledQty:    filled,
		AvgFillPrice: avg,
		UpdateTime:   time.UnixMilli(wo.UpdateTime),
	}
}

// wireOrderEvent is one message on the order-event stream.
type wireOrderEvent struct {
	OrderID       string `json:"i"`
	ClientOrderID string `json:"c"`
	Status        string `json:"X"`
	FilledQty     string `json:"z"`
	AvgFillPrice  string `json:"ap"`
	EventTime     int64  `json:"E"`
}

func (ev wireOrderEvent) toUpdate() models.OrderUpdate {
	filled, _ := strconv.Atoi(ev.FilledQty)
	avg, _ := strconv.ParseFloat(ev.AvgFillPrice, 64)
	return models.OrderUpdate{
		OrderID:      ev.OrderID,
		ClientToken:  ev.ClientOrderID,
		Status:       models.OrderStatus(ev.Status),
		FilledQty:    filled,
		AvgFillPrice: avg,
		Timestamp:    time.UnixMilli(ev.EventTime),
	}
}
