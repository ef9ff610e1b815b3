package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"options-breakout-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveFeed streams bars for one symbol from the market-data websocket. The
// connection is kept alive with ping/pong and reconnects on failure; bars
// arrive on an internal channel that Next drains.
type LiveFeed struct {
	wsBaseURL string
	symbol    string
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	wsConn *websocket.Conn

	bars   chan *models.Bar
	done   chan struct{}
	closed sync.Once
}

// NewLiveFeed starts streaming bars for symbol.
func NewLiveFeed(wsBaseURL, symbol string, logger *zap.SugaredLogger) *LiveFeed {
	f := &LiveFeed{
		wsBaseURL: wsBaseURL,
		symbol:    symbol,
		logger:    logger,
		bars:      make(chan *models.Bar, 64),
		done:      make(chan struct{}),
	}
	go f.streamLoop()
	return f
}

// Next implements BarFeed.
func (f *LiveFeed) Next() (*models.Bar, error) {
	select {
	case bar, ok := <-f.bars:
		if !ok {
			return nil, io.EOF
		}
		return bar, nil
	case <-f.done:
		return nil, io.EOF
	}
}

// Close implements BarFeed.
func (f *LiveFeed) Close() error {
	f.closed.Do(func() { close(f.done) })
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wsConn != nil {
		return f.wsConn.Close()
	}
	return nil
}

// streamLoop maintains the connection for the whole session.
func (f *LiveFeed) streamLoop() {
	for {
		select {
		case <-f.done:
			return
		default:
			if err := f.connect(); err != nil {
				f.logger.Warnw("bar stream connect failed, retrying", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			if err := f.readBars(); err != nil {
				f.logger.Warnw("bar stream dropped, reconnecting", "error", err)
			}
			f.mu.Lock()
			if f.wsConn != nil {
				f.wsConn.Close()
				f.wsConn = nil
			}
			f.mu.Unlock()
			time.Sleep(5 * time.Second)
		}
	}
}

func (f *LiveFeed) connect() error {
	wsURL := fmt.Sprintf("%s/ws/%s@bar5m", f.wsBaseURL, strings.ToLower(f.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.wsConn = conn
	f.mu.Unlock()
	return nil
}

func (f *LiveFeed) readBars() error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn := f.wsConn
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
			case <-f.done:
				return
			}
		}
	}()

	for {
		select {
		case <-f.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("reading bar failed: %w", err)
			}

			var wb wireBar
			if err := json.Unmarshal(message, &wb); err != nil {
				f.logger.Warnw("unparseable bar message", "error", err)
				continue
			}

			bar := wb.toBar()
			select {
			case f.bars <- &bar:
			case <-f.done:
				return nil
			}
		}
	}
}

// wireBar is one bar message off the market-data stream.
type wireBar struct {
	Timestamp int64       `json:"t"`
	Open      json.Number `json:"o"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Close     json.Number `json:"c"`
	Volume    json.Number `json:"v"`
}

func (wb wireBar) toBar() models.Bar {
	open, _ := wb.Open.Float64()
	high, _ := wb.High.Float64()
	low, _ := wb.Low.Float64()
	closePrice, _ := wb.Close.Float64()
	volume, _ := wb.Volume.Float64()
	return models.Bar{
		Timestamp: time.UnixMilli(wb.Timestamp),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}
}
