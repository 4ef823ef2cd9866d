package stream

import (
	"bytes"
	"encoding/json"

	"github.com/masonbcnt/ccxt/models"
)

// Frame is the canonical inbound message after dialect translation. Exactly
// one payload field is expected to be set; the dispatch table classifies the
// frame once and routes it to the matching handler.
type Frame struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Book      *BookPayload      `json:"book,omitempty"`
	Trades    []models.Trade    `json:"trades,omitempty"`
	Fills     []models.Trade    `json:"fills,omitempty"`
	Orders    []OrderEvent      `json:"orders,omitempty"`
	Balance   *BalancePayload   `json:"balance,omitempty"`
	Candles   *CandlePayload    `json:"candles,omitempty"`
	Ticker    *models.Ticker    `json:"ticker,omitempty"`
	Positions []models.Position `json:"positions,omitempty"`
	Auth      *AuthPayload      `json:"auth,omitempty"`
	Err       *ErrorPayload     `json:"error,omitempty"`
	Pong      bool              `json:"pong,omitempty"`
}

// BookPayload carries order-book levels under one of three wire guarantees:
// a full snapshot resetting both sides, a full-side-replace at a depth tier,
// or an incremental delta merged level by level.
type BookPayload struct {
	Bids     []models.PriceLevel `json:"bids,omitempty"`
	Asks     []models.PriceLevel `json:"asks,omitempty"`
	Snapshot bool                `json:"snapshot,omitempty"`
	Replace  bool                `json:"replace,omitempty"`
}

// OrderEvent is one lifecycle transition for an order.
type OrderEvent struct {
	Kind     string        `json:"kind"` // place, fill or cancel
	Order    *models.Order `json:"order,omitempty"`
	Fill     *models.Trade `json:"fill,omitempty"`
	Terminal bool          `json:"terminal,omitempty"`
}

// Order event kinds.
const (
	OrderEventPlace  = "place"
	OrderEventFill   = "fill"
	OrderEventCancel = "cancel"
)

// BalancePayload is an account balance event, either a full snapshot or a
// per-currency delta depending on the dialect.
type BalancePayload struct {
	Snapshot   bool                      `json:"snapshot,omitempty"`
	Currencies map[string]models.Balance `json:"currencies"`
}

// CandlePayload is one or more OHLCV bars for a symbol and timeframe.
type CandlePayload struct {
	Timeframe string          `json:"timeframe"`
	Candles   []models.Candle `json:"candles"`
}

// AuthPayload is the outcome of a login frame.
type AuthPayload struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is a server-reported error frame.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Translator converts raw wire frames of one exchange dialect into canonical
// frames. Returning (nil, nil) skips a frame the dialect does not recognize;
// one unparseable frame must not terminate an otherwise healthy stream, so
// the read loop drops translation failures after counting them.
type Translator interface {
	Translate(raw []byte) (*Frame, error)
}

// JSONTranslator handles streams that already speak the canonical frame
// encoding, such as bridge endpoints and test servers.
type JSONTranslator struct{}

// Translate decodes a canonical frame. Frames without a channel marker are
// skipped rather than failed.
func (JSONTranslator) Translate(raw []byte) (*Frame, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil, nil
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Channel == "" && !frame.Pong {
		return nil, nil
	}
	return &frame, nil
}
