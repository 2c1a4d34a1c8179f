package marketfeeds

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventTicker24h is the event type of Binance's rolling 24h ticker stream.
const EventTicker24h = "24hrTicker"

// ErrNotTicker marks frames that are valid but carry no ticker event, such
// as subscription acknowledgements.
var ErrNotTicker = errors.New("not a 24h ticker event")

// binanceTicker mirrors the abbreviated wire format. Every case-colliding
// key pair (e/E, p/P, ...) is declared so decoding never folds one onto the
// other.
type binanceTicker struct {
	EventType          string          `json:"e"`
	EventTime          int64           `json:"E"`
	Symbol             string          `json:"s"`
	PriceChange        decimal.Decimal `json:"p"`
	PriceChangePercent decimal.Decimal `json:"P"`
	WeightedAvgPrice   decimal.Decimal `json:"w"`
	PrevClosePrice     decimal.Decimal `json:"x"`
	LastPrice          decimal.Decimal `json:"c"`
	LastQuantity       decimal.Decimal `json:"Q"`
	BidPrice           decimal.Decimal `json:"b"`
	BidQuantity        decimal.Decimal `json:"B"`
	AskPrice           decimal.Decimal `json:"a"`
	AskQuantity        decimal.Decimal `json:"A"`
	OpenPrice          decimal.Decimal `json:"o"`
	HighPrice          decimal.Decimal `json:"h"`
	LowPrice           decimal.Decimal `json:"l"`
	Volume             decimal.Decimal `json:"v"`
	QuoteVolume        decimal.Decimal `json:"q"`
	OpenTime           int64           `json:"O"`
	CloseTime          int64           `json:"C"`
	FirstTradeID       int64           `json:"F"`
	LastTradeID        int64           `json:"L"`
	TradeCount         int64           `json:"n"`
}

// TickerRecord is the normalized record published downstream. Decimal
// fields keep the exchange's precision and are emitted as JSON numbers.
type TickerRecord struct {
	EventType         string      `json:"event_type"`
	EventTimeUTC      int64       `json:"event_time_utc"`
	Symbol            string      `json:"symbol"`
	PriceChange24h    json.Number `json:"price_change_24h"`
	PriceChangePct24h json.Number `json:"price_change_pct_24h"`
	WgtAvgPrice24h    json.Number `json:"wgt_avg_price_24h"`
	ClosePrice24h     json.Number `json:"close_price_24h"`
	LastPrice         json.Number `json:"last_price"`
	BidPrice          json.Number `json:"bid_price"`
	BidQuantity       json.Number `json:"bid_quantity"`
	AskPrice          json.Number `json:"ask_price"`
	AskQuantity       json.Number `json:"ask_quantity"`
	Open              json.Number `json:"open"`
	High              json.Number `json:"high"`
	Low24h            json.Number `json:"low_24h"`
	Volume24h         json.Number `json:"volume_24h"`
	QuoteVolume24h    json.Number `json:"quote_volume_24h"`
	LastQuantity      json.Number `json:"Q"`
	OpenTimeUTC       int64       `json:"open_time_utc"`
	CloseTimeUTC      int64       `json:"close_time_utc"`
	FirstTradeID      int64       `json:"first_trade_id"`
	LastTradeID       int64       `json:"last_trade_id"`
	NumberTrades      int64       `json:"number_trades"`
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// ParseTicker decodes one upstream frame. Frames without an "e" field or
// with another event type yield ErrNotTicker; anything undecodable is a
// plain error.
func ParseTicker(frame []byte) (*TickerRecord, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	rawEvent, ok := probe["e"]
	if !ok {
		return nil, ErrNotTicker
	}
	var event string
	if err := json.Unmarshal(rawEvent, &event); err != nil {
		return nil, fmt.Errorf("decode event type: %w", err)
	}
	if event != EventTicker24h {
		return nil, ErrNotTicker
	}

	var t binanceTicker
	if err := json.Unmarshal(frame, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EventTicker24h, err)
	}
	if t.Symbol == "" {
		return nil, errors.New("decode 24hrTicker: missing symbol")
	}

	return &TickerRecord{
		EventType:         t.EventType,
		EventTimeUTC:      t.EventTime,
		Symbol:            t.Symbol,
		PriceChange24h:    number(t.PriceChange),
		PriceChangePct24h: number(t.PriceChangePercent),
		WgtAvgPrice24h:    number(t.WeightedAvgPrice),
		ClosePrice24h:     number(t.PrevClosePrice),
		LastPrice:         number(t.LastPrice),
		BidPrice:          number(t.BidPrice),
		BidQuantity:       number(t.BidQuantity),
		AskPrice:          number(t.AskPrice),
		AskQuantity:       number(t.AskQuantity),
		Open:              number(t.OpenPrice),
		High:              number(t.HighPrice),
		Low24h:            number(t.LowPrice),
		Volume24h:         number(t.Volume),
		QuoteVolume24h:    number(t.QuoteVolume),
		LastQuantity:      number(t.LastQuantity),
		OpenTimeUTC:       t.OpenTime,
		CloseTimeUTC:      t.CloseTime,
		FirstTradeID:      t.FirstTradeID,
		LastTradeID:       t.LastTradeID,
		NumberTrades:      t.TradeCount,
	}, nil
}
