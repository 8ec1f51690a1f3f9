package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"momentumbot/internal/market"
	"momentumbot/internal/metrics"
)

// Stream subscribes to the OKX public tickers channel and pushes samples
// into a channel. The REST poller is the engine's source of truth; the
// stream exists for the watch tool and anything else that wants live
// prices without spending request quota.
type Stream struct {
	url    string
	instID string
	log    zerolog.Logger
}

// NewStream builds a ticker stream for one instrument. url is the public
// websocket endpoint, e.g. wss://ws.okx.com:8443/ws/v5/public.
func NewStream(url, instID string, log zerolog.Logger) *Stream {
	return &Stream{url: url, instID: instID, log: log}
}

type okxWsSubscribe struct {
	Op   string         `json:"op"`
	Args []okxWsChannel `json:"args"`
}

type okxWsChannel struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxWsMessage struct {
	Event string        `json:"event"`
	Msg   string        `json:"msg"`
	Arg   okxWsChannel  `json:"arg"`
	Data  []okxWsTicker `json:"data"`
}

type okxWsTicker struct {
	Last  string `json:"last"`
	BidPx string `json:"bidPx"`
	AskPx string `json:"askPx"`
	Ts    string `json:"ts"`
}

// Run consumes the stream until ctx is cancelled, reconnecting with
// backoff on any failure.
func (s *Stream) Run(ctx context.Context, out chan<- market.Sample) error {
	if s.instID == "" {
		return fmt.Errorf("stream requires an instrument id")
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.consume(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("ticker stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (s *Stream) consume(ctx context.Context, out chan<- market.Sample) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := okxWsSubscribe{
		Op:   "subscribe",
		Args: []okxWsChannel{{Channel: "tickers", InstID: s.instID}},
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	s.log.Info().Str("inst", s.instID).Msg("connected ticker stream")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				// OKX expects a literal "ping" text frame, not a ws ping.
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					s.log.Warn().Err(err).Msg("stream ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(message) == "pong" {
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			continue
		}

		var msg okxWsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode stream message")
			continue
		}
		if msg.Event == "error" {
			return fmt.Errorf("stream subscription error: %s", msg.Msg)
		}
		if msg.Event != "" || len(msg.Data) == 0 {
			continue
		}

		for _, t := range msg.Data {
			sample, err := parseWsTicker(t)
			if err != nil {
				s.log.Warn().Err(err).Msg("invalid ticker from stream")
				continue
			}
			select {
			case out <- sample:
				metrics.PricesObserved.Inc()
				metrics.LastPrice.Set(sample.Mid)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func parseWsTicker(t okxWsTicker) (market.Sample, error) {
	bid, err := strconv.ParseFloat(t.BidPx, 64)
	if err != nil {
		return market.Sample{}, fmt.Errorf("bad bid %q: %w", t.BidPx, err)
	}
	ask, err := strconv.ParseFloat(t.AskPx, 64)
	if err != nil {
		return market.Sample{}, fmt.Errorf("bad ask %q: %w", t.AskPx, err)
	}
	mid := (bid + ask) / 2
	if mid <= 0 {
		last, lerr := strconv.ParseFloat(t.Last, 64)
		if lerr != nil || last <= 0 {
			return market.Sample{}, fmt.Errorf("no usable price in ticker")
		}
		mid = last
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(t.Ts, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return market.Sample{Time: ts, Mid: mid, Bid: bid, Ask: ask}, nil
}
