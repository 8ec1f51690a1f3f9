package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"momentumbot/internal/config"
	"momentumbot/internal/ledger"
	"momentumbot/internal/market"
	"momentumbot/internal/metrics"
)

// OKX API result codes this client reacts to.
const (
	okxCodeOK             = "0"
	okxCodeRateLimited    = "50011"
	okxCodeSystemBusy     = "50013"
	okxCodeOrderNotExist  = "51603"
	okxCodeCancelDone     = "51402" // already cancelled
	okxCodeCancelComplete = "51410" // already completed
)

// errTransport marks a failure where the request may or may not have
// reached the exchange. Mutating calls must not be blindly retried on it.
var errTransport = errors.New("transport failure")

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type okxInstrumentMeta struct {
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	MinSize  float64
}

// OKX implements Gateway against OKX spot REST v5.
type OKX struct {
	client     *http.Client
	baseURL    string
	instID     string
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool

	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	banMu    sync.Mutex // read-only calls run concurrently inside a cycle
	banBase  time.Duration
	banSleep time.Duration

	meta *okxInstrumentMeta // lazily cached instrument steps

	log zerolog.Logger
}

// NewOKX reads credentials from the environment (OKX_API_KEY,
// OKX_SECRET_KEY, OKX_PASSPHRASE) and wires pacing/retry from config.
func NewOKX(cfg config.Exchange, log zerolog.Logger) (*OKX, error) {
	apiKey := os.Getenv("OKX_API_KEY")
	secretKey := os.Getenv("OKX_SECRET_KEY")
	passphrase := os.Getenv("OKX_PASSPHRASE")
	if apiKey == "" || secretKey == "" || passphrase == "" {
		return nil, errors.New("OKX_API_KEY, OKX_SECRET_KEY and OKX_PASSPHRASE must be set")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://www.okx.com"
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	banBase := time.Duration(cfg.BanSleepSecs) * time.Second
	if banBase <= 0 {
		banBase = time.Minute
	}
	return &OKX{
		client:     &http.Client{Timeout: cfg.Timeout()},
		baseURL:    strings.TrimRight(base, "/"),
		instID:     cfg.Asset,
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		simulated:  cfg.Testnet,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst),
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMs) * time.Millisecond,
		maxBackoff: time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		banBase:    banBase,
		banSleep:   banBase,
		log:        log,
	}, nil
}

func (o *OKX) Name() string { return "okx" }

// GetPrice returns the pair's current ticker as a Sample.
func (o *OKX) GetPrice(ctx context.Context) (market.Sample, error) {
	data, err := o.do(ctx, http.MethodGet, "/api/v5/market/ticker?instId="+o.instID, nil, true, "get_price")
	if err != nil {
		return market.Sample{}, err
	}
	var arr []struct {
		Last  string `json:"last"`
		BidPx string `json:"bidPx"`
		AskPx string `json:"askPx"`
		Ts    string `json:"ts"`
	}
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return market.Sample{}, fmt.Errorf("decode ticker: %w", err)
	}
	t := arr[0]
	bid, _ := strconv.ParseFloat(t.BidPx, 64)
	ask, _ := strconv.ParseFloat(t.AskPx, 64)
	last, _ := strconv.ParseFloat(t.Last, 64)
	mid := last
	if bid > 0 && ask > 0 {
		mid = (bid + ask) / 2
	}
	if mid <= 0 {
		return market.Sample{}, errors.New("ticker carried no usable price")
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(t.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return market.Sample{Time: ts, Mid: mid, Bid: bid, Ask: ask}, nil
}

// GetBalance returns the available (free) amount for one asset in the
// trading account.
func (o *OKX) GetBalance(ctx context.Context, asset string) (float64, error) {
	data, err := o.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy="+asset, nil, true, "get_balance")
	if err != nil {
		return 0, err
	}
	var arr []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, acct := range arr {
		for _, d := range acct.Details {
			if strings.EqualFold(d.Ccy, asset) {
				v, err := strconv.ParseFloat(d.AvailBal, 64)
				if err != nil {
					return 0, fmt.Errorf("parse availBal %q: %w", d.AvailBal, err)
				}
				return v, nil
			}
		}
	}
	// No detail entry means a zero balance, not an error.
	return 0, nil
}

// MinOrderSize returns the instrument's minimum base size, caching the
// instrument meta on first use.
func (o *OKX) MinOrderSize(ctx context.Context) (float64, error) {
	meta, err := o.instrumentMeta(ctx)
	if err != nil {
		return 0, err
	}
	return meta.MinSize, nil
}

// PlaceOrder submits a limit order. A transport failure after the request
// may have been sent is resolved by querying the order by its client id:
// found means the order exists and is adopted, not found means a retry is
// safe. Exhausting the budget without an answer returns ErrAmbiguous.
func (o *OKX) PlaceOrder(ctx context.Context, req Request) (Placed, error) {
	if req.ClientID == "" {
		return Placed{}, errors.New("place order: client id required")
	}
	meta, err := o.instrumentMeta(ctx)
	if err != nil {
		return Placed{}, err
	}
	body, err := json.Marshal(map[string]string{
		"instId":  o.instID,
		"tdMode":  "cash",
		"clOrdId": req.ClientID,
		"side":    string(req.Side),
		"ordType": "limit",
		"px":      floorToStep(req.Price, meta.TickSize),
		"sz":      floorToStep(req.Size, meta.LotSize),
	})
	if err != nil {
		return Placed{}, fmt.Errorf("encode order: %w", err)
	}

	for attempt := 1; ; attempt++ {
		data, err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", body, false, "place_order")
		if err == nil {
			var arr []struct {
				OrdID string `json:"ordId"`
			}
			if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
				return Placed{}, fmt.Errorf("decode order ack: %w", err)
			}
			return Placed{ExchangeID: arr[0].OrdID, ClientID: req.ClientID, State: ledger.Pending, Created: time.Now()}, nil
		}
		if !errors.Is(err, errTransport) {
			// The exchange answered; the rejection is definitive.
			return Placed{}, err
		}

		o.log.Warn().Str("clOrdId", req.ClientID).Int("attempt", attempt).
			Msg("ambiguous place_order outcome, resolving by client id")
		report, statusErr := o.OrderStatus(ctx, Query{ClientID: req.ClientID})
		if statusErr == nil && report.Found {
			metrics.AmbiguousResolutions.WithLabelValues("adopted").Inc()
			o.log.Info().Str("clOrdId", req.ClientID).Str("ordId", report.ExchangeID).
				Msg("order reached the exchange despite transport failure")
			return Placed{ExchangeID: report.ExchangeID, ClientID: req.ClientID, State: report.State, Created: time.Now()}, nil
		}
		if statusErr == nil && !report.Found && attempt < o.maxRetries {
			metrics.AmbiguousResolutions.WithLabelValues("retried").Inc()
			o.sleepBackoff(ctx, attempt)
			continue
		}
		metrics.AmbiguousResolutions.WithLabelValues("unresolved").Inc()
		return Placed{}, fmt.Errorf("%w: clOrdId=%s after %d attempts", ErrAmbiguous, req.ClientID, attempt)
	}
}

// OrderStatus looks an order up by client id or exchange id. An order the
// exchange does not know yields Found=false with no error.
func (o *OKX) OrderStatus(ctx context.Context, q Query) (ledger.StatusReport, error) {
	path := "/api/v5/trade/order?instId=" + o.instID
	switch {
	case q.ExchangeID != "":
		path += "&ordId=" + q.ExchangeID
	case q.ClientID != "":
		path += "&clOrdId=" + q.ClientID
	default:
		return ledger.StatusReport{}, errors.New("order status: empty query")
	}
	data, err := o.do(ctx, http.MethodGet, path, nil, true, "order_status")
	if err != nil {
		var apiErr *okxAPIError
		if errors.As(err, &apiErr) && apiErr.Code == okxCodeOrderNotExist {
			return ledger.StatusReport{LocalID: q.ClientID, Found: false}, nil
		}
		return ledger.StatusReport{}, err
	}
	var arr []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		State     string `json:"state"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		Fee       string `json:"fee"`
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return ledger.StatusReport{}, fmt.Errorf("decode order status: %w", err)
	}
	if len(arr) == 0 {
		return ledger.StatusReport{LocalID: q.ClientID, Found: false}, nil
	}
	d := arr[0]
	filled, _ := strconv.ParseFloat(d.AccFillSz, 64)
	avg, _ := strconv.ParseFloat(d.AvgPx, 64)
	fee, _ := strconv.ParseFloat(d.Fee, 64)
	if fee < 0 {
		fee = -fee // OKX reports fees as negative deductions
	}
	localID := d.ClOrdID
	if localID == "" {
		localID = q.ClientID
	}
	return ledger.StatusReport{
		LocalID:    localID,
		ExchangeID: d.OrdID,
		State:      mapOKXState(d.State),
		FilledSize: filled,
		AvgPrice:   avg,
		Fee:        fee,
		Found:      true,
	}, nil
}

// CancelOrder requests cancellation. An order that is already terminal is
// treated as a successful cancel.
func (o *OKX) CancelOrder(ctx context.Context, q Query) error {
	payload := map[string]string{"instId": o.instID}
	switch {
	case q.ExchangeID != "":
		payload["ordId"] = q.ExchangeID
	case q.ClientID != "":
		payload["clOrdId"] = q.ClientID
	default:
		return errors.New("cancel order: empty query")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	_, err = o.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, true, "cancel_order")
	if err != nil {
		var apiErr *okxAPIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case okxCodeCancelDone, okxCodeCancelComplete, okxCodeOrderNotExist:
				return nil
			}
		}
		return err
	}
	return nil
}

// ---- request plumbing ----

type okxAPIError struct {
	Code string
	Msg  string
}

func (e *okxAPIError) Error() string { return fmt.Sprintf("okx api error %s: %s", e.Code, e.Msg) }

// do sends one signed request, pacing under the rate limiter and retrying
// transient failures with exponential backoff. When retryTransport is
// false a transport failure surfaces immediately as errTransport so the
// caller can run the ambiguity procedure instead of re-sending.
func (o *OKX) do(ctx context.Context, method, path string, body []byte, retryTransport bool, op string) (json.RawMessage, error) {
	var lastErr error
	rateLimited := false
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			metrics.GatewayRetries.WithLabelValues(op).Inc()
			o.sleepBackoff(ctx, attempt-1)
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, err := o.send(ctx, method, path, body)
		if err == nil {
			o.resetBanSleep()
			return data, nil
		}
		lastErr = err

		var apiErr *okxAPIError
		switch {
		case errors.Is(err, errTransport):
			if !retryTransport {
				return nil, err
			}
		case errors.As(err, &apiErr):
			switch apiErr.Code {
			case okxCodeRateLimited, okxCodeSystemBusy:
				rateLimited = true
			default:
				return nil, err // definitive API rejection
			}
		case isRetryableStatus(err):
			// 429/5xx, keep going
			if isTooManyRequests(err) {
				rateLimited = true
			}
		default:
			return nil, err
		}
		o.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("exchange call failed, retrying")
	}

	if rateLimited {
		// Persistent throttling: back off hard before the next cycle touches
		// the API again, escalating while the ban lasts.
		sleep := o.nextBanSleep()
		o.log.Warn().Dur("sleep", sleep).Msg("rate limited beyond retry budget, backing off")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, o.maxRetries, lastErr)
}

func (o *OKX) resetBanSleep() {
	o.banMu.Lock()
	o.banSleep = o.banBase
	o.banMu.Unlock()
}

// nextBanSleep returns the current ban backoff and doubles it, capped at
// sixteen times the base.
func (o *OKX) nextBanSleep() time.Duration {
	o.banMu.Lock()
	defer o.banMu.Unlock()
	d := o.banSleep
	if o.banSleep < 16*o.banBase {
		o.banSleep *= 2
	}
	return d
}

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Body) }

func isRetryableStatus(err error) bool {
	var se *httpStatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusTooManyRequests || se.Status >= 500
}

func isTooManyRequests(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}

// send performs a single signed request/response exchange.
func (o *OKX) send(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(ts, method, path, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	if o.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var env okxEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != okxCodeOK {
		// Per-item codes hide inside data for batched endpoints; surface the
		// first one so callers can classify it.
		code, msg := env.Code, env.Msg
		var items []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != okxCodeOK {
			code, msg = items[0].SCode, items[0].SMsg
		}
		return nil, &okxAPIError{Code: code, Msg: msg}
	}
	return env.Data, nil
}

func (o *OKX) sign(ts, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secretKey))
	mac.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (o *OKX) sleepBackoff(ctx context.Context, attempt int) {
	d := o.backoff << (attempt - 1)
	if o.maxBackoff > 0 && d > o.maxBackoff {
		d = o.maxBackoff
	}
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// instrumentMeta fetches and caches tick/lot/min sizes for the pair.
func (o *OKX) instrumentMeta(ctx context.Context) (*okxInstrumentMeta, error) {
	if o.meta != nil {
		return o.meta, nil
	}
	data, err := o.do(ctx, http.MethodGet, "/api/v5/public/instruments?instType=SPOT&instId="+o.instID, nil, true, "instruments")
	if err != nil {
		return nil, err
	}
	var arr []struct {
		InstID string `json:"instId"`
		TickSz string `json:"tickSz"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
	}
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	tick, err := decimal.NewFromString(arr[0].TickSz)
	if err != nil {
		return nil, fmt.Errorf("parse tickSz %q: %w", arr[0].TickSz, err)
	}
	lot, err := decimal.NewFromString(arr[0].LotSz)
	if err != nil {
		return nil, fmt.Errorf("parse lotSz %q: %w", arr[0].LotSz, err)
	}
	minSz, _ := strconv.ParseFloat(arr[0].MinSz, 64)
	o.meta = &okxInstrumentMeta{TickSize: tick, LotSize: lot, MinSize: minSz}
	return o.meta, nil
}

// mapOKXState translates OKX order states into ledger states. "live"
// covers both resting and just-accepted orders.
func mapOKXState(s string) ledger.State {
	switch s {
	case "live":
		return ledger.Open
	case "partially_filled":
		return ledger.PartiallyFilled
	case "filled":
		return ledger.Filled
	case "canceled", "mmp_canceled":
		return ledger.Cancelled
	default:
		return ledger.Pending
	}
}

// floorToStep renders v floored to the instrument step without float
// artifacts in the wire format.
func floorToStep(v float64, step decimal.Decimal) string {
	d := decimal.NewFromFloat(v)
	if step.IsPositive() {
		d = d.Div(step).Floor().Mul(step)
	}
	return d.String()
}
