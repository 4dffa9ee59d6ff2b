package bitkub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test_secret"

func newTestExchange(t *testing.T, handler http.Handler) *BitkubExchange {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := &config.VenueConfig{
		APIKey:    "test_key",
		SecretKey: testSecret,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}
	return NewBitkubExchange(cfg, logger)
}

// serveTime answers the public servertime endpoint with epoch seconds.
func serveTime(w http.ResponseWriter) {
	fmt.Fprintf(w, "%d", time.Now().Unix())
}

func TestApiSymbol(t *testing.T) {
	assert.Equal(t, "BTC_THB", apiSymbol("THB_BTC"))
	assert.Equal(t, "ETH_THB", apiSymbol("THB_ETH"))
	assert.Equal(t, "weird", apiSymbol("weird"))
}

func TestPlaceLimitOrder_BuyUsesQuoteAmount(t *testing.T) {
	var captured struct {
		Sym string      `json:"sym"`
		Amt json.Number `json:"amt"`
		Rat json.Number `json:"rat"`
		Typ string      `json:"typ"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(placeBidPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		// Verify the signature covers ts || METHOD || PATH || BODY
		ts := r.Header.Get("X-API-TS")
		require.NotEmpty(t, ts)
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte(ts + "POST" + placeBidPath + string(body)))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-API-SIG"))
		assert.Equal(t, "test_key", r.Header.Get("X-API-KEY"))

		fmt.Fprint(w, `{"error":0,"result":{"id":"12345","hash":"fwQ6dng","ts":1700000000000}}`)
	})

	e := newTestExchange(t, mux)
	result, err := e.PlaceLimitOrder(context.Background(), "THB_BTC", core.SideBuy,
		decimal.NewFromInt(1000000), decimal.RequireFromString("0.001"))
	require.NoError(t, err)

	assert.Equal(t, "12345", result.VenueOrderID)
	assert.Equal(t, core.PlaceOpen, result.Status)
	assert.Equal(t, "BTC_THB", captured.Sym)
	// buy amount is quote currency: 1000000 * 0.001 = 1000 THB
	assert.Equal(t, "1000", captured.Amt.String())
	assert.Equal(t, "1000000", captured.Rat.String())
	assert.Equal(t, "limit", captured.Typ)
}

func TestPlaceLimitOrder_SellUsesBaseAmount(t *testing.T) {
	var capturedAmt string

	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(placeAskPath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amt json.Number `json:"amt"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		capturedAmt = req.Amt.String()
		fmt.Fprint(w, `{"error":0,"result":{"id":"777","ts":1700000000000}}`)
	})

	e := newTestExchange(t, mux)
	_, err := e.PlaceLimitOrder(context.Background(), "THB_BTC", core.SideSell,
		decimal.NewFromInt(1000000), decimal.RequireFromString("0.001"))
	require.NoError(t, err)
	assert.Equal(t, "0.001", capturedAmt)
}

func TestPlaceLimitOrder_InsufficientFunds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(placeBidPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":15}`)
	})

	e := newTestExchange(t, mux)
	_, err := e.PlaceLimitOrder(context.Background(), "THB_BTC", core.SideBuy,
		decimal.NewFromInt(1000000), decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestCancelOrder_SideFromOpenOrders(t *testing.T) {
	var cancelled struct {
		Sym  string `json:"sym"`
		ID   string `json:"id"`
		Sd   string `json:"sd"`
		Hash string `json:"hash"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(openOrdersPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":[{"id":42,"side":"sell","rate":1500000,"amount":0.002,"ts":1700000000000}]}`)
	})
	mux.HandleFunc(cancelPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &cancelled))
		fmt.Fprint(w, `{"error":0}`)
	})

	e := newTestExchange(t, mux)
	require.NoError(t, e.CancelOrder(context.Background(), "42", "THB_BTC"))

	assert.Equal(t, "BTC_THB", cancelled.Sym)
	assert.Equal(t, "42", cancelled.ID)
	assert.Equal(t, "sell", cancelled.Sd)
	assert.Equal(t, "42", cancelled.Hash)
}

func TestCancelOrder_UnknownSideTriesBoth(t *testing.T) {
	var attempts []string

	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(openOrdersPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":[]}`)
	})
	mux.HandleFunc(cancelPath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Sd string `json:"sd"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		attempts = append(attempts, req.Sd)

		// Wrong side gets error 21, correct side succeeds
		if req.Sd == "buy" {
			fmt.Fprint(w, `{"error":0}`)
		} else {
			fmt.Fprint(w, `{"error":21}`)
		}
	})

	e := newTestExchange(t, mux)
	require.NoError(t, e.CancelOrder(context.Background(), "99", "THB_BTC"))
	assert.Equal(t, []string{"sell", "buy"}, attempts)
}

func TestCancelOrder_NotFoundOnBothSides(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(openOrdersPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":[]}`)
	})
	mux.HandleFunc(cancelPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":21}`)
	})

	e := newTestExchange(t, mux)
	err := e.CancelOrder(context.Background(), "99", "THB_BTC")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestFetchOpenOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(openOrdersPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":[
			{"id":1,"side":"buy","rate":"1000000","amount":"0.001","filled":"0.0004","ts":1700000000000},
			{"id":2,"side":"sell","rate":"1500000","amount":"0.002","ts":1700000001000}
		]}`)
	})

	e := newTestExchange(t, mux)
	orders, err := e.FetchOpenOrders(context.Background(), "THB_BTC")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, core.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(decimal.NewFromInt(1000000)))
	assert.True(t, orders[0].Remaining.Equal(decimal.RequireFromString("0.0006")))
	assert.Equal(t, core.SideSell, orders[1].Side)
	assert.True(t, orders[1].Remaining.Equal(decimal.RequireFromString("0.002")))
}

func TestFetchBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(walletPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":{"THB":125000.5,"BTC":0.025}}`)
	})

	e := newTestExchange(t, mux)
	balances, err := e.FetchBalance(context.Background())
	require.NoError(t, err)

	assert.True(t, balances["THB"].Free.Equal(decimal.RequireFromString("125000.5")))
	assert.True(t, balances["BTC"].Total.Equal(decimal.RequireFromString("0.025")))
}

func TestLoadMarkets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(symbolsPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":0,"result":[
			{"pairing_id":1,"base_asset":"BTC","quote_asset":"THB","min_quote_size":"10","price_step":"0.01"},
			{"pairing_id":2,"base_asset":"ETH","quote_asset":"THB","freeze_buy":true,"min_quote_size":"10","price_step":"0.01"}
		]}`)
	})

	e := newTestExchange(t, mux)
	markets, err := e.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)

	btc := markets["THB_BTC"]
	assert.True(t, btc.Active)
	assert.Equal(t, "BTC", btc.Base)
	assert.True(t, btc.MinNotional.Equal(decimal.NewFromInt(10)))
	assert.False(t, markets["THB_ETH"].Active)
}

func TestAuthErrorIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(serverTimePath, func(w http.ResponseWriter, r *http.Request) { serveTime(w) })
	mux.HandleFunc(walletPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":6}`)
	})

	e := newTestExchange(t, mux)
	_, err := e.FetchBalance(context.Background())
	require.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, apperrors.KindAuth, apperrors.Classify(err))
}
