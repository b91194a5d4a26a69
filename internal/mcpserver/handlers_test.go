package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:      ts.URL,
		AdminSecret: "test-secret",
	}
	client := NewParleyClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func disputeJSON() map[string]any {
	return map[string]any{
		"id":            "trade-7_1234",
		"tradeId":       "trade-7",
		"openerIsBuyer": true,
		"openingDate":   "2026-08-01T10:00:00Z",
		"closed":        false,
		"depositTxId":   "dep-7",
		"messages": []map[string]any{
			{
				"uid":            "msg-1",
				"message":        "System message: dispute opened",
				"systemMessage":  true,
				"date":           "2026-08-01T10:00:00Z",
				"arrived":        true,
				"acknowledged":   true,
				"senderIsTrader": true,
			},
		},
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AdminSecretHeader(t *testing.T) {
	var gotSecret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Admin-Secret")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL, AdminSecret: "hunter2"})
	_, err := client.ListDisputes(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", gotSecret)
}

func TestClient_DoRequest_NoSecretHeaderWhenUnset(t *testing.T) {
	var hasHeader bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasHeader = r.Header["X-Admin-Secret"]
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.ListDisputes(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, hasHeader, "X-Admin-Secret must not be sent for open nodes")
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"already_open","message":"A dispute for this trade is already open"}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.GetDispute(context.Background(), "some-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already open")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.GetDispute(context.Background(), "some-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewParleyClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.ListDisputes(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.ListDisputes(ctx, false)
	require.Error(t, err)
}

func TestClient_ListDisputes_OpenOnlyQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"disputes":[],"count":0,"openCount":0}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})

	_, err := client.ListDisputes(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "open=true", gotQuery)

	_, err = client.ListDisputes(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, gotQuery)
}

func TestClient_SendChat_RequestBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":{"uid":"msg-9"}}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.SendChat(context.Background(), "trade-7_1234", "where is the package?")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/disputes/trade-7_1234/chat", gotPath)
	assert.Equal(t, "where is the package?", gotBody["message"])
}

func TestClient_ApplyVerdict_RequestBody(t *testing.T) {
	var gotBody VerdictParams
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Write([]byte(`{"dispute":{"id":"trade-7_1234","closed":true}}`))
	}))
	defer ts.Close()

	client := NewParleyClient(Config{APIURL: ts.URL})
	_, err := client.ApplyVerdict(context.Background(), "trade-7_1234", VerdictParams{
		Winner:             "buyer",
		BuyerPayoutAmount:  900,
		SellerPayoutAmount: 100,
		LoserPublisher:     true,
		Explanation:        "seller never shipped",
	})
	require.NoError(t, err)
	assert.Equal(t, "buyer", gotBody.Winner)
	assert.Equal(t, int64(900), gotBody.BuyerPayoutAmount)
	assert.Equal(t, int64(100), gotBody.SellerPayoutAmount)
	assert.True(t, gotBody.LoserPublisher)
	assert.Equal(t, "seller never shipped", gotBody.Explanation)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListDisputes(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/disputes", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"disputes":  []map[string]any{disputeJSON()},
			"count":     1,
			"openCount": 1,
		})
	}))
	defer done()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1 dispute(s), 1 open")
	assert.Contains(t, text, "trade-7_1234")
	assert.Contains(t, text, "Opened by: buyer")
}

func TestHandleListDisputes_OpenOnlyForwarded(t *testing.T) {
	var gotQuery string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"disputes":[],"count":0,"openCount":0}`))
	}))
	defer done()

	result, err := h.HandleListDisputes(context.Background(),
		makeRequest(map[string]any{"open_only": true}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "open=true", gotQuery)
	assert.Contains(t, resultText(t, result), "No disputes")
}

func TestHandleListDisputes_APIError(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"boom"}`))
	}))
	defer done()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "boom")
}

func TestHandleGetDispute(t *testing.T) {
	d := disputeJSON()
	d["closed"] = true
	d["disputePayoutTxId"] = "payout-7"
	d["result"] = map[string]any{
		"winner":             "seller",
		"buyerPayoutAmount":  0,
		"sellerPayoutAmount": 1000,
		"loserPublisher":     true,
	}

	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/disputes/trade-7_1234", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"dispute": d})
	}))
	defer done()

	result, err := h.HandleGetDispute(context.Background(),
		makeRequest(map[string]any{"dispute_id": "trade-7_1234"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Dispute trade-7_1234")
	assert.Contains(t, text, "State: closed")
	assert.Contains(t, text, "Verdict: seller wins (buyer 0 / seller 1000)")
	assert.Contains(t, text, "published by the losing side")
	assert.Contains(t, text, "Payout tx: payout-7")
}

func TestHandleGetDispute_MissingID(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer done()

	result, err := h.HandleGetDispute(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "dispute_id is required")
}

func TestHandleListMessages(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/disputes/trade-7_1234/messages", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"uid": "m1", "message": "hello", "senderIsTrader": true,
					"date": "2026-08-01T11:00:00Z", "arrived": true, "acknowledged": true},
				{"uid": "m2", "message": "checking", "senderIsTrader": false,
					"date": "2026-08-01T12:00:00Z", "storedInMailbox": true},
			},
			"count": 2,
		})
	}))
	defer done()

	result, err := h.HandleListMessages(context.Background(),
		makeRequest(map[string]any{"dispute_id": "trade-7_1234"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 message(s)")
	assert.Contains(t, text, "[trader] hello")
	assert.Contains(t, text, "acknowledged")
	assert.Contains(t, text, "[arbitrator] checking")
	assert.Contains(t, text, "stored in mailbox")
}

func TestHandleSendChat(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":{"uid":"msg-42"}}`))
	}))
	defer done()

	result, err := h.HandleSendChat(context.Background(), makeRequest(map[string]any{
		"dispute_id": "trade-7_1234",
		"message":    "please upload the shipping receipt",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "msg-42")
	assert.Contains(t, text, "trade-7_1234")
}

func TestHandleSendChat_MissingArgs(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer done()

	result, err := h.HandleSendChat(context.Background(),
		makeRequest(map[string]any{"dispute_id": "trade-7_1234"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "message is required")

	result, err = h.HandleSendChat(context.Background(),
		makeRequest(map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "dispute_id is required")
}

func TestHandleApplyVerdict(t *testing.T) {
	var gotBody VerdictParams
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/disputes/trade-7_1234/verdict", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)

		d := disputeJSON()
		d["closed"] = true
		d["result"] = map[string]any{
			"winner":             "buyer",
			"buyerPayoutAmount":  800,
			"sellerPayoutAmount": 200,
		}
		json.NewEncoder(w).Encode(map[string]any{"dispute": d})
	}))
	defer done()

	result, err := h.HandleApplyVerdict(context.Background(), makeRequest(map[string]any{
		"dispute_id":           "trade-7_1234",
		"winner":               "buyer",
		"buyer_payout_amount":  float64(800),
		"seller_payout_amount": float64(200),
		"explanation":          "buyer provided proof of payment",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "buyer", gotBody.Winner)
	assert.Equal(t, int64(800), gotBody.BuyerPayoutAmount)
	assert.Equal(t, "buyer provided proof of payment", gotBody.Explanation)

	text := resultText(t, result)
	assert.Contains(t, text, "Verdict applied")
	assert.Contains(t, text, "buyer wins (buyer 800 / seller 200)")
}

func TestHandleApplyVerdict_NotArbitrator(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"not_arbitrator","message":"dispute: local participant is not the arbitrator"}`))
	}))
	defer done()

	result, err := h.HandleApplyVerdict(context.Background(), makeRequest(map[string]any{
		"dispute_id": "trade-7_1234",
		"winner":     "buyer",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not the arbitrator")
}

func TestHandlePeerDisputeCount(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/peers/peer.example:9735/dispute-count", r.URL.Path)
		w.Write([]byte(`{"address":"peer.example:9735","count":3}`))
	}))
	defer done()

	result, err := h.HandlePeerDisputeCount(context.Background(),
		makeRequest(map[string]any{"address": "peer.example:9735"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "peer.example:9735")
	assert.Contains(t, text, "3 dispute(s)")
}
