package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/catalog"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/policy"
	"github.com/peacprotocol/peac-x402-receipts-demo/receipt"
	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/verifier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testKID = "peac-test-key"

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	km, err := keys.Generate(testKID)
	require.NoError(t, err)
	codec := token.NewCodec(km)
	cat := catalog.Default()
	pol, err := policy.NewStatic("http://localhost:4021/aipref.json", nil)
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Checkout: peac.NewCheckout(codec, cat, verifier.NewDemo(""), pol),
		Carts:    peac.NewCartService(codec, cat),
		Catalog:  cat,
		Keys:     km,
		AIPref:   pol.Document(),
	}, opts...)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func requireErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) map[string]interface{} {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, code, body["error"])
	assert.NotEmpty(t, body["message"])
	return body
}

func TestServer_DirectCheckoutTea(t *testing.T) {
	srv := newTestServer(t)
	basket := `{"items":[{"sku":"sku_tea","qty":1}]}`

	w := do(t, srv, "POST", "/api/shop/checkout-direct", basket, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	challenge := decode(t, w)
	assert.Equal(t, "payment_required", challenge["error"])
	x402 := challenge["x402"].(map[string]interface{})
	assert.Equal(t, 0.01, x402["amount_usd"])
	assert.Equal(t, "USDC", x402["currency"])
	assert.Equal(t, "base", x402["chain"])
	sessionToken := challenge["session_token"].(string)

	w = do(t, srv, "POST", "/api/shop/checkout-direct", basket, map[string]string{
		HeaderSession: sessionToken,
		HeaderProof:   verifier.DefaultDemoToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), HeaderReceipt)

	raw := w.Header().Get(HeaderReceipt)
	require.NotEmpty(t, raw)
	body := w.Body.Bytes()

	order := decode(t, w)
	assert.Equal(t, 0.01, order["totals"].(map[string]interface{})["grand_total"])

	// the receipt verifies offline against the published key set
	jwks := do(t, srv, "GET", "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, jwks.Code)
	res, err := receipt.Verify(raw, jwks.Body.Bytes())
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, receipt.VerifyBody(res.Payload, body))
	assert.Equal(t, order["order_id"], res.Payload.Order.OrderID)
	assert.Equal(t, "/api/shop/checkout-direct", res.Payload.Request.Path)

	// and through the verify endpoint
	vb, _ := json.Marshal(map[string]string{"receipt": raw})
	w = do(t, srv, "POST", "/api/verify", string(vb), nil)
	require.Equal(t, http.StatusOK, w.Code)
	verified := decode(t, w)
	assert.Equal(t, true, verified["valid"])
	assert.NotNil(t, verified["payload"])
	assert.Equal(t, testKID, verified["header"].(map[string]interface{})["kid"])
}

func TestServer_CartCheckout(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, "POST", "/api/shop/cart", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cart := decode(t, w)
	cartID := cart["cart_id"].(string)
	assert.Equal(t, []interface{}{}, cart["items"])

	add, _ := json.Marshal(map[string]interface{}{"sku": "sku_tea", "cart_token": cart["cart_token"]})
	w = do(t, srv, "POST", "/api/shop/cart/"+cartID+"/add", string(add), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart = decode(t, w)
	items := cart["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, float64(1), items[0].(map[string]interface{})["qty"])
	assert.Equal(t, "Green Tea", items[0].(map[string]interface{})["title"])

	co, _ := json.Marshal(map[string]interface{}{"cart_id": cartID, "cart_token": cart["cart_token"]})
	w = do(t, srv, "POST", "/api/shop/checkout", string(co), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	session := decode(t, w)["session_token"].(string)

	w = do(t, srv, "POST", "/api/shop/checkout", string(co), map[string]string{
		HeaderSession: session,
		HeaderProof:   verifier.DefaultDemoToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(HeaderReceipt))
}

func TestServer_CartErrors(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, "POST", "/api/shop/cart/cart_x/add", `{"cart_token":"t"}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeMissingSKU)

	w = do(t, srv, "POST", "/api/shop/cart/cart_x/add", `{"sku":"sku_tea"}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeMissingCartToken)

	w = do(t, srv, "POST", "/api/shop/cart/cart_x/add", `{"sku":"sku_tea","qty":"two","cart_token":"t"}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeInvalidRequest)

	w = do(t, srv, "POST", "/api/shop/cart/cart_x/add", `{"sku":"sku_tea","qty":9223372036854775807,"cart_token":"t"}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeInvalidRequest)

	w = do(t, srv, "POST", "/api/shop/cart/cart_x/add", `{"sku":"sku_tea","cart_token":"garbage"}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeInvalidCartToken)

	w = do(t, srv, "POST", "/api/shop/checkout", `{}`, nil)
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeMissingCartID)
}

func TestServer_CheckoutValidation(t *testing.T) {
	srv := newTestServer(t)
	path := "/api/shop/checkout-direct"

	requireErrorCode(t, do(t, srv, "POST", path, `{not json`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":"tea"}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":[{"sku":1}]}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)
	requireErrorCode(t, do(t, srv, "POST", path, `[]`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)
	requireErrorCode(t, do(t, srv, "POST", path, ``, nil), http.StatusBadRequest, peac.ErrCodeMissingItems)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":[]}`, nil), http.StatusBadRequest, peac.ErrCodeMissingItems)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":[{"sku":"sku_nope","qty":1}]}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidSKU)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":[{"sku":"sku_tea","qty":1000001}]}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)
	requireErrorCode(t, do(t, srv, "POST", path, `{"items":[{"sku":"sku_tea","qty":1000000},{"sku":"sku_tea","qty":1}]}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidQuantity)

	big := `{"items":[{"sku":"` + strings.Repeat("a", maxBodyBytes) + `"}]}`
	requireErrorCode(t, do(t, srv, "POST", path, big, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)

	w := do(t, srv, "POST", path, `{"items":[{"sku":"sku_tea","qty":1}]}`, map[string]string{HeaderProof: "x"})
	requireErrorCode(t, w, http.StatusBadRequest, peac.ErrCodeMissingSession)
}

func TestServer_PaymentInvalid(t *testing.T) {
	srv := newTestServer(t)
	basket := `{"items":[{"sku":"sku_coffee","qty":2}]}`

	w := do(t, srv, "POST", "/api/shop/checkout-direct", basket, nil)
	session := decode(t, w)["session_token"].(string)

	w = do(t, srv, "POST", "/api/shop/checkout-direct", basket, map[string]string{
		HeaderSession: session,
		HeaderProof:   "not-a-real-proof",
	})
	body := requireErrorCode(t, w, http.StatusPaymentRequired, peac.ErrCodePaymentInvalid)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, 0.04, body["x402"].(map[string]interface{})["amount_usd"])
	assert.Empty(t, w.Header().Get(HeaderReceipt))
}

func TestServer_IdempotentReplay(t *testing.T) {
	srv := newTestServer(t)
	basket := `{"items":[{"sku":"sku_tea","qty":3}]}`

	session := decode(t, do(t, srv, "POST", "/api/shop/checkout-direct", basket, nil))["session_token"].(string)
	headers := map[string]string{
		HeaderSession:        session,
		HeaderProof:          verifier.DefaultDemoToken,
		HeaderIdempotencyKey: "retry-1",
	}

	first := do(t, srv, "POST", "/api/shop/checkout-direct", basket, headers)
	second := do(t, srv, "POST", "/api/shop/checkout-direct", basket, headers)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.True(t, bytes.Equal(first.Body.Bytes(), second.Body.Bytes()))
	assert.Equal(t, first.Header().Get(HeaderReceipt), second.Header().Get(HeaderReceipt))

	// same key, different basket
	other := do(t, srv, "POST", "/api/shop/checkout-direct", `{"items":[{"sku":"sku_tea","qty":1}]}`, nil)
	headers[HeaderSession] = decode(t, other)["session_token"].(string)
	w := do(t, srv, "POST", "/api/shop/checkout-direct", `{"items":[{"sku":"sku_tea","qty":1}]}`, headers)
	requireErrorCode(t, w, http.StatusConflict, peac.ErrCodeIdempotencyConflict)
}

func TestServer_VerifyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	requireErrorCode(t, do(t, srv, "POST", "/api/verify", `{}`, nil), http.StatusBadRequest, peac.ErrCodeMalformedReceipt)
	requireErrorCode(t, do(t, srv, "POST", "/api/verify", `{"receipt":"abc"}`, nil), http.StatusBadRequest, peac.ErrCodeMalformedReceipt)
	requireErrorCode(t, do(t, srv, "POST", "/api/verify", `{"receipt":7}`, nil), http.StatusBadRequest, peac.ErrCodeInvalidRequest)

	// signed by someone else
	other, err := keys.Generate(testKID)
	require.NoError(t, err)
	forged, err := token.NewCodec(other).IssueReceipt(token.ReceiptClaims{Subject: "order"})
	require.NoError(t, err)
	vb, _ := json.Marshal(map[string]string{"receipt": forged})

	w := do(t, srv, "POST", "/api/verify", string(vb), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, receipt.ReasonInvalidSignature, body["reason"])
}

func TestServer_Discovery(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/public-keys/" + testKID, "/public-keys/" + testKID + ".json"} {
		w := do(t, srv, "GET", path, "", nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		var jwk keys.JWK
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jwk))
		assert.Equal(t, testKID, jwk.Kid)
		assert.Equal(t, keys.CurveEd25519, jwk.Crv)
		assert.Empty(t, jwk.D)
	}

	w := do(t, srv, "GET", "/public-keys/other.json", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, "GET", "/.well-known/peac.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "receipts: required")
	assert.Contains(t, w.Body.String(), "/public-keys/"+testKID+".json")

	w = do(t, srv, "GET", "/aipref.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, string(policy.DefaultDocument), w.Body.String())

	w = do(t, srv, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])

	w = do(t, srv, "GET", "/api/shop/catalog", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]interface{})
	assert.Equal(t, "sku_tea", items[0].(map[string]interface{})["sku"])
	assert.Equal(t, 0.01, items[0].(map[string]interface{})["price_usd"])
}

func TestServer_RateLimit(t *testing.T) {
	srv := newTestServer(t, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/shop/catalog", "", nil).Code)
	}
	w := do(t, srv, "GET", "/api/shop/catalog", "", nil)
	requireErrorCode(t, w, http.StatusTooManyRequests, peac.ErrCodeRateLimited)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// discovery is not limited
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/health", "", nil).Code)
}

func TestServer_Middleware(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, "OPTIONS", "/api/shop/checkout-direct", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), HeaderIdempotencyKey)

	w = do(t, srv, "GET", "/health", "", map[string]string{HeaderRequestID: "req-123"})
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))
	w = do(t, srv, "GET", "/health", "", nil)
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)

	srv.engine.GET("/boom", func(*gin.Context) { panic("boom") })
	w = do(t, srv, "GET", "/boom", "", nil)
	requireErrorCode(t, w, http.StatusInternalServerError, peac.ErrCodeInternal)
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}
