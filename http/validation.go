package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// Schemas check shape only. Missing fields are left to the checkout core so
// callers get the specific error code (missing_items, missing_sku, ...).
const (
	schemaAddToCart = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "sku": { "type": "string" },
    "qty": { "type": "integer", "minimum": 1, "maximum": 1000000 },
    "cart_token": { "type": "string" }
  }
}`

	schemaCheckout = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "cart_id": { "type": "string" },
    "cart_token": { "type": "string" }
  }
}`

	schemaCheckoutDirect = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "sku": { "type": "string" },
          "qty": { "type": "integer", "minimum": 0, "maximum": 1000000 }
        }
      }
    }
  }
}`

	schemaVerify = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "receipt": { "type": "string" }
  }
}`
)

var (
	addToCartLoader      = gojsonschema.NewStringLoader(schemaAddToCart)
	checkoutLoader       = gojsonschema.NewStringLoader(schemaCheckout)
	checkoutDirectLoader = gojsonschema.NewStringLoader(schemaCheckoutDirect)
	verifyLoader         = gojsonschema.NewStringLoader(schemaVerify)
)

// validateJSONSchema checks body against schema
func validateJSONSchema(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("request does not conform to schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// decodeBody reads, validates and decodes the request body into dst.
// An empty body decodes as {}.
func decodeBody(c *gin.Context, schema gojsonschema.JSONLoader, dst interface{}) *peac.CheckoutError {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return invalidRequest("Request body too large or unreadable")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	if err := validateJSONSchema(schema, body); err != nil {
		return invalidRequest(err.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return invalidRequest("Request body could not be decoded")
	}
	return nil
}

func invalidRequest(message string) *peac.CheckoutError {
	return peac.NewCheckoutError(peac.KindValidation, peac.ErrCodeInvalidRequest, message)
}
