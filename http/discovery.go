package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const keyCacheControl = "public, max-age=300"

func (s *Server) handleJWKS(c *gin.Context) {
	c.Header("Cache-Control", keyCacheControl)
	c.Data(http.StatusOK, "application/json", s.jwks)
}

// handlePublicKey serves /public-keys/<kid> and /public-keys/<kid>.json
func (s *Server) handlePublicKey(c *gin.Context) {
	kid := strings.TrimSuffix(c.Param("kid"), ".json")
	if kid != s.deps.Keys.KeyID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kid", "message": "No key with that id"})
		return
	}
	c.Header("Cache-Control", keyCacheControl)
	c.Data(http.StatusOK, "application/json", s.publicJWK)
}

func (s *Server) handleAIPref(c *gin.Context) {
	c.Header("Cache-Control", keyCacheControl)
	c.Data(http.StatusOK, "application/json", s.deps.AIPref)
}

// handleDiscovery serves the peac.txt discovery document
func (s *Server) handleDiscovery(c *gin.Context) {
	kid := s.deps.Keys.KeyID()
	lines := []string{
		"preferences: /aipref.json",
		"access_control: http-402",
		"payments: [x402]",
		"provenance: c2pa",
		"receipts: required",
		"verify: /api/verify",
		fmt.Sprintf(`public_keys: [{"kid":%q,"alg":"EdDSA","key":"/public-keys/%s.json"}]`, kid, kid),
	}
	c.Header("Cache-Control", keyCacheControl)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(strings.Join(lines, "\n")+"\n"))
}
