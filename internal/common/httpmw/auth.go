package httpmw

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// VerifierAuth enforces bearer-token auth by forwarding the presented token to
// an external verifier endpoint. Token contents are opaque here; any 2xx from
// the verifier admits the request. The token is also accepted via the "token"
// query parameter so WebSocket clients that cannot set headers can
// authenticate.
func VerifierAuth(verifierURL string) gin.HandlerFunc {
	client := &http.Client{Timeout: 5 * time.Second}

	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, verifierURL, nil)
		if err != nil {
			abortUnauthorized(c, "token verification failed")
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			abortUnauthorized(c, "token verification failed")
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			abortUnauthorized(c, "invalid bearer token")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}
