package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ResourceID string          `json:"resource_id"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "settlement:auth:nonce:"

	// OperatorKey is the gin context key holding the authenticated address.
	OperatorKey = "operator_address"
)

// Verifier checks signed operator requests against an allow-list of addresses.
type Verifier struct {
	rdb     *redis.Client
	allowed map[common.Address]struct{}
	now     func() time.Time
}

// NewVerifier allows requests signed by any of operators.
func NewVerifier(rdb *redis.Client, operators ...common.Address) *Verifier {
	allowed := make(map[common.Address]struct{}, len(operators))
	for _, a := range operators {
		allowed[a] = struct{}{}
	}
	return &Verifier{rdb: rdb, allowed: allowed, now: time.Now}
}

// Middleware returns a gin handler accepting only requests signed for
// action. When the route has a :job_id parameter the signed resource_id
// must equal it.
func (v *Verifier) Middleware(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if !common.IsHexAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Wallet-Address"})
			return
		}
		wallet := common.HexToAddress(walletAddr)

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		now := v.now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != wallet {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		if _, ok := v.allowed[wallet]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "address is not an operator"})
			return
		}
		if req.Action != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed action does not match"})
			return
		}
		if id := c.Param("job_id"); id != "" && req.ResourceID != id {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed resource does not match"})
			return
		}

		// Nonce dedup via Redis SET NX, kept until the request would expire anyway.
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := v.rdb.SetNX(c.Request.Context(), nonceKeyPrefix+wallet.Hex()+":"+req.Nonce, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(OperatorKey, wallet)
		c.Next()
	}
}
