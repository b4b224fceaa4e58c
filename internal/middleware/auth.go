package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/rit/internal/logger"
)

// TokenCookie carries the token for browser views.
const TokenCookie = "rit_token"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	Source    string `json:"source"` // "cli", "mirror" or "view"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// AuthMiddleware guards the API with HS256 tokens signed by a shared
// secret. A nil *AuthMiddleware lets everything through.
type AuthMiddleware struct {
	secret []byte
	open   map[string]bool
	now    func() time.Time
}

// NewAuthMiddleware returns nil when secret is empty. Paths in open skip
// the check.
func NewAuthMiddleware(secret string, open ...string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	am := &AuthMiddleware{secret: []byte(secret), open: make(map[string]bool), now: time.Now}
	for _, p := range open {
		am.open[p] = true
	}
	return am
}

// RequireAuth is a middleware that checks for valid authentication
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil || am.open[c.Path()] {
		return c.Next()
	}

	token := extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
	}
	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("Auth failed for %s: %v", c.Path(), err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
	}

	c.Locals("claims", claims)
	return c.Next()
}

// extractToken checks the Authorization header, then the cookie, then the
// token query parameter (websocket clients in browsers cannot set headers).
func extractToken(c *fiber.Ctx) string {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie := c.Cookies(TokenCookie); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken checks the signature and expiry of a token.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}

	expected := sign(am.secret, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: signature", ErrInvalidToken)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	if am.now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// GenerateToken signs a token for source valid for duration.
func GenerateToken(secret, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("RIT_AUTH_SECRET not set")
	}

	now := time.Now()
	claims := Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}
	headerJSON, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signingInput + "." + sign([]byte(secret), signingInput), nil
}

func sign(secret []byte, input string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
