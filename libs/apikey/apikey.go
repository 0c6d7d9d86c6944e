// Package apikey issues and verifies operator API keys. A key has the form
// wk_<env>_<prefix>.<secret>; only the SHA-256 hash of prefix and secret is
// ever configured on the server.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	Header             = "X-API-Key"
	ContextOperatorKey = "operator"
	keyScheme          = "wk"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
)

// Key is one configured operator credential.
type Key struct {
	Name        string
	Hash        string
	IPWhitelist []string
}

func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	prefix, err = randomString(6, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	prefix = strings.ToLower(prefix)
	secret, err := randomString(32, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	return fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret), prefix, Hash(prefix, secret), nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	head, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok {
		return "", "", "", ErrInvalidKey
	}
	parts := strings.SplitN(head, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme {
		return "", "", "", ErrInvalidKey
	}
	env, prefix = parts[1], parts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

// Verify checks key against k and the caller's address.
func Verify(key string, k Key, clientIP string) error {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return err
	}
	got := Hash(prefix, secret)
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(k.Hash))) != 1 {
		return ErrInvalidKey
	}
	if !IPAllowed(clientIP, k.IPWhitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

// Match returns the first key in keys that accepts key from clientIP.
func Match(key string, keys []Key, clientIP string) (Key, error) {
	err := ErrInvalidKey
	for _, k := range keys {
		verr := Verify(key, k, clientIP)
		if verr == nil {
			return k, nil
		}
		if errors.Is(verr, ErrIPNotAllowed) {
			err = verr
		}
	}
	return Key{}, err
}

// Middleware admits requests carrying a valid operator key in the
// X-API-Key header and records the key name on the context.
func Middleware(keys []Key, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		raw := c.GetHeader(Header)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}
		k, err := Match(raw, keys, c.ClientIP())
		if err != nil {
			logger.Warn("operator key rejected", "client_ip", c.ClientIP(), "error", err)
			if errors.Is(err, ErrIPNotAllowed) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "ip not allowed"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
			return
		}
		c.Set(ContextOperatorKey, k.Name)
		c.Next()
	}
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func randomString(n int, encode func([]byte) string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}
