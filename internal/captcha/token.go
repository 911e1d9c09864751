package captcha

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTokenMaxAge is how long an issued widget token stays valid.
const DefaultTokenMaxAge = 300 * time.Second

type tokenClaims struct {
	Action    string  `json:"action"`
	Timestamp int64   `json:"timestamp"`
	Score     float64 `json:"score"`
	Nonce     string  `json:"nonce"`
}

type signedToken struct {
	tokenClaims
	Sig string `json:"sig"`
}

// TokenVerifier verifies HMAC-signed tokens issued by the gate's own widget
// endpoint, without a network round trip. Each token is accepted once; Sweep
// drops the nonces of expired tokens.
type TokenVerifier struct {
	secret []byte
	maxAge time.Duration
	nowF   func() time.Time

	mu   sync.Mutex
	used map[string]int64
}

// NewTokenVerifier returns a verifier for tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		maxAge: DefaultTokenMaxAge,
		nowF:   time.Now,
		used:   make(map[string]int64),
	}
}

// Issue returns a signed token for action carrying score.
func (v *TokenVerifier) Issue(action string, score float64) string {
	claims := tokenClaims{
		Action:    action,
		Timestamp: v.nowF().Unix(),
		Score:     math.Round(score*1000) / 1000,
		Nonce:     uuid.NewString(),
	}
	payload, _ := json.Marshal(claims)
	data, _ := json.Marshal(signedToken{tokenClaims: claims, Sig: v.computeSignature(payload)})
	return base64.URLEncoding.EncodeToString(data)
}

func (v *TokenVerifier) Verify(_ context.Context, token, action string) (Result, error) {
	if token == "" {
		return Result{ErrorCodes: []string{CodeMissingToken}}, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Result{ErrorCodes: []string{CodeInvalidToken}}, nil
	}
	var tok signedToken
	if err := json.Unmarshal(decoded, &tok); err != nil || tok.Sig == "" {
		return Result{ErrorCodes: []string{CodeInvalidToken}}, nil
	}

	payload, _ := json.Marshal(tok.tokenClaims)
	if !hmac.Equal([]byte(tok.Sig), []byte(v.computeSignature(payload))) {
		return Result{ErrorCodes: []string{CodeBadSignature}}, nil
	}

	now := v.nowF().Unix()
	if now-tok.Timestamp > int64(v.maxAge/time.Second) || tok.Timestamp > now+5 {
		return Result{ErrorCodes: []string{CodeExpired}}, nil
	}
	if action != "" && tok.Action != action {
		return Result{ErrorCodes: []string{CodeActionMismatch}}, nil
	}
	if !v.consume(tok.Nonce, now) {
		return Result{ErrorCodes: []string{CodeExpired}}, nil
	}

	score := tok.Score
	return Result{Success: true, Score: &score}, nil
}

// consume marks nonce as used and reports whether it was fresh.
func (v *TokenVerifier) consume(nonce string, now int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, seen := v.used[nonce]; seen {
		return false
	}
	v.used[nonce] = now
	return true
}

// Sweep forgets nonces of tokens that have expired anyway and returns how
// many were dropped.
func (v *TokenVerifier) Sweep() int {
	horizon := v.nowF().Unix() - int64(v.maxAge/time.Second)

	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for nonce, at := range v.used {
		if at < horizon {
			delete(v.used, nonce)
			n++
		}
	}
	return n
}

func (v *TokenVerifier) computeSignature(payload []byte) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
