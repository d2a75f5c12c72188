package pin

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxDigits is the longest PIN the gate accepts.
const MaxDigits = 9

const issuer = "pdfshelf"

var (
	ErrWrongPIN     = errors.New("incorrect PIN")
	ErrInvalidToken = errors.New("invalid or expired session")
)

// Claims identifies one unlocked session.
type Claims struct {
	jwt.RegisteredClaims
}

// Gate compares entered digits with the configured PIN and hands out
// session tokens once it matches.
type Gate struct {
	secret     string
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewGate creates a gate. An empty pin disables it: every check passes.
// When signingKey is empty a random one is generated, so sessions do not
// survive a restart.
func NewGate(pin, signingKey string, ttl time.Duration) *Gate {
	key := []byte(signingKey)
	if len(key) == 0 {
		key = []byte(uuid.NewString() + uuid.NewString())
	}
	return &Gate{
		secret:     pin,
		signingKey: key,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Enabled reports whether a PIN is required.
func (g *Gate) Enabled() bool {
	return g.secret != ""
}

// Check normalises input to at most MaxDigits digits and compares it with
// the PIN verbatim.
func (g *Gate) Check(input string) bool {
	if !g.Enabled() {
		return true
	}
	entered := Normalize(input)
	return subtle.ConstantTimeCompare([]byte(entered), []byte(g.secret)) == 1
}

// Valid reports whether secret can be entered on the keypad: digits only,
// at most MaxDigits of them.
func Valid(secret string) bool {
	return secret != "" && Normalize(secret) == secret
}

// Unlock checks input and returns a session token on success.
func (g *Gate) Unlock(input string) (string, error) {
	if !g.Check(input) {
		return "", ErrWrongPIN
	}
	return g.Issue()
}

// Issue signs a new session token.
func (g *Gate) Issue() (string, error) {
	now := g.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign session token")
	}
	return signed, nil
}

// Verify validates a session token.
func (g *Gate) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return g.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Normalize keeps only digits and truncates to MaxDigits.
func Normalize(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < '0' || r > '9' {
			continue
		}
		if b.Len() == MaxDigits {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Keypad accumulates digits typed one at a time.
type Keypad struct {
	mu     sync.Mutex
	digits []byte
}

// Press appends d if it is a digit and the pad is not full.
func (k *Keypad) Press(d rune) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if d < '0' || d > '9' || len(k.digits) >= MaxDigits {
		return false
	}
	k.digits = append(k.digits, byte(d))
	return true
}

func (k *Keypad) Backspace() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.digits) > 0 {
		k.digits = k.digits[:len(k.digits)-1]
	}
}

func (k *Keypad) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.digits = nil
}

func (k *Keypad) Value() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return string(k.digits)
}
