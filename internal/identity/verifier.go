// Package identity verifies per-request caller assertions from the messaging
// platform and answers admin-membership questions for gated operations.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedAssertion is returned when the assertion cannot be parsed at all.
	ErrMalformedAssertion = errors.New("malformed identity assertion")

	// ErrInvalidSignature is returned when the assertion's HMAC does not verify.
	ErrInvalidSignature = errors.New("identity assertion signature is invalid")

	// ErrStaleAssertion is returned when the assertion's auth_date is outside
	// the freshness window.
	ErrStaleAssertion = errors.New("identity assertion is stale")
)

// Caller is the verified identity behind a request.
type Caller struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns a human-readable name, preferring the username.
func (c *Caller) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Verifier validates signed WebApp init-data assertions. Verification follows
// the platform recipe: the signing secret is HMAC-SHA256("WebAppData", botToken),
// and the expected hash is HMAC-SHA256(secret, dataCheckString) where the data
// check string is the sorted key=value pairs (hash excluded) joined by newlines.
type Verifier struct {
	botToken string
	maxAge   time.Duration
	now      func() time.Time
}

// NewVerifier returns a Verifier enforcing the given freshness window.
// maxAge <= 0 disables the staleness check.
func NewVerifier(botToken string, maxAge time.Duration) *Verifier {
	return &Verifier{botToken: botToken, maxAge: maxAge, now: time.Now}
}

// Verify checks the signature and freshness of a raw init-data assertion and
// returns the caller it proves. Any failure means the caller id must not be
// trusted.
func (v *Verifier) Verify(initData string) (*Caller, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, ErrMalformedAssertion
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, ErrMalformedAssertion
	}

	pairs := make([]string, 0, len(values))
	for key, vals := range values {
		if key == "hash" {
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, key+"="+val)
		}
	}
	sort.Strings(pairs)
	checkString := strings.Join(pairs, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(v.botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(checkString))
	wantHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return nil, ErrInvalidSignature
	}

	if v.maxAge > 0 {
		authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, ErrMalformedAssertion
		}
		if v.now().Sub(time.Unix(authUnix, 0)) > v.maxAge {
			return nil, ErrStaleAssertion
		}
	}

	var user struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil {
		return nil, ErrMalformedAssertion
	}
	if user.ID == 0 {
		return nil, ErrMalformedAssertion
	}

	return &Caller{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}, nil
}
