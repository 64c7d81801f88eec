// Package turnca issues ephemeral TURN credentials using the
// shared-secret scheme coturn implements: username is
// "<expiryUnix>:<whisperId>" and the credential is HMAC-SHA1 of the
// username under the shared secret, base64 encoded. The TURN server
// verifies without any state on the relay side.
package turnca

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"whisper2/go-server/pkg/models"
)

// MaxTTL caps credential lifetime regardless of configuration.
const MaxTTL = 10 * time.Minute

var ErrNotConfigured = errors.New("turn issuer has no urls or shared secret")

// Issuer mints credentials bound to one identity and expiry.
type Issuer struct {
	urls   []string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(urls []string, sharedSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Issuer{
		urls:   append([]string(nil), urls...),
		secret: []byte(sharedSecret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Configured reports whether credentials can be issued.
func (i *Issuer) Configured() bool {
	return i != nil && len(i.urls) > 0 && len(i.secret) > 0
}

// Credentials mints a credential pair for whisperID.
func (i *Issuer) Credentials(whisperID string) (models.TurnCredentials, error) {
	if !i.Configured() {
		return models.TurnCredentials{}, ErrNotConfigured
	}
	now := i.now()
	expiry := now.Add(i.ttl).Unix()
	username := strconv.FormatInt(expiry, 10) + ":" + whisperID

	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return models.TurnCredentials{
		URLs:       append([]string(nil), i.urls...),
		Username:   username,
		Credential: credential,
		TTLSeconds: int64(i.ttl / time.Second),
		ServerTime: now.UnixMilli(),
	}, nil
}
