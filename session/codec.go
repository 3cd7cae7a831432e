package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/tapir/internal/util"
)

const (
	unsignedFields = 5
	signedFields   = 6

	signingKeyInfo = "tapir:credential-hmac:v1"
)

// Credential is the decoded form of a session cookie.
type Credential struct {
	SessionID      int64
	UserID         int64
	IP             string
	StartTime      int64
	Authorizations Authorizations
}

// Codec converts Credentials to and from the delimited cookie format
//
//	session_id DELIM user_id DELIM ip DELIM start_time DELIM authorizations
//
// with an optional sixth field holding a base64url HMAC-SHA256 of the first
// five. Occurrences of the delimiter or '%' inside the ip field are
// percent-escaped so IPv6 addresses survive a ':' delimiter.
type Codec struct {
	delim   string
	escaper *strings.Replacer

	mu  sync.RWMutex
	key *memguard.LockedBuffer
}

// NewCodec returns a Codec for delimiter. A non-empty secret enables signed
// credentials; the HMAC key is derived from it and held in a read-only locked
// buffer until Close.
func NewCodec(delimiter string, secret []byte) (*Codec, error) {
	if err := validateDelimiter(delimiter); err != nil {
		return nil, err
	}
	c := &Codec{
		delim:   delimiter,
		escaper: strings.NewReplacer("%", "%25", delimiter, fmt.Sprintf("%%%02X", delimiter[0])),
	}
	if len(secret) > 0 {
		key, err := util.DeriveKey(secret, nil, []byte(signingKeyInfo))
		if err != nil {
			return nil, fmt.Errorf("deriving credential key: %w", err)
		}
		// NewBufferFromBytes wipes key.
		c.key = memguard.NewBufferFromBytes(key)
		c.key.Freeze()
	}
	return c, nil
}

// Signed reports whether credentials carry an HMAC.
func (c *Codec) Signed() bool {
	return c.key != nil
}

// Encode renders cred. Negative numeric fields are rejected because Decode
// would never accept them.
func (c *Codec) Encode(cred Credential) (string, error) {
	switch {
	case cred.SessionID < 0:
		return "", malformedf("negative session id %d", cred.SessionID)
	case cred.UserID < 0:
		return "", malformedf("negative user id %d", cred.UserID)
	case cred.StartTime < 0:
		return "", malformedf("negative start time %d", cred.StartTime)
	case cred.Authorizations.Classic < 0:
		return "", malformedf("negative authorizations %d", cred.Authorizations.Classic)
	}
	payload := strings.Join([]string{
		strconv.FormatInt(cred.SessionID, 10),
		strconv.FormatInt(cred.UserID, 10),
		c.escaper.Replace(cred.IP),
		strconv.FormatInt(cred.StartTime, 10),
		strconv.Itoa(cred.Authorizations.Classic),
	}, c.delim)
	if c.key == nil {
		return payload, nil
	}
	mac, err := c.mac(payload)
	if err != nil {
		return "", err
	}
	return payload + c.delim + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Decode parses s. Any deviation from the format, including a missing or
// wrong HMAC when signing is enabled, yields ErrMalformedCredential.
func (c *Codec) Decode(s string) (Credential, error) {
	want := unsignedFields
	if c.key != nil {
		want = signedFields
	}
	parts := strings.Split(s, c.delim)
	if len(parts) != want {
		return Credential{}, malformedf("expected %d fields, got %d", want, len(parts))
	}
	if c.key != nil {
		got, err := base64.RawURLEncoding.DecodeString(parts[unsignedFields])
		if err != nil {
			return Credential{}, malformedf("signature is not base64url")
		}
		expected, err := c.mac(strings.Join(parts[:unsignedFields], c.delim))
		if err != nil {
			return Credential{}, err
		}
		if !hmac.Equal(got, expected) {
			return Credential{}, malformedf("signature mismatch")
		}
	}

	var cred Credential
	var ok bool
	if cred.SessionID, ok = parseDecimal(parts[0]); !ok {
		return Credential{}, malformedf("invalid session id %q", parts[0])
	}
	if cred.UserID, ok = parseDecimal(parts[1]); !ok {
		return Credential{}, malformedf("invalid user id %q", parts[1])
	}
	ip, err := url.PathUnescape(parts[2])
	if err != nil {
		return Credential{}, malformedf("invalid ip escape %q", parts[2])
	}
	cred.IP = ip
	if cred.StartTime, ok = parseDecimal(parts[3]); !ok {
		return Credential{}, malformedf("invalid start time %q", parts[3])
	}
	auths, ok := parseDecimal(parts[4])
	if !ok || auths > int64(maxInt) {
		return Credential{}, malformedf("invalid authorizations %q", parts[4])
	}
	cred.Authorizations = Authorizations{Classic: int(auths)}
	return cred, nil
}

// Close destroys the signing key. Signed encodes and decodes fail
// afterwards; unsigned codecs are unaffected.
func (c *Codec) Close() {
	if c.key == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key.Destroy()
}

func (c *Codec) mac(payload string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.key.IsAlive() {
		return nil, errCodecClosed
	}
	h := hmac.New(sha256.New, c.key.Bytes())
	h.Write([]byte(payload))
	return h.Sum(nil), nil
}

const maxInt = int(^uint(0) >> 1)

// parseDecimal accepts only non-empty ASCII digit strings that fit in int64.
func parseDecimal(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func validateDelimiter(d string) error {
	if len(d) != 1 {
		return fmt.Errorf("cookie delimiter must be a single byte, got %q", d)
	}
	b := d[0]
	switch {
	case b <= ' ' || b >= 0x7f:
		return fmt.Errorf("cookie delimiter must be printable ASCII, got %q", d)
	case b >= '0' && b <= '9', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return fmt.Errorf("cookie delimiter must not be alphanumeric, got %q", d)
	case b == '%', b == '-', b == '_':
		return fmt.Errorf("cookie delimiter %q is reserved", d)
	}
	return nil
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCredential, fmt.Sprintf(format, args...))
}
