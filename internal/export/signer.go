package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrURLExpired   = errors.New("export: download link expired")
	ErrBadSignature = errors.New("export: bad download signature")
)

// URLSigner issues download links of the form
// <baseURL>/<key>?exp=<unix>&sig=<hex hmac>.
type URLSigner struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewURLSigner(baseURL string, secret []byte) *URLSigner {
	return &URLSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  append([]byte(nil), secret...),
		now:     time.Now,
	}
}

// Sign returns the link for key and the instant it stops working.
func (s *URLSigner) Sign(key string, ttl time.Duration) (string, time.Time) {
	exp := s.now().UTC().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp.Unix(), 10))
	q.Set("sig", s.mac(key, exp.Unix()))
	return s.baseURL + "/" + key + "?" + q.Encode(), exp
}

// Verify checks the exp and sig query values presented for key.
func (s *URLSigner) Verify(key, exp, sig string) error {
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(key, unix))) {
		return ErrBadSignature
	}
	if s.now().Unix() > unix {
		return ErrURLExpired
	}
	return nil
}

func (s *URLSigner) mac(key string, exp int64) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(key))
	m.Write([]byte{0})
	m.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(m.Sum(nil))
}
