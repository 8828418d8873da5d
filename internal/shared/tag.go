package shared

import (
	"errors"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Session ids are UUIDs internally but are presented externally as tagged
// base62 strings, e.g. "ses_4rKUZRspKcs6sWYnyvUkWd". The tag makes ids
// self-describing in URLs and logs without being valid UUIDs, which keeps
// foreign (debug-mode) ids distinguishable from owned ones.

const sessionTagPrefix = "ses_"

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrBadSessionTag is returned when a presented id is not a valid tagged
// session id. Callers treat this as "foreign session", not as a hard error.
var ErrBadSessionTag = errors.New("malformed session tag")

var base62Index = func() map[byte]int64 {
	m := make(map[byte]int64, len(base62Alphabet))
	for i := 0; i < len(base62Alphabet); i++ {
		m[base62Alphabet[i]] = int64(i)
	}
	return m
}()

// FormatSessionTag renders an internal session UUID as its external tagged form.
func FormatSessionTag(id uuid.UUID) string {
	n := new(big.Int).SetBytes(id[:])
	if n.Sign() == 0 {
		return sessionTagPrefix + "0"
	}
	base := big.NewInt(62)
	rem := new(big.Int)
	var buf [22]byte // 2^128 < 62^22
	i := len(buf)
	for n.Sign() > 0 {
		n.QuoRem(n, base, rem)
		i--
		buf[i] = base62Alphabet[rem.Int64()]
	}
	return sessionTagPrefix + string(buf[i:])
}

// ParseSessionTag resolves an external tagged id back to the internal UUID.
func ParseSessionTag(tag string) (uuid.UUID, error) {
	body, ok := strings.CutPrefix(tag, sessionTagPrefix)
	if !ok || body == "" || len(body) > 22 {
		return uuid.Nil, ErrBadSessionTag
	}
	n := new(big.Int)
	base := big.NewInt(62)
	for i := 0; i < len(body); i++ {
		v, ok := base62Index[body[i]]
		if !ok {
			return uuid.Nil, ErrBadSessionTag
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(v))
	}
	raw := n.Bytes()
	if len(raw) > 16 {
		return uuid.Nil, ErrBadSessionTag
	}
	var b [16]byte
	copy(b[16-len(raw):], raw)
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.Nil, ErrBadSessionTag
	}
	return id, nil
}
