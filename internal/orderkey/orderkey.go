// ============================================================================
// cellqueue 排序鍵 - notebook cell 的分數排序
// ============================================================================
//
// Package: internal/orderkey
// 文件: orderkey.go
// 功能: 在任意兩個鍵之間分配新鍵，插入時不需要重新編號其他 cell
//
// 鍵格式:
//   - 由固定的 36 個字元組成（"0-9a-z"），依位元組比較即為排序順序
//   - 分配出的鍵不以最小字元 '0' 結尾，保證每個鍵之下都還有空間
//   - 提供 JitterSource 時在尾端加上隨機字元，降低並發插入同一間隙的碰撞
//
// ============================================================================

package orderkey

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// Alphabet lists the permitted key digits in ascending byte order.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const base = len(Alphabet)

// Default is the key handed out when a notebook has no cells yet.
const Default = "i"

// tailLength is the number of random digits appended when a jitter source
// is supplied.
const tailLength = 5

var (
	// ErrInvalidBounds is returned when the requested interval is malformed
	// or empty. It is always a caller bug and must not be retried.
	ErrInvalidBounds = errors.New("orderkey: invalid bounds")

	// ErrInvalidKey is returned by ValidateOrder for keys outside the alphabet.
	ErrInvalidKey = errors.New("orderkey: invalid key")

	// ErrOutOfOrder is returned by ValidateOrder when keys are not strictly increasing.
	ErrOutOfOrder = errors.New("orderkey: keys not strictly increasing")
)

// JitterSource perturbs the chosen key so that independent writers
// inserting into the same gap at the same time end up with distinct keys.
// *rand.Rand satisfies it.
type JitterSource interface {
	Intn(n int) int
}

// NewJitter returns a deterministic jitter source for the given seed.
// The returned source is not safe for concurrent use.
func NewJitter(seed int64) JitterSource {
	return rand.New(rand.NewSource(seed))
}

// IsValid reports whether key is non-empty and drawn only from Alphabet.
func IsValid(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		if digitIndex(key[i]) < 0 {
			return false
		}
	}
	return true
}

// ValidateOrder confirms that keys are valid and strictly increasing.
func ValidateOrder(keys []string) error {
	for i, k := range keys {
		if !IsValid(k) {
			return fmt.Errorf("%w: %q at position %d", ErrInvalidKey, k, i)
		}
		if i > 0 && keys[i-1] >= k {
			return fmt.Errorf("%w: %q at position %d follows %q", ErrOutOfOrder, k, i, keys[i-1])
		}
	}
	return nil
}

// Allocate returns a key strictly between before and after. An empty string
// stands for a missing bound: Allocate("", "") returns Default,
// Allocate(k, "") a key after k, Allocate("", k) a key before k.
//
// jitter may be nil, in which case the result is fully determined by the
// bounds.
func Allocate(before, after string, jitter JitterSource) (string, error) {
	if before != "" && !IsValid(before) {
		return "", fmt.Errorf("%w: before key %q is malformed", ErrInvalidBounds, before)
	}
	if after != "" && !IsValid(after) {
		return "", fmt.Errorf("%w: after key %q is malformed", ErrInvalidBounds, after)
	}

	switch {
	case before == "" && after == "":
		return Default, nil

	case after == "":
		return increment(before) + tail(jitter), nil

	case before == "":
		upper := trimLowest(after)
		if upper == "" {
			return "", fmt.Errorf("%w: no key sorts below %q", ErrInvalidBounds, after)
		}
		return decrement(upper) + tail(jitter), nil
	}

	if before >= after {
		return "", fmt.Errorf("%w: %q is not below %q", ErrInvalidBounds, before, after)
	}
	upper := trimLowest(after)
	if upper == trimLowest(before) {
		return "", fmt.Errorf("%w: no key fits between %q and %q", ErrInvalidBounds, before, after)
	}
	return midpoint(before, upper, jitter), nil
}

// midpoint returns a key between a and b. b == "" means no upper bound.
// b must not end in the lowest digit.
func midpoint(a, b string, jitter JitterSource) string {
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(suffix(a, n), b[n:], jitter)
		}
	}

	da := 0
	if a != "" {
		da = digitIndex(a[0])
	}
	db := base
	if b != "" {
		db = digitIndex(b[0])
	}

	if db-da > 1 {
		return pick(da, db, jitter)
	}
	// adjacent leading digits: descend one position
	if b != "" && len(b) > 1 {
		return b[:1] + midpoint("", b[1:], jitter)
	}
	return string(Alphabet[da]) + midpoint(suffix(a, 1), "", jitter)
}

// increment returns the shortest key one alphabet position above a.
func increment(a string) string {
	d := digitIndex(a[0])
	if d < base-1 {
		return string(Alphabet[d+1])
	}
	if len(a) == 1 {
		return string(Alphabet[base-1]) + Default
	}
	return string(Alphabet[base-1]) + increment(a[1:])
}

// decrement returns the shortest key one alphabet position below b.
// b must not end in the lowest digit.
func decrement(b string) string {
	d := digitIndex(b[0])
	switch {
	case d >= 2:
		return string(Alphabet[d-1])
	case d == 1:
		return string(Alphabet[0]) + Default
	default:
		return string(Alphabet[0]) + decrement(b[1:])
	}
}

// pick chooses a digit strictly between da and db.
func pick(da, db int, jitter JitterSource) string {
	if jitter == nil {
		return string(Alphabet[(da+db)/2])
	}
	d := da + 1 + jitter.Intn(db-da-1)
	return string(Alphabet[d]) + tail(jitter)
}

// tail returns tailLength random digits, never ending in the lowest digit.
func tail(jitter JitterSource) string {
	if jitter == nil {
		return ""
	}
	var sb strings.Builder
	sb.Grow(tailLength)
	for i := 0; i < tailLength-1; i++ {
		sb.WriteByte(Alphabet[jitter.Intn(base)])
	}
	sb.WriteByte(Alphabet[1+jitter.Intn(base-1)])
	return sb.String()
}

func digitIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	}
	return -1
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return Alphabet[0]
}

func suffix(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}

func trimLowest(s string) string {
	return strings.TrimRight(s, Alphabet[:1])
}
