// internal/hierarchy/codes.go
package hierarchy

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	codePrefixLen     = 3
	codeSuffixLen     = 5
	maxCodeAttempts   = 10
	defaultCodePrefix = "MLM"
	// No 0/O or 1/I so codes survive being read aloud.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var sponsorCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,20}$`)

// NormalizeSponsorCode trims and upper-cases a code as typed by a member.
func NormalizeSponsorCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidSponsorCode reports whether a normalized code is well formed.
func ValidSponsorCode(code string) bool {
	return sponsorCodePattern.MatchString(code)
}

// codePrefix takes the first letters of the display name.
func codePrefix(displayName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(displayName) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
			if b.Len() == codePrefixLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return defaultCodePrefix
	}
	return b.String()
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// timestampSuffix is the fallback once random candidates keep colliding.
func timestampSuffix(now time.Time) string {
	s := strings.ToUpper(strconv.FormatInt(now.UnixNano(), 36))
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}

// codeCandidates yields maxCodeAttempts random codes followed by one timestamp-based code.
func codeCandidates(displayName string, now func() time.Time) func() (string, bool, error) {
	prefix := codePrefix(displayName)
	attempt := 0
	return func() (string, bool, error) {
		attempt++
		switch {
		case attempt <= maxCodeAttempts:
			suffix, err := randomSuffix(codeSuffixLen)
			if err != nil {
				return "", false, err
			}
			return prefix + suffix, true, nil
		case attempt == maxCodeAttempts+1:
			return prefix + timestampSuffix(now()), true, nil
		default:
			return "", false, nil
		}
	}
}
