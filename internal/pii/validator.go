package pii

import (
	"bytes"
	"crypto/sha256"
	"math/big"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// digitsOf strips everything except ASCII digits
func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// validLuhn applies the Luhn checksum to a card number with separators
func validLuhn(value string) bool {
	digits := digitsOf(value)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects area numbers 000, 666 and 900-999, group 00 and serial 0000
func validSSN(value string) bool {
	digits := digitsOf(value)
	if len(digits) != 9 {
		return false
	}

	area, _ := strconv.Atoi(digits[0:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:9])

	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// validEmail checks RFC-shaped structure rather than just the presence of @
func validEmail(value string) bool {
	if strings.Count(value, "@") != 1 {
		return false
	}
	at := strings.IndexByte(value, '@')
	local, domain := value[:at], value[at+1:]

	if local == "" || len(local) > 64 {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}

	if !strings.Contains(domain, ".") || len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}

	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// validPhone accepts NANP numbers: ten digits, or eleven with a leading 1,
// and an area code of at least 200
func validPhone(value string) bool {
	digits := digitsOf(value)
	switch len(digits) {
	case 10:
	case 11:
		if digits[0] != '1' {
			return false
		}
		digits = digits[1:]
	default:
		return false
	}
	return digits[0] >= '2'
}

func validIPv4(value string) bool {
	addr, err := netip.ParseAddr(value)
	return err == nil && addr.Is4()
}

// validIPv6 requires a parseable IPv6 address with at least two non-empty
// groups and four hex digits, so C++ scopes like "d::" and clock times do
// not qualify
func validIPv6(value string) bool {
	addr, err := netip.ParseAddr(value)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return false
	}

	groups, hexDigits := 0, 0
	for _, g := range strings.Split(value, ":") {
		if g != "" {
			groups++
			hexDigits += len(g)
		}
	}
	return groups >= 2 && hexDigits >= 4
}

// validIBAN performs the ISO 13616 mod-97 check
func validIBAN(value string) bool {
	iban := strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}

	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			remainder = (remainder*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// validMAC requires one consistent separator and rejects the all-zero address
func validMAC(value string) bool {
	if strings.Contains(value, ":") && strings.Contains(value, "-") {
		return false
	}
	hex := strings.NewReplacer(":", "", "-", "").Replace(value)
	return strings.Trim(hex, "0") != ""
}

// validVIN checks the structure of a 17 character vehicle identification
// number: no I, O or Q, at least one letter and a numeric sequential suffix
func validVIN(value string) bool {
	if len(value) != 17 || strings.ContainsAny(value, "IOQ") {
		return false
	}

	hasLetter := false
	for i := 0; i < len(value); i++ {
		if value[i] >= 'A' && value[i] <= 'Z' {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}

	for i := 13; i < 17; i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}

// validRoutingNumber applies the ABA 3-7-1 checksum and prefix ranges
func validRoutingNumber(value string) bool {
	digits := digitsOf(value)
	if len(digits) != 9 {
		return false
	}

	prefix, _ := strconv.Atoi(digits[:2])
	if !(prefix <= 12 || (prefix >= 21 && prefix <= 32) || (prefix >= 61 && prefix <= 72) || prefix == 80) {
		return false
	}

	d := func(i int) int { return int(digits[i] - '0') }
	sum := 3*(d(0)+d(3)+d(6)) + 7*(d(1)+d(4)+d(7)) + (d(2) + d(5) + d(8))
	return sum%10 == 0
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validBitcoin verifies the base58check checksum of legacy addresses. Bech32
// addresses are accepted on charset and length, which the pattern enforces.
func validBitcoin(value string) bool {
	if strings.HasPrefix(value, "bc1") {
		return len(value) >= 14 && len(value) <= 74
	}

	n := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range value {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return false
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(idx)))
	}

	zeros := 0
	for zeros < len(value) && value[zeros] == '1' {
		zeros++
	}
	decoded := append(make([]byte, zeros), n.Bytes()...)
	if len(decoded) != 25 {
		return false
	}

	first := sha256.Sum256(decoded[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], decoded[21:])
}

func validURL(value string) bool {
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && strings.Contains(u.Hostname(), ".")
}

// validCoordinates checks latitude and longitude ranges
func validCoordinates(value string) bool {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return false
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
