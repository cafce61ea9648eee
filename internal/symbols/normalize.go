// Package symbols normalizes A-share security identifiers to the canonical
// NNNNNN.XX form used as the storage key and the remote API's ts_code.
package symbols

import (
	"fmt"
	"regexp"
	"strings"
)

var codeRe = regexp.MustCompile(`\d{6}`)

// Normalize converts any accepted input form (600519, SH600519, 600519SH,
// sh600519, 000001.SZ) to NNNNNN.XX. The exchange suffix is derived from the
// leading digit: 6 -> SH, 0/3 -> SZ, 4/8/9 -> BJ. Anything else fails.
func Normalize(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if strings.ContainsAny(code, " \t") {
		return "", fmt.Errorf("symbol %q contains whitespace", code)
	}

	num := codeRe.FindString(code)
	if num == "" {
		return "", fmt.Errorf("no 6-digit security code in %q", code)
	}

	var exchange string
	switch num[0] {
	case '6':
		exchange = "SH"
	case '0', '3':
		exchange = "SZ"
	case '4', '8', '9':
		exchange = "BJ"
	default:
		return "", fmt.Errorf("unrecognized security code prefix in %q", num)
	}

	return num + "." + exchange, nil
}

// NormalizeAll normalizes a list, returning the valid symbols and the inputs
// that failed. The caller decides whether failures are fatal; the planner
// logs and drops them.
func NormalizeAll(codes []string) (valid []string, invalid []string) {
	for _, c := range codes {
		n, err := Normalize(c)
		if err != nil {
			invalid = append(invalid, c)
			continue
		}
		valid = append(valid, n)
	}
	return valid, invalid
}
