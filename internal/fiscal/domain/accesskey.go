package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Emission type for the access key. Normal emission is "1"; the SVC
// contingency channels carry their own codes.
const (
	EmissionNormal = "1"
	EmissionSvcRS  = "7"
	EmissionSvcAN  = "8"
)

// EmissionType returns the tpEmis code for a contingency mode.
func EmissionType(mode ContingencyMode) string {
	switch mode {
	case ContingencySvcRS:
		return EmissionSvcRS
	case ContingencySvcAN:
		return EmissionSvcAN
	default:
		return EmissionNormal
	}
}

// AccessKey builds the 44-digit document access key:
// cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) numero(9) tpEmis(1) cCT(8) cDV(1).
// The 8-digit document code comes from crypto/rand and the check digit is
// the modulo-11 of the first 43 digits.
func AccessKey(ufCode string, issuedAt time.Time, cnpj, model string, series int, number int64, tpEmis string) (string, error) {
	if len(ufCode) != 2 {
		return "", fmt.Errorf("invalid UF code %q", ufCode)
	}

	digits := onlyDigits(cnpj)
	if len(digits) > 14 {
		return "", fmt.Errorf("invalid CNPJ %q", cnpj)
	}

	code, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate document code: %w", err)
	}

	key := ufCode +
		issuedAt.Format("0601") +
		fmt.Sprintf("%014s", digits) +
		fmt.Sprintf("%02s", model) +
		fmt.Sprintf("%03d", series) +
		fmt.Sprintf("%09d", number) +
		tpEmis +
		fmt.Sprintf("%08d", code.Int64())

	return key + string(rune('0'+checkDigit(key))), nil
}

// ValidateAccessKey checks length, digit content and the check digit.
func ValidateAccessKey(key string) bool {
	if len(key) != 44 {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return checkDigit(key[:43]) == int(key[43]-'0')
}

// checkDigit computes the modulo-11 check digit with weights 2..9 applied
// from the rightmost digit.
func checkDigit(key string) int {
	weights := [8]int{2, 3, 4, 5, 6, 7, 8, 9}
	sum := 0
	for i, p := len(key)-1, 0; i >= 0; i, p = i-1, p+1 {
		sum += int(key[i]-'0') * weights[p%8]
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
