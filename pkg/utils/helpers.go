package utils

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

var weiUnits = []struct {
	suffix string
	scale  *big.Int
}{
	{"ether", big.NewInt(params.Ether)},
	{"gwei", big.NewInt(params.GWei)},
	{"wei", big.NewInt(1)},
}

// ParseWei parses an amount such as "123", "1.5gwei" or "0.01ether" into
// wei. Fractions that do not resolve to whole wei are rejected.
func ParseWei(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, errors.New("empty amount")
	}
	scale := big.NewInt(1)
	for _, u := range weiUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			scale = u.scale
			break
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// ParseAddress parses a 0x-prefixed 20 byte hex address. Unlike
// common.HexToAddress it fails on malformed input.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address %q must be 0x-prefixed", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// Strip0x removes a leading 0x or 0X.
func Strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
