package money

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrBadAmount       = errors.New("amount must be a non-negative decimal")
	ErrOverflow        = errors.New("amount overflow")
)

// Minor-unit exponents for the ISO 4217 currencies the system settles in.
var isoMinorUnitExponent = map[string]int{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"KRW": 0,
	"INR": 2,
	"CHF": 2,
	"CAD": 2,
	"AUD": 2,
}

var isoCurrencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Amount is a currency amount held in minor units. All arithmetic in the
// negotiation and mandate paths goes through minor units so that prices
// like "4.65" compare and multiply exactly.
type Amount struct {
	Currency string
	Minor    int64
}

// Supported reports whether the currency code has a known minor-unit
// exponent.
func Supported(currency string) bool {
	_, ok := isoMinorUnitExponent[normalizeCurrency(currency)]
	return ok
}

// Parse converts a decimal string such as "4.65" into an Amount. The
// fraction must not exceed the currency's minor-unit exponent.
func Parse(currency, amount string) (Amount, error) {
	ccy, exp, err := currencyExponent(currency)
	if err != nil {
		return Amount{}, err
	}
	s := strings.TrimSpace(amount)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Amount{}, ErrBadAmount
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" || !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return Amount{}, ErrBadAmount
	}
	if len(fracPart) > exp {
		return Amount{}, fmt.Errorf("%w: at most %d fraction digits for %s", ErrBadAmount, exp, ccy)
	}
	for len(fracPart) < exp {
		fracPart += "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Amount{}, ErrBadAmount
	}
	var frac int64
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return Amount{}, ErrBadAmount
		}
	}
	pow, err := pow10(exp)
	if err != nil {
		return Amount{}, err
	}
	if whole > (1<<62)/pow {
		return Amount{}, ErrOverflow
	}
	return Amount{Currency: ccy, Minor: whole*pow + frac}, nil
}

// FromMinor builds an Amount directly from minor units.
func FromMinor(currency string, minor int64) (Amount, error) {
	ccy, _, err := currencyExponent(currency)
	if err != nil {
		return Amount{}, err
	}
	if minor < 0 {
		return Amount{}, ErrBadAmount
	}
	return Amount{Currency: ccy, Minor: minor}, nil
}

// String formats the amount with the currency's full minor-unit precision:
// 232500 minor USD renders as "2325.00", never "2325".
func (a Amount) String() string {
	exp, ok := isoMinorUnitExponent[a.Currency]
	if !ok || exp == 0 {
		return strconv.FormatInt(a.Minor, 10)
	}
	pow, _ := pow10(exp)
	return fmt.Sprintf("%d.%0*d", a.Minor/pow, exp, a.Minor%pow)
}

// MulQty multiplies a unit price by a quantity with overflow checking.
func (a Amount) MulQty(qty int) (Amount, error) {
	if qty < 0 {
		return Amount{}, ErrBadAmount
	}
	q := int64(qty)
	if q != 0 && a.Minor > (1<<62)/q {
		return Amount{}, ErrOverflow
	}
	return Amount{Currency: a.Currency, Minor: a.Minor * q}, nil
}

// Add sums two amounts of the same currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, b.Currency)
	}
	if a.Minor > (1<<62)-b.Minor {
		return Amount{}, ErrOverflow
	}
	return Amount{Currency: a.Currency, Minor: a.Minor + b.Minor}, nil
}

// IsZero reports a zero amount.
func (a Amount) IsZero() bool { return a.Minor == 0 }

func currencyExponent(currency string) (string, int, error) {
	ccy := normalizeCurrency(currency)
	if !isoCurrencyPattern.MatchString(ccy) {
		return "", 0, fmt.Errorf("%w: currency must be ISO4217 uppercase 3 letters", ErrUnknownCurrency)
	}
	exp, ok := isoMinorUnitExponent[ccy]
	if !ok {
		return "", 0, ErrUnknownCurrency
	}
	return ccy, exp, nil
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func pow10(exp int) (int64, error) {
	pow := int64(1)
	for i := 0; i < exp; i++ {
		if pow > (1<<62)/10 {
			return 0, ErrOverflow
		}
		pow *= 10
	}
	return pow, nil
}
