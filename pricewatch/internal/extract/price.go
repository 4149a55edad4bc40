package extract

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when a text carries no figure at all.
	ErrNoPrice = errors.New("extract: no price in text")
	// ErrAmbiguousPrice is returned when separators cannot be resolved.
	ErrAmbiguousPrice = errors.New("extract: ambiguous price separators")
)

// currencyTokens maps lower-case symbols, codes and local abbreviations to
// ISO 4217 codes.
var currencyTokens = map[string]string{
	"₽": "RUB", "руб": "RUB", "р": "RUB", "rub": "RUB", "rur": "RUB",
	"€": "EUR", "eur": "EUR", "euro": "EUR",
	"$": "USD", "usd": "USD",
	"£": "GBP", "gbp": "GBP",
	"¥": "JPY", "jpy": "JPY", "円": "JPY",
	"₸": "KZT", "kzt": "KZT", "тг": "KZT",
	"₴": "UAH", "uah": "UAH", "грн": "UAH",
	"byn": "BYN", "br": "BYN",
	"zł": "PLN", "pln": "PLN",
	"chf": "CHF",
	"cny": "CNY", "元": "CNY",
}

// ParsePrice reads the first amount in text and the currency marked next to
// it. Grouping by spaces, apostrophes, commas or dots is accepted, as is a
// decimal comma. For a range such as "1 000 - 2 000" the first figure wins.
// The currency is empty when text names none.
func ParsePrice(text string) (decimal.Decimal, string, error) {
	rs := []rune(collapseSpaces(text))

	start := -1
	for i, r := range rs {
		if isDigit(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrNoPrice, text)
	}

	end := start
scan:
	for end < len(rs) {
		r := rs[end]
		switch {
		case isDigit(r):
			end++
		case isGroupMark(r):
			// A space or apostrophe only groups thousands.
			if digitsAt(rs, end+1) != 3 {
				break scan
			}
			end++
		case r == ',' || r == '.':
			if end+1 >= len(rs) || !isDigit(rs[end+1]) {
				break scan
			}
			end++
		default:
			break scan
		}
	}

	amount, err := resolveSeparators(rs[start:end])
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %q", err, text)
	}

	rest := string(rs[:start]) + " " + string(rs[end:])
	return amount, DetectCurrency(rest), nil
}

// FormatPrice renders d in the canonical two-decimal form read back
// unchanged by ParsePrice.
func FormatPrice(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// DetectCurrency returns the ISO code of the first currency marker in text,
// or "" when there is none.
func DetectCurrency(text string) string {
	var word []rune
	flush := func() string {
		if len(word) == 0 {
			return ""
		}
		code := currencyTokens[strings.ToLower(string(word))]
		word = word[:0]
		return code
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Sc, r):
			if code := flush(); code != "" {
				return code
			}
			if code := currencyTokens[string(r)]; code != "" {
				return code
			}
		case unicode.IsLetter(r):
			word = append(word, r)
		default:
			if code := flush(); code != "" {
				return code
			}
		}
	}
	return flush()
}

func resolveSeparators(run []rune) (decimal.Decimal, error) {
	var b strings.Builder
	grouped := false
	for _, r := range run {
		switch {
		case isGroupMark(r):
			grouped = true
		default:
			b.WriteRune(r)
		}
	}
	num := b.String()

	commas := strings.Count(num, ",")
	dots := strings.Count(num, ".")

	switch {
	case commas > 0 && dots > 0:
		dec, grp := ".", ","
		if strings.LastIndex(num, ",") > strings.LastIndex(num, ".") {
			dec, grp = ",", "."
		}
		if strings.Count(num, dec) > 1 {
			return decimal.Zero, ErrAmbiguousPrice
		}
		num = strings.ReplaceAll(num, grp, "")
		num = strings.Replace(num, dec, ".", 1)

	case commas+dots == 1:
		sep := ","
		if dots == 1 {
			sep = "."
		}
		idx := strings.Index(num, sep)
		intPart, frac := num[:idx], num[idx+1:]
		if !grouped && len(frac) == 3 && strings.TrimLeft(intPart, "0") != "" {
			num = intPart + frac
		} else {
			num = intPart + "." + frac
		}

	case commas+dots > 1:
		sep := ","
		if dots > 0 {
			sep = "."
		}
		groups := strings.Split(num, sep)
		for _, g := range groups[1:] {
			if len(g) != 3 {
				return decimal.Zero, ErrAmbiguousPrice
			}
		}
		num = strings.Join(groups, "")
	}

	return decimal.NewFromString(num)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isGroupMark(r rune) bool {
	return r == ' ' || r == '\'' || r == '’'
}

func digitsAt(rs []rune, i int) int {
	n := 0
	for i+n < len(rs) && isDigit(rs[i+n]) {
		n++
	}
	return n
}
