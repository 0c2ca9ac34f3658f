package payments

import (
	"strings"
	"unicode"
)

// CountryPrefix - код страны абонентов M-Pesa (Кения).
const CountryPrefix = "254"

// subscriberDigits - длина номера абонента без кода страны.
const subscriberDigits = 9

// NormalizePhone приводит номер к виду 2547XXXXXXXX без '+'.
// Номер другой длины возвращается как есть, проверку делает ValidSubscriber.
func NormalizePhone(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r <= unicode.MaxASCII {
			return r
		}
		return -1
	}, raw)

	switch {
	case strings.HasPrefix(digits, "0"):
		return CountryPrefix + digits[1:]
	case len(digits) == subscriberDigits:
		return CountryPrefix + digits
	default:
		return digits
	}
}

// ValidSubscriber проверяет результат NormalizePhone: ровно 254 и 9 цифр абонента.
func ValidSubscriber(normalized string) bool {
	if !strings.HasPrefix(normalized, CountryPrefix) {
		return false
	}
	return len(normalized) == len(CountryPrefix)+subscriberDigits
}
