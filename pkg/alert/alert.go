// Package alert decides which chats should hear about price moves and news
package alert

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind labels what produced an intent
type Kind string

const (
	KindPrice Kind = "price"
	KindNews  Kind = "news"
)

// Intent is a message that should be delivered to one chat
type Intent struct {
	Kind    Kind
	ChatID  string
	Token   string
	Message string
	Price   float64 // Price carried by a price alert
	NewsID  int64   // Item carried by a news alert
}

// FormatPrice renders a USD price, keeping more precision for sub-dollar coins
func FormatPrice(price float64) string {
	value := decimal.NewFromFloat(price)

	switch {
	case value.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)):
		return "$" + groupThousands(value.StringFixed(2))
	case value.IsZero():
		return "$0.00"
	default:
		return "$" + strings.TrimRight(value.StringFixed(8), "0")
	}
}

func groupThousands(fixed string) string {
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}

	whole, fraction, _ := strings.Cut(fixed, ".")
	var out strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(digit)
	}

	if fraction != "" {
		return fmt.Sprintf("%s%s.%s", sign, out.String(), fraction)
	}
	return sign + out.String()
}
