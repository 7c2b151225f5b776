package notification

import (
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/coinalert/pkg/alert"
	"github.com/raykavin/coinalert/pkg/core"
)

// CoinsTable renders coins as a text table ordered as given
func CoinsTable(coins []core.CoinRecord) string {
	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"#", "Symbol", "Name", "Price"})
	table.SetAutoWrapText(false)

	for _, coin := range coins {
		rank := "-"
		if coin.MarketCapRank != nil {
			rank = strconv.Itoa(*coin.MarketCapRank)
		}

		price := "n/a"
		if value, ok := coin.Price(); ok {
			price = alert.FormatPrice(value)
		}

		table.Append([]string{rank, strings.ToUpper(coin.Symbol), coin.Name, price})
	}

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
	})
	table.Render()

	return tableString.String()
}

// SubscriptionsTable renders subscriptions with their alert state
func SubscriptionsTable(subscriptions []core.Subscription) string {
	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Chat", "Token", "User", "Subscribed", "Last alert", "Last price"})
	table.SetAutoWrapText(false)

	for _, sub := range subscriptions {
		lastAlert, lastPrice := "-", "-"
		if sub.Notified() {
			lastAlert = sub.LastUpdate.UTC().Format("2006-01-02 15:04")
			lastPrice = alert.FormatPrice(*sub.LastPrice)
		}

		user := sub.UserName
		if sub.Login != "" {
			user += " (@" + sub.Login + ")"
		}

		table.Append([]string{
			sub.ChatID,
			strings.ToUpper(sub.Token),
			strings.TrimSpace(user),
			sub.SubscribedAt.UTC().Format("2006-01-02 15:04"),
			lastAlert,
			lastPrice,
		})
	}

	table.Render()
	return tableString.String()
}
