package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/StudioSol/set"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/samber/lo"
)

// NewsRouter delivers news items to the chats subscribed to a coin they mention
type NewsRouter struct {
	ledger core.NewsLedger
}

func NewNewsRouter(ledger core.NewsLedger) *NewsRouter {
	return &NewsRouter{ledger: ledger}
}

// Route returns the intents for items not yet delivered, together with the ids
// of every fresh item. Items that mention no currency are not broadcast.
func (r *NewsRouter) Route(result core.NewsResult, subs []core.Subscription) ([]Intent, []int64) {
	chatsByToken := lo.GroupBy(subs, func(sub core.Subscription) string {
		return sub.Token
	})

	intents := make([]Intent, 0)
	fresh := make([]int64, 0)

	for _, item := range result.Results {
		if r.ledger.Seen(item.ID) || lo.Contains(fresh, item.ID) {
			continue
		}
		fresh = append(fresh, item.ID)

		codes := lo.Uniq(item.Codes())
		chats := set.NewLinkedHashSetString()
		matched := make(map[string]string)
		for _, code := range codes {
			for _, sub := range chatsByToken[code] {
				if _, ok := matched[sub.ChatID]; !ok {
					matched[sub.ChatID] = code
				}
				chats.Add(sub.ChatID)
			}
		}

		message := newsMessage(item, codes)
		for chatID := range chats.Iter() {
			intents = append(intents, Intent{
				Kind:    KindNews,
				ChatID:  chatID,
				Token:   matched[chatID],
				NewsID:  item.ID,
				Message: message,
			})
		}
	}

	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].NewsID != intents[j].NewsID {
			return intents[i].NewsID < intents[j].NewsID
		}
		return intents[i].ChatID < intents[j].ChatID
	})

	return intents, fresh
}

// FormatNews renders one item the way it is shown in chat
func FormatNews(item core.NewsItem) string {
	return newsMessage(item, lo.Uniq(item.Codes()))
}

func newsMessage(item core.NewsItem, codes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📰 %s", item.Title)

	meta := make([]string, 0, 2)
	if item.Source != "" {
		meta = append(meta, item.Source)
	}
	if len(codes) > 0 {
		meta = append(meta, strings.ToUpper(strings.Join(codes, ", ")))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, "\n%s", strings.Join(meta, " · "))
	}

	if item.URL != "" {
		fmt.Fprintf(&b, "\n%s", item.URL)
	}

	return b.String()
}
