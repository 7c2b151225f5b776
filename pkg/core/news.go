package core

import "time"

// NewsCurrency is a coin mentioned by a news post
type NewsCurrency struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}

// NewsItem is one post from the news provider
type NewsItem struct {
	ID          int64          `json:"id"`
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Domain      string         `json:"domain"`
	Source      string         `json:"source"`
	PublishedAt time.Time      `json:"published_at"`
	Currencies  []NewsCurrency `json:"currencies"`
}

// Codes returns the lower-cased symbols of the currencies the item mentions
func (n NewsItem) Codes() []string {
	codes := make([]string, 0, len(n.Currencies))
	for _, currency := range n.Currencies {
		if code := NormalizeSymbol(currency.Code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// NewsResult is the payload returned by a news fetch
type NewsResult struct {
	Results []NewsItem `json:"results"`
}

// EmptyNews is substituted for the feed whenever a fetch fails
func EmptyNews() NewsResult {
	return NewsResult{Results: []NewsItem{}}
}
