package news

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
)

type payload struct {
	Results *[]post `json:"results"`
}

type post struct {
	ID          *int64 `json:"id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	PublishedAt string `json:"published_at"`
	Source      struct {
		Title  string `json:"title"`
		Domain string `json:"domain"`
	} `json:"source"`
	Currencies []struct {
		Code  string `json:"code"`
		Title string `json:"title"`
	} `json:"currencies"`
}

func decodeNews(r io.Reader) (core.NewsResult, error) {
	var body payload
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return core.NewsResult{}, fmt.Errorf("%w: %v", core.ErrMalformedNews, err)
	}

	if body.Results == nil {
		return core.NewsResult{}, fmt.Errorf("%w: no results field", core.ErrMalformedNews)
	}

	items := make([]core.NewsItem, 0, len(*body.Results))
	for i, p := range *body.Results {
		item, err := p.toItem()
		if err != nil {
			return core.NewsResult{}, fmt.Errorf("result %d: %w", i, err)
		}
		items = append(items, item)
	}

	return core.NewsResult{Results: items}, nil
}

func (p post) toItem() (core.NewsItem, error) {
	if p.ID == nil || *p.ID == 0 {
		return core.NewsItem{}, fmt.Errorf("%w: missing id", core.ErrMalformedNews)
	}
	if p.Title == "" {
		return core.NewsItem{}, fmt.Errorf("%w: post %d has no title", core.ErrMalformedNews, *p.ID)
	}

	item := core.NewsItem{
		ID:     *p.ID,
		Kind:   p.Kind,
		Title:  p.Title,
		URL:    p.URL,
		Domain: p.Domain,
		Source: p.Source.Title,
	}

	if item.Kind == "" {
		item.Kind = "news"
	}
	if item.Domain == "" {
		item.Domain = p.Source.Domain
	}
	if published, err := time.Parse(time.RFC3339, p.PublishedAt); err == nil {
		item.PublishedAt = published
	}

	for _, currency := range p.Currencies {
		item.Currencies = append(item.Currencies, core.NewsCurrency{
			Code:  currency.Code,
			Title: currency.Title,
		})
	}

	return item, nil
}
