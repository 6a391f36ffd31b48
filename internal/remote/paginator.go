package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
)

// Page is one page of a list endpoint. Items are left raw so they can be
// validated one by one.
type Page struct {
	Number    int
	URL       string
	Items     []json.RawMessage
	RateLimit domain.RateLimitInfo
}

// Paginator follows rel="next" links until a response has none. It is not
// restartable: once Next returns false the walk is over.
//
//	p := client.Paginate(url)
//	for p.Next(ctx) {
//		page := p.Page()
//	}
//	if err := p.Err(); err != nil { ... }
type Paginator struct {
	client *Client
	next   string
	page   Page
	count  int
	err    error
}

// Next fetches the following page, sleeping the configured page delay between
// fetches.
func (p *Paginator) Next(ctx context.Context) bool {
	if p.err != nil || p.next == "" {
		return false
	}
	if p.count > 0 && p.client.pageDelay > 0 {
		if err := p.client.sleep(ctx, p.client.pageDelay); err != nil {
			p.err = err
			return false
		}
	}
	target := p.next
	resp, err := p.client.Get(ctx, target)
	if err != nil {
		p.err = err
		return false
	}
	defer resp.Body.Close()

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		p.err = fmt.Errorf("decode page %s: %w", target, err)
		return false
	}
	p.count++
	info, _ := ParseRateLimit(resp.Header)
	p.page = Page{Number: p.count, URL: target, Items: items, RateLimit: info}
	p.next = ParseLinkHeader(resp.Header.Get("Link"))["next"]
	p.client.log.WithFields(logrus.Fields{"page": p.count, "items": len(items), "url": target}).Debug("fetched page")
	return true
}

func (p *Paginator) Page() Page { return p.page }

func (p *Paginator) Err() error { return p.err }

// Pages reports how many pages have been fetched so far.
func (p *Paginator) Pages() int { return p.count }
