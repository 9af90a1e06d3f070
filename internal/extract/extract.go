// Package extract turns rendered listing pages into shop records. Every field
// is resolved through an ordered chain of candidate patterns; the first that
// yields a usable value wins, and a field that never resolves is left empty.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-crawler/internal/catalog"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Block selectors in priority order.
var blockSelectors = []string{
	"#shop-all-list li",
	"li",
	`div[class*="shop-wrap"]`,
	`div[class*="shop"]`,
	`div[data-click-name*="shop"]`,
}

var nameSelectors = []string{
	"h4",
	"h3",
	"h2",
	`[class*="shopname"]`,
	`[class*="shop-name"]`,
	"a[data-click-name]",
}

var pricePatterns = compileAll(
	`<b>￥(\d+)</b>`,
	`￥(\d+)`,
	`人均[：:]?\s*￥?(\d+)`,
	`平均[：:]?\s*￥?(\d+)`,
	`price[^>]*>￥?(\d+)`,
	`avgprice[^>]*>￥?(\d+)`,
)

var reviewPatterns = compileAll(
	`<b>(\d+)</b>\s*条评价`,
	`<b>(\d+)</b>\s*条点评`,
	`(?s)review-num[^>]*>.*?<b>(\d+)</b>`,
	`(\d+)\s*条评价`,
	`(\d+)\s*条点评`,
	`(\d+)\s*评价`,
	`(\d+)\s*点评`,
	`评价\s*(\d+)`,
	`点评\s*(\d+)`,
	`<span[^>]*>(\d+)</span>\s*条`,
	`>(\d+)</\w+>\s*条`,
)

var ratingPatterns = compileAll(
	`star\s+star_(\d+)\s+star_sml`,
	`class="[^"]*star[^"]*star_(\d+)[^"]*"`,
	`star_(\d+)`,
	`rating-(\d+)`,
	`score-(\d+)`,
	`class="[^"]*star[^"]*?(\d{2})[^"]*"`,
	`star(\d{2})`,
	`(?s)<span[^>]*class="[^"]*star[^"]*"[^>]*>.*?(\d\.\d)</span>`,
	`>(\d\.\d)</`,
	`平均分[：:]?\s*(\d+\.?\d*)`,
	`评分[：:]?\s*(\d+\.?\d*)`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Page is a parsed listing page.
type Page struct {
	doc *goquery.Document
	raw string
}

// Parse loads rendered HTML. Malformed markup is tolerated by the parser.
func Parse(html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return &Page{doc: doc, raw: html}, nil
}

// Title returns the document title, trimmed.
func (p *Page) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

// Shops extracts every shop block on the page. Blocks without a usable name
// are dropped.
func (p *Page) Shops(city, category string) []crawler.ShopRecord {
	var out []crawler.ShopRecord
	for _, block := range p.blocks() {
		name := shopName(block)
		if utf8.RuneCountInString(name) < 2 {
			continue
		}
		html, err := goquery.OuterHtml(block)
		if err != nil {
			continue
		}
		rec := crawler.ShopRecord{
			City:              city,
			PrimaryCategory:   catalog.PrimaryCategory,
			SecondaryCategory: category,
			ShopName:          name,
			AvgPrice:          firstMatch(pricePatterns, html),
			ReviewCount:       firstMatch(reviewPatterns, html),
			Rating:            rating(html),
		}
		out = append(out, rec)
	}
	return out
}

func (p *Page) blocks() []*goquery.Selection {
	for _, sel := range blockSelectors {
		found := p.doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		var blocks []*goquery.Selection
		found.Each(func(_ int, s *goquery.Selection) {
			blocks = append(blocks, s)
		})
		return blocks
	}
	return []*goquery.Selection{p.doc.Selection}
}

func shopName(block *goquery.Selection) string {
	for _, sel := range nameSelectors {
		node := block.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		name := strings.TrimSpace(node.Text())
		if utf8.RuneCountInString(name) > 1 {
			return name
		}
	}
	return ""
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

func rating(html string) *float64 {
	for _, re := range ratingPatterns {
		m := re.FindStringSubmatch(html)
		if m == nil {
			continue
		}
		if v, ok := NormalizeRating(m[1]); ok {
			return &v
		}
	}
	return nil
}

// NormalizeRating converts the site's star encodings to a 0-5 float: "45"
// means 4.5, "4" means 4.0, and "4.5" is taken as is. Values above 5 are
// rejected.
func NormalizeRating(raw string) (float64, bool) {
	var (
		v   float64
		err error
	)
	switch {
	case strings.Contains(raw, "."):
		v, err = strconv.ParseFloat(raw, 64)
	case len(raw) == 2:
		var n int
		n, err = strconv.Atoi(raw)
		v = float64(n) / 10
	case len(raw) == 1:
		var n int
		n, err = strconv.Atoi(raw)
		v = float64(n)
	default:
		v, err = strconv.ParseFloat(raw, 64)
	}
	if err != nil || v < 0 || v > 5 {
		return 0, false
	}
	return v, true
}

var pageHref = regexp.MustCompile(`p(\d+)(?:$|[?#/])`)

// TotalPages reads the pagination bar and returns the highest page number it
// links to. ok is false when the page carries no pagination at all.
func (p *Page) TotalPages() (int, bool) {
	maxPage := 0
	p.doc.Find(".page a, .pagination a, a.PageLink").Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && n > maxPage {
			maxPage = n
		}
		if v, ok := s.Attr("data-ga-page"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > maxPage {
				maxPage = n
			}
		}
		if href, ok := s.Attr("href"); ok {
			if m := pageHref.FindStringSubmatch(href); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
					maxPage = n
				}
			}
		}
	})
	if maxPage > 0 {
		return maxPage, true
	}
	return 0, false
}

// HasListing reports whether any shop block resolved a name.
func (p *Page) HasListing() bool {
	for _, block := range p.blocks() {
		if utf8.RuneCountInString(shopName(block)) >= 2 {
			return true
		}
	}
	return false
}

// Raw returns the HTML the page was parsed from.
func (p *Page) Raw() string {
	return p.raw
}
