// Package catalog resolves city and category inputs against the listing
// site's static tables and builds listing page URLs.
package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// PrimaryCategory is the top-level vertical every supported category lives under.
const PrimaryCategory = "美食"

// DefaultBaseURL is the listing site root.
const DefaultBaseURL = "https://www.dianping.com"

// Entry pairs a display name with its site code.
type Entry struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Catalog holds the city and category tables.
type Catalog struct {
	baseURL    string
	cities     table
	categories table
}

type table struct {
	entries []Entry
	byCode  map[string]Entry
	byName  map[string]Entry
}

// DefaultCities maps display names to city codes.
func DefaultCities() map[string]string {
	return map[string]string{
		"长沙": "changsha",
		"深圳": "shenzhen",
		"苏州": "suzhou",
		"南宁": "nanning",
		"上海": "shanghai",
		"广州": "guangzhou",
		"杭州": "hangzhou",
		"厦门": "xiamen",
		"武汉": "wuhan",
		"西安": "xian",
		"北京": "beijing",
	}
}

// DefaultCategories maps display names to category ids.
func DefaultCategories() map[string]string {
	return map[string]string{
		"小吃快餐":   "g112",
		"粤菜":     "g103",
		"自助餐":    "g111",
		"面包蛋糕甜品": "g117",
		"咖啡":     "g132",
		"日式料理":   "g113",
		"火锅":     "g110",
		"西餐":     "g116",
		"小龙虾":    "g219",
		"鱼鲜海鲜":   "g251",
		"烧烤烤串":   "g508",
		"韩式料理":   "g114",
		"川菜":     "g102",
		"饮品":     "g34236",
		"粥粉面":    "g1959",
		"水果生鲜":   "g2714",
		"面馆":     "g215",
		"地方菜系":   "g34351",
		"湘菜":     "g104",
		"特色菜":    "g34284",
		"食品滋补":   "g33759",
		"螺蛳粉":    "g32725",
		"烤肉":     "g34303",
		"私房菜":    "g1338",
		"茶餐厅":    "g207",
		"东北菜":    "g106",
		"农家菜":    "g25474",
		"北京菜":    "g311",
		"早茶":     "g34055",
		"家常菜":    "g1783",
		"东南亚菜":   "g115",
		"新疆菜":    "g3243",
		"江浙菜":    "g101",
		"素食":     "g109",
		"创意菜":    "g250",
		"中东菜":    "g234",
		"非洲菜":    "g2797",
		"其他美食":   "g118",
	}
}

// Default returns a catalog built from the built-in tables.
func Default() *Catalog {
	c, err := New(DefaultBaseURL, DefaultCities(), DefaultCategories())
	if err != nil {
		panic(err)
	}
	return c
}

// New builds a catalog from name→code tables. Empty tables fall back to the
// built-in defaults.
func New(baseURL string, cities, categories map[string]string) (*Catalog, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if len(cities) == 0 {
		cities = DefaultCities()
	}
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	cityTable, err := newTable(cities)
	if err != nil {
		return nil, fmt.Errorf("city table: %w", err)
	}
	categoryTable, err := newTable(categories)
	if err != nil {
		return nil, fmt.Errorf("category table: %w", err)
	}
	return &Catalog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cities:     cityTable,
		categories: categoryTable,
	}, nil
}

func newTable(src map[string]string) (table, error) {
	t := table{
		byCode: make(map[string]Entry, len(src)),
		byName: make(map[string]Entry, len(src)),
	}
	for name, code := range src {
		name, code = strings.TrimSpace(name), strings.TrimSpace(code)
		if name == "" || code == "" {
			return table{}, fmt.Errorf("empty entry %q=%q", name, code)
		}
		if _, dup := t.byCode[code]; dup {
			return table{}, fmt.Errorf("duplicate code %q", code)
		}
		entry := Entry{Name: name, Code: code}
		t.byCode[code] = entry
		t.byName[name] = entry
		t.entries = append(t.entries, entry)
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Code < t.entries[j].Code })
	return t, nil
}

func (t table) resolve(input string) (Entry, bool) {
	key := strings.TrimSpace(input)
	if e, ok := t.byCode[key]; ok {
		return e, true
	}
	if e, ok := t.byName[key]; ok {
		return e, true
	}
	e, ok := t.byCode[strings.ToLower(key)]
	return e, ok
}

// ResolveCity accepts a city code or display name.
func (c *Catalog) ResolveCity(input string) (Entry, error) {
	e, ok := c.cities.resolve(input)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", crawler.ErrUnsupportedCity, input)
	}
	return e, nil
}

// ResolveCategory accepts a category id or display name.
func (c *Catalog) ResolveCategory(input string) (Entry, error) {
	e, ok := c.categories.resolve(input)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", crawler.ErrUnsupportedCategory, input)
	}
	return e, nil
}

// Cities lists the city table ordered by code.
func (c *Catalog) Cities() []Entry {
	return append([]Entry(nil), c.cities.entries...)
}

// Categories lists the category table ordered by id.
func (c *Catalog) Categories() []Entry {
	return append([]Entry(nil), c.categories.entries...)
}

// ListingURL builds the URL of one listing page. Page 1 carries no page suffix.
func (c *Catalog) ListingURL(cityCode, categoryID string, sortType crawler.SortType, page int) string {
	u := c.baseURL + "/" + cityCode + "/ch10/" + categoryID + sortType.Suffix()
	if page > 1 {
		u += "p" + strconv.Itoa(page)
	}
	return u
}
