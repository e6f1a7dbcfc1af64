package adapter

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"karui-search/fetch"
	"karui-search/models"
)

// Field names used in Profile.Selectors and source config overrides.
const (
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldLocation    = "location"
	FieldCategory    = "category"
	FieldSize        = "size"
	FieldBuildingAge = "building_age"
	FieldRooms       = "rooms"
	FieldDescription = "description"
	FieldImages      = "images"
)

var requiredFields = []string{FieldTitle, FieldPrice, FieldLocation}

// Profile is the declarative description of one site.
type Profile struct {
	SourceID    string
	DisplayName string
	Strategy    models.FetchStrategy
	RateCeiling models.RateBudget

	// ListingPaths are resolved against the source base URL.
	ListingPaths []string
	LinkSelector string
	// LinkKeywords must appear in a link's href or text; empty accepts all.
	LinkKeywords     []string
	LinkExclude      []string
	NextPageSelector string

	// Selectors map field names to CSS selectors tried before label tables
	// and text patterns.
	Selectors map[string]string
	// NativeID extracts the site's own listing id from the URL (group 1).
	NativeID *regexp.Regexp

	GenerateTitle bool
	MinListings   int
	MaxPages      int
}

// SelectorAdapter is the goquery-backed Adapter every site uses.
type SelectorAdapter struct {
	profile Profile
	source  models.Source
	base    *url.URL
	images  ImagePolicy
}

// NewSelectorAdapter applies the source's extraction overrides and
// strategy to p.
func NewSelectorAdapter(src models.Source, p Profile) (*SelectorAdapter, error) {
	base, err := url.Parse(src.BaseURL)
	if err != nil || base.Host == "" {
		return nil, eris.Errorf("adapter: %s: invalid base url %q", src.ID, src.BaseURL)
	}

	p.SourceID = src.ID
	if src.Name != "" {
		p.DisplayName = src.Name
	}
	if src.Strategy != "" {
		p.Strategy = src.Strategy
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyDirect
	}
	x := src.Extraction
	if len(x.ListingPaths) > 0 {
		p.ListingPaths = x.ListingPaths
	}
	if x.LinkSelector != "" {
		p.LinkSelector = x.LinkSelector
	}
	if x.NextPageSelector != "" {
		p.NextPageSelector = x.NextPageSelector
	}
	if x.MinExpectedListings > 0 {
		p.MinListings = x.MinExpectedListings
	}
	if x.MaxPages > 0 {
		p.MaxPages = x.MaxPages
	}
	selectors := make(map[string]string, len(p.Selectors)+len(x.Selectors))
	for k, v := range p.Selectors {
		selectors[k] = v
	}
	for k, v := range x.Selectors {
		selectors[k] = v
	}
	p.Selectors = selectors
	if p.LinkSelector == "" {
		p.LinkSelector = "a[href]"
	}

	return &SelectorAdapter{profile: p, source: src, base: base, images: DefaultImagePolicy}, nil
}

func (a *SelectorAdapter) SourceID() string               { return a.profile.SourceID }
func (a *SelectorAdapter) Strategy() models.FetchStrategy { return a.profile.Strategy }
func (a *SelectorAdapter) RateCeiling() models.RateBudget { return a.profile.RateCeiling }
func (a *SelectorAdapter) Profile() Profile               { return a.profile }
func (a *SelectorAdapter) MaxPages() int                  { return a.profile.MaxPages }

func (a *SelectorAdapter) Expectations() Expectations {
	return Expectations{MinListings: a.profile.MinListings}
}

func (a *SelectorAdapter) ListingPages() []string {
	if len(a.profile.ListingPaths) == 0 {
		return []string{a.base.String()}
	}
	out := make([]string, 0, len(a.profile.ListingPaths))
	for _, p := range a.profile.ListingPaths {
		if u, ok := ResolveLink(a.base, p); ok {
			out = append(out, u)
		}
	}
	return out
}

func (a *SelectorAdapter) document(page *fetch.RawPage) (*goquery.Document, *url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, nil, &models.Error{Kind: models.KindStructural, Source: a.profile.SourceID, URL: page.URL, Message: "unparseable html", Cause: err}
	}
	at := page.FinalURL
	if at == "" {
		at = page.URL
	}
	pu, err := url.Parse(at)
	if err != nil {
		pu = a.base
	}
	return doc, pu, nil
}

// DiscoverListingURLs returns detail links in document order, deduplicated.
func (a *SelectorAdapter) DiscoverListingURLs(page *fetch.RawPage) ([]string, error) {
	doc, pu, err := a.document(page)
	if err != nil {
		return nil, err
	}
	listing := make(map[string]bool)
	for _, p := range a.ListingPages() {
		listing[p] = true
	}
	listing[pu.String()] = true

	var out []string
	seen := make(map[string]bool)
	doc.Find(a.profile.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		u, ok := ResolveLink(pu, href)
		if !ok || seen[u] || listing[u] || !IsListingURL(a.base, u) {
			return
		}
		lower := strings.ToLower(u)
		if containsAny(lower, a.profile.LinkExclude) {
			return
		}
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if len(a.profile.LinkKeywords) > 0 && !containsAny(lower, a.profile.LinkKeywords) && !containsAny(text, a.profile.LinkKeywords) {
			return
		}
		seen[u] = true
		out = append(out, u)
	})
	return out, nil
}

// NextPageURL follows the profile's next-page selector, if any.
func (a *SelectorAdapter) NextPageURL(page *fetch.RawPage) string {
	if a.profile.NextPageSelector == "" {
		return ""
	}
	doc, pu, err := a.document(page)
	if err != nil {
		return ""
	}
	href, ok := doc.Find(a.profile.NextPageSelector).First().Attr("href")
	if !ok {
		return ""
	}
	u, ok := ResolveLink(pu, href)
	if !ok || u == pu.String() || !IsListingURL(a.base, u) {
		return ""
	}
	return u
}

// Label synonyms found in property detail tables (th/td, dt/dd).
var fieldLabels = map[string][]string{
	FieldPrice:       {"販売価格", "物件価格", "価格", "price"},
	FieldLocation:    {"所在地", "住所", "所在", "location", "address"},
	FieldCategory:    {"物件種別", "物件種目", "種別", "種目", "type"},
	FieldSize:        {"土地面積", "敷地面積", "建物面積", "延床面積", "面積", "size", "area"},
	FieldBuildingAge: {"築年月", "築年数", "建築年", "完成時期", "築年", "built"},
	FieldRooms:       {"間取り", "間取", "layout"},
}

// Text patterns for when neither selectors nor label tables match. Digit
// classes include full-width forms so the captured string stays original.
var fieldPatterns = map[string]*regexp.Regexp{
	FieldPrice:       regexp.MustCompile(`(?:[0-9０-９.．]+\s*億\s*(?:[0-9０-９,，]+\s*万)?\s*円|[0-9０-９,，.．]+\s*万\s*円|[¥￥]\s*[0-9０-９,，]+(?:\s*万\s*円)?|[0-9０-９]{1,3}(?:[,，][0-9０-９]{3}){2,}\s*円)`),
	FieldLocation:    regexp.MustCompile(`(?:長野県)?(?:北佐久郡)?(?:軽井沢町|御代田町|[東西南北中旧新]軽井沢)[^。\n\r<>|｜]{0,30}`),
	FieldSize:        regexp.MustCompile(`[0-9０-９,，.．]+\s*(?:㎡|m²|m2|平米|平方メートル|坪)`),
	FieldBuildingAge: regexp.MustCompile(`築\s*[0-9０-９]+\s*年|新築|(?:昭和|平成|令和)\s*[0-9０-９元]+\s*年(?:\s*[0-9０-９]+\s*月)?|[0-9]{4}\s*年(?:\s*[0-9]{1,2}\s*月)?\s*(?:築|建築|完成)`),
	FieldRooms:       regexp.MustCompile(`[0-9０-９]\s*(?:S?L?D?K|R)(?:\s*[+＋]\s*S)?`),
}

// ExtractListing reads one detail page.
func (a *SelectorAdapter) ExtractListing(page *fetch.RawPage) (*models.PropertyListing, error) {
	doc, pu, err := a.document(page)
	if err != nil {
		return nil, err
	}

	labels := labelTable(doc)
	body := collapse(doc.Find("body").Text())

	field := func(name string) string {
		if sel := a.profile.Selectors[name]; sel != "" {
			if v := collapse(doc.Find(sel).First().Text()); v != "" {
				return v
			}
		}
		re := fieldPatterns[name]
		var fallback string
		for _, label := range fieldLabels[name] {
			for _, v := range labels.lookup(label) {
				if re == nil || re.MatchString(v) {
					return v
				}
				if fallback == "" {
					fallback = v
				}
			}
		}
		if fallback != "" {
			return fallback
		}
		if re != nil {
			return collapse(re.FindString(body))
		}
		return ""
	}

	l := &models.PropertyListing{
		Price:       field(FieldPrice),
		Location:    field(FieldLocation),
		Size:        field(FieldSize),
		BuildingAge: field(FieldBuildingAge),
		Rooms:       field(FieldRooms),
		SourceID:    a.profile.SourceID,
		URL:         page.URL,
		CapturedAt:  page.FetchedAt,
	}
	typeLabel := field(FieldCategory)
	l.Category = CategoryFromLabel(typeLabel)
	l.Description = a.description(doc)
	l.Images = a.images.Filter(a.imageURLs(doc, pu))
	if a.profile.NativeID != nil {
		if m := a.profile.NativeID.FindStringSubmatch(page.URL); len(m) > 1 {
			l.NativeID = m[1]
		}
	}

	if a.profile.GenerateTitle {
		label := typeLabel
		if label == "" {
			label = string(l.Category)
		}
		l.Title = GenerateTitle(a.profile.DisplayName, label, l.BuildingAge, l.Price, l.Location)
		if l.Price == "" && l.Location == "" {
			l.Title = ""
		}
	}
	if l.Title == "" {
		l.Title = a.pageTitle(doc)
	}

	for _, f := range requiredFields {
		if fieldValue(l, f) == "" {
			l.MissingFields = append(l.MissingFields, f)
		}
	}
	if len(l.MissingFields) > 0 {
		l.Degraded = true
		return l, &models.Error{
			Kind: models.KindStructural, Source: a.profile.SourceID, URL: page.URL,
			Message: "missing " + strings.Join(l.MissingFields, ", "),
		}
	}
	return l, nil
}

func fieldValue(l *models.PropertyListing, f string) string {
	switch f {
	case FieldTitle:
		return l.Title
	case FieldPrice:
		return l.Price
	case FieldLocation:
		return l.Location
	}
	return ""
}

func (a *SelectorAdapter) pageTitle(doc *goquery.Document) string {
	if sel := a.profile.Selectors[FieldTitle]; sel != "" {
		if v := collapse(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	if v := collapse(doc.Find("h1").First().Text()); v != "" {
		return v
	}
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return collapse(v)
	}
	return collapse(doc.Find("title").First().Text())
}

func (a *SelectorAdapter) description(doc *goquery.Document) string {
	for _, sel := range []string{a.profile.Selectors[FieldDescription], ".description", ".comment", ".detail-text"} {
		if sel == "" {
			continue
		}
		if v := collapse(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if v, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(v) != "" {
			return collapse(v)
		}
	}
	return ""
}

func (a *SelectorAdapter) imageURLs(doc *goquery.Document, pu *url.URL) []string {
	var out []string
	if v, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		if u, ok := ResolveLink(pu, v); ok {
			out = append(out, u)
		}
	}
	sel := a.profile.Selectors[FieldImages]
	if sel == "" {
		sel = "img"
	}
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"data-src", "data-original", "data-lazy", "src"} {
			v, ok := s.Attr(attr)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "data:") {
				continue
			}
			if u, ok := ResolveLink(pu, v); ok {
				out = append(out, u)
				return
			}
		}
	})
	return out
}

// labels keeps label/value pairs in the order they appear on the page.
type labels struct {
	values map[string]string
	order  []string
}

// labelTable collects th/td and dt/dd pairs; the first occurrence of a
// label wins.
func labelTable(doc *goquery.Document) labels {
	out := labels{values: make(map[string]string)}
	add := func(k, v string) {
		k = strings.ToLower(strings.Trim(collapse(k), ":：・ "))
		v = collapse(v)
		if k == "" || v == "" {
			return
		}
		if _, ok := out.values[k]; !ok {
			out.values[k] = v
			out.order = append(out.order, k)
		}
	}
	doc.Find("th").Each(func(_ int, th *goquery.Selection) {
		add(th.Text(), th.NextFiltered("td").Text())
	})
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		add(dt.Text(), dt.NextFiltered("dd").Text())
	})
	return out
}

// lookup returns the value of an exact label match followed by the values
// of every other label starting with it, in page order.
func (t labels) lookup(label string) []string {
	label = strings.ToLower(label)
	var out []string
	if v, ok := t.values[label]; ok {
		out = append(out, v)
	}
	for _, k := range t.order {
		if k != label && strings.HasPrefix(k, label) {
			out = append(out, t.values[k])
		}
	}
	return out
}

// CategoryFromLabel maps a displayed property-type label onto the closed
// category set; unknown labels map to "".
func CategoryFromLabel(label string) models.Category {
	l := strings.ToLower(label)
	switch {
	case l == "":
		return ""
	case containsAny(l, []string{"別荘", "villa", "ヴィラ", "vacation"}):
		return models.CategoryVacationHome
	case containsAny(l, []string{"マンション", "apartment", "condo"}):
		return models.CategoryApartment
	case containsAny(l, []string{"一戸建", "戸建", "house", "住宅"}):
		return models.CategoryHouse
	case containsAny(l, []string{"土地", "land", "売地"}):
		return models.CategoryLand
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
