package services

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"karui-search/models"
	"karui-search/utils"
)

const tsuboToSqm = 3.305785

var (
	// priceTokenRegexp captures a figure and an optional large unit.
	priceTokenRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)(億|万)?`)
	// sizeRegexp captures the first area figure and its unit.
	sizeRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(㎡|m²|m2|平米|平方メートル|坪)`)
)

// Location enumeration. OtherArea is the bucket of anything unrecognized.
const (
	AreaKyuKaruizawa     = "kyu-karuizawa"
	AreaNakaKaruizawa    = "naka-karuizawa"
	AreaMinamiKaruizawa  = "minami-karuizawa"
	AreaKitaKaruizawa    = "kita-karuizawa"
	AreaKaruizawaStation = "karuizawa-station"
	AreaOiwake           = "oiwake"
	AreaSengataki        = "sengataki"
	AreaHocchi           = "hocchi"
	AreaShiozawa         = "shiozawa"
	AreaHanareyama       = "hanareyama"
	AreaKariyado         = "kariyado"
	AreaMiyota           = "miyota"
	AreaKaruizawa        = "karuizawa"
	OtherArea            = "other"
)

// areaAliases is ordered: specific sub-areas before the generic town name.
var areaAliases = []struct {
	area    string
	aliases []string
}{
	{AreaKyuKaruizawa, []string{"旧軽井沢", "旧軽", "kyu-karuizawa", "kyukaruizawa", "kyu karuizawa", "old karuizawa"}},
	{AreaNakaKaruizawa, []string{"中軽井沢", "中軽", "naka-karuizawa", "nakakaruizawa", "naka karuizawa"}},
	{AreaMinamiKaruizawa, []string{"南軽井沢", "minami-karuizawa", "minami karuizawa", "south karuizawa"}},
	{AreaKitaKaruizawa, []string{"北軽井沢", "kita-karuizawa", "kita karuizawa", "north karuizawa"}},
	{AreaKaruizawaStation, []string{"軽井沢駅", "新軽井沢", "karuizawa station", "shin-karuizawa"}},
	{AreaOiwake, []string{"追分", "oiwake"}},
	{AreaSengataki, []string{"千ヶ滝", "千ケ滝", "千が滝", "sengataki"}},
	{AreaHocchi, []string{"発地", "hocchi", "hotchi"}},
	{AreaShiozawa, []string{"塩沢", "shiozawa"}},
	{AreaHanareyama, []string{"離山", "hanareyama"}},
	{AreaKariyado, []string{"借宿", "kariyado"}},
	{AreaMiyota, []string{"御代田", "miyota"}},
	{AreaKaruizawa, []string{"軽井沢", "karuizawa"}},
}

// adminPrefixes are trimmed from the front of a location, repeatedly.
var adminPrefixes = []string{
	"日本", "japan", "長野県", "nagano-ken", "nagano prefecture", "nagano", "群馬県", "gunma",
	"北佐久郡", "kitasaku-gun", "kitasaku", "吾妻郡",
	"軽井沢町", "karuizawa-machi", "御代田町", "miyota-machi", "長野原町", "嬬恋村",
	"大字", "字",
}

// Normalizer derives comparison keys for validated candidates. It never
// touches the listing's display fields.
type Normalizer struct {
	logger *utils.Logger
}

// NewNormalizer creates a Normalizer with the given logger.
func NewNormalizer(logger *utils.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize fills the derived fields of c.
func (n *Normalizer) Normalize(c *models.Candidate) {
	c.PriceValue = ParsePrice(c.Listing.Price)
	if c.PriceValue == nil {
		c.AddFlag(models.FlagPriceUnparsed)
		n.logger.Debug("[normalizer] unparsed price %q (%s)", c.Listing.Price, c.Listing.URL)
	}
	c.SizeSqm = ParseSize(c.Listing.Size)
	c.LocationKey = CanonicalLocation(c.Listing.Location)
	c.Bucket = LocationBucket(c.Listing.Location)
}

// ParsePrice derives a yen amount from a display price. It understands 億
// (×100,000,000) and 万 (×10,000), combined forms such as "3億5,000万円",
// full-width digits and plain digit strings. The first money figure of a
// range wins. It returns nil when nothing usable is found.
func ParsePrice(raw string) *int64 {
	s := width.Fold.String(raw)
	s = strings.NewReplacer(",", "", "，", "", " ", "", "　", "").Replace(s)

	matches := priceTokenRegexp.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return nil
	}

	var total float64
	end := -1
	for _, m := range matches[priceStart(s, matches):] {
		if end >= 0 && m[0] != end {
			break
		}
		num, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
		if err != nil {
			return nil
		}
		unit := ""
		if m[4] >= 0 {
			unit = s[m[4]:m[5]]
		}

		switch unit {
		case "億":
			total += num * 1e8
			end = m[1]
			continue
		case "万":
			total += num * 1e4
		default:
			total += num
		}
		break
	}

	if total <= 0 {
		return nil
	}
	v := int64(math.Round(total))
	return &v
}

// priceStart picks the first token that reads as money: one carrying 億 or
// 万, prefixed with ¥ or followed by 円. Figures like the 2 of "2LDK" are
// skipped; with no such token the first figure is used.
func priceStart(s string, matches [][]int) int {
	for i, m := range matches {
		if m[4] >= 0 || strings.HasPrefix(s[m[1]:], "円") ||
			strings.HasSuffix(s[:m[0]], "¥") || strings.HasSuffix(s[:m[0]], "￥") {
			return i
		}
	}
	return 0
}

// FormatYen renders a yen amount the way listings do: 億 and 万 units with a
// thousands separator, e.g. 350000000 → "3億5,000万円".
func FormatYen(v int64) string {
	if v <= 0 {
		return ""
	}
	oku := v / 100_000_000
	man := (v % 100_000_000) / 10_000
	var b strings.Builder
	if oku > 0 {
		b.WriteString(strconv.FormatInt(oku, 10) + "億")
	}
	if man > 0 {
		b.WriteString(groupThousands(man) + "万")
	}
	if oku == 0 && man == 0 {
		b.WriteString(groupThousands(v))
	}
	b.WriteString("円")
	return b.String()
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}

// ParseSize returns the first area figure of s in square metres.
func ParseSize(raw string) *float64 {
	s := strings.ReplaceAll(width.Fold.String(raw), ",", "")
	m := sizeRegexp.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return nil
	}
	if m[2] == "坪" {
		v *= tsuboToSqm
	}
	v = math.Round(v*100) / 100
	return &v
}

// TrimAdminPrefixes strips prefecture, district and town names from the
// front of a location.
func TrimAdminPrefixes(raw string) string {
	s := normaliseText(width.Fold.String(raw))
	for {
		trimmed := strings.TrimLeft(s, " ,、")
		lower := strings.ToLower(trimmed)
		changed := false
		for _, p := range adminPrefixes {
			if strings.HasPrefix(lower, p) {
				trimmed = trimmed[len(p):]
				changed = true
				break
			}
		}
		s = trimmed
		if !changed {
			return strings.TrimSpace(s)
		}
	}
}

// LocationBucket maps a location to the area enumeration.
func LocationBucket(raw string) string {
	s := strings.ToLower(width.Fold.String(raw))
	for _, a := range areaAliases {
		for _, alias := range a.aliases {
			if strings.Contains(s, alias) {
				return a.area
			}
		}
	}
	return OtherArea
}

// CanonicalLocation is the comparison key of a location: its area plus the
// remaining address with admin prefixes, spacing and punctuation removed.
func CanonicalLocation(raw string) string {
	area := LocationBucket(raw)
	rest := strings.ToLower(TrimAdminPrefixes(raw))
	rest = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, rest)
	if rest == "" {
		return area
	}
	return area + ":" + rest
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
