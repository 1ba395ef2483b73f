package address

import (
	"regexp"
	"strings"

	"github.com/closurewatch/backend/pkg/utils"
)

// Normalized holds the parsed components of a street address plus the
// canonical string and the hash key used as the primary equality key when
// matching addresses across datasets.
type Normalized struct {
	Original     string
	Canonical    string
	StreetNumber string
	StreetName   string
	StreetSuffix string
	Unit         string
	City         string
	State        string
	ZipCode      string
	HashKey      string
}

var suffixMap = map[string]string{
	"st": "STREET", "street": "STREET",
	"ave": "AVENUE", "avenue": "AVENUE",
	"blvd": "BOULEVARD", "boulevard": "BOULEVARD",
	"dr": "DRIVE", "drive": "DRIVE",
	"ln": "LANE", "lane": "LANE",
	"rd": "ROAD", "road": "ROAD",
	"ct": "COURT", "court": "COURT",
	"pl": "PLACE", "place": "PLACE",
	"cir": "CIRCLE", "circle": "CIRCLE",
	"way": "WAY",
	"ter": "TERRACE", "terrace": "TERRACE",
	"pkwy": "PARKWAY", "parkway": "PARKWAY",
	"hwy": "HIGHWAY", "highway": "HIGHWAY",
	"aly": "ALLEY", "alley": "ALLEY",
}

var directionMap = map[string]string{
	"n": "N", "north": "N",
	"s": "S", "south": "S",
	"e": "E", "east": "E",
	"w": "W", "west": "W",
	"ne": "NE", "n.e": "NE", "northeast": "NE",
	"nw": "NW", "n.w": "NW", "northwest": "NW",
	"se": "SE", "s.e": "SE", "southeast": "SE",
	"sw": "SW", "s.w": "SW", "southwest": "SW",
}

var unitDesignators = []string{"suite", "ste", "unit", "apt", "apartment", "room", "rm", "#"}

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	zipRe          = regexp.MustCompile(`\b(\d{5}(?:-\d{4})?)\b`)
	californiaRe   = regexp.MustCompile(`(?i)\b(california|calif\.?)\b`)
	sfRe           = regexp.MustCompile(`(?i)\bsf\b`)
	commaRe        = regexp.MustCompile(`,+`)
	streetNumberRe = regexp.MustCompile(`^\d+[a-zA-Z]?$`)
	alnumRe        = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Normalizer produces canonical address strings and hash keys. City and
// state default scope the matching to one metro.
type Normalizer struct {
	city  string
	state string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{city: "San Francisco", state: "CA"}
}

func (n *Normalizer) Normalize(addr string) Normalized {
	if strings.TrimSpace(addr) == "" {
		return Normalized{City: "SAN FRANCISCO", State: "CA"}
	}

	working := whitespaceRe.ReplaceAllString(strings.TrimSpace(addr), " ")

	zip := ""
	if m := zipRe.FindStringSubmatch(working); m != nil {
		zip = m[1]
	}
	working = n.stripCityStateZip(working)

	number, name, suffix, unit := parseStreet(working)

	if suffix != "" {
		key := strings.ToLower(strings.TrimSuffix(suffix, "."))
		if std, ok := suffixMap[key]; ok {
			suffix = std
		} else {
			suffix = strings.ToUpper(suffix)
		}
	}
	if name != "" {
		name = strings.ToUpper(standardizeDirections(name))
	}

	parts := []string{}
	if number != "" {
		parts = append(parts, number)
	}
	if name != "" {
		parts = append(parts, name)
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	if unit != "" {
		parts = append(parts, "#"+unit)
	}
	parts = append(parts, strings.ToUpper(n.city), strings.ToUpper(n.state))
	if zip != "" {
		parts = append(parts, zip)
	}

	canonical := strings.Join(parts, " ")

	return Normalized{
		Original:     addr,
		Canonical:    canonical,
		StreetNumber: number,
		StreetName:   name,
		StreetSuffix: suffix,
		Unit:         unit,
		City:         strings.ToUpper(n.city),
		State:        strings.ToUpper(n.state),
		ZipCode:      zip,
		HashKey:      hashKey(canonical),
	}
}

// MatchScore returns 1.0 when the two addresses hash-match, otherwise a
// partial-credit component sum. Used only as a tie-break signal, the hash key
// remains the primary equality test.
func (n *Normalizer) MatchScore(a, b string) float64 {
	na := n.Normalize(a)
	nb := n.Normalize(b)

	if na.HashKey != "" && na.HashKey == nb.HashKey {
		return 1.0
	}

	score := 0.0
	if na.StreetNumber != "" && na.StreetNumber == nb.StreetNumber {
		score += 0.3
	}
	if na.StreetName != "" && nb.StreetName != "" {
		if na.StreetName == nb.StreetName {
			score += 0.4
		} else if strings.Contains(na.StreetName, nb.StreetName) || strings.Contains(nb.StreetName, na.StreetName) {
			score += 0.2
		}
	}
	if na.StreetSuffix != "" && na.StreetSuffix == nb.StreetSuffix {
		score += 0.1
	}
	if na.ZipCode != "" && na.ZipCode == nb.ZipCode {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (n *Normalizer) stripCityStateZip(addr string) string {
	addr = zipRe.ReplaceAllString(addr, "")
	stateRe := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(n.state) + `\b`)
	addr = stateRe.ReplaceAllString(addr, "")
	addr = californiaRe.ReplaceAllString(addr, "")
	cityRe := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(n.city) + `\b`)
	addr = cityRe.ReplaceAllString(addr, "")
	addr = sfRe.ReplaceAllString(addr, "")
	addr = commaRe.ReplaceAllString(addr, " ")
	addr = whitespaceRe.ReplaceAllString(addr, " ")
	return strings.TrimSpace(addr)
}

func parseStreet(addr string) (number, name, suffix, unit string) {
	addr = strings.TrimSpace(addr)

	for _, designator := range unitDesignators {
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(designator) + `\.?\s*#?\s*(\w+)`)
		if m := pattern.FindStringSubmatch(addr); m != nil {
			unit = m[1]
			addr = pattern.ReplaceAllString(addr, "")
			break
		}
	}

	addr = commaRe.ReplaceAllString(addr, " ")
	addr = strings.TrimSpace(whitespaceRe.ReplaceAllString(addr, " "))

	parts := strings.Fields(addr)
	if len(parts) == 0 {
		return "", "", "", unit
	}

	if streetNumberRe.MatchString(parts[0]) {
		number = parts[0]
		parts = parts[1:]
	}

	if len(parts) > 0 {
		last := strings.ToLower(strings.TrimSuffix(parts[len(parts)-1], "."))
		if _, ok := suffixMap[last]; ok {
			suffix = parts[len(parts)-1]
			parts = parts[:len(parts)-1]
		}
	}

	name = strings.Join(parts, " ")
	return number, name, suffix, unit
}

func standardizeDirections(text string) string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		key := strings.ToLower(strings.TrimSuffix(word, "."))
		if std, ok := directionMap[key]; ok {
			out = append(out, std)
		} else {
			out = append(out, word)
		}
	}
	return strings.Join(out, " ")
}

func hashKey(canonical string) string {
	clean := alnumRe.ReplaceAllString(strings.ToLower(canonical), "")
	if clean == "" {
		return ""
	}
	return utils.ShortHash(clean)
}
