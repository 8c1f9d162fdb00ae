package scripture

import (
	"regexp"
	"sort"
	"strings"
)

type book struct {
	name    string
	aliases []string
}

// canon lists the 66 books in canonical order with their accepted
// abbreviations. Numbered aliases are written with a single space after the
// number; "1cor" and "1 Cor." normalize to the same key.
var canon = []book{
	{"Genesis", []string{"gen", "ge", "gn"}},
	{"Exodus", []string{"exod", "exo", "ex"}},
	{"Leviticus", []string{"lev", "le", "lv"}},
	{"Numbers", []string{"num", "nu", "nm", "nb"}},
	{"Deuteronomy", []string{"deut", "dt"}},
	{"Joshua", []string{"josh", "jos", "jsh"}},
	{"Judges", []string{"judg", "jdg", "jdgs", "jg"}},
	{"Ruth", []string{"rth", "ru"}},
	{"1 Samuel", []string{"1 sam", "1 sa", "1 sm", "1 sml"}},
	{"2 Samuel", []string{"2 sam", "2 sa", "2 sm", "2 sml"}},
	{"1 Kings", []string{"1 kgs", "1 ki", "1 kin", "1 kng"}},
	{"2 Kings", []string{"2 kgs", "2 ki", "2 kin", "2 kng"}},
	{"1 Chronicles", []string{"1 chron", "1 chr", "1 ch"}},
	{"2 Chronicles", []string{"2 chron", "2 chr", "2 ch"}},
	{"Ezra", []string{"ezr"}},
	{"Nehemiah", []string{"neh", "ne"}},
	{"Esther", []string{"esth", "est"}},
	{"Job", []string{"jb"}},
	{"Psalms", []string{"psalm", "psa", "pss", "psm", "ps"}},
	{"Proverbs", []string{"prov", "prv", "pro", "pr"}},
	{"Ecclesiastes", []string{"eccles", "eccl", "ecc", "qoh"}},
	{"Song of Solomon", []string{"song of songs", "song of sol", "canticles", "song", "sos"}},
	{"Isaiah", []string{"isa"}},
	{"Jeremiah", []string{"jer", "jr"}},
	{"Lamentations", []string{"lam"}},
	{"Ezekiel", []string{"ezek", "eze", "ezk"}},
	{"Daniel", []string{"dan", "dn"}},
	{"Hosea", []string{"hos"}},
	{"Joel", []string{"jl"}},
	{"Amos", []string{"amo"}},
	{"Obadiah", []string{"obad", "ob"}},
	{"Jonah", []string{"jon", "jnh"}},
	{"Micah", []string{"mic", "mc"}},
	{"Nahum", []string{"nah"}},
	{"Habakkuk", []string{"hab", "hb"}},
	{"Zephaniah", []string{"zeph", "zep", "zp"}},
	{"Haggai", []string{"hag", "hg"}},
	{"Zechariah", []string{"zech", "zec", "zc"}},
	{"Malachi", []string{"mal", "ml"}},
	{"Matthew", []string{"matt", "mat", "mt"}},
	{"Mark", []string{"mrk", "mk"}},
	{"Luke", []string{"luk", "lk"}},
	{"John", []string{"jhn", "jn", "joh"}},
	{"Acts", []string{"act"}},
	{"Romans", []string{"rom", "rm"}},
	{"1 Corinthians", []string{"1 cor"}},
	{"2 Corinthians", []string{"2 cor"}},
	{"Galatians", []string{"gal"}},
	{"Ephesians", []string{"ephes", "eph"}},
	{"Philippians", []string{"phil", "php"}},
	{"Colossians", []string{"col"}},
	{"1 Thessalonians", []string{"1 thess", "1 thes", "1 th"}},
	{"2 Thessalonians", []string{"2 thess", "2 thes", "2 th"}},
	{"1 Timothy", []string{"1 tim", "1 ti"}},
	{"2 Timothy", []string{"2 tim", "2 ti"}},
	{"Titus", []string{"tit"}},
	{"Philemon", []string{"philem", "phlm", "phm"}},
	{"Hebrews", []string{"heb"}},
	{"James", []string{"jas", "jm"}},
	{"1 Peter", []string{"1 pet", "1 pe", "1 pt"}},
	{"2 Peter", []string{"2 pet", "2 pe", "2 pt"}},
	{"1 John", []string{"1 jn", "1 jhn", "1 joh"}},
	{"2 John", []string{"2 jn", "2 jhn", "2 joh"}},
	{"3 John", []string{"3 jn", "3 jhn", "3 joh"}},
	{"Jude", []string{"jud", "jde"}},
	{"Revelation", []string{"revelations", "rev", "re", "rv", "apocalypse"}},
}

var (
	// aliases maps a normalized alias key to its canonical book name.
	aliases = buildAliases()

	leadingNumber = regexp.MustCompile(`^([1-3])\s*`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

func buildAliases() map[string]string {
	out := make(map[string]string, 200)
	for _, b := range canon {
		out[aliasKey(b.name)] = b.name
		for _, a := range b.aliases {
			out[aliasKey(a)] = b.name
		}
	}
	return out
}

// aliasKey lowercases, drops periods, collapses whitespace and separates a
// leading book number from the name.
func aliasKey(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, ".", ""))
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
	return leadingNumber.ReplaceAllString(s, "$1 ")
}

// bookPattern renders every alias key as a regexp alternative, longest first
// so that "song of songs" wins over "song" and "1 john" over "1 jn".
func bookPattern() string {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	alts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts := strings.Split(k, " ")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		alt := strings.Join(parts, `\s+`)
		if m := leadingNumber.FindStringSubmatch(k); m != nil {
			rest := strings.TrimPrefix(k, m[0])
			restParts := strings.Split(rest, " ")
			for i, p := range restParts {
				restParts[i] = regexp.QuoteMeta(p)
			}
			alt = m[1] + `\s*` + strings.Join(restParts, `\s+`)
		}
		alts = append(alts, alt)
	}
	return strings.Join(alts, "|")
}

// Normalize resolves a book name or abbreviation to its canonical name.
func Normalize(name string) (string, bool) {
	canonical, ok := aliases[aliasKey(name)]
	return canonical, ok
}

// Books returns the canonical book names in canonical order.
func Books() []string {
	out := make([]string, 0, len(canon))
	for _, b := range canon {
		out = append(out, b.name)
	}
	return out
}
