package entities

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

var (
	reWord = regexp.MustCompile(`\p{L}[\p{L}\p{N}'’-]*`)

	reHonorific  = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Mx|Dr|Prof)\.?\s+\p{Lu}[\p{Ll}'’-]+(?:\s+\p{Lu}[\p{Ll}'’-]+)?`)
	reSalutation = regexp.MustCompile(`\b(?:Hi|Hello|Hey|Dear|Thanks|Thank you|Cheers|Regards|Best|Sincerely)[,!]?\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)?)\b`)
	reNameVerb   = regexp.MustCompile(`\b(?:with|ask|asked|ping|cc|tell|told|call|email|emailed|meet|from)\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)?)\b`)
	reAcronym    = regexp.MustCompile(`\b\p{Lu}[\p{Lu}\p{N}&]{1,5}\b`)
)

var orgSuffixes = map[string]bool{
	"inc": true, "llc": true, "ltd": true, "corp": true, "corporation": true,
	"company": true, "co": true, "group": true, "bank": true, "university": true,
	"college": true, "foundation": true, "labs": true, "technologies": true,
	"systems": true, "partners": true, "agency": true, "institute": true,
	"association": true, "gmbh": true, "plc": true, "holdings": true,
	"ventures": true, "capital": true, "consulting": true, "solutions": true,
	"hospital": true, "council": true, "ministry": true,
}

// notAcronyms are all-caps tokens that are shouting or mail jargon rather
// than organization names.
var notAcronyms = map[string]bool{
	"URGENT": true, "ASAP": true, "EOD": true, "FYI": true, "FW": true, "FWD": true,
	"RE": true, "CC": true, "BCC": true, "OK": true, "AM": true, "PM": true,
	"TBD": true, "ETA": true, "PS": true, "NB": true, "IMPORTANT": true,
	"ACTION": true, "PLEASE": true, "NOTE": true, "THE": true, "AND": true,
	"FOR": true, "NOT": true, "NEW": true, "NOW": true, "TODAY": true,
	"HELP": true, "NO": true, "YES": true, "ALL": true, "TODO": true,
	"EST": true, "PST": true, "UTC": true, "GMT": true, "CET": true, "ID": true,
	"RSVP": true, "OOO": true, "WFH": true, "HI": true, "TL": true, "DR": true,
}

// notNames are capitalised words that start sentences or name calendar
// entities rather than people.
var notNames = map[string]bool{
	"team": true, "all": true, "everyone": true, "folks": true, "guys": true,
	"hi": true, "hello": true, "hey": true, "thanks": true, "regards": true,
	"best": true, "dear": true, "subject": true, "re": true, "fw": true, "fwd": true,
	"meeting": true, "call": true, "update": true, "reminder": true, "invoice": true,
	"project": true, "please": true, "urgent": true, "important": true,
	"action": true, "required": true, "inbox": true, "today": true,
	"tomorrow": true, "tonight": true, "january": true, "february": true,
	"march": true, "april": true, "may": true, "june": true, "july": true,
	"august": true, "september": true, "october": true, "november": true,
	"december": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true, "sunday": true,
	"sir": true, "madam": true, "mr": true, "mrs": true, "ms": true, "dr": true,
}

type token struct {
	text       string
	start, end int
}

func tokenize(text string) []token {
	idx := reWord.FindAllStringIndex(text, -1)
	out := make([]token, len(idx))
	for i, p := range idx {
		out[i] = token{text: text[p[0]:p[1]], start: p[0], end: p[1]}
	}
	return out
}

// capitalized reports an initial capital followed by at least one lowercase letter.
func capitalized(w string) bool {
	r, size := utf8.DecodeRuneInString(w)
	if !unicode.IsUpper(r) {
		return false
	}
	for _, c := range w[size:] {
		if unicode.IsLower(c) {
			return true
		}
	}
	return false
}

// capitalizedRuns groups consecutive capitalised tokens separated only by
// spaces or tabs.
func capitalizedRuns(text string, toks []token) [][]token {
	var (
		runs [][]token
		cur  []token
	)
	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, cur)
			cur = nil
		}
	}
	for _, t := range toks {
		if !capitalized(t.text) {
			flush()
			continue
		}
		if len(cur) > 0 && strings.Trim(text[cur[len(cur)-1].end:t.start], " \t") != "" {
			flush()
		}
		cur = append(cur, t)
	}
	flush()
	return runs
}

type found struct {
	text string
	pos  int
}

// nerModel decodes prose's embedded tagger and entity weights once.
var nerModel = sync.OnceValue(func() *prose.Model {
	doc, err := prose.NewDocument("", prose.WithSegmentation(false))
	if err != nil {
		return nil
	}
	return doc.Model
})

// nerEntities runs the statistical tagger over text. A nil model makes
// prose load its default one for this call.
func nerEntities(text string) []prose.Entity {
	doc, err := prose.NewDocument(text, prose.UsingModel(nerModel()), prose.WithSegmentation(false))
	if err != nil {
		return nil
	}
	return doc.Entities()
}

// extractPeople combines cue patterns (salutations, honorifics, "ask X")
// with PERSON entities from the tagger. Tagger names that an organization
// or a cue hit already covers are dropped.
func extractPeople(text string, orgs []string) []string {
	hits := cuePeople(text)
	hits = append(hits, acceptNER(text, nerEntities(text), hits, orgs)...)
	return dedupeNames(hits)
}

// acceptNER keeps PERSON entities made of one to three capitalised words
// that are not vocabulary, mail jargon or part of a known name or org.
func acceptNER(text string, ents []prose.Entity, known []found, orgs []string) []found {
	var out []found
	from := 0
	for _, e := range ents {
		if e.Label != "PERSON" {
			continue
		}
		name := strings.Join(strings.Fields(e.Text), " ")
		words := strings.Fields(name)
		if len(words) == 0 || len(words) > 3 {
			continue
		}
		ok := true
		for _, w := range words {
			low := strings.ToLower(w)
			if !capitalized(w) || notNames[low] || stopwords[low] || orgSuffixes[low] {
				ok = false
				break
			}
		}
		if !ok || coveredBy(name, known, orgs) {
			continue
		}
		pos := strings.Index(text[from:], words[0])
		if pos < 0 {
			continue
		}
		pos += from
		from = pos + len(words[0])
		out = append(out, found{name, pos})
	}
	return out
}

func coveredBy(name string, known []found, orgs []string) bool {
	low := strings.ToLower(name)
	for _, k := range known {
		if strings.Contains(strings.ToLower(k.text), low) || strings.Contains(low, strings.ToLower(k.text)) {
			return true
		}
	}
	for _, o := range orgs {
		if strings.Contains(strings.ToLower(o), low) {
			return true
		}
	}
	return false
}

func cuePeople(text string) []found {
	var hits []found
	add := func(name string, pos int) {
		name = strings.Join(strings.Fields(name), " ")
		if len(name) < 2 || notNames[strings.ToLower(name)] {
			return
		}
		hits = append(hits, found{name, pos})
	}

	for _, idx := range reHonorific.FindAllStringIndex(text, -1) {
		add(text[idx[0]:idx[1]], idx[0])
	}
	for _, re := range []*regexp.Regexp{reSalutation, reNameVerb} {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			add(trimNonNames(text[idx[2]:idx[3]]), idx[2])
		}
	}

	for _, run := range capitalizedRuns(text, tokenize(text)) {
		// drop leading sentence words such as "Please" or "Hi"
		for len(run) > 0 && (notNames[strings.ToLower(run[0].text)] || stopwords[strings.ToLower(run[0].text)]) {
			run = run[1:]
		}
		if len(run) < 2 || len(run) > 3 {
			continue
		}
		ok := true
		for _, t := range run {
			low := strings.ToLower(t.text)
			if notNames[low] || stopwords[low] || orgSuffixes[low] {
				ok = false
				break
			}
		}
		if ok {
			add(text[run[0].start:run[len(run)-1].end], run[0].start)
		}
	}
	return hits
}

// trimNonNames cuts a two-word capture at a word that cannot be a name and
// rejects captures that name an organization.
func trimNonNames(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if orgSuffixes[strings.ToLower(w)] {
			return ""
		}
		if notNames[strings.ToLower(w)] {
			return strings.Join(words[:i], " ")
		}
	}
	return s
}

func extractOrganizations(text string) []string {
	var hits []found

	for _, run := range capitalizedRuns(text, tokenize(text)) {
		for i, t := range run {
			if i == 0 || !orgSuffixes[strings.ToLower(t.text)] {
				continue
			}
			from := max(0, i-3)
			for from < i && (notNames[strings.ToLower(run[from].text)] || stopwords[strings.ToLower(run[from].text)]) {
				from++
			}
			if from < i {
				hits = append(hits, found{text[run[from].start:t.end], run[from].start})
			}
		}
	}

	for _, idx := range reAcronym.FindAllStringIndex(text, -1) {
		w := text[idx[0]:idx[1]]
		if notAcronyms[w] || shouting(text, idx[0], idx[1]) {
			continue
		}
		hits = append(hits, found{w, idx[0]})
	}

	return dedupeNames(hits)
}

// shouting reports whether an all-caps token is surrounded by other
// all-caps words, as in "PLEASE REVIEW THIS NOW".
func shouting(text string, start, end int) bool {
	before := strings.Fields(text[max(0, start-20):start])
	after := strings.Fields(text[end:min(len(text), end+20)])
	caps := func(w string) bool {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		return len(w) > 1 && strings.ToUpper(w) == w && strings.ToLower(w) != w
	}
	return (len(before) > 0 && caps(before[len(before)-1])) && (len(after) > 0 && caps(after[0]))
}

// dedupeNames orders hits by position, removes case-insensitive duplicates
// and drops names that are a leading part of a longer name found elsewhere.
func dedupeNames(hits []found) []string {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	var out []string
	for _, h := range hits {
		out = appendUnique(out, h.text)
	}

	var kept []string
	for _, n := range out {
		shadowed := false
		for _, other := range out {
			if len(other) > len(n) && strings.HasPrefix(strings.ToLower(other), strings.ToLower(n)+" ") {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, n)
		}
	}
	return kept
}
