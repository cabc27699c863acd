package entities

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules"
	"github.com/olebedev/when/rules/en"
)

const monthAlt = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`

var (
	reRelativeDay = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow)\b`)
	reWeekday     = regexp.MustCompile(`(?i)\b(?:(this|next)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reNextPeriod  = regexp.MustCompile(`(?i)\bnext\s+(week|month)\b`)
	reEndOf       = regexp.MustCompile(`(?i)\bend\s+of\s+(?:the\s+)?(week|month)\b`)
	reInN         = regexp.MustCompile(`(?i)\bin\s+(\d{1,3}|a|one|two|three|four|five|six|seven|eight|nine|ten)\s+(days?|weeks?)\b`)
	reISODate     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reSlashDate   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`)
	reMonthDay    = regexp.MustCompile(`(?i)\b(` + monthAlt + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	reDayMonth    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(` + monthAlt + `)\b(?:,?\s+(\d{4})\b)?`)

	reDeadlineContext = regexp.MustCompile(`(?i)\b(deadline|due|by|before|until|no later than)\b`)

	reClockTime = regexp.MustCompile(`(?i)\b(?:\d{1,2}(?::[0-5]\d)?\s*(?:am|pm)|(?:[01]?\d|2[0-3]):[0-5]\d|noon|midnight)\b`)
)

// deadlineWindow is how many bytes either side of a date phrase are searched
// for deadline words.
const deadlineWindow = 30

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var smallNumbers = map[string]int{
	"a": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

type dateMatch struct {
	start, end int
	t          time.Time
}

type dateResolver func(m []string, ref time.Time) (time.Time, bool)

var dateResolvers = []struct {
	re      *regexp.Regexp
	resolve dateResolver
}{
	{reRelativeDay, resolveRelativeDay},
	{reWeekday, resolveWeekday},
	{reNextPeriod, resolveNextPeriod},
	{reEndOf, resolveEndOf},
	{reInN, resolveInN},
	{reISODate, resolveISO},
	{reSlashDate, resolveSlash},
	{reMonthDay, resolveMonthDay},
	{reDayMonth, resolveDayMonth},
}

// naturalRules resolve phrases the table above does not name: "yesterday",
// "last Friday", "within a month", "3 days ago". Clock-time rules are left
// out; times are reported separately.
var naturalRules = []rules.Rule{
	en.CasualDate(rules.Override),
	en.Weekday(rules.Override),
	en.Deadline(rules.Override),
	en.PastTime(rules.Override),
}

func extractDates(text string, ref time.Time) []Date {
	var found []dateMatch
	for _, r := range dateResolvers {
		for _, idx := range r.re.FindAllStringSubmatchIndex(text, -1) {
			m := submatches(text, idx)
			t, ok := r.resolve(m, ref)
			if !ok {
				continue
			}
			found = append(found, dateMatch{start: idx[0], end: idx[1], t: t})
		}
	}
	found = keepLongest(found)

	// the table wins wherever both resolve the same phrase
	for _, n := range naturalDates(text, ref) {
		if !overlapsAny(found, n) {
			found = append(found, n)
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })

	out := make([]Date, 0, len(found))
	for _, f := range found {
		out = append(out, Date{
			Text:       text[f.start:f.end],
			Time:       f.t,
			IsDeadline: inDeadlineContext(text, f.start, f.end),
			Start:      f.start,
			End:        f.end,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// keepLongest orders matches earliest first, longest first at the same
// offset, and drops overlaps.
func keepLongest(found []dateMatch) []dateMatch {
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].end-found[i].start > found[j].end-found[j].start
	})
	var out []dateMatch
	lastEnd := -1
	for _, f := range found {
		if f.start < lastEnd {
			continue
		}
		lastEnd = f.end
		out = append(out, f)
	}
	return out
}

func overlapsAny(found []dateMatch, m dateMatch) bool {
	for _, f := range found {
		if m.start < f.end && f.start < m.end {
			return true
		}
	}
	return false
}

// naturalDates walks text with a when parser. Parse reports only the first
// cluster of matches, so scanning resumes after each result.
func naturalDates(text string, ref time.Time) []dateMatch {
	w := when.New(nil)
	w.Add(naturalRules...)

	var out []dateMatch
	for off := 0; off < len(text); {
		r, err := w.Parse(text[off:], ref)
		if err != nil || r == nil || r.Index < 0 || len(r.Text) == 0 {
			break
		}
		start := off + r.Index
		end := start + len(r.Text)
		off = end

		// rule patterns include the surrounding separators
		lo, hi := trimToWord(text, start, end)
		if lo >= hi || strings.EqualFold(text[lo:hi], "now") {
			continue
		}
		out = append(out, dateMatch{start: lo, end: hi, t: dayStart(r.Time.In(ref.Location()))})
	}
	return out
}

func trimToWord(text string, start, end int) (int, int) {
	word := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	phrase := text[start:end]
	lo := start + len(phrase) - len(strings.TrimLeftFunc(phrase, func(r rune) bool { return !word(r) }))
	hi := start + len(strings.TrimRightFunc(phrase, func(r rune) bool { return !word(r) }))
	return lo, hi
}

func inDeadlineContext(text string, start, end int) bool {
	lo := max(0, start-deadlineWindow)
	hi := min(len(text), end+deadlineWindow)
	return reDeadlineContext.MatchString(text[lo:start]) || reDeadlineContext.MatchString(text[end:hi])
}

func extractTimes(text string) []string {
	var out []string
	for _, m := range reClockTime.FindAllString(text, -1) {
		out = appendUnique(out, strings.TrimSpace(m))
	}
	return out
}

func submatches(text string, idx []int) []string {
	m := make([]string, len(idx)/2)
	for i := range m {
		if idx[2*i] >= 0 {
			m[i] = text[idx[2*i]:idx[2*i+1]]
		}
	}
	return m
}

func dayStart(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func resolveRelativeDay(m []string, ref time.Time) (time.Time, bool) {
	day := dayStart(ref)
	if strings.EqualFold(m[1], "tomorrow") {
		return day.AddDate(0, 0, 1), true
	}
	return day, true
}

// resolveWeekday maps a bare or "this" weekday to 0..6 days ahead and
// "next <weekday>" to 1..7 days ahead.
func resolveWeekday(m []string, ref time.Time) (time.Time, bool) {
	wd := weekdays[strings.ToLower(m[2])]
	ahead := (int(wd) - int(ref.Weekday()) + 7) % 7
	if strings.EqualFold(m[1], "next") && ahead == 0 {
		ahead = 7
	}
	return dayStart(ref).AddDate(0, 0, ahead), true
}

func resolveNextPeriod(m []string, ref time.Time) (time.Time, bool) {
	day := dayStart(ref)
	if strings.EqualFold(m[1], "month") {
		return time.Date(day.Year(), day.Month()+1, 1, 0, 0, 0, 0, day.Location()), true
	}
	// Monday of next week
	toMonday := (int(time.Monday) - int(day.Weekday()) + 7) % 7
	if toMonday == 0 {
		toMonday = 7
	}
	return day.AddDate(0, 0, toMonday), true
}

// resolveEndOf resolves "end of week" to the coming Friday (Sunday when the
// reference is already on the weekend) and "end of month" to its last day.
func resolveEndOf(m []string, ref time.Time) (time.Time, bool) {
	day := dayStart(ref)
	if strings.EqualFold(m[1], "month") {
		return time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, day.Location()), true
	}
	switch day.Weekday() {
	case time.Saturday:
		return day.AddDate(0, 0, 1), true
	case time.Sunday:
		return day, true
	default:
		return day.AddDate(0, 0, int(time.Friday-day.Weekday())), true
	}
}

func resolveInN(m []string, ref time.Time) (time.Time, bool) {
	n, ok := smallNumbers[strings.ToLower(m[1])]
	if !ok {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		n = v
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "week") {
		n *= 7
	}
	return dayStart(ref).AddDate(0, 0, n), true
}

func resolveISO(m []string, ref time.Time) (time.Time, bool) {
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	return validDate(y, mo, d, ref.Location())
}

func resolveSlash(m []string, ref time.Time) (time.Time, bool) {
	mo, _ := strconv.Atoi(m[1])
	d, _ := strconv.Atoi(m[2])
	if m[3] == "" {
		return yearless(mo, d, ref)
	}
	y, _ := strconv.Atoi(m[3])
	if y < 100 {
		y += 2000
	}
	return validDate(y, mo, d, ref.Location())
}

func resolveMonthDay(m []string, ref time.Time) (time.Time, bool) {
	return namedMonthDate(m[1], m[2], m[3], ref)
}

func resolveDayMonth(m []string, ref time.Time) (time.Time, bool) {
	return namedMonthDate(m[2], m[1], m[3], ref)
}

func namedMonthDate(month, day, year string, ref time.Time) (time.Time, bool) {
	mo := monthNumber(month)
	d, _ := strconv.Atoi(day)
	if year == "" {
		return yearless(mo, d, ref)
	}
	y, _ := strconv.Atoi(year)
	return validDate(y, mo, d, ref.Location())
}

// yearless places a month/day in the reference year, or the next one when
// that would be more than six months in the past.
func yearless(mo, d int, ref time.Time) (time.Time, bool) {
	t, ok := validDate(ref.Year(), mo, d, ref.Location())
	if !ok {
		return t, false
	}
	if t.Before(dayStart(ref).AddDate(0, -6, 0)) {
		return validDate(ref.Year()+1, mo, d, ref.Location())
	}
	return t, true
}

func validDate(y, mo, d int, loc *time.Location) (time.Time, bool) {
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
	if t.Month() != time.Month(mo) || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func monthNumber(s string) int {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if len(s) < 3 {
		return 0
	}
	switch s[:3] {
	case "jan":
		return 1
	case "feb":
		return 2
	case "mar":
		return 3
	case "apr":
		return 4
	case "may":
		return 5
	case "jun":
		return 6
	case "jul":
		return 7
	case "aug":
		return 8
	case "sep":
		return 9
	case "oct":
		return 10
	case "nov":
		return 11
	case "dec":
		return 12
	}
	return 0
}
