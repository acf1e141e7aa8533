// Package logline compiles human-writable output templates into line
// matchers. A template mixes literal regular expression text with named
// placeholders, e.g.
//
//	{Y}-{m}-{d}T{H}:{M}:{S} \[{name}\] {message}
//
// and a compiled Matcher extracts a structured Record out of one line
// of process output. Matching is stateless, assembling complete lines
// out of partial stream reads is the caller's business.
package logline

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidFormat = errors.New("logline: invalid format")

// Placeholders expand to named capture groups, so "{Y}-{m}-{d}" can be
// written instead of an explicit (?P<Y>\d{4})-(?P<m>\d{2})-(?P<d>\d{2}).
var placeholders = map[string]string{
	"Y":         `(?P<Y>\d{4})`,
	"m":         `(?P<m>\d{2})`,
	"d":         `(?P<d>\d{2})`,
	"H":         `(?P<H>\d{2})`,
	"M":         `(?P<M>\d{2})`,
	"S":         `(?P<S>\d{2})`,
	"msecs":     `(?P<msecs>\d{3})`,
	"levelname": `(?P<levelname>[a-zA-Z]+)`,
	"name":      `(?P<name>.+)`,
	"message":   `(?P<message>.+)`,
}

// Some services (mongodb notably) abbreviate level names to one letter.
var shortLevels = map[string]string{
	"C": "CRITICAL",
	"E": "ERROR",
	"W": "WARNING",
	"I": "INFO",
	"D": "DEBUG",
}

// Record is the structured form of one matched output line. Time is
// zero unless the template captured a full Y-m-d H:M:S timestamp.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Name    string
	Message string
}

type Matcher struct {
	format string
	re     *regexp.Regexp
}

var tokenRx = regexp.MustCompile(`\{([^{}]*)\}`)

// Compile expands the placeholders of format and compiles the result
// into a line matcher anchored at the start of the line. Unknown
// placeholders and non-compiling patterns yield ErrInvalidFormat.
func Compile(format string) (*Matcher, error) {
	var bad error
	seen := make(map[string]bool, 4)
	expanded := tokenRx.ReplaceAllStringFunc(format, func(tok string) string {
		name := tok[1 : len(tok)-1]
		sub, ok := placeholders[name]
		if !ok {
			if bad == nil {
				bad = fmt.Errorf("%w: unknown placeholder %q", ErrInvalidFormat, name)
			}
			return tok
		}
		// each placeholder may appear once, regexp itself no longer
		// rejects duplicate group names
		if seen[name] {
			if bad == nil {
				bad = fmt.Errorf("%w: placeholder %q used twice", ErrInvalidFormat, name)
			}
			return tok
		}
		seen[name] = true
		return sub
	})
	if bad != nil {
		return nil, bad
	}
	re, err := regexp.Compile("^" + expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &Matcher{format: format, re: re}, nil
}

func (m *Matcher) Format() string {
	return m.format
}

// Match tests one complete line. Non-conforming lines (stack traces,
// banners) are expected, they report ok == false, never an error.
func (m *Matcher) Match(line string) (Record, bool) {
	groups := m.re.FindStringSubmatch(line)
	if groups == nil {
		return Record{}, false
	}

	got := make(map[string]string, len(groups))
	for i, name := range m.re.SubexpNames() {
		if name == "" || groups[i] == "" {
			continue
		}
		got[name] = groups[i]
	}

	rec := Record{
		Level:   slog.LevelInfo,
		Name:    got["name"],
		Message: line,
	}
	if msg, ok := got["message"]; ok {
		rec.Message = msg
	}
	if name, ok := got["levelname"]; ok {
		rec.Level = levelByName(name)
	}
	rec.Time = timestamp(got)
	return rec, true
}

func timestamp(got map[string]string) time.Time {
	nums := make(map[string]int, 7)
	for _, k := range []string{"Y", "m", "d", "H", "M", "S"} {
		v, ok := got[k]
		if !ok {
			return time.Time{}
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return time.Time{}
		}
		nums[k] = n
	}
	var nsec int
	if ms, ok := got["msecs"]; ok {
		if n, err := strconv.Atoi(ms); err == nil {
			nsec = n * int(time.Millisecond)
		}
	}
	return time.Date(
		nums["Y"], time.Month(nums["m"]), nums["d"],
		nums["H"], nums["M"], nums["S"], nsec, time.UTC)
}

func levelByName(name string) slog.Level {
	if len(name) == 1 {
		full, ok := shortLevels[strings.ToUpper(name)]
		if !ok {
			return slog.LevelInfo
		}
		name = full
	}
	switch name {
	case "CRITICAL", "critical":
		return slog.LevelError + 4
	case "ERROR", "error":
		return slog.LevelError
	case "WARNING", "WARN", "warning", "warn":
		return slog.LevelWarn
	case "DEBUG", "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
