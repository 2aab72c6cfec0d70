package syslog

import (
	"strconv"
	"strings"
	"time"

	"github.com/vigiasec/ingest/internal/model"
)

// defaultPri is assumed when a line carries no <pri> prefix (RFC3164 §4.3.3).
const defaultPri = 13

// Message is one parsed syslog line.
type Message struct {
	Facility  int
	Severity  int
	Timestamp time.Time
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	Text      string
	RFC       string // "5424", "3164", or "" when kept raw
	Raw       string
}

// Parse never fails: an RFC5424 miss falls back to RFC3164, and a double
// miss keeps the raw line with defaults and the peer address as hostname.
func Parse(line, sourceIP string) *Message {
	raw := strings.TrimRight(line, "\r\n")
	pri, rest, hasPri := parsePri(raw)
	if !hasPri {
		pri = defaultPri
		rest = raw
	}

	msg := &Message{
		Facility:  pri / 8,
		Severity:  pri % 8,
		Timestamp: time.Now().UTC(),
		Hostname:  sourceIP,
		Text:      rest,
		Raw:       raw,
	}

	if parseRFC5424(rest, msg) {
		msg.RFC = "5424"
		return msg
	}
	if parseRFC3164(rest, msg) {
		msg.RFC = "3164"
		return msg
	}
	return msg
}

// Bucket maps the syslog severity onto the raw-event scale: 0-2 critical,
// 3 error, 4 warn, everything else info.
func (m *Message) Bucket() model.EventSeverity {
	switch {
	case m.Severity <= 2:
		return model.EventCritical
	case m.Severity == 3:
		return model.EventError
	case m.Severity == 4:
		return model.EventWarn
	default:
		return model.EventInfo
	}
}

func parsePri(line string) (int, string, bool) {
	if len(line) < 3 || line[0] != '<' {
		return 0, "", false
	}
	end := strings.IndexByte(line[:min(len(line), 5)], '>')
	if end < 2 {
		return 0, "", false
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil || pri < 0 || pri > 191 {
		return 0, "", false
	}
	return pri, line[end+1:], true
}

// parseRFC5424 matches `1 TIMESTAMP HOST APP PROCID MSGID [SD] MSG`.
func parseRFC5424(rest string, msg *Message) bool {
	fields := strings.SplitN(rest, " ", 7)
	if len(fields) < 6 || fields[0] != "1" {
		return false
	}

	ts := time.Now().UTC()
	if fields[1] != "-" {
		parsed, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return false
		}
		ts = parsed
	}

	msg.Timestamp = ts
	if h := nilDash(fields[2]); h != "" {
		msg.Hostname = h
	}
	msg.AppName = nilDash(fields[3])
	msg.ProcID = nilDash(fields[4])
	msg.MsgID = nilDash(fields[5])
	msg.Text = ""

	if len(fields) == 7 {
		msg.Text = strings.TrimPrefix(skipStructuredData(fields[6]), "\ufeff")
	}
	return true
}

// skipStructuredData drops the SD element(s) and returns the free-text
// message that follows. Values may contain escaped `\]`.
func skipStructuredData(tail string) string {
	if strings.HasPrefix(tail, "- ") {
		return tail[2:]
	}
	if tail == "-" {
		return ""
	}
	i := 0
	for i < len(tail) && tail[i] == '[' {
		end := sdClose(tail, i+1)
		if end < 0 {
			return tail // unterminated SD, keep everything
		}
		i = end + 1
	}
	return strings.TrimPrefix(tail[i:], " ")
}

// sdClose returns the index of the unescaped ']' ending an SD element.
func sdClose(s string, from int) int {
	escaped := false
	for j := from; j < len(s); j++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[j] {
		case '\\':
			escaped = true
		case ']':
			return j
		}
	}
	return -1
}

// parseRFC3164 matches `Mmm dd HH:MM:SS HOST TAG: MSG`. The year is
// inferred from the current UTC clock.
func parseRFC3164(rest string, msg *Message) bool {
	if len(rest) < 16 {
		return false
	}
	stamp, err := time.Parse(time.Stamp, rest[:15])
	if err != nil {
		return false
	}
	now := time.Now().UTC()
	msg.Timestamp = time.Date(now.Year(), stamp.Month(), stamp.Day(),
		stamp.Hour(), stamp.Minute(), stamp.Second(), 0, time.UTC)

	remainder := strings.TrimLeft(rest[15:], " ")
	host, content, found := strings.Cut(remainder, " ")
	if !found || host == "" {
		return false
	}
	msg.Hostname = host
	msg.Text = content

	// TAG[pid]: free text
	if tag, text, ok := strings.Cut(content, ":"); ok && tag != "" && !strings.ContainsAny(tag, " ") {
		app := tag
		if open := strings.IndexByte(tag, '['); open >= 0 {
			app = tag[:open]
			if end := strings.IndexByte(tag[open:], ']'); end > 0 {
				msg.ProcID = tag[open+1 : open+end]
			}
		}
		msg.AppName = app
		msg.Text = strings.TrimLeft(text, " ")
	}
	return true
}

func nilDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
