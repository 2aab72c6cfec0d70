package syslog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
)

func TestParse_RFC3164(t *testing.T) {
	msg := Parse("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8", "10.0.0.5")

	assert.Equal(t, 4, msg.Facility)
	assert.Equal(t, 2, msg.Severity)
	assert.Equal(t, "mymachine", msg.Hostname)
	assert.Equal(t, "su", msg.AppName)
	assert.Equal(t, "3164", msg.RFC)
	assert.Equal(t, "'su root' failed for lonvick on /dev/pts/8", msg.Text)
	assert.Equal(t, model.EventCritical, msg.Bucket())
	assert.Equal(t, time.October, msg.Timestamp.Month())
	assert.Equal(t, 11, msg.Timestamp.Day())
	assert.Equal(t, time.Now().UTC().Year(), msg.Timestamp.Year(), "year inferred from current UTC clock")
}

func TestParse_RFC3164TagWithPid(t *testing.T) {
	msg := Parse("<13>Feb  5 17:32:18 host01 sshd[4123]: Accepted password for admin", "192.168.1.2")

	require.Equal(t, "3164", msg.RFC)
	assert.Equal(t, "host01", msg.Hostname)
	assert.Equal(t, "sshd", msg.AppName)
	assert.Equal(t, "4123", msg.ProcID)
	assert.Equal(t, "Accepted password for admin", msg.Text)
}

func TestParse_RFC5424(t *testing.T) {
	line := `<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog 1234 ID47 [exampleSDID@32473 iut="3" eventSource="Application"] ` + "\ufeff" + `An application event log entry`
	msg := Parse(line, "10.0.0.5")

	require.Equal(t, "5424", msg.RFC)
	assert.Equal(t, 20, msg.Facility)
	assert.Equal(t, 5, msg.Severity)
	assert.Equal(t, "mymachine.example.com", msg.Hostname)
	assert.Equal(t, "evntslog", msg.AppName)
	assert.Equal(t, "1234", msg.ProcID)
	assert.Equal(t, "ID47", msg.MsgID)
	assert.Equal(t, "An application event log entry", msg.Text)
	assert.Equal(t, 2003, msg.Timestamp.Year())
	assert.Equal(t, model.EventInfo, msg.Bucket())
}

func TestParse_RFC5424NilFields(t *testing.T) {
	msg := Parse("<34>1 - - - - - -", "172.16.0.9")

	require.Equal(t, "5424", msg.RFC)
	assert.Equal(t, "172.16.0.9", msg.Hostname, "nil hostname falls back to the peer address")
	assert.Empty(t, msg.AppName)
	assert.Empty(t, msg.Text)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
}

func TestParse_RFC5424MultipleSDGroups(t *testing.T) {
	line := `<14>1 2024-05-01T10:00:00Z edge nginx - - [a x="1"][b y="cl\]osed"] request handled`
	msg := Parse(line, "10.1.1.1")

	require.Equal(t, "5424", msg.RFC)
	assert.Equal(t, "request handled", msg.Text, "escaped brackets inside SD values are skipped")
}

func TestParse_DoubleMissKeepsRaw(t *testing.T) {
	msg := Parse("completely unframed line without structure", "203.0.113.7")

	assert.Empty(t, msg.RFC)
	assert.Equal(t, 1, msg.Facility, "default pri 13")
	assert.Equal(t, 5, msg.Severity)
	assert.Equal(t, "203.0.113.7", msg.Hostname, "peer address becomes hostname")
	assert.Equal(t, "completely unframed line without structure", msg.Text)
}

func TestParse_PriBounds(t *testing.T) {
	msg := Parse("<999>not a valid pri", "10.0.0.1")
	assert.Equal(t, 1, msg.Facility, "pri above 191 is ignored")

	msg = Parse("<0>kernel panic", "10.0.0.1")
	assert.Equal(t, 0, msg.Facility)
	assert.Equal(t, 0, msg.Severity)
	assert.Equal(t, model.EventCritical, msg.Bucket())
}

func TestBucket_Mapping(t *testing.T) {
	cases := []struct {
		severity int
		want     model.EventSeverity
	}{
		{0, model.EventCritical},
		{1, model.EventCritical},
		{2, model.EventCritical},
		{3, model.EventError},
		{4, model.EventWarn},
		{5, model.EventInfo},
		{6, model.EventInfo},
		{7, model.EventInfo},
	}
	for _, tc := range cases {
		m := Message{Severity: tc.severity}
		assert.Equal(t, tc.want, m.Bucket(), "severity %d", tc.severity)
	}
}

func TestFilters_Conjunctive(t *testing.T) {
	msg := Parse("<34>Oct 11 22:14:15 mymachine su: auth failed", "10.0.0.5")

	pass := Filters{}
	assert.True(t, pass.allow(msg), "empty filters pass everything")

	assert.True(t, (&Filters{Facilities: []int{4}}).allow(msg))
	assert.False(t, (&Filters{Facilities: []int{10}}).allow(msg))

	assert.True(t, (&Filters{Severities: []int{2}}).allow(msg))
	assert.False(t, (&Filters{Severities: []int{6}}).allow(msg))

	assert.True(t, (&Filters{Sources: []string{"MYMACHINE"}}).allow(msg), "source match is case-insensitive")
	assert.False(t, (&Filters{Sources: []string{"otherhost"}}).allow(msg))

	assert.True(t, (&Filters{Include: []string{"nomatch", "auth"}}).allow(msg), "include is an OR")
	assert.False(t, (&Filters{Include: []string{"nomatch"}}).allow(msg))

	assert.False(t, (&Filters{Exclude: []string{"failed"}}).allow(msg), "any exclude match drops")

	// All lists must agree.
	combined := Filters{
		Facilities: []int{4},
		Severities: []int{2},
		Include:    []string{"auth"},
		Exclude:    []string{"debug"},
	}
	assert.True(t, combined.allow(msg))
	combined.Exclude = []string{"failed"}
	assert.False(t, combined.allow(msg))
}
