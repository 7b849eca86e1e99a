// Package ids implements the identifier formats used across workspaces,
// processes, threads, and cross-replica channels: generation and the
// regexes that validate them on parse.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// epoch2007 is the reference point process ids encode their timestamp
// prefix against, so that base36-lexicographic order is temporal order.
var epoch2007 = time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	processIDPattern = regexp.MustCompile(`^[0-9a-z]{24,}$`)
	processURIPattern = regexp.MustCompile(`^ndp://[^/]+/[^/]+(/[0-9a-z]{24,})+$`)
	channelIDPattern  = regexp.MustCompile(`^wch-[0-9a-z]{36}$`)
	threadIDPattern   = regexp.MustCompile(`^thread-[0-9a-z]{24}$`)
	messageIDPattern  = regexp.MustCompile(`^msg-[0-9a-z]{28}$`)
	scopeLiteralPattern = regexp.MustCompile(
		`^(internal|msgroup-[0-9a-f-]{36}|personal-[0-9a-f-]{36}|private-[0-9a-z]{36})$`,
	)
)

func randomBase36(n int) string {
	var sb strings.Builder
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is unrecoverable; panic rather than
			// silently weaken id uniqueness.
			panic(fmt.Sprintf("ids: crypto/rand failed: %v", err))
		}
		sb.WriteByte(base36Alphabet[idx.Int64()])
	}
	return sb.String()
}

func base36Timestamp(t time.Time, width int) string {
	secs := int64(t.Sub(epoch2007).Seconds())
	if secs < 0 {
		secs = 0
	}
	encoded := encodeBase36(secs)
	if len(encoded) >= width {
		return encoded[len(encoded)-width:]
	}
	return strings.Repeat("0", width-len(encoded)) + encoded
}

func encodeBase36(v int64) string {
	if v == 0 {
		return "0"
	}
	var sb strings.Builder
	for v > 0 {
		sb.WriteByte(base36Alphabet[v%36])
		v /= 36
	}
	runes := []rune(sb.String())
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// NewProcessID generates a time-ordered process id: the first 6 base36
// characters encode seconds since 2007-01-01 UTC, followed by 18 random
// base36 characters.
func NewProcessID(now time.Time) string {
	return base36Timestamp(now, 6) + randomBase36(18)
}

// ValidProcessID reports whether s is a syntactically valid process id.
func ValidProcessID(s string) bool {
	return processIDPattern.MatchString(s)
}

// ValidProcessURI reports whether s is a syntactically valid process URI
// ("ndp://scope/suffix/id1/id2/...").
func ValidProcessURI(s string) bool {
	return processURIPattern.MatchString(s)
}

// NewChannelID generates a cross-replica channel id: "wch-" followed by a
// 36-character base36 timestamp+random suffix.
func NewChannelID(now time.Time) string {
	return "wch-" + base36Timestamp(now, 8) + randomBase36(28)
}

// ValidChannelID reports whether s is a syntactically valid channel id.
func ValidChannelID(s string) bool {
	return channelIDPattern.MatchString(s)
}

// NewThreadID generates a thread id: "thread-" followed by 24 base36 chars.
func NewThreadID(now time.Time) string {
	return "thread-" + base36Timestamp(now, 6) + randomBase36(18)
}

// ValidThreadID reports whether s is a syntactically valid thread id.
func ValidThreadID(s string) bool {
	return threadIDPattern.MatchString(s)
}

// NewMessageID generates a time-ordered message id: "msg-" followed by a
// 28-character base36 timestamp+random suffix, so that lexicographic sort
// on full ids is temporal sort.
func NewMessageID(now time.Time) string {
	return "msg-" + base36Timestamp(now, 8) + randomBase36(20)
}

// ValidMessageID reports whether s is a syntactically valid message id.
func ValidMessageID(s string) bool {
	return messageIDPattern.MatchString(s)
}

// RootURI builds a root process URI for a workspace: no parent chain, just
// the workspace and the process's own id.
func RootURI(workspace, processID string) string {
	return "ndp://internal/" + workspace + "/" + processID
}

// ValidScopeLiteral reports whether s is one of the four scope literal
// forms: internal, msgroup-<uuid>, personal-<uuid>, private-<36 chars>.
func ValidScopeLiteral(s string) bool {
	return scopeLiteralPattern.MatchString(s)
}
