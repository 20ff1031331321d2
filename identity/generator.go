package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

// RoleCode is the short role tag embedded in generated identifiers.
type RoleCode string

const (
	RoleBrokerage RoleCode = "FBB"
	RoleAgent     RoleCode = "BB"
)

// ErrExhausted signals that no free sequence could be found for a prefix.
var ErrExhausted = errors.New("identity: sequence exhausted")

const maxAttempts = 10000

// Request carries the inputs an identifier is derived from. Department and
// ParentID travel with the request for callers that audit it; they do not
// appear in the identifier.
type Request struct {
	FirstName  string
	LastName   string
	Role       RoleCode
	Department string
	Date       time.Time
	ParentID   string
}

// TakenFunc reports whether an identifier is already in use.
type TakenFunc func(ctx context.Context, id string) (bool, error)

// Generator produces identifiers of the form II-RRR-YYYYNNN.
type Generator struct {
	mu    sync.Mutex
	next  map[string]int
	taken TakenFunc
}

// NewGenerator builds a Generator. A nil taken func treats every candidate
// as free, so uniqueness then only holds within the process.
func NewGenerator(taken TakenFunc) *Generator {
	if taken == nil {
		taken = func(context.Context, string) (bool, error) { return false, nil }
	}
	return &Generator{
		next:  make(map[string]int),
		taken: taken,
	}
}

// Generate returns a fresh identifier. Repeated calls with the same request
// yield different identifiers, so the result must be stored, not recomputed.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if req.Role != RoleBrokerage && req.Role != RoleAgent {
		return "", fmt.Errorf("identity: unknown role code %q", req.Role)
	}
	date := req.Date
	if date.IsZero() {
		date = time.Now()
	}
	prefix := fmt.Sprintf("%s-%s-%04d", Initials(req.FirstName, req.LastName), req.Role, date.Year())

	g.mu.Lock()
	defer g.mu.Unlock()

	seq := g.next[prefix]
	for attempt := 0; attempt < maxAttempts; attempt++ {
		seq++
		candidate := fmt.Sprintf("%s%03d", prefix, seq)
		taken, err := g.taken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("identity: check %s: %w", candidate, err)
		}
		if !taken {
			g.next[prefix] = seq
			return candidate, nil
		}
	}
	g.next[prefix] = seq
	return "", fmt.Errorf("%w: %s", ErrExhausted, prefix)
}

// Initials derives two upper-case letters from a name. A single word
// contributes its first two letters; missing letters become X.
func Initials(first, last string) string {
	first = lettersOnly(first)
	last = lettersOnly(last)

	var out []rune
	switch {
	case first != "" && last != "":
		out = []rune{firstRune(first), firstRune(last)}
	case first != "":
		out = []rune(first)
	case last != "":
		out = []rune(last)
	}
	if len(out) > 2 {
		out = out[:2]
	}
	for len(out) < 2 {
		out = append(out, 'X')
	}
	// Upper-case per rune so the result stays two runes long.
	for i, r := range out {
		out[i] = unicode.ToUpper(r)
	}
	return string(out)
}

// SplitName splits a full name into its first and last words.
func SplitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[len(parts)-1]
	}
}

func lettersOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 'X'
}
