package notification

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// RecipientKind tags the shape of a push recipient
type RecipientKind int

const (
	SingleToken RecipientKind = iota
	TokenList
)

func (k RecipientKind) String() string {
	if k == TokenList {
		return "token_list"
	}
	return "single_token"
}

// Recipient is the parsed form of a push record's recipient field.
type Recipient struct {
	Kind   RecipientKind
	Tokens []string
}

var errEmptyRecipient = errors.New("recipient is empty")

// ParseRecipient parses a JSON array of strings, a comma separated list or a
// single token. Blank entries are discarded; at least one entry must remain.
func ParseRecipient(raw string) (Recipient, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Recipient{}, errEmptyRecipient
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return Recipient{}, err
		}
		return newRecipient(TokenList, list)
	}

	if strings.Contains(raw, ",") {
		return newRecipient(TokenList, strings.Split(raw, ","))
	}

	return newRecipient(SingleToken, []string{raw})
}

func newRecipient(kind RecipientKind, entries []string) (Recipient, error) {
	tokens := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			tokens = append(tokens, e)
		}
	}
	if len(tokens) == 0 {
		return Recipient{}, errEmptyRecipient
	}
	return Recipient{Kind: kind, Tokens: tokens}, nil
}

const (
	MinTokenLength = 32
	MaxTokenLength = 200
)

var tokenCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// PlausibleToken reports whether token falls into the accepted length and charset window.
func PlausibleToken(token string) bool {
	if len(token) < MinTokenLength || len(token) > MaxTokenLength {
		return false
	}
	return tokenCharset.MatchString(token)
}

// Split partitions the tokens into plausible ones and rejected ones,
// removing duplicates while keeping the original order.
func (r Recipient) Split() (valid, rejected []string) {
	seen := make(map[string]struct{}, len(r.Tokens))
	for _, t := range r.Tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if PlausibleToken(t) {
			valid = append(valid, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	return valid, rejected
}
