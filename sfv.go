package caddy_resumable_uploads

import (
	"fmt"
	"strconv"
	"strings"
)

// This file implements the narrow slice of RFC 8941 (Structured Field
// Values for HTTP) that the resumable-upload draft actually uses: sf-boolean
// (?0 / ?1), sf-integer, and an sf-dictionary of sf-integer members (for
// Upload-Limit). No third-party SFV codec appears anywhere in the retrieved
// corpus, so this is hand-rolled against the RFC grammar; see DESIGN.md.

// formatSFBoolean encodes b as an SFV boolean.
func formatSFBoolean(b bool) string {
	if b {
		return "?1"
	}
	return "?0"
}

// parseSFBoolean decodes an SFV boolean. Only the two legal forms are
// accepted; anything else is a parse error.
func parseSFBoolean(s string) (bool, error) {
	switch s {
	case "?1":
		return true, nil
	case "?0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid sf-boolean %q", s)
	}
}

// formatSFInteger encodes n as an SFV integer.
func formatSFInteger(n int64) string {
	return strconv.FormatInt(n, 10)
}

// parseSFInteger decodes an SFV integer. RFC 8941 bounds integers to
// [-999999999999999, 999999999999999]; uploads never approach that bound in
// practice, so the only validation performed is "parses as a base-10
// integer with no leading zeros other than a bare 0".
func parseSFInteger(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty sf-integer")
	}
	trimmed := s
	if trimmed[0] == '-' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" || (len(trimmed) > 1 && trimmed[0] == '0') {
		return 0, fmt.Errorf("invalid sf-integer %q", s)
	}
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid sf-integer %q", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sf-integer %q: %w", s, err)
	}
	return n, nil
}

// uploadLimit mirrors the five keys the draft defines for Upload-Limit. A
// nil pointer means the key is absent from the dictionary.
type uploadLimit struct {
	MinSize        *int64
	MaxSize        *int64
	MinAppendSize  *int64
	MaxAppendSize  *int64
	ExpiresSeconds *int64
}

// sfDictionaryKeyOrder fixes serialization order so responses are
// deterministic and easy to assert on in tests.
var sfDictionaryKeyOrder = []string{"min-size", "max-size", "min-append-size", "max-append-size", "expires"}

func (l uploadLimit) fields() map[string]*int64 {
	return map[string]*int64{
		"min-size":        l.MinSize,
		"max-size":        l.MaxSize,
		"min-append-size": l.MinAppendSize,
		"max-append-size": l.MaxAppendSize,
		"expires":         l.ExpiresSeconds,
	}
}

// format encodes the dictionary as sf-dictionary of sf-integer members,
// e.g. "min-size=0, max-size=1073741824".
func (l uploadLimit) format() string {
	fields := l.fields()
	var parts []string
	for _, key := range sfDictionaryKeyOrder {
		if v := fields[key]; v != nil {
			parts = append(parts, key+"="+formatSFInteger(*v))
		}
	}
	return strings.Join(parts, ", ")
}

// parseUploadLimit decodes an sf-dictionary of sf-integer members. Unknown
// keys are ignored rather than rejected, matching RFC 8941's guidance that
// consumers should tolerate new dictionary members.
func parseUploadLimit(s string) (uploadLimit, error) {
	var l uploadLimit
	s = strings.TrimSpace(s)
	if s == "" {
		return l, nil
	}
	members := strings.Split(s, ",")
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		kv := strings.SplitN(m, "=", 2)
		if len(kv) != 2 {
			return l, fmt.Errorf("invalid sf-dictionary member %q", m)
		}
		key := strings.TrimSpace(kv[0])
		val, err := parseSFInteger(strings.TrimSpace(kv[1]))
		if err != nil {
			return l, fmt.Errorf("invalid sf-dictionary member %q: %w", m, err)
		}
		switch key {
		case "min-size":
			l.MinSize = &val
		case "max-size":
			l.MaxSize = &val
		case "min-append-size":
			l.MinAppendSize = &val
		case "max-append-size":
			l.MaxAppendSize = &val
		case "expires":
			l.ExpiresSeconds = &val
		}
	}
	return l, nil
}
