package altsvc

import (
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// ClearValue is the Alt-Svc field value that removes all services of an origin.
const ClearValue = "clear"

// maxAgeSeconds is the largest ma that fits a time.Duration. Larger values are clamped.
const maxAgeSeconds = uint64(math.MaxInt64 / int64(time.Second))

// secureALPN lists the protocol ids that can be used as alternate services.
var secureALPN = map[string]bool{
	"h2": true,
	"h3": true,
}

// IsSecureALPN returns true for protocol ids that require TLS and can be used as an
// alternate service.
func IsSecureALPN(alpn string) bool {
	return secureALPN[alpn]
}

// Value is one alt-value of an Alt-Svc field:
//
//	alt-value = protocol-id "=" DQUOTE [host] ":" port DQUOTE *( OWS ";" OWS parameter )
type Value struct {
	ALPN string
	// Host is empty when the authority omitted it, meaning the origin's host.
	Host    string
	Port    int
	MaxAge  time.Duration
	Persist bool
}

// Authority returns the quoted part of the value, without quotes.
func (v Value) Authority() string {
	if v.Host == "" {
		return ":" + strconv.Itoa(v.Port)
	}
	return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
}

// String formats the value; "ma" is always present, "persist" only when set.
func (v Value) String() string {
	var sb strings.Builder
	sb.WriteString(encodeProtocolID(v.ALPN))
	sb.WriteString(`="`)
	sb.WriteString(v.Authority())
	sb.WriteString(`"; ma=`)
	sb.WriteString(strconv.FormatInt(int64(v.MaxAge/time.Second), 10))
	if v.Persist {
		sb.WriteString("; persist=1")
	}
	return sb.String()
}

// FormatHeader joins values into an Alt-Svc field value. No values formats as "clear".
func FormatHeader(vals []Value) string {
	if len(vals) == 0 {
		return ClearValue
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

// ParseHeader parses an Alt-Svc field value.
//
// clear is true only for the literal "clear". Malformed alt-values are skipped; the
// returned error, if not nil, is a *multierror.Error describing each skipped value and is
// informational only.
func ParseHeader(field string) (vals []Value, clear bool, err error) {
	field = strings.TrimSpace(field)
	if field == ClearValue {
		return nil, true, nil
	}
	var skipped *multierror.Error
	for _, raw := range splitQuoted(field, ',') {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		v, perr := parseValue(raw)
		if perr != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(perr, "alt-value %q", raw))
			continue
		}
		vals = append(vals, v)
	}
	return vals, false, skipped.ErrorOrNil()
}

func parseValue(raw string) (Value, error) {
	parts := splitQuoted(raw, ';')
	first := parts[0]
	eq := strings.IndexByte(first, '=')
	if eq < 0 {
		return Value{}, errors.New("missing '='")
	}
	alpn, err := url.PathUnescape(strings.TrimSpace(first[:eq]))
	if err != nil {
		return Value{}, errors.Wrap(err, "protocol-id")
	}
	if !IsSecureALPN(alpn) {
		return Value{}, errors.Errorf("unsupported protocol-id %q", alpn)
	}
	quoted := strings.TrimSpace(first[eq+1:])
	if len(quoted) < 2 || quoted[0] != '"' || quoted[len(quoted)-1] != '"' {
		return Value{}, errors.New("authority is not a quoted-string")
	}
	authority := unquote(quoted[1 : len(quoted)-1])

	v := Value{ALPN: alpn, MaxAge: DefaultMaxAge}
	if v.Host, v.Port, err = parseAuthority(authority); err != nil {
		return Value{}, err
	}
	// Reject anything that doesn't re-serialize to the same text, to avoid ambiguous parses.
	if v.Authority() != authority {
		return Value{}, errors.Errorf("authority %q is not canonical", authority)
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		eq := strings.IndexByte(p, '=')
		if eq <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p[:eq]))
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		val := strings.TrimSpace(p[eq+1:])
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = unquote(val[1 : len(val)-1])
		}
		switch name {
		case "ma":
			if secs, err := strconv.ParseUint(val, 10, 64); err == nil {
				v.MaxAge = time.Duration(min(secs, maxAgeSeconds)) * time.Second
			} else {
				v.MaxAge = DefaultMaxAge
			}
		case "persist":
			v.Persist = val == "1"
		}
	}
	return v, nil
}

// parseAuthority accepts "host:port", "[v6]:port" and ":port".
func parseAuthority(a string) (string, int, error) {
	var host, port string
	if strings.HasPrefix(a, ":") {
		port = a[1:]
	} else {
		var err error
		host, port, err = net.SplitHostPort(a)
		if err != nil {
			return "", 0, errors.Wrap(err, "authority")
		}
		if host == "" {
			return "", 0, errors.Errorf("authority %q", a)
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", 0, errors.Errorf("invalid port %q", port)
	}
	return host, n, nil
}

// splitQuoted splits s on sep, ignoring separators inside quoted-strings.
func splitQuoted(s string, sep byte) []string {
	var res []string
	inQuote, escaped := false, false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == sep && !inQuote:
			res = append(res, s[start:i])
			start = i + 1
		}
	}
	return append(res, s[start:])
}

// unquote removes quoted-pair escapes.
func unquote(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// encodeProtocolID percent-encodes the characters RFC 7838 §3 does not allow in a token.
func encodeProtocolID(alpn string) string {
	var sb strings.Builder
	for i := 0; i < len(alpn); i++ {
		c := alpn[i]
		if c == '%' || c == '=' || !httpguts.IsTokenRune(rune(c)) {
			sb.WriteString("%" + strings.ToUpper(strconv.FormatInt(int64(c)|0x100, 16)[1:]))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
