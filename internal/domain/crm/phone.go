package crm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// PhoneNumber is an international number without the leading "+". Clients
// send it either as a JSON string or as a bare number.
type PhoneNumber string

// UnmarshalJSON accepts "79161234567", 79161234567 and null
func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = NormalizePhone(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = NormalizePhone(n.String())
	return nil
}

// String implements fmt.Stringer
func (p PhoneNumber) String() string { return string(p) }

// E164 returns the number with a "+" prefix, or "" when empty
func (p PhoneNumber) E164() string {
	if p == "" {
		return ""
	}
	return "+" + string(p)
}

// NormalizePhone strips everything but digits
func NormalizePhone(s string) PhoneNumber {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return PhoneNumber(b.String())
}
