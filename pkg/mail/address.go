package mail

import (
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/badoux/checkmail"
)

// NormalizeAddress lower-cases and trims an address for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Domain returns the lower-cased domain part of addr, or "".
func Domain(addr string) string {
	addr = NormalizeAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}

// ParseMailbox accepts "Name <user@host>" or a bare address and returns the address.
func ParseMailbox(value string) (string, error) {
	parsed, err := netmail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("mail: parse address %q: %w", value, err)
	}
	if err := checkmail.ValidateFormat(parsed.Address); err != nil {
		return "", fmt.Errorf("mail: invalid address %q: %w", parsed.Address, err)
	}
	return parsed.Address, nil
}

// ParseAddressCSV parses a comma separated address list.
func ParseAddressCSV(value string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := ParseMailbox(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return UniqueAddresses(out), nil
}

// UniqueAddresses drops blanks and case-insensitive duplicates, keeping order.
func UniqueAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	var result []string
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := NormalizeAddress(addr)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, addr)
	}
	return result
}

// EscapeVERP encodes a recipient into the local part suffix used by
// bounce aliases: user@example.com becomes user=example.com.
func EscapeVERP(addr string) string {
	addr = NormalizeAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at] + "=" + addr[at+1:]
}

// UnescapeVERP reverses EscapeVERP. The last "=" separates local part and domain.
func UnescapeVERP(escaped string) (string, bool) {
	eq := strings.LastIndex(escaped, "=")
	if eq <= 0 || eq == len(escaped)-1 {
		return "", false
	}
	return NormalizeAddress(escaped[:eq] + "@" + escaped[eq+1:]), true
}
