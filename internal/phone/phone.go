// Package phone canonicalizes human-entered phone numbers into the
// channel address form used by the transport.
package phone

import "strings"

// AddressSuffix is the channel-specific suffix appended to every
// canonical address.
const AddressSuffix = "@c.us"

// FormatNumber strips every non-digit character from number and appends
// the channel address suffix. "+55 61 9501-0011" becomes
// "556195010011@c.us". Addresses that already carry the suffix are
// returned unchanged: transports hand out canonical addresses that are
// not phone numbers (negative Telegram group chat ids, Slack channel
// ids) and stripping would corrupt them.
func FormatNumber(number string) string {
	if strings.HasSuffix(number, AddressSuffix) {
		return number
	}

	var b strings.Builder
	b.Grow(len(number) + len(AddressSuffix))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	b.WriteString(AddressSuffix)
	return b.String()
}
