package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSessionCode = errors.New("invalid session code")

// Regions maps each region tag to its default relay endpoint.
var Regions = map[string]string{
	"NYC": "wss://nyc.relay.tablelink.app/ws",
	"SFO": "wss://sfo.relay.tablelink.app/ws",
	"LON": "wss://lon.relay.tablelink.app/ws",
	"FRA": "wss://fra.relay.tablelink.app/ws",
	"SYD": "wss://syd.relay.tablelink.app/ws",
	"SGP": "wss://sgp.relay.tablelink.app/ws",
}

const groupLen = 3

// SessionCode is a validated REGION-XXX-XXX code.
type SessionCode struct {
	Region string
	raw    string
}

func (s SessionCode) String() string { return s.raw }

// ParseSessionCode validates a code entered by the user. Codes are case-insensitive and are
// normalised to upper case.
func ParseSessionCode(code string) (SessionCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	groups := strings.Split(code, "-")
	if len(groups) != 3 {
		return SessionCode{}, fmt.Errorf("%w: %q must have 3 groups, has %d", ErrInvalidSessionCode, code, len(groups))
	}
	if _, ok := Regions[groups[0]]; !ok {
		return SessionCode{}, fmt.Errorf("%w: unknown region %q", ErrInvalidSessionCode, groups[0])
	}
	for _, g := range groups[1:] {
		if len(g) != groupLen {
			return SessionCode{}, fmt.Errorf("%w: group %q must be %d characters", ErrInvalidSessionCode, g, groupLen)
		}
		for _, r := range g {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return SessionCode{}, fmt.Errorf("%w: group %q is not alphanumeric", ErrInvalidSessionCode, g)
			}
		}
	}
	return SessionCode{Region: groups[0], raw: code}, nil
}

// Endpoint returns the relay URL for the code's region. overrides takes precedence over the
// built-in table.
func (s SessionCode) Endpoint(overrides map[string]string) string {
	if u, ok := overrides[s.Region]; ok && u != "" {
		return u
	}
	return Regions[s.Region]
}
