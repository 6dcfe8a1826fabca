package remote

import (
	"fmt"
	"strings"
)

// Trust classifies a remote node. Values are ordered.
type Trust int

const (
	TrustUntrusted Trust = iota
	TrustPassive
	TrustExternal
	TrustTrusted
	TrustGlobalScale
)

var trustNames = []string{"untrusted", "passive", "external", "trusted", "global_scale"}

func (t Trust) String() string {
	if t < 0 || int(t) >= len(trustNames) {
		return fmt.Sprintf("trust(%d)", int(t))
	}
	return trustNames[t]
}

// ParseTrust parses a trust name such as "global_scale".
func ParseTrust(s string) (Trust, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range trustNames {
		if name == s {
			return Trust(i), nil
		}
	}
	return TrustUntrusted, fmt.Errorf("unknown trust %q", s)
}

// MarshalText writes the trust name.
func (t Trust) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a trust name.
func (t *Trust) UnmarshalText(text []byte) error {
	parsed, err := ParseTrust(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
