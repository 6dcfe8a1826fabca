package model

import (
	"strconv"
	"strings"
)

// Config is the circle configuration bitmask.
type Config int

const (
	ConfigSingle       Config = 1
	ConfigPersonal     Config = 2
	ConfigSystem       Config = 4
	ConfigVisible      Config = 8
	ConfigOpen         Config = 16
	ConfigInvite       Config = 32
	ConfigRequest      Config = 64
	ConfigFriend       Config = 128
	ConfigProtected    Config = 256
	ConfigNoOwner      Config = 512
	ConfigHidden       Config = 1024
	ConfigBackend      Config = 2048
	ConfigLocal        Config = 4096
	ConfigRoot         Config = 8192
	ConfigCircleInvite Config = 16384
	ConfigFederated    Config = 32768
	ConfigMountpoint   Config = 65536
	ConfigApp          Config = 131072
)

// ConfigImmutable lists the bits that only the system may set. A
// circle.update event that flips one of them is rejected.
const ConfigImmutable = ConfigSingle | ConfigPersonal | ConfigSystem | ConfigNoOwner |
	ConfigHidden | ConfigBackend | ConfigRoot | ConfigApp

var configNames = []struct {
	bit  Config
	name string
}{
	{ConfigSingle, "single"},
	{ConfigPersonal, "personal"},
	{ConfigSystem, "system"},
	{ConfigVisible, "visible"},
	{ConfigOpen, "open"},
	{ConfigInvite, "invite"},
	{ConfigRequest, "request"},
	{ConfigFriend, "friend"},
	{ConfigProtected, "protected"},
	{ConfigNoOwner, "no_owner"},
	{ConfigHidden, "hidden"},
	{ConfigBackend, "backend"},
	{ConfigLocal, "local"},
	{ConfigRoot, "root"},
	{ConfigCircleInvite, "circle_invite"},
	{ConfigFederated, "federated"},
	{ConfigMountpoint, "mountpoint"},
	{ConfigApp, "app"},
}

// Has reports whether every bit of flag is set.
func (c Config) Has(flag Config) bool {
	return c&flag == flag
}

// With returns c with flag set.
func (c Config) With(flag Config) Config {
	return c | flag
}

// Without returns c with flag cleared.
func (c Config) Without(flag Config) Config {
	return c &^ flag
}

func (c Config) String() string {
	var names []string
	for _, n := range configNames {
		if c.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return strconv.Itoa(int(c))
	}
	return strings.Join(names, "|")
}

// Well-known settings keys.
const (
	SettingMembersLimit = "members_limit"
)

// Circle is a named group of entities.
type Circle struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	DisplayName string            `json:"display_name,omitempty" yaml:"display_name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Config      Config            `json:"config" yaml:"config"`
	Settings    map[string]string `json:"settings,omitempty" yaml:"settings"`

	// Instance is the id of the master node for this circle.
	Instance string `json:"instance" yaml:"instance"`

	// Owner is the SingleID of the owner member, filled from the member table.
	Owner string `json:"owner,omitempty" yaml:"owner"`

	Creation int64 `json:"creation,omitempty" yaml:"creation"`
}

// IsPersonal reports whether the circle is bound to a single user and must be
// destroyed with it.
func (c Circle) IsPersonal() bool {
	return c.Config.Has(ConfigPersonal) || c.Config.Has(ConfigSingle)
}

// MembersLimit returns the configured member limit, or 0 for none.
func (c Circle) MembersLimit() int {
	v, ok := c.Settings[SettingMembersLimit]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Clone returns a copy that shares no maps with c.
func (c Circle) Clone() Circle {
	out := c
	if c.Settings != nil {
		out.Settings = make(map[string]string, len(c.Settings))
		for k, v := range c.Settings {
			out.Settings[k] = v
		}
	}
	return out
}
