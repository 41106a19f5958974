package config

import (
	"fmt"

	"github.com/nodeplane/vmctl/pkg/schema"
)

const ipconfigFormatName = "ipconfig"

func registerIPConfigFormat(r *schema.Registry) {
	r.Register(ipconfigFormatName, []*schema.Field{
		{Name: "ip", Type: schema.TypeString, Optional: true},
		{Name: "gw", Type: schema.TypeString, Optional: true},
		{Name: "ip6", Type: schema.TypeString, Optional: true},
		{Name: "gw6", Type: schema.TypeString, Optional: true},
	})
}

// IPConfig is a parsed ipconfigN property string, consumed by the
// cloud-init network-config generator.
type IPConfig struct {
	Index int
	IP4   string // "dhcp" or a CIDR address
	GW4   string
	IP6   string // "dhcp", "auto" or a CIDR address
	GW6   string
}

// ParseIPConfig parses an ipconfigN property string.
func ParseIPConfig(text string) (*IPConfig, error) {
	values, err := Registry().ParsePropertyString(ipconfigFormatName, text)
	if err != nil {
		return nil, err
	}

	c := &IPConfig{
		IP4: values["ip"],
		GW4: values["gw"],
		IP6: values["ip6"],
		GW6: values["gw6"],
	}
	if c.IP4 == "" && c.IP6 == "" {
		return nil, fmt.Errorf("ipconfig: at least one of ip or ip6 is required")
	}
	return c, nil
}

// Print renders the IPConfig back to a property string.
func (c *IPConfig) Print() (string, error) {
	values := map[string]string{}
	if c.IP4 != "" {
		values["ip"] = c.IP4
	}
	if c.GW4 != "" {
		values["gw"] = c.GW4
	}
	if c.IP6 != "" {
		values["ip6"] = c.IP6
	}
	if c.GW6 != "" {
		values["gw6"] = c.GW6
	}
	return Registry().PrintPropertyString(ipconfigFormatName, values)
}
