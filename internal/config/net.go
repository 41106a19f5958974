package config

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodeplane/vmctl/pkg/schema"
)

const netFormatName = "net"

func registerNetFormat(r *schema.Registry) {
	r.Register(netFormatName, []*schema.Field{
		{Name: "model", Type: schema.TypeString, DefaultKey: true, Enum: []string{"rtl8139", "e1000", "virtio", "vmxnet3"}},
		{Name: "macaddr", Type: schema.TypeString, Optional: true},
		{Name: "bridge", Type: schema.TypeString, Optional: true},
		{Name: "queues", Type: schema.TypeInteger, Optional: true},
		{Name: "rate", Type: schema.TypeNumber, Optional: true},
		{Name: "tag", Type: schema.TypeInteger, Optional: true},
		{Name: "trunks", Type: schema.TypeString, Optional: true},
		{Name: "firewall", Type: schema.TypeBool, Optional: true},
		{Name: "link_down", Type: schema.TypeBool, Optional: true},
	})
}

// Net is a parsed netN property string.
type Net struct {
	Model    string `prop:"model"`
	MACAddr  string `prop:"macaddr"`
	Bridge   string `prop:"bridge"`
	Queues   int    `prop:"queues"`
	Rate     float64
	Tag      int    `prop:"tag"`
	Trunks   string `prop:"trunks"`
	Firewall bool   `prop:"firewall"`
	LinkDown bool   `prop:"link_down"`

	Index int
}

// DefaultOUI is the configurable MAC-address OUI prefix used when a netN
// line omits macaddr.
var DefaultOUI = "52:54:00"

// GenerateMAC produces a locally-administered MAC address under the given
// OUI prefix.
func GenerateMAC(oui string) (string, error) {
	var tail [3]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", oui, tail[0], tail[1], tail[2]), nil
}

// ParseNet parses a netN property string; if macaddr is absent, one is
// generated under oui.
func ParseNet(text string, oui string) (*Net, error) {
	values, err := Registry().ParsePropertyString(netFormatName, text)
	if err != nil {
		return nil, err
	}

	n := &Net{
		Model:    values["model"],
		Bridge:   values["bridge"],
		Trunks:   values["trunks"],
		MACAddr:  values["macaddr"],
		Tag:      atoiOr(values["tag"], 0),
		Queues:   atoiOr(values["queues"], 0),
		Firewall: boolOr(values["firewall"], false),
		LinkDown: boolOr(values["link_down"], false),
	}
	if v, ok := values["rate"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("net: invalid rate %q", v)
		}
		n.Rate = f
	}

	if n.Tag != 0 && (n.Tag < 1 || n.Tag > 4094) {
		return nil, fmt.Errorf("net: tag %d out of range 1-4094", n.Tag)
	}

	if n.MACAddr == "" {
		mac, err := GenerateMAC(oui)
		if err != nil {
			return nil, err
		}
		n.MACAddr = strings.ToUpper(mac)
	}

	return n, nil
}

// Print re-renders the Net as a property string. macaddr is always
// included, generated or not, so that a generated address round-trips
// through the persisted config.
func (n *Net) Print() (string, error) {
	values := map[string]string{
		"model":   n.Model,
		"macaddr": n.MACAddr,
	}
	if n.Bridge != "" {
		values["bridge"] = n.Bridge
	}
	if n.Queues > 0 {
		values["queues"] = strconv.Itoa(n.Queues)
	}
	if n.Rate > 0 {
		values["rate"] = strconv.FormatFloat(n.Rate, 'f', -1, 64)
	}
	if n.Tag != 0 {
		values["tag"] = strconv.Itoa(n.Tag)
	}
	if n.Trunks != "" {
		values["trunks"] = n.Trunks
	}
	if n.Firewall {
		values["firewall"] = "1"
	}
	if n.LinkDown {
		values["link_down"] = "1"
	}
	return Registry().PrintPropertyString(netFormatName, values)
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func boolOr(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch s {
	case "1", "yes", "true", "on":
		return true
	case "0", "no", "false", "off":
		return false
	}
	return def
}
