// Package cloudinit renders the user-data/meta-data/network-config
// documents a cloud-init-enabled image consumes, in the nocloud,
// configdrive2, and opennebula formats (spec §4.7). Structured
// documents are marshaled with gopkg.in/yaml.v3, the same library
// phenix's types package uses for its config bodies; authorized keys
// are validated with golang.org/x/crypto/ssh before being embedded,
// mirroring the key-parsing idiom phenix's util package applies to
// any untrusted credential material before persisting it.
package cloudinit

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/nodeplane/vmctl/internal/config"
)

// Format selects the cloud-init data-source layout to emit.
type Format string

const (
	FormatNoCloud     Format = "nocloud"
	FormatConfigDrive Format = "configdrive2"
	FormatOpenNebula  Format = "opennebula"
)

// Request carries everything needed to render one VM's cloud-init
// documents.
type Request struct {
	VMID        int
	Hostname    string
	Format      Format
	User        string
	Password    string // already hashed, or "" to leave unset
	SSHKeys     []string
	IPConfigs   []*config.IPConfig
	Nameserver  string
	SearchDomain string
}

// MetaData is the cloud-init meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// UserData is the subset of cloud-config this module populates.
type UserData struct {
	Hostname          string   `yaml:"hostname,omitempty"`
	User              string   `yaml:"user,omitempty"`
	Password          string   `yaml:"password,omitempty"`
	ChpasswdExpire    bool     `yaml:"chpasswd_expire"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// NetworkConfigV1 is the cloud-init network-config version 1 document.
type NetworkConfigV1 struct {
	Version int                   `yaml:"version"`
	Config  []NetworkConfigEntry `yaml:"config"`
}

// NetworkConfigEntry is a single interface entry in a v1 document.
type NetworkConfigEntry struct {
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Subnets    []NetworkSubnet   `yaml:"subnets,omitempty"`
	Address    []string          `yaml:"address,omitempty"`
	Search     []string          `yaml:"search,omitempty"`
}

// NetworkSubnet is a single subnet assignment within an interface entry.
type NetworkSubnet struct {
	Type    string `yaml:"type"` // "dhcp", "dhcp6", or "static"
	Address string `yaml:"address,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
}

// ValidateAuthorizedKeys rejects any key string that does not parse as a
// well-formed SSH authorized-key line, so a broken key never silently
// locks an operator out of a freshly provisioned VM.
func ValidateAuthorizedKeys(keys []string) error {
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k)); err != nil {
			return fmt.Errorf("cloudinit: invalid authorized key %q: %w", k, err)
		}
	}
	return nil
}

// BuildMetaData renders the meta-data document.
func BuildMetaData(req *Request) ([]byte, error) {
	md := MetaData{
		InstanceID:    fmt.Sprintf("vmctl-%d", req.VMID),
		LocalHostname: req.Hostname,
	}
	return yaml.Marshal(md)
}

// BuildUserData renders the user-data document, prefixed with the
// mandatory "#cloud-config" marker line.
func BuildUserData(req *Request) ([]byte, error) {
	if err := ValidateAuthorizedKeys(req.SSHKeys); err != nil {
		return nil, err
	}

	ud := UserData{
		Hostname:          req.Hostname,
		User:              req.User,
		Password:          req.Password,
		ChpasswdExpire:    false,
		SSHAuthorizedKeys: nonEmpty(req.SSHKeys),
	}

	body, err := yaml.Marshal(ud)
	if err != nil {
		return nil, fmt.Errorf("cloudinit: marshal user-data: %w", err)
	}
	return append([]byte("#cloud-config\n"), body...), nil
}

// BuildNetworkConfig renders the network-config document in the nocloud
// version-1 schema from the VM's ipconfigN entries.
func BuildNetworkConfig(req *Request) ([]byte, error) {
	nc := NetworkConfigV1{Version: 1}

	for i, ip := range req.IPConfigs {
		entry := NetworkConfigEntry{
			Type: "physical",
			Name: fmt.Sprintf("eth%d", i),
		}
		if ip.IP4 == "dhcp" {
			entry.Subnets = append(entry.Subnets, NetworkSubnet{Type: "dhcp"})
		} else if ip.IP4 != "" {
			entry.Subnets = append(entry.Subnets, NetworkSubnet{Type: "static", Address: ip.IP4, Gateway: ip.GW4})
		}
		if ip.IP6 == "dhcp" || ip.IP6 == "auto" {
			entry.Subnets = append(entry.Subnets, NetworkSubnet{Type: "dhcp6"})
		} else if ip.IP6 != "" {
			entry.Subnets = append(entry.Subnets, NetworkSubnet{Type: "static", Address: ip.IP6, Gateway: ip.GW6})
		}
		if req.Nameserver != "" {
			entry.Address = []string{req.Nameserver}
		}
		if req.SearchDomain != "" {
			entry.Search = []string{req.SearchDomain}
		}
		nc.Config = append(nc.Config, entry)
	}

	return yaml.Marshal(nc)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// ISOFiles returns the set of files (by name) that must be written into
// the cloud-init ISO image, keyed by format, per spec §4.7.
func ISOFiles(req *Request, metaData, userData, networkConfig []byte) (map[string][]byte, error) {
	switch req.Format {
	case FormatNoCloud, "":
		return map[string][]byte{
			"meta-data":      metaData,
			"user-data":      userData,
			"network-config": networkConfig,
		}, nil
	case FormatConfigDrive:
		return map[string][]byte{
			"openstack/latest/meta_data.json": metaData,
			"openstack/latest/user_data":      userData,
			"openstack/content/0000":          networkConfig,
		}, nil
	case FormatOpenNebula:
		return map[string][]byte{
			"context.sh": userData,
		}, nil
	default:
		return nil, fmt.Errorf("cloudinit: unknown format %q", req.Format)
	}
}
