package cloudinit

import (
	"strings"
	"testing"

	"github.com/nodeplane/vmctl/internal/config"
)

func TestValidateAuthorizedKeysRejectsGarbage(t *testing.T) {
	if err := ValidateAuthorizedKeys([]string{"not-a-key"}); err == nil {
		t.Fatalf("expected an error for a malformed authorized key")
	}
}

func TestBuildUserDataIncludesCloudConfigHeader(t *testing.T) {
	req := &Request{VMID: 100, Hostname: "test-vm", User: "admin"}
	out, err := BuildUserData(req)
	if err != nil {
		t.Fatalf("BuildUserData: %v", err)
	}
	if !strings.HasPrefix(string(out), "#cloud-config\n") {
		t.Fatalf("missing #cloud-config header: %s", out)
	}
}

func TestBuildNetworkConfigDHCP(t *testing.T) {
	req := &Request{
		IPConfigs: []*config.IPConfig{{IP4: "dhcp"}},
	}
	out, err := BuildNetworkConfig(req)
	if err != nil {
		t.Fatalf("BuildNetworkConfig: %v", err)
	}
	if !strings.Contains(string(out), "dhcp") {
		t.Fatalf("expected dhcp subnet in network-config: %s", out)
	}
}

func TestISOFilesNoCloud(t *testing.T) {
	files, err := ISOFiles(&Request{Format: FormatNoCloud}, []byte("a"), []byte("b"), []byte("c"))
	if err != nil {
		t.Fatalf("ISOFiles: %v", err)
	}
	if _, ok := files["meta-data"]; !ok {
		t.Fatalf("expected meta-data file for nocloud format")
	}
}
