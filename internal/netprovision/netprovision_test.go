package netprovision

import "testing"

func TestNewDefaultsPrefix(t *testing.T) {
	p := New("")
	if p.namePrefix != "bsx" {
		t.Errorf("namePrefix = %q, want bsx", p.namePrefix)
	}
}

func TestFreshProvisionerCounterStartsAtZero(t *testing.T) {
	p := New("testtap")
	// Checks only the counter's starting value; Provision itself needs
	// root + iptables, and no test here exercises it or its address math.
	idx0 := p.subnetCounter
	if idx0 != 0 {
		t.Fatalf("fresh provisioner subnetCounter = %d, want 0", idx0)
	}
}
