package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickPeriod != 50*time.Millisecond {
		t.Fatalf("expected default tick period 50ms, got %s", cfg.TickPeriod)
	}
	if len(cfg.ControllerAddrs) != 3 {
		t.Fatalf("expected 3 default controller addresses, got %v", cfg.ControllerAddrs)
	}
}

func TestParseOverridesAddrs(t *testing.T) {
	cfg, err := Parse([]string{"-controller-addrs=5,9,12"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{5, 9, 12}
	if len(cfg.ControllerAddrs) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.ControllerAddrs)
	}
	for i := range want {
		if cfg.ControllerAddrs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.ControllerAddrs)
		}
	}
}

func TestParseRejectsBadAddr(t *testing.T) {
	if _, err := Parse([]string{"-controller-addrs=0,300"}); err == nil {
		t.Fatal("expected error for out-of-range field-bus address")
	}
}

func TestParseRejectsEmptyAddrList(t *testing.T) {
	if _, err := Parse([]string{"-controller-addrs="}); err == nil {
		t.Fatal("expected error for empty address list")
	}
}
