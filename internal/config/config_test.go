package config

import (
	"testing"

	"github.com/vexxhost/vmbackup/internal/retention"
)

func TestParseIntervalsDefaults(t *testing.T) {
	tiers, err := ParseIntervals("daily,weekly:4,monthly:12")
	if err != nil {
		t.Fatalf("ParseIntervals: %v", err)
	}
	want := []retention.Tier{
		{Name: "daily", Capacity: defaultKeep},
		{Name: "weekly", Capacity: 4},
		{Name: "monthly", Capacity: 12},
	}
	if len(tiers) != len(want) {
		t.Fatalf("tiers = %+v, want %+v", tiers, want)
	}
	for i := range want {
		if tiers[i] != want[i] {
			t.Errorf("tiers[%d] = %+v, want %+v", i, tiers[i], want[i])
		}
	}
}

func TestParseIntervalsRejectsBadKeep(t *testing.T) {
	cases := []string{"daily:0", "daily:-1", "daily:abc", "", "daily,daily"}
	for _, spec := range cases {
		if _, err := ParseIntervals(spec); err == nil {
			t.Errorf("ParseIntervals(%q) = nil error, want an error", spec)
		}
	}
}

func TestParseTargetAllDrives(t *testing.T) {
	target, err := ParseTarget("vm1")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Domain != "vm1" || target.Drives != nil {
		t.Errorf("target = %+v, want {vm1, nil}", target)
	}
}

func TestParseTargetSpecificDrives(t *testing.T) {
	target, err := ParseTarget("vm1:vda,vdb")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Domain != "vm1" || len(target.Drives) != 2 || target.Drives[0] != "vda" || target.Drives[1] != "vdb" {
		t.Errorf("target = %+v, want {vm1, [vda vdb]}", target)
	}
}

func TestParseTargetRejectsEmptyDriveList(t *testing.T) {
	if _, err := ParseTarget("vm1:"); err == nil {
		t.Error("expected an error for an empty drive list")
	}
}

func TestResolveInterval(t *testing.T) {
	tiers := []retention.Tier{{Name: "daily", Capacity: 3}, {Name: "weekly", Capacity: 4}}

	if idx, err := ResolveInterval(tiers, ""); err != nil || idx != 0 {
		t.Errorf("ResolveInterval(\"\") = (%d, %v), want (0, nil)", idx, err)
	}
	if idx, err := ResolveInterval(tiers, "weekly"); err != nil || idx != 1 {
		t.Errorf("ResolveInterval(weekly) = (%d, %v), want (1, nil)", idx, err)
	}
	if _, err := ResolveInterval(tiers, "yearly"); err == nil {
		t.Error("expected an error for an unknown interval name")
	}
}
