package coyote

import (
	"context"
	"testing"
	"time"
)

func TestScanDedupesAndSortsByRSSI(t *testing.T) {
	p := newFakePlatform()
	p.scanAdvs = []Advertisement{
		{ID: "AA", Name: "47L121000", Address: "AA", RSSI: -80, Connectable: true},
		{ID: "BB", Name: "D-LAB ESTIM01", Address: "BB", RSSI: -50, Connectable: true},
		{ID: "AA", Name: "47L121000", Address: "AA", RSSI: -60, Connectable: true}, // later sighting
		{ID: "CC", Name: "headphones", Address: "CC", RSSI: -40, Connectable: true},
	}
	s := NewScanner(p)

	devices, err := s.Scan(context.Background(), ScanOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("devices = %d, want 3 after dedup", len(devices))
	}
	if devices[0].ID != "CC" || devices[1].ID != "BB" || devices[2].ID != "AA" {
		t.Fatalf("sort order = %s %s %s, want CC BB AA", devices[0].ID, devices[1].ID, devices[2].ID)
	}

	aa := s.Device("AA")
	if aa == nil {
		t.Fatal("device AA not recorded")
	}
	if aa.RSSI != -60 {
		t.Fatalf("AA RSSI = %d, want latest sighting -60", aa.RSSI)
	}
	if aa.Model != ModelCoyoteV3 {
		t.Fatalf("AA model = %s, want V3", aa.Model)
	}
	if bb := s.Device("BB"); bb.Model != ModelCoyoteV2 {
		t.Fatalf("BB model = %s, want V2", bb.Model)
	}
	if cc := s.Device("CC"); cc.Model != ModelUnknown {
		t.Fatalf("CC model = %s, want unknown", cc.Model)
	}
}

func TestScanNamePrefixFilter(t *testing.T) {
	p := newFakePlatform()
	p.scanAdvs = []Advertisement{
		{ID: "AA", Name: "47L121000ABCD", RSSI: -60, Connectable: true},
		{ID: "CC", Name: "headphones", RSSI: -40, Connectable: true},
	}
	s := NewScanner(p)

	devices, err := s.Scan(context.Background(), ScanOptions{
		NamePrefix: "47l", // match is case-insensitive
		Timeout:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "AA" {
		t.Fatalf("devices = %+v, want only AA", devices)
	}
}

func TestScanWhileScanningReturnsCurrentResults(t *testing.T) {
	p := newFakePlatform()
	p.scanAdvs = []Advertisement{
		{ID: "AA", Name: "47L121000", RSSI: -60, Connectable: true},
	}
	s := NewScanner(p)

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		s.Scan(context.Background(), ScanOptions{Timeout: time.Second})
		close(finished)
	}()
	<-started
	waitFor(t, time.Second, "first scan to record results", func() bool {
		return s.IsScanning() && s.Device("AA") != nil
	})

	devices, err := s.Scan(context.Background(), ScanOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("re-entrant Scan: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "AA" {
		t.Fatalf("devices = %+v, want snapshot with AA", devices)
	}

	s.Cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("first scan did not stop on Cancel")
	}
	if s.IsScanning() {
		t.Fatal("still scanning after Cancel")
	}
}

func TestCancelWhenIdle(t *testing.T) {
	s := NewScanner(newFakePlatform())
	s.Cancel() // must not panic or block
	if s.IsScanning() {
		t.Fatal("idle scanner reports scanning")
	}
}

func TestScanHonorsContextCancellation(t *testing.T) {
	p := newFakePlatform()
	s := NewScanner(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, ScanOptions{Timeout: time.Minute})
		done <- err
	}()
	waitFor(t, time.Second, "scan to start", s.IsScanning)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scan did not return on context cancellation")
	}
}
