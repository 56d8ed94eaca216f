package server

import "testing"

func TestWatcherRunsCleanupsOnce(t *testing.T) {
	w := NewDisconnectWatcher(nil)

	var aCount, bCount int
	w.Watch(":1.10", func() { aCount++ })
	w.Watch(":1.10", func() { aCount++ })
	w.Watch(":1.20", func() { bCount++ })

	w.ownerLost(":1.10")
	if aCount != 2 {
		t.Errorf("ran %d cleanups for the lost owner, want 2", aCount)
	}
	if bCount != 0 {
		t.Errorf("ran %d cleanups for an unrelated owner, want 0", bCount)
	}

	// Entries are dropped after firing.
	w.ownerLost(":1.10")
	if aCount != 2 {
		t.Errorf("cleanups ran again on a repeated loss, count %d", aCount)
	}
}

func TestWatcherIgnoresUnknownOwner(t *testing.T) {
	w := NewDisconnectWatcher(nil)
	w.ownerLost(":1.99")
}
