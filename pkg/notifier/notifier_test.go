package notifier

import (
	"testing"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

func TestNotifyUnknownChannelIsNoop(t *testing.T) {
	n := New(map[string][]Target{}, logging.RootLogger)
	n.Notify("nonexistent")
}

// TestNotifyReturnsWithoutWaitingForSend exercises the fire-and-forget
// contract: Notify must not block the caller (the channel's single
// dispatch goroutine) on a guest CID that never responds, since each send
// runs on its own goroutine.
func TestNotifyReturnsWithoutWaitingForSend(t *testing.T) {
	// CID 0 (VMADDR_CID_HYPERVISOR) has no listener in this test
	// environment, so the underlying connect will fail, but Notify must
	// not wait around for that failure before returning.
	n := New(map[string][]Target{"slow": {{CID: 0, Port: 65535}}}, logging.RootLogger)

	done := make(chan struct{})
	go func() {
		n.Notify("slow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a per-target send instead of returning immediately")
	}
}

func TestBuildFromConfigSkipsChannelsWithoutGuests(t *testing.T) {
	cfg := config.Config{
		"no-guests": {GuestNotify: nil},
		"empty":     {GuestNotify: &config.GuestNotifyConfig{Guests: nil, Port: 3401}},
		"has-guests": {GuestNotify: &config.GuestNotifyConfig{
			Guests: []uint32{3, 4},
			Port:   3401,
		}},
	}

	n := BuildFromConfig(cfg, logging.RootLogger)

	if _, ok := n.targets["no-guests"]; ok {
		t.Error("did not expect a target list for a channel without guestNotify")
	}
	if _, ok := n.targets["empty"]; ok {
		t.Error("did not expect a target list for a channel with an empty guest list")
	}
	targets, ok := n.targets["has-guests"]
	if !ok || len(targets) != 2 {
		t.Fatalf("expected two targets, got %+v", targets)
	}
	if targets[0].CID != 3 || targets[1].CID != 4 {
		t.Errorf("unexpected targets: %+v", targets)
	}
}
