// Package notifier sends best-effort refresh notifications to guest VMs
// over vsock when a channel publishes new content (spec.md §4.5). It is
// grounded on original_source's gate/notify.rs.
package notifier

import (
	"fmt"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/vsock"
)

// Target is a guest VM that should be notified when a channel refreshes.
type Target struct {
	CID  uint32
	Port uint32
}

// Notifier maps channel names to the guest VMs subscribed to their
// refresh notifications.
type Notifier struct {
	targets map[string][]Target
	logger  *logging.Logger
}

// New creates a Notifier from a channel-name to target-list mapping.
func New(targets map[string][]Target, logger *logging.Logger) *Notifier {
	return &Notifier{targets: targets, logger: logger}
}

// Notify sends a refresh message for channel to every subscribed guest.
// Each send runs on its own goroutine: it is fire-and-forget, a distinct
// scheduling entity from the channel's dispatch loop (spec.md §5), so that
// a slow or unreachable guest CID can never stall the channel task that
// triggered the notification (spec.md §9, "to keep the main pipeline
// latency bounded"). Connection failures are logged, never returned.
func (n *Notifier) Notify(channel string) {
	targets, ok := n.targets[channel]
	if !ok {
		return
	}

	message := []byte(channel + "\n")
	for _, target := range targets {
		target := target
		go func() {
			if err := send(target, message); err != nil {
				n.logger.Warnf("failed to notify CID %d for channel %s: %v", target.CID, channel, err)
				return
			}
			n.logger.Debugf("notified CID %d to refresh %s", target.CID, channel)
		}()
	}
}

// BuildFromConfig derives the channel-to-guest mapping from the daemon's
// loaded configuration, logging which channels have guest notifications
// enabled (spec.md §4.5, original_source's gate/notify.rs:build_notifier).
func BuildFromConfig(cfg config.Config, logger *logging.Logger) *Notifier {
	targets := make(map[string][]Target)
	for name, channel := range cfg {
		if channel.GuestNotify == nil || len(channel.GuestNotify.Guests) == 0 {
			continue
		}
		list := make([]Target, 0, len(channel.GuestNotify.Guests))
		for _, cid := range channel.GuestNotify.Guests {
			list = append(list, Target{CID: cid, Port: channel.GuestNotify.Port})
		}
		targets[name] = list
		logger.Infof("channel '%s': guest notifications enabled for %d VMs on port %d",
			name, len(list), channel.GuestNotify.Port)
	}
	return New(targets, logger)
}

// send opens a connection to target, writes message, and closes the
// connection so the guest's line reader observes EOF.
func send(target Target, message []byte) error {
	conn, err := vsock.Dial(target.CID, target.Port)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(message); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
