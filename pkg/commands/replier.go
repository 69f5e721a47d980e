package commands

import (
	"strings"
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
)

// Sender is the slice of the radio session the replier needs.
type Sender interface {
	SendText(dest meshtastic.NodeID, text string) error
}

// partGap spaces out multi-part replies so the radio's small TX queue does
// not overflow.
const partGap = 500 * time.Millisecond

// Replier delivers reply parts to a mesh destination. Sends run on their own
// goroutine so the radio receive loop is never blocked behind airtime.
type Replier struct {
	sender Sender
	fan    *notify.Fanout
	gap    time.Duration
}

func NewReplier(sender Sender, fan *notify.Fanout) *Replier {
	return &Replier{sender: sender, fan: fan, gap: partGap}
}

// Send transmits parts to dest in order. context names the kind of reply for
// the activity log ("Reply", "Traceroute", ...), senderName the human the
// reply goes to.
func (r *Replier) Send(dest meshtastic.NodeID, senderName, context string, parts []string) {
	if len(parts) == 0 {
		return
	}
	go r.send(dest, senderName, context, parts)
}

func (r *Replier) send(dest meshtastic.NodeID, senderName, context string, parts []string) {
	for i, part := range parts {
		if err := r.sender.SendText(dest, part); err != nil {
			r.fan.Error("Failed to send %s -> %s: %v", strings.ToLower(context), senderName, err)
			return
		}
		if i < len(parts)-1 {
			time.Sleep(r.gap)
		}
	}

	if len(parts) == 1 {
		r.fan.Success("%s -> %s: %s", context, senderName, parts[0])
	} else {
		r.fan.Success("%s -> %s: %d messages", context, senderName, len(parts))
	}
}
