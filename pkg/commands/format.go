package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// maxMessageLen is the practical payload limit for a single mesh text
// message. Inbound messages longer than this are dropped, outbound replies
// are split into parts that each fit.
const maxMessageLen = 200

var triggerWords = []string{"ping", "hello", "test", "traceroute"}

// pongReply renders the connection-quality reply for ping/hello/test. RSSI
// and SNR read as zero when the radio did not report them, which the reply
// shows as N/A. Hop figures only render when both counters are present.
func pongReply(now time.Time, rssi int32, snr float32, hopLimit, hopStart uint32) string {
	rssiStr := "N/A"
	if rssi != 0 {
		rssiStr = strconv.Itoa(int(rssi))
	}
	snrStr := "N/A"
	if snr != 0 {
		snrStr = strconv.FormatFloat(float64(snr), 'g', -1, 32)
	}

	reply := fmt.Sprintf("pong (%s) RSSI: %s SNR: %s", now.Format("2006-01-02 15:04:05"), rssiStr, snrStr)
	if hopStart > 0 && hopLimit > 0 {
		hops := int(hopStart) - int(hopLimit)
		if hops < 0 {
			hops = 0
		}
		reply += fmt.Sprintf(" Hops: %d/%d", hops, hopStart)
	}
	return reply
}

func helpText(traceInterval time.Duration, maxQueuePerUser int) string {
	return fmt.Sprintf(
		"Meshtastic Pingbot Help:\n\n"+
			"I respond to these triggers in channels and DMs: %s\n\n"+
			"Commands:\n"+
			"• ping/hello/test - Connection info (RSSI, SNR, hop count)\n"+
			"• traceroute - Meshtastic network path trace (%.0fs rate limit, max %d queued per user)\n\n"+
			"Enhanced ping command: 'ping N' where N is 1-5 for multiple responses.\n\n"+
			"DM-only commands: help, /help - Show this help message. "+
			"about, /about - Show information about this bot.",
		strings.Join(triggerWords, ", "), traceInterval.Seconds(), maxQueuePerUser)
}

func aboutText(cooldown time.Duration) string {
	return fmt.Sprintf(
		"Meshtastic Pingbot v1.0\n\n"+
			"I'm a simple ping-pong bot that helps test Meshtastic network connectivity. "+
			"Send me '%s' and I'll respond with your connection quality metrics. "+
			"Use 'ping N' (N=1-5) for multiple responses. "+
			"Features: RSSI and SNR reporting, Hop count tracking, Rate limiting (%.0fs cooldown), "+
			"Channel and DM support. Built for the Meshtastic mesh networking community.",
		strings.Join(triggerWords, ", "), cooldown.Seconds())
}

// SplitMessage breaks text into parts no longer than maxMessageLen, preferring
// sentence boundaries, then word boundaries, and only cutting mid-word when a
// part contains no spaces at all.
func SplitMessage(text string) []string {
	return splitMessage(text, maxMessageLen)
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	remaining := strings.TrimSpace(text)

	for remaining != "" {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}

		split := maxLen

		// sentence boundary: punctuation followed by a space, kept with
		// the leading part
		for i := maxLen - 1; i > maxLen/2; i-- {
			if isSentenceEnd(remaining[i]) && i+1 < len(remaining) && remaining[i+1] == ' ' {
				split = i + 1
				break
			}
		}

		// word boundary in the same back half
		if split == maxLen {
			for i := maxLen - 1; i > maxLen/2; i-- {
				if remaining[i] == ' ' {
					split = i
					break
				}
			}
		}

		// any space at all, to avoid cutting a word
		if split == maxLen {
			for i := maxLen - 1; i > 0; i-- {
				if remaining[i] == ' ' {
					split = i
					break
				}
			}
		}

		part := strings.TrimRightFunc(remaining[:split], unicode.IsSpace)
		if part != "" {
			parts = append(parts, part)
		}
		remaining = strings.TrimLeftFunc(remaining[split:], unicode.IsSpace)
	}

	return parts
}

func isSentenceEnd(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}
