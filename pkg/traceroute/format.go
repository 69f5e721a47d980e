package traceroute

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/radio"
)

// unknownSnr is the firmware's marker for a hop whose SNR was not measured.
// Raw SNR values arrive scaled by 4.
const unknownSnr = math.MinInt8

// formatResult renders a completed trace for the requesting user: the hop
// list with resolved names and per-hop SNR, the responder's distance and
// signal quality, and a completion stamp.
func formatResult(resp radio.TraceResponse, targetName, selfName string, names NameResolver, at time.Time) string {
	lines := []string{fmt.Sprintf("Traceroute to %s:", targetName)}

	lines = append(lines, "Route: "+formatRoute(selfName, targetName, resp.Route, resp.SnrTowards, names))
	if len(resp.RouteBack) > 0 || len(resp.SnrBack) > 0 {
		lines = append(lines, "Route back: "+formatRoute(targetName, selfName, resp.RouteBack, resp.SnrBack, names))
	}

	if hops := int(resp.HopStart) - int(resp.HopLimit); hops > 0 {
		lines = append(lines, fmt.Sprintf("Hops away: %d", hops))
	}
	if resp.RxRssi != 0 {
		lines = append(lines, fmt.Sprintf("RSSI: %ddBm", resp.RxRssi))
	}
	if resp.RxSnr != 0 {
		lines = append(lines, fmt.Sprintf("SNR: %.2fdB", resp.RxSnr))
	}

	lines = append(lines, "Completed at: "+at.Format("15:04:05"))
	return strings.Join(lines, "\n")
}

// formatRoute draws one direction of the path. hops holds the intermediate
// relays; snrs carries one reading per link taken, the last being the link
// into the far endpoint.
func formatRoute(from, to string, hops []uint32, snrs []int32, names NameResolver) string {
	parts := []string{from}
	for i, hop := range hops {
		name := "unknown"
		if hop != meshtastic.BROADCAST_ID {
			name = names.ResolveNum(hop)
		}
		parts = append(parts, name+snrSuffix(snrs, i))
	}
	parts = append(parts, to+snrSuffix(snrs, len(hops)))
	return strings.Join(parts, " --> ")
}

func snrSuffix(snrs []int32, i int) string {
	if i >= len(snrs) || snrs[i] == unknownSnr {
		return ""
	}
	return fmt.Sprintf(" (%.2fdB)", float64(snrs[i])/4)
}
