package radio

import (
	"fmt"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// nodeFromInfo flattens a NodeInfo record into our model. Identity may be
// missing entirely on malformed records, validation happens at merge time.
func nodeFromInfo(ni *pb.NodeInfo) *models.Node {
	if ni == nil {
		return nil
	}
	n := &models.Node{NodeNum: ni.Num}
	if ni.Num != 0 {
		n.NodeID = meshtastic.NodeID(ni.Num).String()
	}

	if u := ni.User; u != nil {
		if u.Id != "" {
			n.NodeID = u.Id
		}
		applyUser(n, u)
	}

	if ni.Snr != 0 {
		snr := float64(ni.Snr)
		n.Snr = &snr
	}
	if ni.LastHeard != 0 {
		heard := time.Unix(int64(ni.LastHeard), 0).UTC()
		n.LastHeard = &heard
	}
	if ni.ViaMqtt {
		via := true
		n.ViaMqtt = &via
	}
	if ni.HopsAway != nil {
		hops := int64(*ni.HopsAway)
		n.HopsAway = &hops
	}
	return n
}

// nodeFromUser builds a partial record from a live NODEINFO_APP broadcast,
// taking signal metrics from the carrying packet.
func nodeFromUser(p *pb.MeshPacket, u *pb.User) *models.Node {
	n := &models.Node{NodeNum: p.From}
	if p.From != 0 {
		n.NodeID = meshtastic.NodeID(p.From).String()
	}
	if u != nil {
		if u.Id != "" {
			n.NodeID = u.Id
		}
		applyUser(n, u)
	}
	applyPacketMetrics(n, p)
	return n
}

// nodeFromPacket builds the minimal record every packet tells us about its
// sender: that it exists and how it sounds.
func nodeFromPacket(p *pb.MeshPacket) *models.Node {
	n := &models.Node{NodeNum: p.From}
	if p.From != 0 {
		n.NodeID = meshtastic.NodeID(p.From).String()
	}
	applyPacketMetrics(n, p)
	return n
}

func applyUser(n *models.Node, u *pb.User) {
	if u.LongName != "" {
		name := u.LongName
		n.LongName = &name
	}
	if u.ShortName != "" {
		name := u.ShortName
		n.ShortName = &name
	}
	if len(u.Macaddr) > 0 {
		mac := formatMac(u.Macaddr)
		n.MacAddr = &mac
	}
	if u.HwModel != pb.HardwareModel_UNSET {
		hw := u.HwModel.String()
		n.HwModel = &hw
	}
	role := u.Role.String()
	n.Role = &role
	licensed := u.IsLicensed
	n.IsLicensed = &licensed
}

func applyPacketMetrics(n *models.Node, p *pb.MeshPacket) {
	if p.RxRssi != 0 {
		rssi := int64(p.RxRssi)
		n.Rssi = &rssi
	}
	if p.RxSnr != 0 {
		snr := float64(p.RxSnr)
		n.Snr = &snr
	}
	if p.HopStart > 0 && p.HopLimit > 0 && p.HopStart >= p.HopLimit {
		hops := int64(p.HopStart - p.HopLimit)
		n.HopsAway = &hops
	}
	if p.ViaMqtt {
		via := true
		n.ViaMqtt = &via
	}
}

func formatMac(mac []byte) string {
	out := ""
	for i, b := range mac {
		if i > 0 {
			out += ":"
		}
		out += fmt.Sprintf("%02x", b)
	}
	return out
}
