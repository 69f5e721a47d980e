package radio

import (
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
)

func TestNodeFromInfo(t *testing.T) {
	hops := uint32(2)
	info := &pb.NodeInfo{
		Num: 0xda639bf4,
		User: &pb.User{
			Id:        "!da639bf4",
			LongName:  "Relay West",
			ShortName: "RW",
			Macaddr:   []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
			HwModel:   pb.HardwareModel_TBEAM,
		},
		Snr:       6.75,
		LastHeard: 1700000000,
		ViaMqtt:   true,
		HopsAway:  &hops,
	}

	n := nodeFromInfo(info)
	if n == nil {
		t.Fatal("nodeFromInfo returned nil")
	}
	if n.NodeID != "!da639bf4" {
		t.Errorf("NodeID = %q, want !da639bf4", n.NodeID)
	}
	if n.NodeNum != 0xda639bf4 {
		t.Errorf("NodeNum = %#x, want 0xda639bf4", n.NodeNum)
	}
	if n.LongName == nil || *n.LongName != "Relay West" {
		t.Errorf("LongName = %v, want Relay West", n.LongName)
	}
	if n.ShortName == nil || *n.ShortName != "RW" {
		t.Errorf("ShortName = %v, want RW", n.ShortName)
	}
	if n.MacAddr == nil || *n.MacAddr != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("MacAddr = %v, want aa:bb:cc:dd:ee:ff", n.MacAddr)
	}
	if n.HwModel == nil || *n.HwModel != "TBEAM" {
		t.Errorf("HwModel = %v, want TBEAM", n.HwModel)
	}
	if n.Snr == nil || *n.Snr != 6.75 {
		t.Errorf("Snr = %v, want 6.75", n.Snr)
	}
	if n.LastHeard == nil || !n.LastHeard.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("LastHeard = %v, want unix 1700000000", n.LastHeard)
	}
	if n.ViaMqtt == nil || !*n.ViaMqtt {
		t.Errorf("ViaMqtt = %v, want true", n.ViaMqtt)
	}
	if n.HopsAway == nil || *n.HopsAway != 2 {
		t.Errorf("HopsAway = %v, want 2", n.HopsAway)
	}
}

func TestNodeFromInfoBare(t *testing.T) {
	n := nodeFromInfo(&pb.NodeInfo{Num: 7})
	if n == nil {
		t.Fatal("nodeFromInfo returned nil for bare info")
	}
	if n.NodeID != "!00000007" {
		t.Errorf("NodeID = %q, want derived !00000007", n.NodeID)
	}
	if n.LongName != nil || n.ShortName != nil {
		t.Error("names set for a user-less node")
	}
	if n.Snr != nil || n.LastHeard != nil || n.HopsAway != nil {
		t.Error("metrics set for a bare node")
	}
	if nodeFromInfo(nil) != nil {
		t.Error("nodeFromInfo(nil) != nil")
	}
}

func TestNodeFromInfoUnsetHardware(t *testing.T) {
	n := nodeFromInfo(&pb.NodeInfo{
		Num:  9,
		User: &pb.User{Id: "!00000009", HwModel: pb.HardwareModel_UNSET},
	})
	if n.HwModel != nil {
		t.Errorf("HwModel = %v, want nil for UNSET", n.HwModel)
	}
}

func TestHopsFromPacket(t *testing.T) {
	tests := []struct {
		name     string
		hopStart uint32
		hopLimit uint32
		want     *int64
	}{
		{"three hops", 5, 2, int64Ptr(3)},
		{"zero hops", 3, 3, int64Ptr(0)},
		{"start unset", 0, 3, nil},
		{"limit unset", 3, 0, nil},
		{"limit above start", 2, 5, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := nodeFromPacket(&pb.MeshPacket{
				From:     1,
				HopStart: tc.hopStart,
				HopLimit: tc.hopLimit,
			})
			if tc.want == nil {
				if n.HopsAway != nil {
					t.Errorf("HopsAway = %v, want nil", *n.HopsAway)
				}
				return
			}
			if n.HopsAway == nil || *n.HopsAway != *tc.want {
				t.Errorf("HopsAway = %v, want %d", n.HopsAway, *tc.want)
			}
		})
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
