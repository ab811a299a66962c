package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArduinoClassifier(t *testing.T) {
	c := &ArduinoClassifier{}
	family, ok := c.Classify(context.Background(), &PortInfo{Name: "/dev/ttyACM0", VID: vidArduino})
	require.True(t, ok)
	require.Equal(t, FamilyPulsePal, family)

	_, ok = c.Classify(context.Background(), &PortInfo{Name: "/dev/ttyACM1", VID: vidTeensy})
	require.False(t, ok)
}

func TestTeensyClassifier(t *testing.T) {
	answered := func(ctx context.Context, port string) bool { return true }
	mute := func(ctx context.Context, port string) bool { return false }

	cases := []struct {
		name  string
		c     *TeensyClassifier
		info  PortInfo
		want  Family
		claim bool
	}{
		{
			name:  "handshake answered is a Bpod",
			c:     &TeensyClassifier{Probe: answered},
			info:  PortInfo{Name: "/dev/ttyACM0", VID: vidTeensy},
			want:  FamilyBpod,
			claim: true,
		},
		{
			name:  "mute teensy is a module",
			c:     &TeensyClassifier{Probe: mute},
			info:  PortInfo{Name: "/dev/ttyACM0", VID: vidTeensy},
			want:  FamilyBpodModule,
			claim: true,
		},
		{
			name:  "product string wins without probing",
			c:     &TeensyClassifier{Probe: answered},
			info:  PortInfo{Name: "/dev/ttyACM0", VID: vidTeensy, Product: "Bpod Analog Module"},
			want:  FamilyBpodModule,
			claim: true,
		},
		{
			name:  "no probe defaults to Bpod",
			c:     &TeensyClassifier{},
			info:  PortInfo{Name: "/dev/ttyACM0", VID: vidTeensy},
			want:  FamilyBpod,
			claim: true,
		},
		{
			name:  "foreign vendor not claimed",
			c:     &TeensyClassifier{Probe: answered},
			info:  PortInfo{Name: "/dev/ttyACM0", VID: vidArduino},
			claim: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			family, ok := tc.c.Classify(context.Background(), &tc.info)
			require.Equal(t, tc.claim, ok)
			if tc.claim {
				require.Equal(t, tc.want, family)
			}
		})
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	r := NewRegistry().Register(
		&ArduinoClassifier{},
		&TeensyClassifier{},
	)
	require.Equal(t, FamilyPulsePal,
		r.Classify(context.Background(), &PortInfo{VID: vidArduino}))
	require.Equal(t, FamilyBpod,
		r.Classify(context.Background(), &PortInfo{VID: vidTeensy}))
	require.Equal(t, FamilyUnknown,
		r.Classify(context.Background(), &PortInfo{VID: "1A86"}))
}
