package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sanworks/fwupdate/pkg/device"
)

func writeImage(t *testing.T, dir, name string, payload []byte, goodChecksum bool) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	if !goodChecksum {
		checksum = "deadbeef" + checksum[8:]
	}
	require.NoError(t, os.WriteFile(path+".sha256", []byte(checksum+"  "+name+"\n"), 0o644))
}

func TestCatalogLoad(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "Bpod_StateMachine_v23.0.hex", []byte("bpod23"), true)
	writeImage(t, dir, "Bpod_StateMachine_v22.1.hex", []byte("bpod22"), true)
	writeImage(t, dir, "Pulse_Pal_v2.0.1.bin", []byte("pulsepal"), true)
	writeImage(t, dir, "Bpod_AnalogOutputModule_v4.1.hex", []byte("analog"), true)
	// Corrupt and incomplete entries must never surface.
	writeImage(t, dir, "Bpod_StateMachine_v21.0.hex", []byte("bpod21"), false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Pulse_Pal_v1.0.bin"), []byte("nosidecar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not firmware"), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 4, c.Len())

	bpod := c.List(device.FamilyBpod)
	require.Len(t, bpod, 2)
	require.Equal(t, "23.0", bpod[0].Version.String())
	require.Equal(t, "22.1", bpod[1].Version.String())
	require.Equal(t, LoaderTycmd, bpod[0].Loader)
	require.Equal(t, "Bpod StateMachine", bpod[0].Name)

	pulse := c.List(device.FamilyPulsePal)
	require.Len(t, pulse, 1)
	require.Equal(t, LoaderBossac, pulse[0].Loader)
	require.Equal(t, int64(len("pulsepal")), pulse[0].Size)
	require.NotEmpty(t, pulse[0].SHA256)

	modules := c.List(device.FamilyBpodModule)
	require.Len(t, modules, 1)
}

func TestCatalogGet(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "Bpod_StateMachine_v23.0.hex", []byte("bpod23"), true)
	c, err := Load(dir)
	require.NoError(t, err)

	v, err := ParseVersion("23.0")
	require.NoError(t, err)
	img, err := c.Get(device.FamilyBpod, v)
	require.NoError(t, err)
	require.Equal(t, device.FamilyBpod, img.Family)

	_, err = c.Get(device.FamilyBpod, Version{Major: 9})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(device.FamilyPulsePal, v)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogLoadMissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestFamilyFromName(t *testing.T) {
	cases := []struct {
		name string
		want device.Family
	}{
		{"Pulse Pal", device.FamilyPulsePal},
		{"PulsePal 2", device.FamilyPulsePal},
		{"Bpod StateMachine", device.FamilyBpod},
		{"Bpod AnalogOutputModule", device.FamilyBpodModule},
		{"Frobnicator", device.FamilyUnknown},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, familyFromName(tc.name), "name %q", tc.name)
	}
}
