package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/rover-media/internal/profile"
)

func TestAudioMessageLayout(t *testing.T) {
	msg := AudioMessage{Profile: profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000}}
	b := msg.Encode()

	// uint32 length prefix then the wire string
	assert.Equal(t, []byte{0, 0, 0, 7, '6', '_', '3', '2', '0', '0', '0'}, b)

	got, err := DecodeAudioMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestAudioMessageMalformedProfileIsNull(t *testing.T) {
	e := NewEncoder(8)
	e.String("garbage")

	got, err := DecodeAudioMessage(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, profile.AudioProfile{}, got.Profile)
}

func TestVideoMessageRoundTrip(t *testing.T) {
	msg := VideoMessage{
		Profile: profile.VideoProfile{Codec: profile.CodecH264, Bitrate: 2000000, Width: 1280, Height: 720, Framerate: 30},
		Camera: CameraIdentity{
			ComputerIndex: 1,
			Index:         2,
			Name:          "mast",
			Offset:        -3,
			ProductID:     "0825",
			Serial:        "A1B2",
			VendorID:      "046d",
			Stereo:        true,
			Offset2:       4,
			ProductID2:    "0826",
			Serial2:       "C3D4",
			VendorID2:     "046d",
		},
	}

	got, err := DecodeVideoMessage(msg.Encode())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestBounceMessage(t *testing.T) {
	msg := BounceMessage{ClientID: "mc_abc", Address: netip.MustParseAddr("192.168.1.20")}
	b := msg.Encode()
	assert.Equal(t, []byte{192, 168, 1, 20}, b[len(b)-4:])

	got, err := DecodeBounceMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	mapped := BounceMessage{ClientID: "x", Address: netip.MustParseAddr("::ffff:10.0.0.1")}
	got, err = DecodeBounceMessage(mapped.Encode())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), got.Address)
}

func TestFixedMessagesRoundTrip(t *testing.T) {
	drive := DriveMessage{WheelFL: -100, WheelML: -50, WheelBL: 0, WheelFR: 1, WheelMR: 50, WheelBR: 127}
	b := drive.Encode()
	require.Len(t, b, 6)
	gotDrive, err := DecodeDriveMessage(b)
	require.NoError(t, err)
	assert.Equal(t, drive, gotDrive)

	rate := BitrateMessage{Up: 1 << 40, Down: 12345}
	gotRate, err := DecodeBitrateMessage(rate.Encode())
	require.NoError(t, err)
	assert.Equal(t, rate, gotRate)

	gps := GPSMessage{Latitude: 38.406, Longitude: -110.792, Elevation: 1350.5, Satellites: 9}
	gotGPS, err := DecodeGPSMessage(gps.Encode())
	require.NoError(t, err)
	assert.Equal(t, gps, gotGPS)

	compass := CompassMessage{Heading: 271.25}
	gotCompass, err := DecodeCompassMessage(compass.Encode())
	require.NoError(t, err)
	assert.Equal(t, compass, gotCompass)

	atm := AtmosphereMessage{Temperature: 21.5, Humidity: 0.3, WindDirection: 180, WindSpeed: 4.2}
	gotAtm, err := DecodeAtmosphereMessage(atm.Encode())
	require.NoError(t, err)
	assert.Equal(t, atm, gotAtm)

	gotSwitch, err := DecodeSwitchMessage(SwitchMessage{On: true}.Encode())
	require.NoError(t, err)
	assert.True(t, gotSwitch.On)
}

func TestNotificationMessage(t *testing.T) {
	msg := NotificationMessage{Level: LevelWarning, Title: "Battery", Message: "below 20%"}
	got, err := DecodeNotificationMessage(msg.Encode())
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	bad := msg.Encode()
	bad[0] = 7
	got, err = DecodeNotificationMessage(bad)
	assert.ErrorIs(t, err, ErrFieldMismatch)
	assert.Equal(t, NotificationMessage{}, got)
}

func TestDecodeTruncated(t *testing.T) {
	full := VideoMessage{Camera: CameraIdentity{Name: "front"}}.Encode()

	for n := 0; n < len(full); n++ {
		got, err := DecodeVideoMessage(full[:n])
		assert.ErrorIs(t, err, ErrTruncated, "prefix %d", n)
		assert.Equal(t, VideoMessage{}, got, "prefix %d", n)
	}

	_, err := DecodeDriveMessage([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeFieldMismatch(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"bad bool", []byte{2}},
		{"trailing bytes", []byte{1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSwitchMessage(tt.b)
			assert.ErrorIs(t, err, ErrFieldMismatch)
		})
	}

	t.Run("oversize string", func(t *testing.T) {
		e := NewEncoder(8)
		e.Uint32(MaxStringLen + 1)
		_, err := DecodeAudioMessage(e.Bytes())
		assert.ErrorIs(t, err, ErrFieldMismatch)
	})
}

func TestEncoderCapsLongStrings(t *testing.T) {
	long := make([]byte, MaxStringLen+10)
	for i := range long {
		long[i] = 'a'
	}

	msg := NotificationMessage{Level: LevelInfo, Title: "t", Message: string(long)}
	got, err := DecodeNotificationMessage(msg.Encode())
	require.NoError(t, err)
	assert.Len(t, got.Message, MaxStringLen)
}
