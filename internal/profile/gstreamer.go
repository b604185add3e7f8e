package profile

import (
	"fmt"
	"strings"
)

// DecodeMode selects how much of the receive graph a decode fragment covers
type DecodeMode int

const (
	// DecodeFull depayloads and decodes to raw media
	DecodeFull DecodeMode = iota
	// DecodeDepayOnly stops after RTP depayloading (e.g. for recording)
	DecodeDepayOnly
)

// mjpegQuality is the fixed jpegenc quality; jpegenc has no bitrate control
const mjpegQuality = 80

// EncodeFragment returns the GStreamer encode+payload fragment for p.
//
// Returns ErrUnknownCodec for Null, unknown, or a codec of the wrong media
// kind (an audio codec on a video profile, or the reverse).
func EncodeFragment(p Profile) (string, error) {
	switch v := p.(type) {
	case AudioProfile:
		return audioEncodeFragment(v)
	case VideoProfile:
		return videoEncodeFragment(v)
	default:
		return "", fmt.Errorf("%w: unsupported profile type %T", ErrUnknownCodec, p)
	}
}

// DecodeFragment returns the GStreamer RTP caps + depayload (+ decode)
// fragment for p.
func DecodeFragment(p Profile, mode DecodeMode) (string, error) {
	switch v := p.(type) {
	case AudioProfile:
		return audioDecodeFragment(v, mode)
	case VideoProfile:
		return videoDecodeFragment(v, mode)
	default:
		return "", fmt.Errorf("%w: unsupported profile type %T", ErrUnknownCodec, p)
	}
}

// ReceiveDescription returns a complete launch line that receives RTP for p
// on the local UDP port and renders it.
func ReceiveDescription(p Profile, port int) (string, error) {
	decode, err := DecodeFragment(p, DecodeFull)
	if err != nil {
		return "", err
	}

	sink := "videoconvert ! autovideosink sync=false"
	if _, ok := p.(AudioProfile); ok {
		sink = "audioconvert ! autoaudiosink sync=false"
	}
	return fmt.Sprintf("udpsrc port=%d ! %s ! %s", port, decode, sink), nil
}

// SendDescription returns a complete launch line that captures from source,
// encodes p and sends RTP to host:port.
func SendDescription(p Profile, source, host string, port int) (string, error) {
	if source == "" {
		return "", fmt.Errorf("profile: empty pipeline source")
	}
	encode, err := EncodeFragment(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s ! %s ! udpsink host=%s port=%d", source, encode, host, port), nil
}

func audioEncodeFragment(p AudioProfile) (string, error) {
	switch p.Codec {
	case CodecAC3:
		return fmt.Sprintf(
			"audioconvert ! audioresample ! audio/x-raw,rate=48000 ! avenc_ac3 bitrate=%d ! rtpac3pay",
			p.Bitrate,
		), nil
	default:
		return "", fmt.Errorf("%w: %s is not an audio codec", ErrUnknownCodec, p.Codec)
	}
}

func audioDecodeFragment(p AudioProfile, mode DecodeMode) (string, error) {
	switch p.Codec {
	case CodecAC3:
		frag := "application/x-rtp,media=audio,clock-rate=44100,encoding-name=AC3 ! rtpac3depay"
		if mode == DecodeFull {
			frag += " ! a52dec"
		}
		return frag, nil
	default:
		return "", fmt.Errorf("%w: %s is not an audio codec", ErrUnknownCodec, p.Codec)
	}
}

func videoEncodeFragment(p VideoProfile) (string, error) {
	var encoder string
	switch p.Codec {
	case CodecMPEG2:
		encoder = fmt.Sprintf("avenc_mpeg2video bitrate=%d ! rtpmpvpay", p.Bitrate)
	case CodecVP8:
		encoder = fmt.Sprintf("vp8enc deadline=1 target-bitrate=%d ! rtpvp8pay pt=96", p.Bitrate)
	case CodecVP9:
		encoder = fmt.Sprintf("vp9enc deadline=1 target-bitrate=%d ! rtpvp9pay pt=96", p.Bitrate)
	case CodecH264:
		// x264enc takes kbit/s
		encoder = fmt.Sprintf(
			"x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d ! rtph264pay config-interval=1 pt=96",
			p.Bitrate/1000,
		)
	case CodecMJPEG:
		encoder = fmt.Sprintf("jpegenc quality=%d ! rtpjpegpay", mjpegQuality)
	default:
		return "", fmt.Errorf("%w: %s is not a video codec", ErrUnknownCodec, p.Codec)
	}

	return fmt.Sprintf("videoconvert ! videoscale ! videorate ! %s ! %s", rawVideoCaps(p), encoder), nil
}

func videoDecodeFragment(p VideoProfile, mode DecodeMode) (string, error) {
	var caps, depay, decoder string
	switch p.Codec {
	case CodecMPEG2:
		caps, depay, decoder = "encoding-name=MPV,payload=32", "rtpmpvdepay", "avdec_mpeg2video"
	case CodecVP8:
		caps, depay, decoder = "encoding-name=VP8,payload=96", "rtpvp8depay", "vp8dec"
	case CodecVP9:
		caps, depay, decoder = "encoding-name=VP9,payload=96", "rtpvp9depay", "vp9dec"
	case CodecH264:
		caps, depay, decoder = "encoding-name=H264,payload=96", "rtph264depay", "avdec_h264"
	case CodecMJPEG:
		caps, depay, decoder = "encoding-name=JPEG,payload=26", "rtpjpegdepay", "jpegdec"
	default:
		return "", fmt.Errorf("%w: %s is not a video codec", ErrUnknownCodec, p.Codec)
	}

	frag := fmt.Sprintf("application/x-rtp,media=video,clock-rate=90000,%s ! %s", caps, depay)
	if mode == DecodeFull {
		frag += " ! " + decoder
	}
	return frag, nil
}

// rawVideoCaps builds the raw caps ahead of the encoder. Zero dimensions or
// framerate are left for the source to negotiate.
func rawVideoCaps(p VideoProfile) string {
	fields := []string{"video/x-raw", "format=I420"}
	if p.Width > 0 && p.Height > 0 {
		fields = append(fields, fmt.Sprintf("width=%d", p.Width), fmt.Sprintf("height=%d", p.Height))
	}
	if p.Framerate > 0 {
		fields = append(fields, fmt.Sprintf("framerate=%d/1", p.Framerate))
	}
	return strings.Join(fields, ",")
}
