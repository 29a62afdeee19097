package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// Sample rates on both sides of the bridge.
const (
	TelephonyRate   = 8000
	ModelInputRate  = 16000
	ModelOutputRate = 24000
)

// MuLawToPCM decodes 8kHz μ-law and upsamples to rate by sample duplication.
// The result is little-endian PCM16. An unsupported rate returns payload unchanged.
func MuLawToPCM(payload []byte, rate int) []byte {
	factor, ok := rateFactor(rate)
	if !ok {
		return payload
	}
	out := make([]byte, len(payload)*factor*2)
	o := 0
	for _, b := range payload {
		s := uint16(DecodeSample(b))
		for i := 0; i < factor; i++ {
			binary.LittleEndian.PutUint16(out[o:], s)
			o += 2
		}
	}
	return out
}

// PCMToMuLaw downsamples little-endian PCM16 at rate to 8kHz by averaging
// each block of rate/8000 samples, then encodes to μ-law.
// Odd-length input or an unsupported rate returns payload unchanged.
func PCMToMuLaw(payload []byte, rate int) []byte {
	factor, ok := rateFactor(rate)
	if !ok || len(payload)%2 != 0 {
		return payload
	}
	n := len(payload) / 2
	out := make([]byte, 0, (n+factor-1)/factor)
	for start := 0; start < n; start += factor {
		end := start + factor
		if end > n {
			end = n
		}
		var sum int32
		for i := start; i < end; i++ {
			sum += int32(int16(binary.LittleEndian.Uint16(payload[i*2:])))
		}
		out = append(out, EncodeSample(int16(sum/int32(end-start))))
	}
	return out
}

// MediaPayloadToPCM converts a base64 μ-law media payload to PCM16 at rate.
// A payload that is not valid base64 is passed through as its original bytes.
func MediaPayloadToPCM(payload string, rate int) []byte {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return []byte(payload)
	}
	return MuLawToPCM(raw, rate)
}

// PCMToMediaPayload converts PCM16 at rate to a base64 μ-law media payload.
func PCMToMediaPayload(pcm []byte, rate int) string {
	return base64.StdEncoding.EncodeToString(PCMToMuLaw(pcm, rate))
}

func rateFactor(rate int) (int, bool) {
	if rate < TelephonyRate || rate%TelephonyRate != 0 {
		return 0, false
	}
	return rate / TelephonyRate, true
}
