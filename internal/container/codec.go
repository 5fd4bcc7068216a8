package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	startCode3 = []byte{0, 0, 1}
	startCode4 = []byte{0, 0, 0, 1}
)

func isAnnexB(b []byte) bool {
	return bytes.HasPrefix(b, startCode4) || bytes.HasPrefix(b, startCode3)
}

// parameterSets extracts SPS and PPS from H.264 extradata, which FFmpeg
// encoders emit either as an avcC record or as Annex B NAL units.
func parameterSets(extra []byte) (sps, pps []byte, err error) {
	if len(extra) == 0 {
		return nil, nil, fmt.Errorf("empty (open the encoder with a global header)")
	}
	if extra[0] == 1 {
		return parseAVCC(extra)
	}

	var au h264.AnnexB
	if err := au.Unmarshal(extra); err != nil {
		return nil, nil, fmt.Errorf("parse annex b: %w", err)
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("no SPS/PPS in %d NAL units", len(au))
	}
	return sps, pps, nil
}

// parseAVCC reads the first SPS and PPS of an AVCDecoderConfigurationRecord.
func parseAVCC(b []byte) (sps, pps []byte, err error) {
	if len(b) < 7 {
		return nil, nil, fmt.Errorf("avcC record too short (%d bytes)", len(b))
	}
	pos := 5
	numSPS := int(b[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		nalu, next, err := readParameterSet(b, pos)
		if err != nil {
			return nil, nil, fmt.Errorf("avcC sps %d: %w", i, err)
		}
		if sps == nil {
			sps = nalu
		}
		pos = next
	}
	if pos >= len(b) {
		return nil, nil, fmt.Errorf("avcC record truncated before PPS")
	}
	numPPS := int(b[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nalu, next, err := readParameterSet(b, pos)
		if err != nil {
			return nil, nil, fmt.Errorf("avcC pps %d: %w", i, err)
		}
		if pps == nil {
			pps = nalu
		}
		pos = next
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("avcC record has %d SPS and %d PPS", numSPS, numPPS)
	}
	return sps, pps, nil
}

func readParameterSet(b []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(b) {
		return nil, 0, fmt.Errorf("truncated length")
	}
	n := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if pos+n > len(b) {
		return nil, 0, fmt.Errorf("length %d exceeds record", n)
	}
	return b[pos : pos+n], pos + n, nil
}

// toAVCC converts an Annex B access unit into length-prefixed NAL units,
// dropping access unit delimiters. Data without a start code is assumed to
// be length-prefixed already.
func toAVCC(data []byte) ([]byte, error) {
	if !isAnnexB(data) {
		return data, nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, err
	}
	nalus := au[:0]
	for _, nalu := range au {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		nalus = append(nalus, nalu)
	}
	if len(nalus) == 0 {
		return nil, nil
	}
	return h264.AVCC(nalus).Marshal()
}

// stripADTS removes an ADTS header if present and returns the raw AAC
// payload.
func stripADTS(data []byte) []byte {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return data
	}
	headerLen := 7
	if data[1]&0x01 == 0 {
		// protection_absent unset, CRC follows
		headerLen = 9
	}
	if len(data) <= headerLen {
		return data
	}
	return data[headerLen:]
}
