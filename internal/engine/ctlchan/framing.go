// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlchan

import (
	"io"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

// Frame is one fully decoded control-channel message: its header and
// every sub-message it carries, in order.
type Frame struct {
	Header MessageHeader
	Subs   []Sub
}

// WriteFrame serializes hdr and subs and writes them to w as a single
// length-framed message. hdr.SubCount and hdr.TotalLen are recomputed
// from subs rather than trusted from the caller.
func WriteFrame(w io.Writer, hdr MessageHeader, subs []Sub) error {
	if len(subs) > MaxSubsPerMessage {
		return errkind.Errorf(errkind.KindValidation, "ctlchan: %d subs exceeds max %d per message", len(subs), MaxSubsPerMessage)
	}
	total := MessageHeaderLen
	for _, s := range subs {
		total += SubHeaderLen + len(s.Payload)
	}
	if total > 0xFFFF {
		return errkind.Errorf(errkind.KindValidation, "ctlchan: frame of %d bytes exceeds u16 total_len", total)
	}
	hdr.SubCount = uint8(len(subs))
	hdr.TotalLen = uint16(total)

	buf := make([]byte, 0, total)
	buf = append(buf, hdr.Marshal()...)
	for _, s := range subs {
		s.Header.SubLen = uint16(len(s.Payload))
		buf = append(buf, s.Header.Marshal()...)
		buf = append(buf, s.Payload...)
	}
	_, err := w.Write(buf)
	if err != nil {
		return errkind.Wrapf(err, errkind.KindUnavailable, "ctlchan: write frame")
	}
	return nil
}

// ReadFrame reads and decodes exactly one length-framed message from
// r, blocking until the header and every sub are available.
func ReadFrame(r io.Reader) (Frame, error) {
	hdrBuf := make([]byte, MessageHeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Frame{}, errkind.Wrapf(err, errkind.KindUnavailable, "ctlchan: read header")
	}
	hdr, err := UnmarshalMessageHeader(hdrBuf)
	if err != nil {
		return Frame{}, err
	}
	if hdr.TotalLen < MessageHeaderLen {
		return Frame{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: total_len %d shorter than header", hdr.TotalLen)
	}

	body := make([]byte, int(hdr.TotalLen)-MessageHeaderLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, errkind.Wrapf(err, errkind.KindUnavailable, "ctlchan: read body")
		}
	}

	subs := make([]Sub, 0, hdr.SubCount)
	off := 0
	for i := 0; i < int(hdr.SubCount); i++ {
		if off+SubHeaderLen > len(body) {
			return Frame{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: truncated sub-header at index %d", i)
		}
		subHdr, err := UnmarshalSubHeader(body[off : off+SubHeaderLen])
		if err != nil {
			return Frame{}, err
		}
		off += SubHeaderLen
		if off+int(subHdr.SubLen) > len(body) {
			return Frame{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: truncated sub-payload at index %d", i)
		}
		payload := body[off : off+int(subHdr.SubLen)]
		off += int(subHdr.SubLen)
		subs = append(subs, Sub{Header: subHdr, Payload: payload})
	}

	return Frame{Header: hdr, Subs: subs}, nil
}
