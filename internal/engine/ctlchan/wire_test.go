// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlchan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageHeaderRoundTrip(t *testing.T) {
	hdr := MessageHeader{MsgType: MsgTypeRequest, SubCount: 3, TotalLen: 42, SequenceID: 7, More: true}
	got, err := UnmarshalMessageHeader(hdr.Marshal())
	require.NoError(t, err)
	require.Equal(t, hdr, got)
}

func TestSubHeaderRoundTrip(t *testing.T) {
	hdr := SubHeader{SubType: SubTypeRuleInfo, ErrCode: ErrEntryExists, SubLen: 100}
	got, err := UnmarshalSubHeader(hdr.Marshal())
	require.NoError(t, err)
	require.Equal(t, hdr, got)
}

func TestServiceInfoRoundTrip(t *testing.T) {
	s := ServiceInfo{SvcIndex: 7, SvcName: "tenant-a", SvcIntf: "ge-0/0/1.100", SvcType: 1, InSubunit: 100, OutSubunit: 101}
	got, err := UnmarshalServiceInfo(s.Marshal())
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestRuleInfoRoundTrip(t *testing.T) {
	r := RuleInfo{
		RuleIndex: 3,
		RuleName:  "allow-http",
		Action:    1,
		Direction: 2,
		SrcMask:   0xFF000000,
		DstMask:   0x00000000,
		Flow:      FlowInfo{Src: 0x0A000000, Dst: 0, SPort: 0, DPort: 80, Proto: 6},
	}
	got, err := UnmarshalRuleInfo(r.Marshal())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestSvcRuleInfoRoundTrip(t *testing.T) {
	sr := SvcRuleInfo{SvcIndex: 7, Position: 1, RuleIndex: 3}
	got, err := UnmarshalSvcRuleInfo(sr.Marshal())
	require.NoError(t, err)
	require.Equal(t, sr, got)
}

func TestClearInfoRoundTrip(t *testing.T) {
	c := ClearInfo{Selector: ClearByServiceSet, SvcSetID: 7}
	got, err := UnmarshalClearInfo(c.Marshal())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestUpdateAppInfoRoundTrip(t *testing.T) {
	u := UpdateAppInfo{
		AppName:           "web-tier",
		FacadeAddr:        0xC0A80109,
		FacadePort:        80,
		ProbeIntervalSecs: 10,
		ProbeTimeoutSecs:  3,
		TimeoutsAllowed:   2,
		DownRetrySecs:     15,
		FlowTimeoutSecs:   300,
	}
	got, err := UnmarshalUpdateAppInfo(u.Marshal())
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestNameFieldTruncatesAtZeroByte(t *testing.T) {
	s := ServiceInfo{SvcIndex: 1, SvcName: "short"}
	got, err := UnmarshalServiceInfo(s.Marshal())
	require.NoError(t, err)
	require.Equal(t, "short", got.SvcName)
}

func TestFrameRoundTrip(t *testing.T) {
	subs := []Sub{
		{Header: SubHeader{SubType: SubTypeServiceInfo}, Payload: ServiceInfo{SvcIndex: 1, SvcName: "a"}.Marshal()},
		{Header: SubHeader{SubType: SubTypeRuleInfo, ErrCode: ErrNoError}, Payload: RuleInfo{RuleIndex: 2}.Marshal()},
	}
	var buf bytes.Buffer
	hdr := MessageHeader{MsgType: MsgTypeRequest, SequenceID: 99}
	require.NoError(t, WriteFrame(&buf, hdr, subs))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgTypeRequest, frame.Header.MsgType)
	require.Equal(t, uint16(99), frame.Header.SequenceID)
	require.Len(t, frame.Subs, 2)
	require.Equal(t, SubTypeServiceInfo, frame.Subs[0].Header.SubType)
	require.Equal(t, subs[0].Payload, frame.Subs[0].Payload)
	require.Equal(t, subs[1].Payload, frame.Subs[1].Payload)
}

func TestReadFrameRejectsTruncatedBody(t *testing.T) {
	hdr := MessageHeader{MsgType: MsgTypeRequest, SubCount: 1, TotalLen: 100, SequenceID: 1}
	buf := bytes.NewBuffer(hdr.Marshal())
	buf.Write([]byte{0x01, 0x02}) // far short of the declared 100-byte total_len
	_, err := ReadFrame(buf)
	require.Error(t, err)
}

func TestWriteFrameRejectsOversizedBatch(t *testing.T) {
	subs := make([]Sub, MaxSubsPerMessage+1)
	var buf bytes.Buffer
	err := WriteFrame(&buf, MessageHeader{}, subs)
	require.Error(t, err)
}
