// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlchan implements C7: the length-framed binary protocol
// between a data process and its management process. Every message is
// a MessageHeader followed by sub_count SubHeader+payload pairs; a
// response batch larger than 250 subs sets the header's more flag and
// continues in a follow-up message with the same sequence_id.
package ctlchan

import (
	"encoding/binary"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

const (
	// MessageHeaderLen is the on-wire size of a MessageHeader.
	MessageHeaderLen = 8
	// SubHeaderLen is the on-wire size of a SubHeader.
	SubHeaderLen = 5
	// MaxSubsPerMessage is the sub-count threshold past which a
	// response batch continues in a follow-up message (the "more" flag).
	MaxSubsPerMessage = 250
	// NameFieldLen is the fixed, zero-padded width of every on-wire
	// name field (svc_name, svc_intf, rule_name, app_name).
	NameFieldLen = 32
)

// MsgType distinguishes a request, a response, or an unsolicited
// event on the control channel.
type MsgType uint8

const (
	MsgTypeRequest  MsgType = 1
	MsgTypeResponse MsgType = 2
	MsgTypeEvent    MsgType = 3
)

// SubType selects a sub-message's payload grammar — the request kind,
// equivalent to jnx_flow_msg_type_t in the original control-channel
// header (CONFIG_SVC_INFO, FETCH_FLOW_INFO, CONF_SERVER, ...). Each
// config/fetch SubType is further scoped by the sub-header's OpCode.
type SubType uint8

const (
	SubTypeServiceInfo   SubType = 1
	SubTypeRuleInfo      SubType = 2
	SubTypeSvcRuleInfo   SubType = 3
	SubTypeClearInfo     SubType = 4
	SubTypeUpdateAppInfo SubType = 5
	SubTypeServerStatus  SubType = 6 // equilibrium event: server up/down
	SubTypeDeleteAll     SubType = 7
	SubTypeServerInfo    SubType = 8 // equilibrium only: CONF_SERVER/DELETE_SERVER
	SubTypeFetchSvcInfo  SubType = 9
	SubTypeFetchRuleInfo SubType = 10
	SubTypeFetchFlowInfo SubType = 11
)

// OpCode scopes a config or fetch SubType to the specific operation
// requested, carried in the original protocol by the sub-header's own
// msg_type field (jnx_flow_config_type_t for config subs,
// jnx_flow_fetch_*_type_t for fetch subs). The two families reuse the
// same small integers the way the original's separate enums do; which
// family applies is implied by the SubType.
type OpCode uint8

const (
	// Config ops: ServiceInfo, RuleInfo, SvcRuleInfo, UpdateAppInfo, ServerInfo.
	OpAdd    OpCode = 1
	OpDelete OpCode = 2
	OpChange OpCode = 3

	// Fetch ops: FetchSvcInfo, FetchRuleInfo, FetchFlowInfo.
	OpEntry     OpCode = 1
	OpSummary   OpCode = 2
	OpExtensive OpCode = 3
)

// ErrCode is the closed set of per-sub response codes from §6.
type ErrCode uint8

const (
	ErrNoError        ErrCode = 0
	ErrAllocFail      ErrCode = 1
	ErrFreeFail       ErrCode = 2
	ErrEntryOpFail    ErrCode = 3
	ErrEntryInvalid   ErrCode = 4
	ErrEntryExists    ErrCode = 5
	ErrEntryAbsent    ErrCode = 6
	ErrMessageInvalid ErrCode = 7
	ErrConfigInvalid  ErrCode = 8
)

// FromKind maps an errkind.Kind to its wire ErrCode via the shared
// closed mapping in internal/errkind.
func FromKind(k errkind.Kind) ErrCode { return ErrCode(errkind.WireCode(k)) }

// MessageHeader is the 8-byte frame header: msg_type, sub_count,
// total_len, sequence_id, flags{more:1,rsvd:7}, rsvd.
type MessageHeader struct {
	MsgType    MsgType
	SubCount   uint8
	TotalLen   uint16
	SequenceID uint16
	More       bool
}

// Marshal encodes h into an 8-byte buffer.
func (h MessageHeader) Marshal() []byte {
	buf := make([]byte, MessageHeaderLen)
	buf[0] = uint8(h.MsgType)
	buf[1] = h.SubCount
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.SequenceID)
	if h.More {
		buf[6] = 0x01
	}
	return buf
}

// UnmarshalMessageHeader decodes an 8-byte buffer into a MessageHeader.
func UnmarshalMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MessageHeaderLen {
		return MessageHeader{}, errkind.Errorf(errkind.KindValidation, "ctlchan: header buffer too short (%d bytes)", len(buf))
	}
	return MessageHeader{
		MsgType:    MsgType(buf[0]),
		SubCount:   buf[1],
		TotalLen:   binary.BigEndian.Uint16(buf[2:4]),
		SequenceID: binary.BigEndian.Uint16(buf[4:6]),
		More:       buf[6]&0x01 != 0,
	}, nil
}

// SubHeader is the 5-byte per-sub header: sub_type, op_code, err_code,
// sub_len.
type SubHeader struct {
	SubType SubType
	OpCode  OpCode
	ErrCode ErrCode
	SubLen  uint16
}

// Marshal encodes h into a 5-byte buffer.
func (h SubHeader) Marshal() []byte {
	buf := make([]byte, SubHeaderLen)
	buf[0] = uint8(h.SubType)
	buf[1] = uint8(h.OpCode)
	buf[2] = uint8(h.ErrCode)
	binary.BigEndian.PutUint16(buf[3:5], h.SubLen)
	return buf
}

// UnmarshalSubHeader decodes a 5-byte buffer into a SubHeader.
func UnmarshalSubHeader(buf []byte) (SubHeader, error) {
	if len(buf) < SubHeaderLen {
		return SubHeader{}, errkind.Errorf(errkind.KindValidation, "ctlchan: sub-header buffer too short (%d bytes)", len(buf))
	}
	return SubHeader{
		SubType: SubType(buf[0]),
		OpCode:  OpCode(buf[1]),
		ErrCode: ErrCode(buf[2]),
		SubLen:  binary.BigEndian.Uint16(buf[3:5]),
	}, nil
}

// Sub is one decoded sub-message: its header plus raw payload bytes.
type Sub struct {
	Header  SubHeader
	Payload []byte
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}
