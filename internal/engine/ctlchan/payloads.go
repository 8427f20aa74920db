// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlchan

import (
	"encoding/binary"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

// FlowInfo is the 5-tuple selector embedded in ClearInfo and RuleInfo.
type FlowInfo struct {
	Src   uint32
	Dst   uint32
	SPort uint16
	DPort uint16
	Proto uint8
}

const flowInfoLen = 4 + 4 + 2 + 2 + 1

func (f FlowInfo) marshalInto(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], f.Src)
	binary.BigEndian.PutUint32(buf[4:8], f.Dst)
	binary.BigEndian.PutUint16(buf[8:10], f.SPort)
	binary.BigEndian.PutUint16(buf[10:12], f.DPort)
	buf[12] = f.Proto
}

func unmarshalFlowInfo(buf []byte) FlowInfo {
	return FlowInfo{
		Src:   binary.BigEndian.Uint32(buf[0:4]),
		Dst:   binary.BigEndian.Uint32(buf[4:8]),
		SPort: binary.BigEndian.Uint16(buf[8:10]),
		DPort: binary.BigEndian.Uint16(buf[10:12]),
		Proto: buf[12],
	}
}

// ServiceInfo declares or updates one service-set.
type ServiceInfo struct {
	SvcIndex   uint32
	SvcName    string
	SvcIntf    string
	SvcType    uint8
	InSubunit  uint32
	OutSubunit uint32
}

const serviceInfoLen = 4 + NameFieldLen + NameFieldLen + 1 + 4 + 4

// Marshal encodes a ServiceInfo sub-payload.
func (s ServiceInfo) Marshal() []byte {
	buf := make([]byte, serviceInfoLen)
	binary.BigEndian.PutUint32(buf[0:4], s.SvcIndex)
	putFixedString(buf[4:4+NameFieldLen], s.SvcName)
	off := 4 + NameFieldLen
	putFixedString(buf[off:off+NameFieldLen], s.SvcIntf)
	off += NameFieldLen
	buf[off] = s.SvcType
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], s.InSubunit)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.OutSubunit)
	return buf
}

// UnmarshalServiceInfo decodes a ServiceInfo sub-payload.
func UnmarshalServiceInfo(buf []byte) (ServiceInfo, error) {
	if len(buf) < serviceInfoLen {
		return ServiceInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: ServiceInfo payload too short (%d bytes)", len(buf))
	}
	s := ServiceInfo{SvcIndex: binary.BigEndian.Uint32(buf[0:4])}
	s.SvcName = getFixedString(buf[4 : 4+NameFieldLen])
	off := 4 + NameFieldLen
	s.SvcIntf = getFixedString(buf[off : off+NameFieldLen])
	off += NameFieldLen
	s.SvcType = buf[off]
	off++
	s.InSubunit = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	s.OutSubunit = binary.BigEndian.Uint32(buf[off : off+4])
	return s, nil
}

// RuleInfo declares or updates one rule.
type RuleInfo struct {
	RuleIndex uint32
	RuleName  string
	Action    uint8
	Direction uint8
	SrcMask   uint32
	DstMask   uint32
	Flow      FlowInfo
}

const ruleInfoLen = 4 + NameFieldLen + 1 + 1 + 4 + 4 + flowInfoLen

// Marshal encodes a RuleInfo sub-payload.
func (r RuleInfo) Marshal() []byte {
	buf := make([]byte, ruleInfoLen)
	binary.BigEndian.PutUint32(buf[0:4], r.RuleIndex)
	putFixedString(buf[4:4+NameFieldLen], r.RuleName)
	off := 4 + NameFieldLen
	buf[off] = r.Action
	off++
	buf[off] = r.Direction
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], r.SrcMask)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.DstMask)
	off += 4
	r.Flow.marshalInto(buf[off : off+flowInfoLen])
	return buf
}

// UnmarshalRuleInfo decodes a RuleInfo sub-payload.
func UnmarshalRuleInfo(buf []byte) (RuleInfo, error) {
	if len(buf) < ruleInfoLen {
		return RuleInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: RuleInfo payload too short (%d bytes)", len(buf))
	}
	r := RuleInfo{RuleIndex: binary.BigEndian.Uint32(buf[0:4])}
	r.RuleName = getFixedString(buf[4 : 4+NameFieldLen])
	off := 4 + NameFieldLen
	r.Action = buf[off]
	off++
	r.Direction = buf[off]
	off++
	r.SrcMask = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.DstMask = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.Flow = unmarshalFlowInfo(buf[off : off+flowInfoLen])
	return r, nil
}

// SvcRuleInfo binds a rule to a service-set at a 1-based position.
type SvcRuleInfo struct {
	SvcIndex  uint32
	Position  uint32
	RuleIndex uint32
}

const svcRuleInfoLen = 4 + 4 + 4

// Marshal encodes a SvcRuleInfo sub-payload.
func (s SvcRuleInfo) Marshal() []byte {
	buf := make([]byte, svcRuleInfoLen)
	binary.BigEndian.PutUint32(buf[0:4], s.SvcIndex)
	binary.BigEndian.PutUint32(buf[4:8], s.Position)
	binary.BigEndian.PutUint32(buf[8:12], s.RuleIndex)
	return buf
}

// UnmarshalSvcRuleInfo decodes a SvcRuleInfo sub-payload.
func UnmarshalSvcRuleInfo(buf []byte) (SvcRuleInfo, error) {
	if len(buf) < svcRuleInfoLen {
		return SvcRuleInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: SvcRuleInfo payload too short (%d bytes)", len(buf))
	}
	return SvcRuleInfo{
		SvcIndex:  binary.BigEndian.Uint32(buf[0:4]),
		Position:  binary.BigEndian.Uint32(buf[4:8]),
		RuleIndex: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// ClearSelector picks which of ClearInfo's union fields is live.
type ClearSelector uint8

const (
	ClearByRule ClearSelector = iota + 1
	ClearByServiceSet
	ClearByServiceType
	ClearAll
)

// ClearInfo selects the flows a CLEAR_FLOW_* request should unlink and
// free — a tagged union over {rule_id | svc_set_id | FlowInfo}, per
// the resolved Open Question that every CLEAR_* request actually
// sweeps and frees matching entries rather than returning a stub ack.
type ClearInfo struct {
	Selector  ClearSelector
	RuleID    uint32
	SvcSetID  uint32
	SvcType   uint8
	ClearedBy FlowInfo // optional 5-tuple narrowing, zero value means "any"
}

const clearInfoLen = 1 + 4 + 4 + 1 + flowInfoLen

// Marshal encodes a ClearInfo sub-payload.
func (c ClearInfo) Marshal() []byte {
	buf := make([]byte, clearInfoLen)
	buf[0] = uint8(c.Selector)
	binary.BigEndian.PutUint32(buf[1:5], c.RuleID)
	binary.BigEndian.PutUint32(buf[5:9], c.SvcSetID)
	buf[9] = c.SvcType
	c.ClearedBy.marshalInto(buf[10 : 10+flowInfoLen])
	return buf
}

// UnmarshalClearInfo decodes a ClearInfo sub-payload.
func UnmarshalClearInfo(buf []byte) (ClearInfo, error) {
	if len(buf) < clearInfoLen {
		return ClearInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: ClearInfo payload too short (%d bytes)", len(buf))
	}
	return ClearInfo{
		Selector:  ClearSelector(buf[0]),
		RuleID:    binary.BigEndian.Uint32(buf[1:5]),
		SvcSetID:  binary.BigEndian.Uint32(buf[5:9]),
		SvcType:   buf[9],
		ClearedBy: unmarshalFlowInfo(buf[10 : 10+flowInfoLen]),
	}, nil
}

// UpdateAppInfo declares or updates one equilibrium Application's
// facade and probe cadence.
type UpdateAppInfo struct {
	AppName           string
	FacadeAddr        uint32
	FacadePort        uint16
	ProbeIntervalSecs uint16
	ProbeTimeoutSecs  uint16
	TimeoutsAllowed   uint8
	DownRetrySecs     uint16
	FlowTimeoutSecs   uint16
}

const updateAppInfoLen = NameFieldLen + 4 + 2 + 2 + 2 + 1 + 2 + 2

// Marshal encodes an UpdateAppInfo sub-payload.
func (u UpdateAppInfo) Marshal() []byte {
	buf := make([]byte, updateAppInfoLen)
	putFixedString(buf[0:NameFieldLen], u.AppName)
	off := NameFieldLen
	binary.BigEndian.PutUint32(buf[off:off+4], u.FacadeAddr)
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], u.FacadePort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], u.ProbeIntervalSecs)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], u.ProbeTimeoutSecs)
	off += 2
	buf[off] = u.TimeoutsAllowed
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], u.DownRetrySecs)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], u.FlowTimeoutSecs)
	return buf
}

// UnmarshalUpdateAppInfo decodes an UpdateAppInfo sub-payload.
func UnmarshalUpdateAppInfo(buf []byte) (UpdateAppInfo, error) {
	if len(buf) < updateAppInfoLen {
		return UpdateAppInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: UpdateAppInfo payload too short (%d bytes)", len(buf))
	}
	u := UpdateAppInfo{AppName: getFixedString(buf[0:NameFieldLen])}
	off := NameFieldLen
	u.FacadeAddr = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	u.FacadePort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	u.ProbeIntervalSecs = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	u.ProbeTimeoutSecs = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	u.TimeoutsAllowed = buf[off]
	off++
	u.DownRetrySecs = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	u.FlowTimeoutSecs = binary.BigEndian.Uint16(buf[off : off+2])
	return u, nil
}

// ServerInfo declares, updates, or (with OpDelete) removes one backend
// server bound to an equilibrium Application, per CONF_SERVER/
// DELETE_SERVER/DELETE_ALL_SERVERS.
type ServerInfo struct {
	AppID    uint32
	ServerID uint32
	Addr     uint32
	Port     uint16
	Weight   uint32
}

const serverInfoLen = 4 + 4 + 4 + 2 + 4

// Marshal encodes a ServerInfo sub-payload.
func (s ServerInfo) Marshal() []byte {
	buf := make([]byte, serverInfoLen)
	binary.BigEndian.PutUint32(buf[0:4], s.AppID)
	binary.BigEndian.PutUint32(buf[4:8], s.ServerID)
	binary.BigEndian.PutUint32(buf[8:12], s.Addr)
	binary.BigEndian.PutUint16(buf[12:14], s.Port)
	binary.BigEndian.PutUint32(buf[14:18], s.Weight)
	return buf
}

// UnmarshalServerInfo decodes a ServerInfo sub-payload.
func UnmarshalServerInfo(buf []byte) (ServerInfo, error) {
	if len(buf) < serverInfoLen {
		return ServerInfo{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: ServerInfo payload too short (%d bytes)", len(buf))
	}
	return ServerInfo{
		AppID:    binary.BigEndian.Uint32(buf[0:4]),
		ServerID: binary.BigEndian.Uint32(buf[4:8]),
		Addr:     binary.BigEndian.Uint32(buf[8:12]),
		Port:     binary.BigEndian.Uint16(buf[12:14]),
		Weight:   binary.BigEndian.Uint32(buf[14:18]),
	}, nil
}

// FetchRequest selects a single entry for a FETCH_*_INFO request's
// OpEntry/OpExtensive op; ignored (may be zero) for OpSummary, which
// always reports over the whole catalog.
type FetchRequest struct {
	ID uint32
}

const fetchRequestLen = 4

// Marshal encodes a FetchRequest sub-payload.
func (f FetchRequest) Marshal() []byte {
	buf := make([]byte, fetchRequestLen)
	binary.BigEndian.PutUint32(buf[0:4], f.ID)
	return buf
}

// UnmarshalFetchRequest decodes a FetchRequest sub-payload.
func UnmarshalFetchRequest(buf []byte) (FetchRequest, error) {
	if len(buf) < fetchRequestLen {
		return FetchRequest{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: FetchRequest payload too short (%d bytes)", len(buf))
	}
	return FetchRequest{ID: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// ServiceSetStats is FETCH_SVC_INFO's OpExtensive response: a
// ServiceInfo's identity fields plus its live counters.
type ServiceSetStats struct {
	Info             ServiceInfo
	AppliedRuleCount uint64
	TotalFlowCount   uint64
	ActiveFlowCount  uint64
}

const serviceSetStatsLen = serviceInfoLen + 8 + 8 + 8

// Marshal encodes a ServiceSetStats sub-payload.
func (s ServiceSetStats) Marshal() []byte {
	buf := make([]byte, serviceSetStatsLen)
	copy(buf[0:serviceInfoLen], s.Info.Marshal())
	off := serviceInfoLen
	binary.BigEndian.PutUint64(buf[off:off+8], s.AppliedRuleCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], s.TotalFlowCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], s.ActiveFlowCount)
	return buf
}

// UnmarshalServiceSetStats decodes a ServiceSetStats sub-payload.
func UnmarshalServiceSetStats(buf []byte) (ServiceSetStats, error) {
	if len(buf) < serviceSetStatsLen {
		return ServiceSetStats{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: ServiceSetStats payload too short (%d bytes)", len(buf))
	}
	info, err := UnmarshalServiceInfo(buf[0:serviceInfoLen])
	if err != nil {
		return ServiceSetStats{}, err
	}
	off := serviceInfoLen
	return ServiceSetStats{
		Info:             info,
		AppliedRuleCount: binary.BigEndian.Uint64(buf[off : off+8]),
		TotalFlowCount:   binary.BigEndian.Uint64(buf[off+8 : off+16]),
		ActiveFlowCount:  binary.BigEndian.Uint64(buf[off+16 : off+24]),
	}, nil
}

// CatalogSummary is FETCH_SVC_INFO/FETCH_RULE_INFO's OpSummary response:
// aggregate counts across the whole catalog rather than one entry.
type CatalogSummary struct {
	Count           uint32
	TotalFlowCount  uint64
	ActiveFlowCount uint64
}

const catalogSummaryLen = 4 + 8 + 8

// Marshal encodes a CatalogSummary sub-payload.
func (c CatalogSummary) Marshal() []byte {
	buf := make([]byte, catalogSummaryLen)
	binary.BigEndian.PutUint32(buf[0:4], c.Count)
	binary.BigEndian.PutUint64(buf[4:12], c.TotalFlowCount)
	binary.BigEndian.PutUint64(buf[12:20], c.ActiveFlowCount)
	return buf
}

// UnmarshalCatalogSummary decodes a CatalogSummary sub-payload.
func UnmarshalCatalogSummary(buf []byte) (CatalogSummary, error) {
	if len(buf) < catalogSummaryLen {
		return CatalogSummary{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: CatalogSummary payload too short (%d bytes)", len(buf))
	}
	return CatalogSummary{
		Count:           binary.BigEndian.Uint32(buf[0:4]),
		TotalFlowCount:  binary.BigEndian.Uint64(buf[4:12]),
		ActiveFlowCount: binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// FlowSnapshot is FETCH_FLOW_INFO's OpEntry/OpExtensive response: one
// matched flow-table entry's live state.
type FlowSnapshot struct {
	Flow     FlowInfo
	Status   uint8
	Action   uint8
	ServerID uint32
	PktsIn   uint64
	BytesIn  uint64
	PktsOut  uint64
	BytesOut uint64
}

const flowSnapshotLen = flowInfoLen + 1 + 1 + 4 + 8 + 8 + 8 + 8

// Marshal encodes a FlowSnapshot sub-payload.
func (f FlowSnapshot) Marshal() []byte {
	buf := make([]byte, flowSnapshotLen)
	f.Flow.marshalInto(buf[0:flowInfoLen])
	off := flowInfoLen
	buf[off] = f.Status
	off++
	buf[off] = f.Action
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], f.ServerID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], f.PktsIn)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], f.BytesIn)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], f.PktsOut)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], f.BytesOut)
	return buf
}

// UnmarshalFlowSnapshot decodes a FlowSnapshot sub-payload.
func UnmarshalFlowSnapshot(buf []byte) (FlowSnapshot, error) {
	if len(buf) < flowSnapshotLen {
		return FlowSnapshot{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: FlowSnapshot payload too short (%d bytes)", len(buf))
	}
	f := FlowSnapshot{Flow: unmarshalFlowInfo(buf[0:flowInfoLen])}
	off := flowInfoLen
	f.Status = buf[off]
	off++
	f.Action = buf[off]
	off++
	f.ServerID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	f.PktsIn = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	f.BytesIn = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	f.PktsOut = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	f.BytesOut = binary.BigEndian.Uint64(buf[off : off+8])
	return f, nil
}

// ServerStatusEvent is the equilibrium-only unsolicited notification
// sent to the management process on a server's up/down transition.
type ServerStatusEvent struct {
	AppID    uint32
	ServerID uint32
	Addr     uint32
	Port     uint16
	Up       bool
}

const serverStatusEventLen = 4 + 4 + 4 + 2 + 1

// Marshal encodes a ServerStatusEvent sub-payload.
func (e ServerStatusEvent) Marshal() []byte {
	buf := make([]byte, serverStatusEventLen)
	binary.BigEndian.PutUint32(buf[0:4], e.AppID)
	binary.BigEndian.PutUint32(buf[4:8], e.ServerID)
	binary.BigEndian.PutUint32(buf[8:12], e.Addr)
	binary.BigEndian.PutUint16(buf[12:14], e.Port)
	if e.Up {
		buf[14] = 1
	}
	return buf
}

// UnmarshalServerStatusEvent decodes a ServerStatusEvent sub-payload.
func UnmarshalServerStatusEvent(buf []byte) (ServerStatusEvent, error) {
	if len(buf) < serverStatusEventLen {
		return ServerStatusEvent{}, errkind.Errorf(errkind.KindMalformedPacket, "ctlchan: ServerStatusEvent payload too short (%d bytes)", len(buf))
	}
	return ServerStatusEvent{
		AppID:    binary.BigEndian.Uint32(buf[0:4]),
		ServerID: binary.BigEndian.Uint32(buf[4:8]),
		Addr:     binary.BigEndian.Uint32(buf[8:12]),
		Port:     binary.BigEndian.Uint16(buf[12:14]),
		Up:       buf[14] != 0,
	}, nil
}
