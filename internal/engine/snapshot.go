// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

// ServiceSetSnapshot is a point-in-time, JSON-friendly view of one
// service-set's counters, for the operator-facing status surface.
type ServiceSetSnapshot struct {
	ID               uint32 `json:"id"`
	Name             string `json:"name"`
	RuleCount        int    `json:"rule_count"`
	AppliedRuleCount int64  `json:"applied_rule_count"`
	TotalFlowCount   int64  `json:"total_flow_count"`
	ActiveFlowCount  int64  `json:"active_flow_count"`
}

// ServerSnapshot is a point-in-time view of one monitored backend.
type ServerSnapshot struct {
	ID             uint32 `json:"id"`
	Addr           uint32 `json:"addr"`
	Port           uint16 `json:"port"`
	State          string `json:"state"`
	ActiveSessions uint32 `json:"active_sessions"`
	TotalSelected  uint64 `json:"total_selected"`
}

// ApplicationSnapshot is a point-in-time view of one monitored
// application and its backends.
type ApplicationSnapshot struct {
	ID         uint32           `json:"id"`
	Name       string           `json:"name"`
	FacadeAddr uint32           `json:"facade_addr"`
	FacadePort uint16           `json:"facade_port"`
	Servers    []ServerSnapshot `json:"servers"`
}

// ServiceSets returns a snapshot of every service-set the control
// channel has declared so far, for the operator-facing status
// surface; it takes the same lock replaySnapshot does and is safe to
// call concurrently with packet processing.
func (e *Engine) ServiceSets() []ServiceSetSnapshot {
	ids := e.policyServiceSetIDsLocked()
	out := make([]ServiceSetSnapshot, 0, len(ids))
	e.Policy.RLock()
	defer e.Policy.RUnlock()
	for _, id := range ids {
		ss, ok := e.Policy.ServiceSetByID(id)
		if !ok {
			continue
		}
		out = append(out, ServiceSetSnapshot{
			ID:               ss.ID,
			Name:             ss.Name,
			RuleCount:        len(ss.Rules),
			AppliedRuleCount: ss.AppliedRuleCount.Load(),
			TotalFlowCount:   ss.TotalFlowCount.Load(),
			ActiveFlowCount:  ss.ActiveFlowCount.Load(),
		})
	}
	return out
}

// Applications returns a snapshot of every monitored application and
// its backends, for the operator-facing status surface. It is nil
// under ModeClassify, where no Applications catalog exists.
func (e *Engine) Applications() []ApplicationSnapshot {
	if e.Apps == nil {
		return nil
	}
	apps := e.Apps.All()
	out := make([]ApplicationSnapshot, 0, len(apps))
	for _, app := range apps {
		servers := app.Servers()
		ss := make([]ServerSnapshot, 0, len(servers))
		for _, s := range servers {
			s.Lock()
			ss = append(ss, ServerSnapshot{
				ID:             s.ID,
				Addr:           s.Addr,
				Port:           s.Port,
				State:          s.State.String(),
				ActiveSessions: s.ActiveSessions,
				TotalSelected:  s.TotalSelected,
			})
			s.Unlock()
		}
		out = append(out, ApplicationSnapshot{
			ID:         app.ID,
			Name:       app.Name,
			FacadeAddr: app.FacadeAddr,
			FacadePort: app.FacadePort,
			Servers:    ss,
		})
	}
	return out
}
