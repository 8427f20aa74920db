// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package catalog loads an optional initial policy snapshot from a
// flat YAML file, for standalone demos and integration runs that want
// a populated engine without standing up a management process to
// drive the control channel. Production data processes never need
// this: their catalog always arrives over C7.
package catalog

import (
	"fmt"
	"net"
	"os"

	"github.com/jnxsdk/flowengine/internal/engine"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of an initial catalog file.
type Document struct {
	ServiceSets  []ServiceSet  `yaml:"service_sets"`
	Rules        []Rule        `yaml:"rules"`
	Applications []Application `yaml:"applications"`
}

type ServiceSet struct {
	ID    uint32           `yaml:"id"`
	Name  string           `yaml:"name"`
	Type  string           `yaml:"type"` // "interface" | "nexthop"
	Rules []ServiceSetRule `yaml:"rules"`
}

type ServiceSetRule struct {
	Position uint32 `yaml:"position"`
	RuleID   uint32 `yaml:"rule_id"`
}

type Rule struct {
	ID        uint32 `yaml:"id"`
	Name      string `yaml:"name"`
	Action    string `yaml:"action"`    // "allow" | "drop"
	Direction string `yaml:"direction"` // "input" | "output" | "any"
	SrcAddr   string `yaml:"src_addr"`
	SrcMask   string `yaml:"src_mask"`
	DstAddr   string `yaml:"dst_addr"`
	DstMask   string `yaml:"dst_mask"`
	Proto     uint8  `yaml:"proto"`
	SrcPort   uint16 `yaml:"src_port"`
	DstPort   uint16 `yaml:"dst_port"`
}

type Application struct {
	ID                uint32   `yaml:"id"`
	Name              string   `yaml:"name"`
	FacadeAddr        string   `yaml:"facade_addr"`
	FacadePort        uint16   `yaml:"facade_port"`
	ProbeIntervalSecs int      `yaml:"probe_interval_secs"`
	ProbeTimeoutSecs  int      `yaml:"probe_timeout_secs"`
	FlowTimeoutSecs   int      `yaml:"flow_timeout_secs"`
	Servers           []Server `yaml:"servers"`
}

type Server struct {
	ID     uint32 `yaml:"id"`
	Addr   string `yaml:"addr"`
	Port   uint16 `yaml:"port"`
	Weight uint32 `yaml:"weight"`
}

// Load reads and parses a YAML catalog document. An empty path is not
// an error: it reports a zero-value Document, so callers can treat
// "no initial catalog configured" the same as "empty catalog".
func Load(path string) (Document, error) {
	var doc Document
	if path == "" {
		return doc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return doc, nil
}

// Apply installs every service-set, rule, and (equilibrium only)
// application/server the document names into e's live catalogs, in
// the same dependency order the control channel requires: rules
// before the service-rule bindings that reference them.
func Apply(doc Document, e *engine.Engine) error {
	for _, r := range doc.Rules {
		action, err := parseAction(r.Action)
		if err != nil {
			return fmt.Errorf("catalog: rule %d: %w", r.ID, err)
		}
		dir, err := parseDirection(r.Direction)
		if err != nil {
			return fmt.Errorf("catalog: rule %d: %w", r.ID, err)
		}
		srcAddr, err := parseAddr(r.SrcAddr)
		if err != nil {
			return fmt.Errorf("catalog: rule %d src_addr: %w", r.ID, err)
		}
		srcMask, err := parseAddr(r.SrcMask)
		if err != nil {
			return fmt.Errorf("catalog: rule %d src_mask: %w", r.ID, err)
		}
		dstAddr, err := parseAddr(r.DstAddr)
		if err != nil {
			return fmt.Errorf("catalog: rule %d dst_addr: %w", r.ID, err)
		}
		dstMask, err := parseAddr(r.DstMask)
		if err != nil {
			return fmt.Errorf("catalog: rule %d dst_mask: %w", r.ID, err)
		}
		if err := e.Policy.AddRule(&policy.Rule{
			ID: r.ID, Name: r.Name, Action: action, Direction: dir,
			SrcAddr: srcAddr, SrcMask: srcMask, DstAddr: dstAddr, DstMask: dstMask,
			Proto: r.Proto, SrcPort: r.SrcPort, DstPort: r.DstPort,
		}); err != nil {
			return fmt.Errorf("catalog: add rule %d: %w", r.ID, err)
		}
	}

	for _, ss := range doc.ServiceSets {
		ssType, err := parseServiceSetType(ss.Type)
		if err != nil {
			return fmt.Errorf("catalog: service-set %d: %w", ss.ID, err)
		}
		if err := e.Policy.AddServiceSet(&policy.ServiceSet{ID: ss.ID, Name: ss.Name, Type: ssType}); err != nil {
			return fmt.Errorf("catalog: add service-set %d: %w", ss.ID, err)
		}
		for _, binding := range ss.Rules {
			if err := e.Policy.AddServiceRule(ss.ID, binding.Position, binding.RuleID); err != nil {
				return fmt.Errorf("catalog: bind rule %d to service-set %d: %w", binding.RuleID, ss.ID, err)
			}
		}
	}

	if e.Apps == nil {
		if len(doc.Applications) > 0 {
			return fmt.Errorf("catalog: applications configured but engine is not running in load-balance mode")
		}
		return nil
	}

	for _, docApp := range doc.Applications {
		facadeAddr, err := parseAddr(docApp.FacadeAddr)
		if err != nil {
			return fmt.Errorf("catalog: application %d facade_addr: %w", docApp.ID, err)
		}
		app := policy.NewApplication(docApp.ID, docApp.Name, facadeAddr, docApp.FacadePort)
		app.ProbeIntervalSecs = docApp.ProbeIntervalSecs
		app.ProbeTimeoutSecs = docApp.ProbeTimeoutSecs
		app.FlowTimeoutSecs = docApp.FlowTimeoutSecs
		for _, docServer := range docApp.Servers {
			addr, err := parseAddr(docServer.Addr)
			if err != nil {
				return fmt.Errorf("catalog: application %d server %d addr: %w", docApp.ID, docServer.ID, err)
			}
			app.AddServer(&policy.Server{
				ID: docServer.ID, Addr: addr, Port: docServer.Port, Weight: docServer.Weight,
				State: policy.ServerStateUnknown,
			})
		}
		if err := e.Apps.Add(app); err != nil {
			return fmt.Errorf("catalog: add application %d: %w", docApp.ID, err)
		}
	}
	return nil
}

func parseAddr(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address %q", s)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

func parseAction(s string) (policy.Action, error) {
	switch s {
	case "", "allow":
		return policy.ActionAllow, nil
	case "drop":
		return policy.ActionDrop, nil
	default:
		return 0, fmt.Errorf("invalid action %q", s)
	}
}

func parseDirection(s string) (policy.Direction, error) {
	switch s {
	case "input":
		return policy.DirectionInput, nil
	case "output":
		return policy.DirectionOutput, nil
	case "", "any":
		return policy.DirectionAny, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

func parseServiceSetType(s string) (policy.ServiceSetType, error) {
	switch s {
	case "", "interface":
		return policy.ServiceSetInterface, nil
	case "nexthop":
		return policy.ServiceSetNexthop, nil
	default:
		return 0, fmt.Errorf("invalid service-set type %q", s)
	}
}
