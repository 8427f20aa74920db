// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"sync"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

// Store holds the ServiceSet and Rule catalogs behind a single
// reader-writer lock (the "policy-lock" of §5): packet workers take
// the read lock for the duration of a rule-match walk; the control
// channel takes the write lock to mutate.
type Store struct {
	mu sync.RWMutex

	byID        map[uint32]*ServiceSet
	byComposite map[ServiceSetKey]*ServiceSet
	rules       map[uint32]*Rule
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byID:        make(map[uint32]*ServiceSet),
		byComposite: make(map[ServiceSetKey]*ServiceSet),
		rules:       make(map[uint32]*Rule),
	}
}

func (s *Store) compositeKey(ss *ServiceSet) ServiceSetKey {
	switch ss.Type {
	case ServiceSetNexthop:
		return ServiceSetKey{Type: ss.Type, IDOrIIf: ss.InSubunit}
	default:
		return ServiceSetKey{Type: ss.Type, IDOrIIf: ss.ID}
	}
}

// RLock/RUnlock expose the policy read-lock directly to the packet
// worker's slow path, which must hold it across a multi-step lookup +
// rule walk rather than a single call into Store.
func (s *Store) RLock()   { s.mu.RLock() }
func (s *Store) RUnlock() { s.mu.RUnlock() }

// AddServiceSet inserts ss, failing with KindConflict if its id
// already exists.
func (s *Store) AddServiceSet(ss *ServiceSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[ss.ID]; exists {
		return errkind.Errorf(errkind.KindConflict, "policy: service-set %d already exists", ss.ID)
	}
	s.byID[ss.ID] = ss
	s.byComposite[s.compositeKey(ss)] = ss
	return nil
}

// DeleteServiceSet removes a service-set, decrementing the ref count
// of every rule it bound.
func (s *Store) DeleteServiceSet(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.byID[id]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: service-set %d not found", id)
	}
	for _, b := range ss.Rules {
		if r, ok := s.rules[b.RuleID]; ok {
			r.refCount.Add(-1)
		}
	}
	delete(s.byID, id)
	delete(s.byComposite, s.compositeKey(ss))
	return nil
}

// ChangeServiceSet re-keys ss by removing the old composite-key
// mapping and inserting under the new one, since the type/subunit may
// have changed.
func (s *Store) ChangeServiceSet(id uint32, mutate func(ss *ServiceSet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.byID[id]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: service-set %d not found", id)
	}
	delete(s.byComposite, s.compositeKey(ss))
	mutate(ss)
	s.byComposite[s.compositeKey(ss)] = ss
	return nil
}

// ServiceSetByID returns the service-set with the given id.
func (s *Store) ServiceSetByID(id uint32) (*ServiceSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.byID[id]
	return ss, ok
}

// ServiceSetByComposite resolves the (type, id-or-iif) key a packet
// worker classifies against. Caller must already hold the read lock
// via RLock (the walk from here through rule matching is one
// critical section).
func (s *Store) ServiceSetByComposite(k ServiceSetKey) (*ServiceSet, bool) {
	ss, ok := s.byComposite[k]
	return ss, ok
}

// AddRule inserts a rule, failing with KindConflict if its id exists.
func (s *Store) AddRule(r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return errkind.Errorf(errkind.KindConflict, "policy: rule %d already exists", r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

// DeleteRule removes a rule, failing with KindEntryInUse if any
// service-set still binds it.
func (s *Store) DeleteRule(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: rule %d not found", id)
	}
	if r.refCount.Load() != 0 {
		return errkind.Errorf(errkind.KindEntryInUse, "policy: rule %d is bound by %d service-sets", id, r.refCount.Load())
	}
	delete(s.rules, id)
	return nil
}

// ChangeRule mutates an existing rule's attributes in place.
func (s *Store) ChangeRule(id uint32, mutate func(r *Rule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: rule %d not found", id)
	}
	mutate(r)
	return nil
}

// RuleByID returns the rule with the given id.
func (s *Store) RuleByID(id uint32) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// AddServiceRule binds ruleID at position within ssID's rule list. If
// a binding already exists at position, the old rule's ref count is
// decremented and the new one incremented (a swap); otherwise the
// list is extended. Positions are 1-based and dense.
func (s *Store) AddServiceRule(ssID, position, ruleID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.byID[ssID]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: service-set %d not found", ssID)
	}
	rule, ok := s.rules[ruleID]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: rule %d not found", ruleID)
	}

	idx := int(position) - 1
	if idx < 0 {
		return errkind.Errorf(errkind.KindValidation, "policy: position must be >= 1")
	}
	if idx < len(ss.Rules) {
		old := ss.Rules[idx]
		if oldRule, ok := s.rules[old.RuleID]; ok {
			oldRule.refCount.Add(-1)
		}
		ss.Rules[idx] = ServiceRuleBinding{Position: position, RuleID: ruleID}
	} else if idx == len(ss.Rules) {
		ss.Rules = append(ss.Rules, ServiceRuleBinding{Position: position, RuleID: ruleID})
	} else {
		return errkind.Errorf(errkind.KindValidation, "policy: position %d is not dense (list has %d entries)", position, len(ss.Rules))
	}
	rule.refCount.Add(1)
	return nil
}

// DeleteServiceRule removes the binding at position from ssID's rule
// list, failing if it does not reference ruleID.
func (s *Store) DeleteServiceRule(ssID, position, ruleID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.byID[ssID]
	if !ok {
		return errkind.Errorf(errkind.KindNotFound, "policy: service-set %d not found", ssID)
	}
	idx := int(position) - 1
	if idx < 0 || idx >= len(ss.Rules) || ss.Rules[idx].RuleID != ruleID {
		return errkind.Errorf(errkind.KindValidation, "policy: no binding of rule %d at position %d", ruleID, position)
	}
	if rule, ok := s.rules[ruleID]; ok {
		rule.refCount.Add(-1)
	}
	ss.Rules = append(ss.Rules[:idx], ss.Rules[idx+1:]...)
	for i := idx; i < len(ss.Rules); i++ {
		ss.Rules[i].Position = uint32(i + 1)
	}
	return nil
}

// MatchRules walks ss's rule-binding list in position order and
// returns the first rule whose match criteria are satisfied. Caller
// must hold the read lock (RLock) for the duration of the walk, per
// §4.4 / §4.3's I5 invariant.
func (s *Store) MatchRules(ss *ServiceSet, dir Direction, srcAddr, dstAddr uint32, proto uint8, srcPort, dstPort uint16) (*Rule, bool) {
	for _, b := range ss.Rules {
		r, ok := s.rules[b.RuleID]
		if !ok {
			continue
		}
		if r.Matches(dir, srcAddr, dstAddr, proto, srcPort, dstPort) {
			return r, true
		}
	}
	return nil, false
}
