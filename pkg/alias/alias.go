// Package alias implements the AliasMappings table (spec.md §3, §4.4): a
// small flat set mapping 12-bit CAN aliases to 48-bit node ids, scanned
// linearly like the teacher's object-dictionary index lookups in od.go —
// acceptable here for the same reason: the table is small (tens of
// entries), not hundreds.
package alias

import lcc "github.com/openlcb-go/lcc-core"

// Mapping is one entry of the table (spec.md §3 AliasMapping).
type Mapping struct {
	Alias        lcc.Alias
	NodeID       lcc.NodeID
	IsDuplicate  bool
	IsPermitted  bool
	inUse        bool
}

// Mappings is the capacity-bounded alias table, plus the container-level
// duplicate-alias flag the CAN main state machine watches.
type Mappings struct {
	entries            []Mapping
	hasDuplicateAlias  bool
}

// New builds a table with room for depth entries
// (ALIAS_MAPPING_BUFFER_DEPTH in spec.md).
func New(depth int) *Mappings {
	return &Mappings{entries: make([]Mapping, depth)}
}

// Register claims a slot for {alias, nodeID}. If an entry for nodeID
// already exists, its alias is updated in place instead of adding a new
// entry — there is only ever one alias per node id in this table
// (spec.md §4.4 edge case). Returns nil if the table is full.
func (m *Mappings) Register(alias lcc.Alias, nodeID lcc.NodeID) *Mapping {
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].NodeID == nodeID {
			m.entries[i].Alias = alias
			return &m.entries[i]
		}
	}
	for i := range m.entries {
		if !m.entries[i].inUse {
			m.entries[i] = Mapping{Alias: alias, NodeID: nodeID, inUse: true}
			return &m.entries[i]
		}
	}
	return nil
}

// Unregister clears the entry matching alias, if any.
func (m *Mappings) Unregister(alias lcc.Alias) {
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].Alias == alias {
			m.entries[i] = Mapping{}
			return
		}
	}
}

func (m *Mappings) FindByAlias(alias lcc.Alias) *Mapping {
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].Alias == alias {
			return &m.entries[i]
		}
	}
	return nil
}

func (m *Mappings) FindByNodeID(id lcc.NodeID) *Mapping {
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].NodeID == id {
			return &m.entries[i]
		}
	}
	return nil
}

// SetHasDuplicateAliasFlag raises the container-level flag the main state
// machine observes (spec.md §4.9 step 1).
func (m *Mappings) SetHasDuplicateAliasFlag() {
	m.hasDuplicateAlias = true
}

func (m *Mappings) ClearHasDuplicateAliasFlag() {
	m.hasDuplicateAlias = false
}

func (m *Mappings) HasDuplicateAlias() bool {
	return m.hasDuplicateAlias
}

// MarkDuplicate flags the entry for alias, if any, as a collision observed
// on the bus (spec.md §4.9 step 1 "mark is_duplicate").
func (m *Mappings) MarkDuplicate(alias lcc.Alias) {
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].Alias == alias {
			m.entries[i].IsDuplicate = true
			return
		}
	}
}

// DrainDuplicates unregisters every entry marked IsDuplicate, clears the
// container-level flag, and returns the node ids that were affected so the
// caller can reset those nodes' login state (spec.md §4.9 step 1).
func (m *Mappings) DrainDuplicates() []lcc.NodeID {
	var affected []lcc.NodeID
	for i := range m.entries {
		if m.entries[i].inUse && m.entries[i].IsDuplicate {
			affected = append(affected, m.entries[i].NodeID)
			m.entries[i] = Mapping{}
		}
	}
	m.hasDuplicateAlias = false
	return affected
}

// Info is the aggregate record returned by GetAliasMappingInfo.
type Info struct {
	Entries           []Mapping
	HasDuplicateAlias bool
}

func (m *Mappings) GetAliasMappingInfo() Info {
	return Info{Entries: m.entries, HasDuplicateAlias: m.hasDuplicateAlias}
}

// Depth returns the table's fixed capacity.
func (m *Mappings) Depth() int { return len(m.entries) }
