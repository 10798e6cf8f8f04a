// Package profile defines the measurement profile documents exchanged with the
// remote profile store: the per-account snapshot, its named measurement slots,
// and the gender-keyed slot addressing scheme used by the widget.
package profile

// Gender tags a measurement record. The remote store keys one slot per gender.
type Gender string

const (
	GenderFemale Gender = "F"
	GenderMale   Gender = "M"
)

// Valid reports whether g is one of the recognised gender tags.
func (g Gender) Valid() bool {
	return g == GenderFemale || g == GenderMale
}

// SlotKeyFor returns the remote slot key for a gender ("bodyF" / "bodyM").
func SlotKeyFor(g Gender) string {
	return "body" + string(g)
}

// GenderFromSlotKey recovers the gender tag from a gender-keyed slot key.
// Slots with opaque, non gender-keyed names return false.
func GenderFromSlotKey(key string) (Gender, bool) {
	if len(key) != len("bodyF") || key[:4] != "body" {
		return "", false
	}
	g := Gender(key[4:])
	if !g.Valid() {
		return "", false
	}
	return g, true
}

// Measurement is one slot's record. HV and WV carry the wire field names used
// by the remote profile API (height and weight values). Age and Shape travel
// with the record but never participate in conflict detection.
type Measurement struct {
	Height float64 `json:"HV,omitempty"`
	Weight float64 `json:"WV,omitempty"`
	Gender Gender  `json:"Gender,omitempty"`
	Age    int     `json:"Age,omitempty"`
	Shape  string  `json:"Shape,omitempty"`
}

// IsZero reports whether the record carries no values at all.
func (m Measurement) IsZero() bool {
	return m == Measurement{}
}

// CoreEqual compares the fields that define a measurement conflict: height,
// weight, and gender. All other fields are ignored.
func (m Measurement) CoreEqual(other Measurement) bool {
	return m.Height == other.Height && m.Weight == other.Weight && m.Gender == other.Gender
}

// Equal is full-field equality, used to detect duplicate remote slots.
func (m Measurement) Equal(other Measurement) bool {
	return m == other
}

// Snapshot is the last-fetched remote profile document: measurement slots
// keyed by opaque identifiers plus the pointer to the slot the remote side
// considers primary. A cached snapshot is stale immediately after any
// mutating gateway call; mutating calls return the replacement document.
type Snapshot struct {
	Slots       map[string]Measurement `json:"slots"`
	DefaultSlot string                 `json:"defaultSlot,omitempty"`
}

// NewSnapshot returns an empty snapshot with an initialised slot map.
func NewSnapshot() *Snapshot {
	return &Snapshot{Slots: make(map[string]Measurement)}
}

// Slot returns the raw stored record for key.
func (s *Snapshot) Slot(key string) (Measurement, bool) {
	if s == nil || s.Slots == nil {
		return Measurement{}, false
	}
	m, ok := s.Slots[key]
	return m, ok
}

// SlotFor returns the record stored under the gender's slot key, with the
// gender tag normalised: records persisted without an explicit Gender field
// inherit it from the slot key.
func (s *Snapshot) SlotFor(g Gender) (Measurement, bool) {
	m, ok := s.Slot(SlotKeyFor(g))
	if !ok {
		return Measurement{}, false
	}
	return normalise(SlotKeyFor(g), m), true
}

// Default resolves the default-slot pointer. The second return is the slot
// key; ok is false when no default is declared or the pointer dangles.
func (s *Snapshot) Default() (Measurement, string, bool) {
	if s == nil || s.DefaultSlot == "" {
		return Measurement{}, "", false
	}
	m, ok := s.Slot(s.DefaultSlot)
	if !ok {
		return Measurement{}, "", false
	}
	return normalise(s.DefaultSlot, m), s.DefaultSlot, true
}

// Equal reports whether two snapshots hold the same slots and default
// pointer.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.DefaultSlot != other.DefaultSlot || len(s.Slots) != len(other.Slots) {
		return false
	}
	for k, v := range s.Slots {
		if ov, ok := other.Slots[k]; !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Snapshots cross component boundaries as copies,
// never as shared handles.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{DefaultSlot: s.DefaultSlot, Slots: make(map[string]Measurement, len(s.Slots))}
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	return out
}

func normalise(key string, m Measurement) Measurement {
	if m.Gender == "" {
		if g, ok := GenderFromSlotKey(key); ok {
			m.Gender = g
		}
	}
	return m
}
