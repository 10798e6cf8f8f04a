package profile_test

import (
	"encoding/json"
	"testing"

	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/stretchr/testify/require"
)

func TestSlotKeys(t *testing.T) {
	t.Run("gender to slot key", func(t *testing.T) {
		require.Equal(t, "bodyF", profile.SlotKeyFor(profile.GenderFemale))
		require.Equal(t, "bodyM", profile.SlotKeyFor(profile.GenderMale))
	})

	t.Run("slot key to gender", func(t *testing.T) {
		g, ok := profile.GenderFromSlotKey("bodyF")
		require.True(t, ok)
		require.Equal(t, profile.GenderFemale, g)
	})

	t.Run("opaque keys have no gender", func(t *testing.T) {
		for _, key := range []string{"", "body", "bodyX", "primary", "bodyFM"} {
			_, ok := profile.GenderFromSlotKey(key)
			require.False(t, ok, "key %q", key)
		}
	})
}

func TestMeasurementEquality(t *testing.T) {
	base := profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale}

	t.Run("core equality ignores auxiliary fields", func(t *testing.T) {
		other := base
		other.Age = 42
		other.Shape = "athletic"
		require.True(t, base.CoreEqual(other))
		require.False(t, base.Equal(other))
	})

	t.Run("core equality compares height weight and gender", func(t *testing.T) {
		for _, tc := range []struct {
			name  string
			other profile.Measurement
		}{
			{"different height", profile.Measurement{Height: 160, Weight: 65, Gender: profile.GenderFemale}},
			{"different weight", profile.Measurement{Height: 170, Weight: 55, Gender: profile.GenderFemale}},
			{"different gender", profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderMale}},
		} {
			t.Run(tc.name, func(t *testing.T) {
				require.False(t, base.CoreEqual(tc.other))
			})
		}
	})

	t.Run("zero value", func(t *testing.T) {
		require.True(t, profile.Measurement{}.IsZero())
		require.False(t, base.IsZero())
	})
}

func TestMeasurementWireFormat(t *testing.T) {
	raw, err := json.Marshal(profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale})
	require.NoError(t, err)
	require.JSONEq(t, `{"HV":170,"WV":65,"Gender":"F"}`, string(raw))

	var m profile.Measurement
	require.NoError(t, json.Unmarshal([]byte(`{"HV":160,"WV":55}`), &m))
	require.Equal(t, profile.Measurement{Height: 160, Weight: 55}, m)
}

func TestSnapshot(t *testing.T) {
	snap := &profile.Snapshot{
		Slots: map[string]profile.Measurement{
			"bodyF": {Height: 170, Weight: 65},
			"bodyM": {Height: 182, Weight: 80, Gender: profile.GenderMale},
		},
		DefaultSlot: "bodyM",
	}

	t.Run("slot lookup normalises gender", func(t *testing.T) {
		m, ok := snap.SlotFor(profile.GenderFemale)
		require.True(t, ok)
		require.Equal(t, profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale}, m)
	})

	t.Run("missing slot", func(t *testing.T) {
		empty := profile.NewSnapshot()
		_, ok := empty.SlotFor(profile.GenderFemale)
		require.False(t, ok)
	})

	t.Run("default pointer", func(t *testing.T) {
		m, key, ok := snap.Default()
		require.True(t, ok)
		require.Equal(t, "bodyM", key)
		require.Equal(t, profile.Measurement{Height: 182, Weight: 80, Gender: profile.GenderMale}, m)
	})

	t.Run("dangling default pointer", func(t *testing.T) {
		dangling := &profile.Snapshot{DefaultSlot: "bodyM"}
		_, _, ok := dangling.Default()
		require.False(t, ok)
	})

	t.Run("clone is deep", func(t *testing.T) {
		clone := snap.Clone()
		clone.Slots["bodyF"] = profile.Measurement{Height: 1}
		clone.DefaultSlot = "bodyF"

		m, _ := snap.Slot("bodyF")
		require.Equal(t, float64(170), m.Height)
		require.Equal(t, "bodyM", snap.DefaultSlot)
	})

	t.Run("clone of nil", func(t *testing.T) {
		var nothing *profile.Snapshot
		require.Nil(t, nothing.Clone())
	})

	t.Run("equality", func(t *testing.T) {
		require.True(t, snap.Equal(snap.Clone()))

		moved := snap.Clone()
		moved.DefaultSlot = "bodyF"
		require.False(t, snap.Equal(moved))

		changed := snap.Clone()
		changed.Slots["bodyF"] = profile.Measurement{Height: 171, Weight: 65}
		require.False(t, snap.Equal(changed))

		extra := snap.Clone()
		extra.Slots["guest"] = profile.Measurement{Height: 150}
		require.False(t, snap.Equal(extra))

		var nothing *profile.Snapshot
		require.True(t, nothing.Equal(nil))
		require.False(t, snap.Equal(nil))
	})
}
