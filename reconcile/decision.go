// Package reconcile merges the measurement captured on this device with the
// account's remote profile after sign-in. Classification is a pure function
// over the local and remote state; the engine applies the chosen action and
// suspends on the one case that needs the user's judgement.
package reconcile

import "github.com/jrsteele09/go-fit-session/profile"

// Action is the reconciliation outcome class.
type Action int

const (
	// ActionNone leaves both sides as they are.
	ActionNone Action = iota
	// ActionDownload adopts a remote slot as the local measurement.
	ActionDownload
	// ActionUpload pushes the local measurement into a remote slot.
	ActionUpload
	// ActionConflict suspends: both sides hold different measurements for
	// the same gender and only the user can pick one.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionDownload:
		return "download"
	case ActionUpload:
		return "upload"
	case ActionConflict:
		return "conflict"
	default:
		return "none"
	}
}

// Decision is the classification result. SlotKey names the remote slot the
// action touches. Local and Remote are the gender-normalised records the
// action operates on, populated according to the action. ClearLocal marks the
// identical case, where the local copy is redundant and gets dropped.
type Decision struct {
	Action     Action
	SlotKey    string
	Local      profile.Measurement
	Remote     profile.Measurement
	ClearLocal bool
}

// Decide classifies one local/remote pairing. local is nil when no
// measurement was captured on this device; localGender is the remembered
// gender tag, which stands in for the local record's gender when that is
// absent. The snapshot may be empty but not nil.
//
// Comparison uses the core fields only (height, weight, gender); auxiliary
// fields never make two measurements conflict.
func Decide(local *profile.Measurement, localGender profile.Gender, snap *profile.Snapshot) Decision {
	if local == nil {
		return decideNoLocal(localGender, snap)
	}

	mine := *local
	if !mine.Gender.Valid() && localGender.Valid() {
		mine.Gender = localGender
	}
	if !mine.Gender.Valid() {
		// Nowhere to slot an ungendered measurement.
		return Decision{Action: ActionNone, Local: mine}
	}

	slotKey := profile.SlotKeyFor(mine.Gender)
	theirs, ok := snap.SlotFor(mine.Gender)
	if !ok {
		return Decision{Action: ActionUpload, SlotKey: slotKey, Local: mine}
	}

	if theirs.CoreEqual(mine) {
		return Decision{Action: ActionNone, SlotKey: slotKey, Local: mine, Remote: theirs, ClearLocal: true}
	}
	return Decision{Action: ActionConflict, SlotKey: slotKey, Local: mine, Remote: theirs}
}

// decideNoLocal picks a remote slot to adopt when this device has nothing:
// the account's default slot when one resolves, else the slot matching the
// remembered gender tag. No usable slot means there is nothing to do.
func decideNoLocal(localGender profile.Gender, snap *profile.Snapshot) Decision {
	if m, key, ok := snap.Default(); ok {
		return Decision{Action: ActionDownload, SlotKey: key, Remote: m}
	}
	if localGender.Valid() {
		if m, ok := snap.SlotFor(localGender); ok {
			return Decision{Action: ActionDownload, SlotKey: profile.SlotKeyFor(localGender), Remote: m}
		}
	}
	return Decision{Action: ActionNone}
}
