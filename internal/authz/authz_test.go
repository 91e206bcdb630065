package authz

import "testing"

func TestIsLockedWhenLoggedOut(t *testing.T) {
	if !IsLocked(Session{LoggedIn: false}, Snapshot{}, nil) {
		t.Fatal("expected locked when not logged in")
	}
}

func TestIsUnlockedForOwnerInMatchingRegion(t *testing.T) {
	s := Session{LoggedIn: true, UID: 7}
	snap := Snapshot{OwnerID: 7, RIDs: []byte{1, 2}}
	if IsLocked(s, snap, []byte{2, 3}) {
		t.Fatal("expected owner with matching region to be unlocked")
	}
}

func TestIsLockedForOwnerWithoutRegionMatch(t *testing.T) {
	s := Session{LoggedIn: true, UID: 7}
	snap := Snapshot{OwnerID: 7, RIDs: []byte{1, 2}}
	if !IsLocked(s, snap, []byte{9}) {
		t.Fatal("expected locked when no region overlap, even for the owner")
	}
}

func TestIsUnlockedForSharedUser(t *testing.T) {
	s := Session{LoggedIn: true, UID: 42}
	snap := Snapshot{OwnerID: 7, UIDs: []byte{1, 42}, RIDs: []byte{5}}
	if IsLocked(s, snap, []byte{5}) {
		t.Fatal("expected shared user with region match to be unlocked")
	}
}

func TestIsLockedForUnrelatedUser(t *testing.T) {
	s := Session{LoggedIn: true, UID: 99}
	snap := Snapshot{OwnerID: 7, UIDs: []byte{1, 42}, RIDs: []byte{5}}
	if !IsLocked(s, snap, []byte{5}) {
		t.Fatal("expected locked for a user who is neither owner nor shared")
	}
}

func TestIsLockedWhenNoRegionsProvisioned(t *testing.T) {
	s := Session{LoggedIn: true, UID: 7}
	snap := Snapshot{OwnerID: 7, RIDs: []byte{1, 2}}
	if !IsLocked(s, snap, nil) {
		t.Fatal("expected locked when the player has no provisioned regions")
	}
}
