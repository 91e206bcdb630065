// Package authz implements the pure authorization evaluator (spec.md §4.2):
// given a song metadata snapshot, the current session, and the player's
// provisioned region table, decide whether playback is unlocked.
package authz

// Snapshot is the subset of a loaded song's metadata the evaluator needs:
// its owner and the regions/users it was shared to.
type Snapshot struct {
	OwnerID byte
	UIDs    []byte
	RIDs    []byte
}

// Session is the subset of session state the evaluator needs.
type Session struct {
	LoggedIn bool
	UID      byte
}

// IsLocked runs spec.md §4.2's five-step algorithm:
//  1. Not logged in -> locked.
//  2. uid == owner_id -> user-authorized.
//  3. Else authorized iff uid is in snapshot.UIDs.
//  4. User-unauthorized -> locked.
//  5. Else locked iff snapshot.RIDs has no overlap with playerRegions.
func IsLocked(session Session, snapshot Snapshot, playerRegions []byte) bool {
	if !session.LoggedIn {
		return true
	}

	userAuthorized := session.UID == snapshot.OwnerID
	if !userAuthorized {
		for _, uid := range snapshot.UIDs {
			if uid == session.UID {
				userAuthorized = true
				break
			}
		}
	}
	if !userAuthorized {
		return true
	}

	return !regionsOverlap(snapshot.RIDs, playerRegions)
}

func regionsOverlap(a, b []byte) bool {
	set := make(map[byte]struct{}, len(a))
	for _, rid := range a {
		set[rid] = struct{}{}
	}
	for _, rid := range b {
		if _, ok := set[rid]; ok {
			return true
		}
	}
	return false
}
