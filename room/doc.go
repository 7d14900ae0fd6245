// Package room provides the in-memory room and tab state store.
//
// The room package owns every Room and its Tabs, chat log and members. All
// access goes through a single Registry, which serializes mutations with a
// lock on the room table plus one lock per room. Rooms are created lazily on
// the first join attempt and live for the lifetime of the process.
//
// Usage:
//
//	reg := room.NewRegistry(80, room.LanguagePython)
//	res, err := reg.Join("py-room-1", room.Member{ID: connID, User: "ada"}, room.Public, "")
//	if errors.Is(err, room.ErrWrongPassword) {
//	    // reject the connection
//	}
//	tabs, err := reg.AddTab("py-room-1")
package room
