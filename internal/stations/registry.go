package stations

import "strings"

// ID is the canonical slug of a station. The set of stations is fixed at
// compile time; free-text input must go through Normalize.
type ID string

const (
	Admin      ID = "admin"
	Saavedra   ID = "saavedra"
	Rivadavia  ID = "rivadavia"
	Chacabuco  ID = "chacabuco"
	Aristobulo ID = "aristobulo"
)

// Station is one physical site participating in calls.
type Station struct {
	ID          ID
	DisplayName string
	Code        string
	// Host stations are authorized to create the video room eagerly,
	// before the callee joins.
	Host bool
}

var table = [...]Station{
	{ID: Admin, DisplayName: "Administrador", Code: "ADM", Host: true},
	{ID: Saavedra, DisplayName: "Saavedra", Code: "SAA"},
	{ID: Rivadavia, DisplayName: "Rivadavia", Code: "RIV"},
	{ID: Chacabuco, DisplayName: "Chacabuco", Code: "CHA"},
	{ID: Aristobulo, DisplayName: "Aristóbulo del Valle", Code: "ARI"},
}

// All returns every known station in registry order.
func All() []Station {
	out := make([]Station, len(table))
	copy(out, table[:])
	return out
}

// Get looks up a station by canonical id.
func Get(id ID) (Station, bool) {
	for _, s := range table {
		if s.ID == id {
			return s, true
		}
	}
	return Station{}, false
}

// Valid reports whether id names a known station.
func Valid(id ID) bool {
	_, ok := Get(id)
	return ok
}

// Normalize maps free-text or alias input (id, short code, display name,
// any casing) to a canonical station id.
func Normalize(input string) (ID, bool) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "" {
		return "", false
	}
	for _, s := range table {
		if key == string(s.ID) ||
			key == strings.ToLower(s.Code) ||
			key == strings.ToLower(s.DisplayName) {
			return s.ID, true
		}
	}
	// Common spanish aliases seen in operator input.
	switch key {
	case "administrador", "central":
		return Admin, true
	case "aristobulo del valle", "aristóbulo":
		return Aristobulo, true
	}
	return "", false
}
