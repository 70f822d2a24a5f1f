package matching

import "strings"

// Any is the wildcard value accepted for GenderPreference and CountryFilter.
const Any = "any"

// Profile holds the optional self-description a user submits with a
// find-match request. Every field may be empty.
type Profile struct {
	DisplayName        string
	Gender             string   // "male", "female", "other" or empty
	GenderPreference   string   // a gender, "any" or empty
	Country            string   // ISO country code
	PreferredCountries []string // ISO country codes
	CountryFilter      string   // a country code, "any" or empty
}

// Normalize lower-cases and trims the comparable fields so that CanMatch
// and the tier checks can use plain equality.
func (p Profile) Normalize() Profile {
	out := Profile{
		DisplayName:      strings.TrimSpace(p.DisplayName),
		Gender:           normalizeValue(p.Gender),
		GenderPreference: normalizeValue(p.GenderPreference),
		Country:          normalizeValue(p.Country),
		CountryFilter:    normalizeValue(p.CountryFilter),
	}
	for _, c := range p.PreferredCountries {
		if c = normalizeValue(c); c != "" {
			out.PreferredCountries = append(out.PreferredCountries, c)
		}
	}
	return out
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func isAny(v string) bool {
	return v == "" || v == Any
}

// CanMatch reports whether two users may be paired. Both the gender and the
// country rules must hold in both directions. Profiles are expected to be
// normalized.
func CanMatch(u1, u2 Profile) bool {
	return genderAccepts(u1, u2) && genderAccepts(u2, u1) && countryCompatible(u1, u2)
}

// genderAccepts reports whether viewer's gender preference admits other.
// A preference of "other" is satisfied by equality when the other user
// also identifies as "other".
func genderAccepts(viewer, other Profile) bool {
	if isAny(viewer.GenderPreference) {
		return true
	}
	return viewer.GenderPreference == other.Gender
}

func countryCompatible(u1, u2 Profile) bool {
	// Missing data fails open.
	if u1.Country == "" || u2.Country == "" {
		return true
	}
	if isAny(u1.CountryFilter) || isAny(u2.CountryFilter) {
		return true
	}
	return countryAccepts(u2, u1.Country) && countryAccepts(u1, u2.Country)
}

// countryAccepts reports whether viewer's country filter admits country.
func countryAccepts(viewer Profile, country string) bool {
	if isAny(viewer.CountryFilter) || viewer.CountryFilter == country {
		return true
	}
	for _, c := range viewer.PreferredCountries {
		if c == country {
			return true
		}
	}
	return false
}

// sameGender is the tier-1/2 criterion: both genders present and equal.
func sameGender(u1, u2 Profile) bool {
	return u1.Gender != "" && u1.Gender == u2.Gender
}

// sameCountry is the tier-1/3 criterion: both countries present and equal.
func sameCountry(u1, u2 Profile) bool {
	return u1.Country != "" && u1.Country == u2.Country
}
