package enums

// AccessState is the derived lock state of a file delivery. It is never
// persisted as authoritative; the gate recomputes it on every check.
type AccessState string

const (
	AccessStateLocked   AccessState = "locked"
	AccessStateUnlocked AccessState = "unlocked"
)

// String implements fmt.Stringer.
func (a AccessState) String() string {
	return string(a)
}
