package facematch

import (
	"encoding/json"
	"strings"
)

// UnknownName is how the unknown sentinel is rendered to humans and in storage paths.
const UnknownName = "unknown"

// Label is either a person's name or the Unknown sentinel. The zero value is Unknown,
// so a person who is literally called "unknown" never collides with the sentinel.
type Label struct {
	name  string
	named bool
}

// Unknown is the sentinel for faces never confirmed to a real name.
var Unknown = Label{}

// Named returns a label for a person. Surrounding whitespace is trimmed.
// A name that normalizes to nothing ("", "-", bare combining marks) yields
// Unknown, since it would share the sentinel's empty index key.
func Named(name string) Label {
	name = strings.TrimSpace(name)
	if NormalizePersonName(name) == "" {
		return Unknown
	}
	return Label{name: name, named: true}
}

// ParseLabel converts optional user input into a label: nil or blank input is Unknown.
func ParseLabel(name *string) Label {
	if name == nil {
		return Unknown
	}
	return Named(*name)
}

// IsUnknown reports whether the label is the Unknown sentinel.
func (l Label) IsUnknown() bool {
	return !l.named
}

// Name returns the person name and true, or "" and false for Unknown.
func (l Label) Name() (string, bool) {
	return l.name, l.named
}

// String renders the label for display; Unknown renders as "unknown".
func (l Label) String() string {
	if !l.named {
		return UnknownName
	}
	return l.name
}

// Key returns the label index key. Names are normalized so "Jan Novák",
// "jan novak" and "jan-novak" address the same person. Unknown has an
// empty key; Named never builds a label whose name normalizes to "".
func (l Label) Key() string {
	if !l.named {
		return ""
	}
	return NormalizePersonName(l.name)
}

// Equal compares labels by their index key.
func (l Label) Equal(other Label) bool {
	return l.named == other.named && l.Key() == other.Key()
}

// MarshalJSON encodes Unknown as null and names as strings.
func (l Label) MarshalJSON() ([]byte, error) {
	if !l.named {
		return []byte("null"), nil
	}
	return json.Marshal(l.name)
}

// UnmarshalJSON accepts null, "" (both Unknown) or a name.
func (l *Label) UnmarshalJSON(data []byte) error {
	var name *string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*l = ParseLabel(name)
	return nil
}
