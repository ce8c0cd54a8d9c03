package paths

import (
	"fmt"
	"regexp"
)

// Room and participant ids become directory names, so they are restricted
// to a filesystem-safe alphabet.
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID checks that a room or participant id is filesystem-safe.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid id %q: must match ^[A-Za-z0-9_-]{1,64}$", id)
	}
	return nil
}
