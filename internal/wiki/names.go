package wiki

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateName checks a percent-decoded page or file name. Names are UTF-8
// identifiers used directly as file names under page/, keep/, file/ and
// meta/, so path separators, NUL and hidden-file prefixes are rejected.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case !utf8.ValidString(name):
		return fmt.Errorf("name is not valid UTF-8")
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains forbidden characters", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("name %q starts with a dot", name)
	}
	return nil
}
