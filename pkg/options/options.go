// Package options defines reusable, flag-bound option structs for the
// components of the flashing daemon.
package options

import (
	"github.com/spf13/pflag"
)

// IOptions is implemented by every option group.
type IOptions interface {
	// Validate parses and validates the parameters entered by the user at
	// program startup.
	Validate() []error

	// AddFlags adds the group's flags to the specified FlagSet.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}
