package launcher

import (
	"strings"

	"github.com/spf13/pflag"
)

// ExtractPassthrough splits args into flags fs knows about and everything
// else. Unknown flags keep their position and, when written as "--flag value",
// take the following non-flag token with them. Everything after "--" is
// passed through untouched.
func ExtractPassthrough(fs *pflag.FlagSet, args []string) (known, pass []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			pass = append(pass, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			pass = append(pass, a)
			continue
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		var f *pflag.Flag
		switch {
		case strings.HasPrefix(a, "--"):
			f = fs.Lookup(name)
		case len(name) == 1:
			f = fs.ShorthandLookup(name)
		}
		if f == nil {
			pass = append(pass, a)
			if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				pass = append(pass, args[i+1])
				i++
			}
			continue
		}
		known = append(known, a)
		if !hasValue && f.NoOptDefVal == "" && i+1 < len(args) {
			known = append(known, args[i+1])
			i++
		}
	}
	return known, pass
}
