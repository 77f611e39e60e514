package config

// ValidScriptModes contains the ways render commands can be exported to
// shell scripts.
var ValidScriptModes = []string{
	"full", // one dec.sh and one vid.sh with every command
	"test", // dec_<i>.sh and vid_<i>.sh per test
	"job",  // vid_<i>_<j>.sh per test and render job
}

// DefaultScriptMode is the default script export mode.
const DefaultScriptMode = "test"

// IsValidScriptMode returns true if the mode name is valid.
func IsValidScriptMode(mode string) bool {
	for _, valid := range ValidScriptModes {
		if mode == valid {
			return true
		}
	}
	return false
}

// ValidateScriptMode returns the mode if valid, or the default if invalid.
func ValidateScriptMode(mode string) string {
	if IsValidScriptMode(mode) {
		return mode
	}
	return DefaultScriptMode
}
