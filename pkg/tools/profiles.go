package tools

// ProfileFull is the sentinel profile that applies no capability filter.
const ProfileFull = "full"

// Named profiles with fixed capability lists.
const (
	ProfileMinimal   = "minimal"
	ProfileCoding    = "coding"
	ProfileMessaging = "messaging"
)

var profileTools = map[string][]string{
	ProfileMinimal: {
		"time_now",
		"session_info",
	},
	ProfileCoding: {
		"time_now",
		"session_info",
		"fs_read",
		"fs_write",
		"fs_list",
		"shell_exec",
	},
	ProfileMessaging: {
		"time_now",
		"session_info",
		"send_message",
		"fetch_url",
	},
}

// ProfileTools returns the fixed capability list for a named profile.
// The second return is false for unknown profiles; callers treat an
// unknown profile as permitting nothing.
func ProfileTools(profile string) ([]string, bool) {
	list, ok := profileTools[profile]
	return list, ok
}

// KnownProfiles returns every named profile, including the full sentinel.
func KnownProfiles() []string {
	out := []string{ProfileFull}
	for name := range profileTools {
		out = append(out, name)
	}
	return out
}
