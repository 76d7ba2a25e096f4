package config

// DefaultDenyList are the hostname substrings refused at CONNECT time to
// cap incidental cost (spec §6), carried over from submarine.py's
// LIMIT_LIST. Options.DenyList entries are appended to, not substituted for,
// this list.
func DefaultDenyList() []string {
	return []string{
		"mozilla",
		"telemetry",
		"staticcdn.duckduckgo",
		"brxt.mendeley.com",
		"profile.accounts.firefox.com",
		"api.accounts.firefox.com",
		"easylist-downloads.adblockplus.org",
	}
}
