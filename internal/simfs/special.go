package simfs

// specialFilenames is the never-auto-generate allow-list: basenames
// that desktop environments and OS file managers probe for on every
// mount, which would otherwise each trigger a pointless LLM call.
// getattr and read both consult this single set.
var specialFilenames = map[string]bool{
	".simfs_config.toml": true,
	".xdg-volume-info":   true,
	"autorun.inf":        true,
	".DS_Store":          true,
	"desktop.ini":        true,
	"Thumbs.db":          true,
	".directory":         true,
	"NTUSER.DAT":         true,
	"pagefile.sys":       true,
	"hiberfil.sys":       true,
	"swapfile.sys":       true,
}

// IsSpecial reports whether basename is on the never-auto-generate
// allow-list.
func IsSpecial(basename string) bool {
	return specialFilenames[basename]
}
