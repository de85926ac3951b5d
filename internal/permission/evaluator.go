package permission

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Decision is the outcome of a single permission check. A denied decision
// always carries a human-readable reason.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Match reports whether candidate matches pattern. Three forms are
// recognized: "*" matches everything, a trailing "*" matches as a prefix,
// anything else is an exact string match.
func Match(pattern, candidate string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == candidate
}

// MatchAny reports whether candidate matches any of the patterns. An empty
// pattern list matches nothing.
func MatchAny(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if Match(p, candidate) {
			return true
		}
	}
	return false
}

// hardDenySegments are path components that are denied regardless of the
// declared allow-lists. This floor cannot be overridden by a manifest.
var hardDenySegments = []string{
	"node_modules",
	".git",
	".ssh",
	".aws",
	".gnupg",
}

// hardDenyNames are file basenames (or basename prefixes for ".env.*")
// denied regardless of declared allow-lists.
var hardDenyNames = []string{
	".env",
	".npmrc",
	".netrc",
	"id_rsa",
	"id_ed25519",
	"credentials",
	"credentials.json",
	"secrets.yaml",
	"secrets.yml",
	"secrets.json",
}

// hardDenySuffixes are filename suffixes denied regardless of declared
// allow-lists.
var hardDenySuffixes = []string{
	".pem",
	".key",
	".p12",
	".pfx",
	".keystore",
}

// HardDenyPath reports whether path hits the hardcoded deny floor, with the
// matched rule for the denial reason. Checked before any allow-list.
func HardDenyPath(path string) (string, bool) {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, seg := range strings.Split(clean, "/") {
		for _, denied := range hardDenySegments {
			if seg == denied {
				return denied, true
			}
		}
	}

	base := filepath.Base(clean)
	for _, name := range hardDenyNames {
		if base == name || strings.HasPrefix(base, name+".") {
			return name, true
		}
	}
	for _, suffix := range hardDenySuffixes {
		if strings.HasSuffix(base, suffix) {
			return "*" + suffix, true
		}
	}
	return "", false
}

// dangerousCommands is the hardcoded shell blocklist. Matching is by the
// command's basename so "/bin/rm" and "rm" are treated alike.
var dangerousCommands = []string{
	"rm", "rmdir", "dd", "mkfs", "shred",
	"shutdown", "reboot", "halt", "poweroff",
	"sudo", "su", "doas",
	"chown", "chmod",
	"kill", "killall", "pkill",
	"eval", "exec",
}

// HardDenyCommand reports whether the command's basename is on the
// dangerous-command blocklist.
func HardDenyCommand(command string) bool {
	base := filepath.Base(strings.TrimSpace(command))
	for _, denied := range dangerousCommands {
		if base == denied {
			return true
		}
	}
	return false
}

// PathOp distinguishes read from write access in CheckPath.
type PathOp string

const (
	PathRead  PathOp = "read"
	PathWrite PathOp = "write"
)

// CheckPath decides whether path may be accessed for op. extraRoots are
// directories granted implicitly by the execution (the cwd for reads, the
// output directory for writes); a path inside any of them is allowed unless
// the hard deny floor rejects it first.
func (s *Spec) CheckPath(op PathOp, path string, extraRoots ...string) Decision {
	if rule, denied := HardDenyPath(path); denied {
		return deny("path matches protected pattern %q", rule)
	}

	clean := filepath.Clean(path)
	for _, root := range extraRoots {
		if root == "" {
			continue
		}
		if within(clean, filepath.Clean(root)) {
			return allow()
		}
	}

	var patterns []string
	if s != nil {
		switch op {
		case PathWrite:
			patterns = s.FS.Write
		default:
			patterns = s.FS.Read
		}
	}
	if MatchAny(patterns, clean) || MatchAny(patterns, filepath.ToSlash(clean)) {
		return allow()
	}
	return deny("no %s permission for path", op)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// CheckHost decides whether host may be fetched from.
func (s *Spec) CheckHost(host string) Decision {
	if s != nil && MatchAny(s.Net.Hosts, host) {
		return allow()
	}
	return deny("host not in network allow-list")
}

// CheckCommand decides whether a shell command may run. The dangerous
// blocklist applies before the declared allow-list.
func (s *Spec) CheckCommand(command string) Decision {
	if HardDenyCommand(command) {
		return deny("command is on the blocked list")
	}
	if s != nil && (MatchAny(s.Shell, command) || MatchAny(s.Shell, filepath.Base(command))) {
		return allow()
	}
	return deny("command not in shell allow-list")
}

// CheckInvoke decides whether pluginID may be invoked cross-plugin.
func (s *Spec) CheckInvoke(pluginID string) Decision {
	if s != nil && MatchAny(s.Invoke, pluginID) {
		return allow()
	}
	return deny("plugin not in invoke allow-list")
}

// CheckNamespace decides whether a state namespace is visible.
func (s *Spec) CheckNamespace(ns string) Decision {
	if s != nil && MatchAny(s.State.Namespaces, ns) {
		return allow()
	}
	return deny("namespace not in state allow-list")
}

// alwaysAllowedEnv are environment keys readable without a declared grant.
var alwaysAllowedEnv = []string{"ENV", "CI", "DEBUG", "TZ", "LANG"}

// CheckEnv decides whether an environment variable may be read.
func (s *Spec) CheckEnv(key string) Decision {
	for _, k := range alwaysAllowedEnv {
		if key == k {
			return allow()
		}
	}
	if s != nil && MatchAny(s.Env, key) {
		return allow()
	}
	return deny("variable not in env allow-list")
}

// CheckService decides whether a platform service is enabled, and when
// target is non-empty, whether the grant's scope allows it. A scoped grant
// with an empty allow-list admits any target once enabled.
func (s *Spec) CheckService(name, target string) Decision {
	g := s.Service(name)
	if !g.Enabled {
		return deny("service %q not granted", name)
	}
	if target == "" || len(g.Allow) == 0 {
		return allow()
	}
	if MatchAny(g.Allow, target) {
		return allow()
	}
	return deny("target not in %q service allow-list", name)
}
