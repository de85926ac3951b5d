package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"api.example.com", "api.example.com", true},
		{"api.example.com", "api.example.org", false},
		{"api.*", "api.example.com", true},
		{"api.*", "www.example.com", false},
		{"deploy-*", "deploy-prod", true},
		{"deploy-*", "deploy-", true},
		{"deploy-*", "deplo", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.candidate),
			"Match(%q, %q)", tc.pattern, tc.candidate)
	}
}

func TestCheckPathDeniesByDefault(t *testing.T) {
	t.Parallel()

	spec := &Spec{}
	d := spec.CheckPath(PathRead, "/data/input.txt")
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)

	// Empty allow-list denies everything for the category.
	spec = &Spec{FS: FSPermission{Read: []string{}}}
	assert.False(t, spec.CheckPath(PathRead, "/data/input.txt").Allowed)
}

func TestCheckPathAllowList(t *testing.T) {
	t.Parallel()

	spec := &Spec{FS: FSPermission{
		Read:  []string{"/data/*"},
		Write: []string{"/out/report.txt"},
	}}

	assert.True(t, spec.CheckPath(PathRead, "/data/input.txt").Allowed)
	assert.False(t, spec.CheckPath(PathWrite, "/data/input.txt").Allowed)
	assert.True(t, spec.CheckPath(PathWrite, "/out/report.txt").Allowed)
	assert.False(t, spec.CheckPath(PathWrite, "/out/other.txt").Allowed)
}

func TestCheckPathExtraRoots(t *testing.T) {
	t.Parallel()

	spec := &Spec{}
	assert.True(t, spec.CheckPath(PathRead, "/work/job1/in.json", "/work/job1").Allowed)
	assert.False(t, spec.CheckPath(PathRead, "/work/job2/in.json", "/work/job1").Allowed)
	// Escape attempts via .. must not count as inside the root.
	assert.False(t, spec.CheckPath(PathRead, "/work/job1/../job2/x", "/work/job1").Allowed)
}

func TestHardDenyFloorBeatsAllowList(t *testing.T) {
	t.Parallel()

	// Wildcard read grant plus cwd root: the floor still wins.
	spec := &Spec{FS: FSPermission{Read: []string{"*"}, Write: []string{"*"}}}

	for _, path := range []string{
		"./node_modules/x.js",
		"./.env",
		"/home/u/.env.local",
		"/repo/.git/config",
		"/home/u/.ssh/id_rsa",
		"/etc/certs/server.pem",
		"/srv/app/service.key",
		"/home/u/.aws/credentials",
	} {
		d := spec.CheckPath(PathRead, path, "/")
		assert.False(t, d.Allowed, "expected deny for %s", path)
		assert.Contains(t, d.Reason, "protected", "reason for %s", path)
	}

	// Benign neighbours are not swept up.
	assert.True(t, spec.CheckPath(PathRead, "/srv/app/environment.txt").Allowed)
	assert.True(t, spec.CheckPath(PathRead, "/srv/app/keynote.md").Allowed)
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()

	spec := &Spec{Shell: []string{"git", "go*"}}

	assert.True(t, spec.CheckCommand("git").Allowed)
	assert.True(t, spec.CheckCommand("/usr/bin/git").Allowed)
	assert.True(t, spec.CheckCommand("gofmt").Allowed)
	assert.False(t, spec.CheckCommand("curl").Allowed)

	// Blocklist applies even when the allow-list would match.
	spec = &Spec{Shell: []string{"*"}}
	for _, cmd := range []string{"rm", "/bin/rm", "sudo", "dd", "shutdown"} {
		d := spec.CheckCommand(cmd)
		assert.False(t, d.Allowed, "expected deny for %s", cmd)
	}
}

func TestCheckHostAndInvokeAndNamespace(t *testing.T) {
	t.Parallel()

	spec := &Spec{
		Net:    NetPermission{Hosts: []string{"api.example.com", "*.internal"}},
		Invoke: []string{"tools.*"},
		State:  StatePermission{Namespaces: []string{"cache", "session*"}},
	}

	assert.True(t, spec.CheckHost("api.example.com").Allowed)
	assert.False(t, spec.CheckHost("evil.example.com").Allowed)
	// Leading wildcards are not supported; only trailing-* is a prefix glob.
	assert.False(t, spec.CheckHost("db.internal").Allowed)

	assert.True(t, spec.CheckInvoke("tools.formatter").Allowed)
	assert.False(t, spec.CheckInvoke("billing.charge").Allowed)

	assert.True(t, spec.CheckNamespace("cache").Allowed)
	assert.True(t, spec.CheckNamespace("session-7").Allowed)
	assert.False(t, spec.CheckNamespace("admin").Allowed)
}

func TestCheckEnvAlwaysAllowedSet(t *testing.T) {
	t.Parallel()

	spec := &Spec{Env: []string{"APP_*"}}

	assert.True(t, spec.CheckEnv("CI").Allowed)
	assert.True(t, spec.CheckEnv("DEBUG").Allowed)
	assert.True(t, spec.CheckEnv("APP_TOKEN").Allowed)
	assert.False(t, spec.CheckEnv("HOME").Allowed)
	assert.False(t, (&Spec{}).CheckEnv("PATH").Allowed)
}

func TestCheckService(t *testing.T) {
	t.Parallel()

	spec := &Spec{Services: map[string]ServiceGrant{
		ServiceEvents:    {Enabled: true},
		ServiceWorkflows: {Enabled: true, Allow: []string{"deploy-*"}},
	}}

	assert.True(t, spec.CheckService(ServiceEvents, "").Allowed)
	assert.True(t, spec.CheckService(ServiceEvents, "any.topic").Allowed)
	assert.True(t, spec.CheckService(ServiceWorkflows, "deploy-prod").Allowed)
	assert.False(t, spec.CheckService(ServiceWorkflows, "teardown").Allowed)
	assert.False(t, spec.CheckService(ServiceLLM, "").Allowed)
}

func TestServiceGrantUnmarshalUnion(t *testing.T) {
	t.Parallel()

	var spec Spec
	require.NoError(t, json.Unmarshal([]byte(`{
		"services": {
			"events": true,
			"cache": false,
			"workflows": {"allow": ["deploy-*"]},
			"storage": {"enabled": true}
		}
	}`), &spec))

	assert.True(t, spec.Service(ServiceEvents).Enabled)
	assert.False(t, spec.Service(ServiceCache).Enabled)
	assert.True(t, spec.Service(ServiceWorkflows).Enabled, "allow-list implies enabled")
	assert.Equal(t, []string{"deploy-*"}, spec.Service(ServiceWorkflows).Allow)
	assert.True(t, spec.Service(ServiceStorage).Enabled)

	var fromYAML Spec
	require.NoError(t, yaml.Unmarshal([]byte(`
services:
  events: true
  workflows:
    allow: ["deploy-*"]
`), &fromYAML))
	assert.True(t, fromYAML.Service(ServiceEvents).Enabled)
	assert.True(t, fromYAML.Service(ServiceWorkflows).Enabled)
}

func TestMergeMoreSpecificWins(t *testing.T) {
	t.Parallel()

	base := &Spec{
		FS:     FSPermission{Read: []string{"/data/*"}},
		Env:    []string{"APP_*"},
		Quotas: Quotas{TimeoutMs: 30000},
		Services: map[string]ServiceGrant{
			ServiceEvents: {Enabled: true},
			ServiceCache:  {Enabled: true},
		},
	}
	override := &Spec{
		FS:     FSPermission{Read: []string{"/data/route7/*"}},
		Quotas: Quotas{TimeoutMs: 5000},
		Services: map[string]ServiceGrant{
			ServiceCache: {Enabled: false},
		},
	}

	merged := Merge(base, override)
	assert.Equal(t, []string{"/data/route7/*"}, merged.FS.Read)
	assert.Equal(t, []string{"APP_*"}, merged.Env, "silent category falls back to base")
	assert.Equal(t, int64(5000), merged.Quotas.TimeoutMs)
	assert.True(t, merged.Service(ServiceEvents).Enabled)
	assert.False(t, merged.Service(ServiceCache).Enabled)

	assert.NotNil(t, Merge(nil, nil))
	assert.Equal(t, base.Env, Merge(base, nil).Env)
	assert.Equal(t, override.Quotas, Merge(nil, override).Quotas)
}
