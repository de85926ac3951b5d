package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/permission"
)

func validRequest() *Request {
	return &Request{
		ExecutionID: "exec-1",
		Descriptor: PluginDescriptor{
			PluginID: "tools.echo",
			TenantID: "acme",
			Host:     HostCLI,
			CLI:      &CLIContext{Args: []string{"echo"}},
		},
		HandlerRef: "handlers/echo#run",
		Workspace:  Workspace{Type: WorkspaceLocal, Cwd: "/tmp"},
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validRequest().Validate())

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing execution id", func(r *Request) { r.ExecutionID = "" }},
		{"missing handler ref", func(r *Request) { r.HandlerRef = "" }},
		{"handler ref without export", func(r *Request) { r.HandlerRef = "handlers/echo" }},
		{"missing plugin id", func(r *Request) { r.Descriptor.PluginID = "" }},
		{"missing tenant", func(r *Request) { r.Descriptor.TenantID = "" }},
		{"bad host", func(r *Request) { r.Descriptor.Host = "batch" }},
		{"bad workspace type", func(r *Request) { r.Workspace.Type = "nfs" }},
		{"negative timeout", func(r *Request) { r.TimeoutMs = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := validRequest()
			tc.mutate(r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRequestCloneDoesNotAliasTarget(t *testing.T) {
	t.Parallel()

	r := validRequest()
	r.Target = &Target{Workdir: "/a"}

	c := r.WithWorkdir("/b")
	c.Target.Workdir = "/changed"

	assert.Equal(t, "/a", r.Target.Workdir)
	assert.Equal(t, "/tmp", r.Workspace.Cwd)
	assert.Equal(t, "/b", c.Workspace.Cwd)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	e := Classify(permission.Denied("fs.read", "/etc/passwd", "no read permission"))
	assert.Equal(t, CodePermissionDenied, e.Code)
	assert.Equal(t, "/etc/passwd", e.Details["target"])

	assert.Equal(t, CodeTimeout, Classify(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeAborted, Classify(context.Canceled).Code)

	typed := &Error{Code: CodeHandlerNotFound, Message: "nope"}
	assert.Same(t, typed, Classify(typed))

	assert.Equal(t, CodeHandlerError, Classify(assert.AnError).Code)
}

func TestCodeClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, CodeQueueFull.Transient())
	assert.True(t, CodeWorkerCrashed.Transient())
	assert.False(t, CodePermissionDenied.Transient())
	assert.False(t, CodeValidationError.Transient())

	assert.Equal(t, 504, CodeTimeout.HTTPStatus())
	assert.Equal(t, 403, CodePermissionDenied.HTTPStatus())
	assert.Equal(t, 429, CodeQueueFull.HTTPStatus())
	assert.Equal(t, 503, CodeAcquireTimeout.HTTPStatus())
	assert.Equal(t, 500, CodeWorkerCrashed.HTTPStatus())
	assert.Equal(t, 500, CodeUnknown.HTTPStatus())
}

func TestResultShape(t *testing.T) {
	t.Parallel()

	ok := Success([]byte(`{"n":1}`), 120*time.Millisecond)
	assert.True(t, ok.OK)
	assert.Nil(t, ok.Err)
	assert.Equal(t, int64(120), ok.ExecutionTimeMs)

	fail := Failure(CodeTimeout, "execution timed out after 50ms", 50*time.Millisecond)
	assert.False(t, fail.OK)
	assert.Nil(t, fail.Data)
	require.NotNil(t, fail.Err)
	assert.Equal(t, int64(50), fail.ExecutionTimeMs)
}

func TestDescriptorJSONRoundTrip(t *testing.T) {
	t.Parallel()

	r := validRequest()
	r.Descriptor.Permissions = &permission.Spec{
		FS:  permission.FSPermission{Read: []string{"/data/*"}},
		Env: []string{"APP_*"},
		Services: map[string]permission.ServiceGrant{
			permission.ServiceWorkflows: {Enabled: true, Allow: []string{"deploy-*"}},
		},
	}

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var back Request
	require.NoError(t, json.Unmarshal(b, &back))

	// Permission checks behave identically after the round trip.
	orig, parsed := r.Descriptor.Permissions, back.Descriptor.Permissions
	for _, path := range []string{"/data/x", "/etc/hosts", "/data/.env"} {
		assert.Equal(t,
			orig.CheckPath(permission.PathRead, path).Allowed,
			parsed.CheckPath(permission.PathRead, path).Allowed,
			"path %s", path)
	}
	assert.Equal(t,
		orig.CheckService(permission.ServiceWorkflows, "deploy-prod").Allowed,
		parsed.CheckService(permission.ServiceWorkflows, "deploy-prod").Allowed)
}
