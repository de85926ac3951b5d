package permission

// Merge combines a manifest-declared base spec with a more specific override
// (for example a per-route policy). The override wins wherever it says
// anything at all for a category; categories the override is silent on fall
// back to the base. Service grants merge per key, override entries winning.
func Merge(base, override *Spec) *Spec {
	if base == nil && override == nil {
		return &Spec{}
	}
	if override == nil {
		out := *base
		return &out
	}
	if base == nil {
		out := *override
		return &out
	}

	out := Spec{
		FS: FSPermission{
			Read:  pickList(override.FS.Read, base.FS.Read),
			Write: pickList(override.FS.Write, base.FS.Write),
		},
		Net:    NetPermission{Hosts: pickList(override.Net.Hosts, base.Net.Hosts)},
		Env:    pickList(override.Env, base.Env),
		Shell:  pickList(override.Shell, base.Shell),
		Invoke: pickList(override.Invoke, base.Invoke),
		State: StatePermission{
			Namespaces:    pickList(override.State.Namespaces, base.State.Namespaces),
			MaxKeys:       pickInt(override.State.MaxKeys, base.State.MaxKeys),
			MaxValueBytes: pickInt(override.State.MaxValueBytes, base.State.MaxValueBytes),
		},
		Quotas: Quotas{
			TimeoutMs: pickInt64(override.Quotas.TimeoutMs, base.Quotas.TimeoutMs),
			MemoryMb:  pickInt64(override.Quotas.MemoryMb, base.Quotas.MemoryMb),
			CPUMs:     pickInt64(override.Quotas.CPUMs, base.Quotas.CPUMs),
		},
	}

	if len(base.Services) > 0 || len(override.Services) > 0 {
		out.Services = make(map[string]ServiceGrant, len(base.Services)+len(override.Services))
		for k, v := range base.Services {
			out.Services[k] = v
		}
		for k, v := range override.Services {
			out.Services[k] = v
		}
	}
	return &out
}

func pickList(override, base []string) []string {
	if len(override) > 0 {
		return override
	}
	return base
}

func pickInt(override, base int) int {
	if override != 0 {
		return override
	}
	return base
}

func pickInt64(override, base int64) int64 {
	if override != 0 {
		return override
	}
	return base
}
