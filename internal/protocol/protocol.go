// Package protocol implements the per-protocol tunnel adapters. Each variant
// knows how to install its server software, issue and revoke client
// credentials, and probe health on a remote host, all through parameterized
// shell scripts executed over SSH. Variants are selected through a dispatch
// registry keyed on the protocol tag; call sites never branch on strings.
package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/tunnelbay/tunnelbay/internal/remote"
)

// Executor runs a script against a target. *remote.Runner satisfies it; tests
// substitute fakes.
type Executor interface {
	RunScript(ctx context.Context, target remote.Target, script string, env map[string]string) (*remote.Result, error)
}

// CredentialBundle is one freshly issued client credential.
type CredentialBundle struct {
	// Name is the peer name the credential was issued under.
	Name string
	// PublicRef identifies the credential on the server for later
	// revocation (public key, client CN, port/user id).
	PublicRef string
	// SecretRef is the client-side secret, when the protocol has one.
	SecretRef string
	// Artifact is the generated client configuration text, when any.
	Artifact string
}

// Adapter is one protocol variant.
type Adapter interface {
	// Tag returns the protocol tag the variant is registered under.
	Tag() string
	// Install configures the protocol server on the host. It is
	// idempotent: re-running against a configured host overwrites rather
	// than erroring.
	Install(ctx context.Context, target remote.Target) error
	// AddPeer issues a fresh, distinct credential under the given name.
	AddPeer(ctx context.Context, target remote.Target, name string) (CredentialBundle, error)
	// RemovePeer revokes a specific credential.
	RemovePeer(ctx context.Context, target remote.Target, publicRef string) error
	// Check probes the server. Failures are informational, never fatal to
	// an order.
	Check(ctx context.Context, target remote.Target) error
}

// Registry is the dispatch table from protocol tag to adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// NewDefaultRegistry creates a registry with every built-in variant bound to
// the given executor.
func NewDefaultRegistry(exec Executor) *Registry {
	r := NewRegistry()
	r.Register(NewWireGuard(exec))
	r.Register(NewOpenVPN(exec))
	r.Register(NewIKEv2(exec))
	r.Register(NewShadowsocks(exec))
	return r
}

// Register binds an adapter under its tag, replacing any previous binding.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Tag()] = a
}

// Lookup returns the adapter for a tag.
func (r *Registry) Lookup(tag string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", tag)
	}
	return a, nil
}

// Tags returns the registered protocol tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	return tags
}

// scriptVariant is the shared execution skeleton: every built-in variant is a
// set of scripts plus the payload keys its scripts emit.
type scriptVariant struct {
	tag          string
	exec         Executor
	installBody  string
	addPeerBody  string
	removeBody   string
	checkBody    string
	staticEnv    map[string]string
}

func (v *scriptVariant) Tag() string { return v.tag }

func (v *scriptVariant) run(ctx context.Context, target remote.Target, script string, env map[string]string) (*remote.Result, error) {
	merged := make(map[string]string, len(v.staticEnv)+len(env)+1)
	merged["SERVER_HOST"] = target.Host
	for k, val := range v.staticEnv {
		merged[k] = val
	}
	for k, val := range env {
		merged[k] = val
	}
	return v.exec.RunScript(ctx, target, script, merged)
}

func (v *scriptVariant) Install(ctx context.Context, target remote.Target) error {
	if _, err := v.run(ctx, target, v.installBody, nil); err != nil {
		return fmt.Errorf("%s install: %w", v.tag, err)
	}
	return nil
}

func (v *scriptVariant) AddPeer(ctx context.Context, target remote.Target, name string) (CredentialBundle, error) {
	res, err := v.run(ctx, target, v.addPeerBody, map[string]string{"PEER_NAME": name})
	if err != nil {
		return CredentialBundle{}, fmt.Errorf("%s add peer: %w", v.tag, err)
	}
	bundle := CredentialBundle{
		Name:      name,
		PublicRef: res.Payload["PEER_REF"],
		SecretRef: res.Payload["PEER_SECRET"],
	}
	if bundle.PublicRef == "" {
		return CredentialBundle{}, fmt.Errorf("%s add peer: script returned no PEER_REF", v.tag)
	}
	if raw := res.Payload["CONFIG_B64"]; raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return CredentialBundle{}, fmt.Errorf("%s add peer: decode client config: %w", v.tag, err)
		}
		bundle.Artifact = string(decoded)
	}
	return bundle, nil
}

func (v *scriptVariant) RemovePeer(ctx context.Context, target remote.Target, publicRef string) error {
	if _, err := v.run(ctx, target, v.removeBody, map[string]string{"PEER_REF": publicRef}); err != nil {
		return fmt.Errorf("%s remove peer: %w", v.tag, err)
	}
	return nil
}

func (v *scriptVariant) Check(ctx context.Context, target remote.Target) error {
	res, err := v.run(ctx, target, v.checkBody, nil)
	if err != nil {
		return fmt.Errorf("%s check: %w", v.tag, err)
	}
	if res.Payload["STATUS"] != "ok" {
		return fmt.Errorf("%s check: status %q", v.tag, res.Payload["STATUS"])
	}
	return nil
}
