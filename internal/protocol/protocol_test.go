package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/tunnelbay/tunnelbay/internal/remote"
)

// fakeExecutor records calls and returns canned stdout per script fragment.
type fakeExecutor struct {
	calls   []fakeCall
	respond func(script string, env map[string]string) (string, error)
}

type fakeCall struct {
	target remote.Target
	script string
	env    map[string]string
}

func (f *fakeExecutor) RunScript(_ context.Context, target remote.Target, script string, env map[string]string) (*remote.Result, error) {
	f.calls = append(f.calls, fakeCall{target: target, script: script, env: env})
	stdout, err := f.respond(script, env)
	if err != nil {
		return nil, err
	}
	return &remote.Result{Stdout: stdout, Payload: remote.ParsePayload(stdout)}, nil
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := NewDefaultRegistry(&fakeExecutor{})

	for _, tag := range []string{"wireguard", "openvpn", "ikev2", "shadowsocks"} {
		a, err := reg.Lookup(tag)
		if err != nil {
			t.Fatalf("lookup %s: %v", tag, err)
		}
		if a.Tag() != tag {
			t.Fatalf("adapter tag = %q, want %q", a.Tag(), tag)
		}
	}

	if _, err := reg.Lookup("pptp"); err == nil {
		t.Fatalf("expected error for unregistered protocol")
	}
}

func TestAddPeer_ParsesBundle(t *testing.T) {
	conf := "[Interface]\nPrivateKey = secret\n"
	exec := &fakeExecutor{respond: func(script string, env map[string]string) (string, error) {
		if env["PEER_NAME"] == "" {
			return "", fmt.Errorf("missing PEER_NAME")
		}
		return fmt.Sprintf("PEER_REF=pubkey-1\nCONFIG_B64=%s\n",
			base64.StdEncoding.EncodeToString([]byte(conf))), nil
	}}

	wg := NewWireGuard(exec)
	bundle, err := wg.AddPeer(context.Background(), remote.Target{Host: "1.2.3.4"}, "peer-a")
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if bundle.PublicRef != "pubkey-1" {
		t.Fatalf("public ref = %q", bundle.PublicRef)
	}
	if bundle.Artifact != conf {
		t.Fatalf("artifact = %q", bundle.Artifact)
	}
	if bundle.Name != "peer-a" {
		t.Fatalf("name = %q", bundle.Name)
	}

	call := exec.calls[0]
	if call.env["SERVER_HOST"] != "1.2.3.4" {
		t.Fatalf("SERVER_HOST = %q", call.env["SERVER_HOST"])
	}
	if call.env["WG_PORT"] != "51820" {
		t.Fatalf("static env missing: %v", call.env)
	}
}

func TestAddPeer_JSONTrailerBundle(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, map[string]string) (string, error) {
		return `{"peer_ref": "8388", "peer_secret": "pw", "method": "chacha20-ietf-poly1305"}` + "\n", nil
	}}

	ss := NewShadowsocks(exec)
	bundle, err := ss.AddPeer(context.Background(), remote.Target{Host: "h"}, "peer-b")
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if bundle.PublicRef != "8388" || bundle.SecretRef != "pw" {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestAddPeer_MissingRefFails(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, map[string]string) (string, error) {
		return "no trailer here\n", nil
	}}
	if _, err := NewOpenVPN(exec).AddPeer(context.Background(), remote.Target{}, "x"); err == nil {
		t.Fatalf("expected error when script returns no PEER_REF")
	}
}

func TestRemovePeer_PassesRef(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, map[string]string) (string, error) {
		return "STATUS=ok\n", nil
	}}
	ik := NewIKEv2(exec)
	if err := ik.RemovePeer(context.Background(), remote.Target{}, "alice"); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if exec.calls[0].env["PEER_REF"] != "alice" {
		t.Fatalf("PEER_REF = %q", exec.calls[0].env["PEER_REF"])
	}
	if !strings.Contains(exec.calls[0].script, "rereadsecrets") {
		t.Fatalf("unexpected script dispatched")
	}
}

func TestCheck_StatusPropagation(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, map[string]string) (string, error) {
		return "STATUS=down\n", nil
	}}
	if err := NewWireGuard(exec).Check(context.Background(), remote.Target{}); err == nil {
		t.Fatalf("expected check failure for STATUS=down")
	}

	exec.respond = func(string, map[string]string) (string, error) {
		return "PEERS=3\nSTATUS=ok\n", nil
	}
	if err := NewWireGuard(exec).Check(context.Background(), remote.Target{}); err != nil {
		t.Fatalf("check: %v", err)
	}
}
