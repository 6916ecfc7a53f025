package protocol

// Shadowsocks runs one ss-server instance per peer on its own port; PEER_REF
// is the port and revocation stops that instance.

const shadowsocksInstall = `#!/usr/bin/env bash
set -euo pipefail
export DEBIAN_FRONTEND=noninteractive
apt-get update -qq
apt-get install -y -qq shadowsocks-libev jq >/dev/null
mkdir -p /etc/shadowsocks-libev/peers
systemctl disable --now shadowsocks-libev >/dev/null 2>&1 || true
echo "STATUS=ok"
`

const shadowsocksAddPeer = `#!/usr/bin/env bash
set -euo pipefail
port=${SS_BASE_PORT}
while ss -lnt "sport = :$port" | grep -q LISTEN; do port=$((port + 1)); done
password=$(head -c 16 /dev/urandom | base64 | tr -d '/+=')
cat > "/etc/shadowsocks-libev/peers/${port}.json" <<EOF
{
  "server": "0.0.0.0",
  "server_port": ${port},
  "password": "${password}",
  "method": "${SS_METHOD}",
  "mode": "tcp_and_udp"
}
EOF
systemctl enable --now "shadowsocks-libev-server@peers/${port}" >/dev/null 2>&1 || \
  ss-server -c "/etc/shadowsocks-libev/peers/${port}.json" -f "/run/ss-${port}.pid"
echo "{\"peer_ref\": \"${port}\", \"peer_secret\": \"${password}\", \"method\": \"${SS_METHOD}\"}"
`

const shadowsocksRemovePeer = `#!/usr/bin/env bash
set -euo pipefail
systemctl disable --now "shadowsocks-libev-server@peers/${PEER_REF}" >/dev/null 2>&1 || true
[ -f "/run/ss-${PEER_REF}.pid" ] && kill "$(cat /run/ss-${PEER_REF}.pid)" 2>/dev/null || true
rm -f "/etc/shadowsocks-libev/peers/${PEER_REF}.json"
echo "STATUS=ok"
`

const shadowsocksCheck = `#!/usr/bin/env bash
set -euo pipefail
count=$(ls /etc/shadowsocks-libev/peers/*.json 2>/dev/null | wc -l)
echo "PEERS=${count}"
echo "STATUS=ok"
`

// NewShadowsocks returns the Shadowsocks variant.
func NewShadowsocks(exec Executor) Adapter {
	return &scriptVariant{
		tag:         "shadowsocks",
		exec:        exec,
		installBody: shadowsocksInstall,
		addPeerBody: shadowsocksAddPeer,
		removeBody:  shadowsocksRemovePeer,
		checkBody:   shadowsocksCheck,
	}
}
