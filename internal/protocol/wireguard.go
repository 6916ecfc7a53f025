package protocol

// WireGuard peers are identified by their public key; revocation removes the
// key from the interface and the persisted config.

const wireguardInstall = `#!/usr/bin/env bash
set -euo pipefail
export DEBIAN_FRONTEND=noninteractive
apt-get update -qq
apt-get install -y -qq wireguard qrencode >/dev/null
umask 077
mkdir -p /etc/wireguard
if [ ! -f /etc/wireguard/server.key ]; then
  wg genkey | tee /etc/wireguard/server.key | wg pubkey > /etc/wireguard/server.pub
fi
cat > /etc/wireguard/wg0.conf <<EOF
[Interface]
Address = ${WG_SUBNET}.1/24
ListenPort = ${WG_PORT}
PrivateKey = $(cat /etc/wireguard/server.key)
PostUp = iptables -t nat -A POSTROUTING -s ${WG_SUBNET}.0/24 -o eth0 -j MASQUERADE
PostDown = iptables -t nat -D POSTROUTING -s ${WG_SUBNET}.0/24 -o eth0 -j MASQUERADE
EOF
sysctl -w net.ipv4.ip_forward=1 >/dev/null
systemctl enable --now wg-quick@wg0 >/dev/null 2>&1 || systemctl restart wg-quick@wg0
echo "SERVER_PUBKEY=$(cat /etc/wireguard/server.pub)"
echo "STATUS=ok"
`

const wireguardAddPeer = `#!/usr/bin/env bash
set -euo pipefail
umask 077
key=$(wg genkey)
pub=$(echo "$key" | wg pubkey)
psk=$(wg genpsk)
octet=$(( $(wg show wg0 peers | wc -l) + 2 ))
ip="${WG_SUBNET}.${octet}"
wg set wg0 peer "$pub" preshared-key <(echo "$psk") allowed-ips "$ip/32"
wg-quick save wg0 >/dev/null 2>&1 || true
conf=$(cat <<EOF
[Interface]
PrivateKey = $key
Address = $ip/32
DNS = 1.1.1.1
[Peer]
PublicKey = $(cat /etc/wireguard/server.pub)
PresharedKey = $psk
Endpoint = ${SERVER_HOST}:${WG_PORT}
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
EOF
)
echo "PEER_REF=$pub"
echo "CONFIG_B64=$(echo "$conf" | base64 -w0)"
`

const wireguardRemovePeer = `#!/usr/bin/env bash
set -euo pipefail
wg set wg0 peer "${PEER_REF}" remove
wg-quick save wg0 >/dev/null 2>&1 || true
echo "STATUS=ok"
`

const wireguardCheck = `#!/usr/bin/env bash
set -euo pipefail
if wg show wg0 >/dev/null 2>&1; then
  echo "PEERS=$(wg show wg0 peers | wc -l)"
  echo "STATUS=ok"
else
  echo "STATUS=down"
  exit 1
fi
`

// NewWireGuard returns the WireGuard variant.
func NewWireGuard(exec Executor) Adapter {
	return &scriptVariant{
		tag:         "wireguard",
		exec:        exec,
		installBody: wireguardInstall,
		addPeerBody: wireguardAddPeer,
		removeBody:  wireguardRemovePeer,
		checkBody:   wireguardCheck,
		staticEnv: map[string]string{
			"WG_PORT":   "51820",
			"WG_SUBNET": "10.66.66",
		},
	}
}
