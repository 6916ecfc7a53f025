package protocol

// OpenVPN peers are client certificates; PEER_REF is the client CN and
// revocation runs through the CA's CRL.

const openvpnInstall = `#!/usr/bin/env bash
set -euo pipefail
export DEBIAN_FRONTEND=noninteractive
apt-get update -qq
apt-get install -y -qq openvpn easy-rsa >/dev/null
mkdir -p /etc/openvpn/easy-rsa
cp -r /usr/share/easy-rsa/* /etc/openvpn/easy-rsa/
cd /etc/openvpn/easy-rsa
export EASYRSA_BATCH=1
[ -d pki ] || ./easyrsa init-pki >/dev/null
[ -f pki/ca.crt ] || ./easyrsa build-ca nopass >/dev/null
[ -f pki/issued/server.crt ] || ./easyrsa build-server-full server nopass >/dev/null
[ -f pki/dh.pem ] || ./easyrsa gen-dh >/dev/null
[ -f /etc/openvpn/ta.key ] || openvpn --genkey secret /etc/openvpn/ta.key
cat > /etc/openvpn/server.conf <<EOF
port ${OVPN_PORT}
proto udp
dev tun
ca /etc/openvpn/easy-rsa/pki/ca.crt
cert /etc/openvpn/easy-rsa/pki/issued/server.crt
key /etc/openvpn/easy-rsa/pki/private/server.key
dh /etc/openvpn/easy-rsa/pki/dh.pem
tls-auth /etc/openvpn/ta.key 0
server 10.8.0.0 255.255.255.0
push "redirect-gateway def1 bypass-dhcp"
push "dhcp-option DNS 1.1.1.1"
keepalive 10 120
crl-verify /etc/openvpn/crl.pem
persist-key
persist-tun
EOF
./easyrsa gen-crl >/dev/null && cp pki/crl.pem /etc/openvpn/crl.pem
sysctl -w net.ipv4.ip_forward=1 >/dev/null
iptables -t nat -C POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE 2>/dev/null || \
  iptables -t nat -A POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE
systemctl enable --now openvpn@server >/dev/null 2>&1 || systemctl restart openvpn@server
echo "STATUS=ok"
`

const openvpnAddPeer = `#!/usr/bin/env bash
set -euo pipefail
cd /etc/openvpn/easy-rsa
export EASYRSA_BATCH=1
./easyrsa build-client-full "${PEER_NAME}" nopass >/dev/null
conf=$(cat <<EOF
client
dev tun
proto udp
remote ${SERVER_HOST} ${OVPN_PORT}
resolv-retry infinite
nobind
persist-key
persist-tun
remote-cert-tls server
key-direction 1
<ca>
$(cat pki/ca.crt)
</ca>
<cert>
$(cat "pki/issued/${PEER_NAME}.crt")
</cert>
<key>
$(cat "pki/private/${PEER_NAME}.key")
</key>
<tls-auth>
$(cat /etc/openvpn/ta.key)
</tls-auth>
EOF
)
echo "PEER_REF=${PEER_NAME}"
echo "CONFIG_B64=$(echo "$conf" | base64 -w0)"
`

const openvpnRemovePeer = `#!/usr/bin/env bash
set -euo pipefail
cd /etc/openvpn/easy-rsa
export EASYRSA_BATCH=1
./easyrsa revoke "${PEER_REF}" >/dev/null
./easyrsa gen-crl >/dev/null
cp pki/crl.pem /etc/openvpn/crl.pem
echo "STATUS=ok"
`

const openvpnCheck = `#!/usr/bin/env bash
set -euo pipefail
if systemctl is-active --quiet openvpn@server; then
  echo "STATUS=ok"
else
  echo "STATUS=down"
  exit 1
fi
`

// NewOpenVPN returns the OpenVPN variant.
func NewOpenVPN(exec Executor) Adapter {
	return &scriptVariant{
		tag:         "openvpn",
		exec:        exec,
		installBody: openvpnInstall,
		addPeerBody: openvpnAddPeer,
		removeBody:  openvpnRemovePeer,
		checkBody:   openvpnCheck,
		staticEnv: map[string]string{
			"OVPN_PORT": "1194",
		},
	}
}
