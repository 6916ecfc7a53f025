package protocol

// IKEv2/IPsec via strongSwan with EAP-MSCHAPv2. Peers are EAP users; PEER_REF
// is the username and revocation removes the secrets entry.

const ikev2Install = `#!/usr/bin/env bash
set -euo pipefail
export DEBIAN_FRONTEND=noninteractive
apt-get update -qq
apt-get install -y -qq strongswan strongswan-pki libcharon-extra-plugins >/dev/null
mkdir -p /etc/ipsec.d/{private,certs,cacerts}
if [ ! -f /etc/ipsec.d/private/ca.key ]; then
  pki --gen --type rsa --size 4096 --outform pem > /etc/ipsec.d/private/ca.key
  pki --self --ca --lifetime 3650 --in /etc/ipsec.d/private/ca.key \
    --type rsa --dn "CN=${SERVER_HOST} Root CA" --outform pem > /etc/ipsec.d/cacerts/ca.crt
  pki --gen --type rsa --size 4096 --outform pem > /etc/ipsec.d/private/server.key
  pki --pub --in /etc/ipsec.d/private/server.key --type rsa | \
    pki --issue --lifetime 1825 --cacert /etc/ipsec.d/cacerts/ca.crt \
      --cakey /etc/ipsec.d/private/ca.key --dn "CN=${SERVER_HOST}" \
      --san "${SERVER_HOST}" --flag serverAuth --outform pem > /etc/ipsec.d/certs/server.crt
fi
cat > /etc/ipsec.conf <<EOF
config setup
  uniqueids=never
conn ikev2-eap
  auto=add
  keyexchange=ikev2
  ike=aes256-sha256-modp2048
  esp=aes256-sha256
  left=%any
  leftid=${SERVER_HOST}
  leftcert=server.crt
  leftsendcert=always
  leftsubnet=0.0.0.0/0
  right=%any
  rightauth=eap-mschapv2
  rightsourceip=10.10.10.0/24
  rightdns=1.1.1.1
  eap_identity=%identity
EOF
grep -q "server.key" /etc/ipsec.secrets 2>/dev/null || \
  echo ': RSA "server.key"' >> /etc/ipsec.secrets
sysctl -w net.ipv4.ip_forward=1 >/dev/null
iptables -t nat -C POSTROUTING -s 10.10.10.0/24 -o eth0 -j MASQUERADE 2>/dev/null || \
  iptables -t nat -A POSTROUTING -s 10.10.10.0/24 -o eth0 -j MASQUERADE
systemctl enable --now strongswan-starter >/dev/null 2>&1 || ipsec restart
echo "STATUS=ok"
`

const ikev2AddPeer = `#!/usr/bin/env bash
set -euo pipefail
password=$(head -c 18 /dev/urandom | base64 | tr -d '/+=')
echo "${PEER_NAME} : EAP \"${password}\"" >> /etc/ipsec.secrets
ipsec rereadsecrets
echo "PEER_REF=${PEER_NAME}"
echo "PEER_SECRET=${password}"
`

const ikev2RemovePeer = `#!/usr/bin/env bash
set -euo pipefail
sed -i "/^${PEER_REF} : EAP /d" /etc/ipsec.secrets
ipsec rereadsecrets
echo "STATUS=ok"
`

const ikev2Check = `#!/usr/bin/env bash
set -euo pipefail
if ipsec status >/dev/null 2>&1; then
  echo "STATUS=ok"
else
  echo "STATUS=down"
  exit 1
fi
`

// NewIKEv2 returns the strongSwan IKEv2 variant.
func NewIKEv2(exec Executor) Adapter {
	return &scriptVariant{
		tag:         "ikev2",
		exec:        exec,
		installBody: ikev2Install,
		addPeerBody: ikev2AddPeer,
		removeBody:  ikev2RemovePeer,
		checkBody:   ikev2Check,
	}
}
