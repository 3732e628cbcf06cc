package entrypoint

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

const rsaHostKeyBits = 3072

type keyGenerator struct {
	name string
	gen  func() (crypto.PrivateKey, error)
}

// hostKeyGenerators covers the key types a stock sshd_config expects,
// mirroring ssh-keygen -A.
func hostKeyGenerators() []keyGenerator {
	return []keyGenerator{
		{
			name: "rsa",
			gen: func() (crypto.PrivateKey, error) {
				return rsa.GenerateKey(rand.Reader, rsaHostKeyBits)
			},
		},
		{
			name: "ecdsa",
			gen: func() (crypto.PrivateKey, error) {
				return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			},
		},
		{
			name: "ed25519",
			gen: func() (crypto.PrivateKey, error) {
				_, priv, err := ed25519.GenerateKey(rand.Reader)

				return priv, err
			},
		},
	}
}

// writeHostKey generates one host key pair and writes it in OpenSSH
// format, the private key 0600 and the public key 0644.
func (e *Entrypoint) writeHostKey(g keyGenerator) error {
	priv, err := g.gen()
	if err != nil {
		return errors.Wrapf(err, "generating %s host key", g.name)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return errors.Wrapf(err, "encoding %s host key", g.name)
	}

	keyPath := filepath.Join(e.sshDir, "ssh_host_"+g.name+"_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return errors.Wrapf(err, "writing %s host key", g.name)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return errors.Wrapf(err, "loading %s host key", g.name)
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(keyPath+".pub", pub, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s public host key", g.name)
	}

	e.logger.Debug().Str("path", keyPath).Msg("host key written")

	return nil
}
