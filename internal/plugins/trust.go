package plugins

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// TrustLevel drives the install-time capability prompt.
type TrustLevel string

const (
	// no signature at all; install needs explicit admin confirmation
	TrustUnsigned TrustLevel = "unsigned"
	// valid signature from an unknown signer
	TrustSigned TrustLevel = "signed"
	// signer is on the administrator-managed allowlist
	TrustTrusted TrustLevel = "trusted"
)

// ProgramDigest is the SHA-256 over the plugin bytecode; signatures are
// made over this digest, not the raw file.
func ProgramDigest(program []byte) []byte {
	sum := sha256.Sum256(program)
	return sum[:]
}

func SignProgram(program []byte, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, ProgramDigest(program))
}

func VerifyProgram(program []byte, signature []byte, key ed25519.PublicKey) bool {
	if len(signature) != ed25519.SignatureSize || len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, ProgramDigest(program), signature)
}

// DetermineTrust classifies a plugin against the allowlisted signer keys.
func DetermineTrust(program []byte, signature []byte, trustedKeys []ed25519.PublicKey) TrustLevel {
	if len(signature) == 0 {
		return TrustUnsigned
	}
	for _, key := range trustedKeys {
		if VerifyProgram(program, signature, key) {
			return TrustTrusted
		}
	}
	// a well-formed signature from a signer we do not know
	if len(signature) == ed25519.SignatureSize {
		return TrustSigned
	}
	return TrustUnsigned
}
