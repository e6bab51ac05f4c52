package tenant

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"math/big"
)

// zeroizeKey overwrites the secret components of a private key in place.
// Tenant CA keys go through here when a generator is dropped, so removed
// tenants leave no live copies of their signing material behind.
func zeroizeKey(privateKey crypto.PrivateKey) {
	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		zeroizeBigInt(key.D)
		for _, prime := range key.Primes {
			zeroizeBigInt(prime)
		}
		zeroizeBigInt(key.Precomputed.Dp)
		zeroizeBigInt(key.Precomputed.Dq)
		zeroizeBigInt(key.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		zeroizeBigInt(key.D)
	case ed25519.PrivateKey:
		for i := range key {
			key[i] = 0
		}
	}
}

func zeroizeBigInt(value *big.Int) {
	if value == nil {
		return
	}
	words := value.Bits()
	for i := range words {
		words[i] = 0
	}
	value.SetInt64(0)
}
