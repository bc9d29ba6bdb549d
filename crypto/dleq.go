package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateDLEQ produces a non-interactive Chaum-Pedersen proof that
// C_ = kB_ used the same k as the published A = kG.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	nonce, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := nonce.PubKey()
	R2 := SignBlindedMessage(B_, nonce)

	eBytes := HashE(R1, R2, k.PubKey(), C_)
	e = secp256k1.PrivKeyFromBytes(eBytes[:])

	// s = nonce + e*k
	var sScalar secp256k1.ModNScalar
	sScalar.Mul2(&e.Key, &k.Key).Add(&nonce.Key)
	s = secp256k1.NewPrivateKey(&sScalar)

	return e, s, nil
}

// VerifyDLEQ checks the proof against the published key A, the
// blinded message B_ and the blinded signature C_:
//
//	R1 = s*G - e*A
//	R2 = s*B_ - e*C_
//	e == hash(R1, R2, A, C_)
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	R1 := subPoints(s.PubKey(), scalarMul(&e.Key, A))
	R2 := subPoints(SignBlindedMessage(B_, s), scalarMul(&e.Key, C_))

	hash := HashE(R1, R2, A, C_)
	return hex.EncodeToString(hash[:]) == hex.EncodeToString(e.Serialize())
}

// HashE derives the Fiat-Shamir challenge by hashing the
// uncompressed hex encodings of the transcript points.
func HashE(publicKeys ...*secp256k1.PublicKey) [32]byte {
	hash := sha256.New()
	for _, key := range publicKeys {
		hash.Write([]byte(hex.EncodeToString(key.SerializeUncompressed())))
	}

	var digest [32]byte
	copy(digest[:], hash.Sum(nil))
	return digest
}

func scalarMul(scalar *secp256k1.ModNScalar, point *secp256k1.PublicKey) *secp256k1.PublicKey {
	var p, result secp256k1.JacobianPoint
	point.AsJacobian(&p)
	secp256k1.ScalarMultNonConst(scalar, &p, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

func subPoints(a, b *secp256k1.PublicKey) *secp256k1.PublicKey {
	var apoint, bpoint, result secp256k1.JacobianPoint
	a.AsJacobian(&apoint)
	b.AsJacobian(&bpoint)
	bpoint.Y.Negate(1)
	bpoint.Y.Normalize()
	secp256k1.AddNonConst(&apoint, &bpoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}
