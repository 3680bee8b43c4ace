// Package crypto implements the blind Diffie-Hellman key exchange used by
// Cashu along with the DLEQ proofs that let a wallet verify signatures
// offline. See https://github.com/cashubtc/nuts/blob/main/00.md
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const hashToCurveDomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// HashToCurve maps a message to a point on the secp256k1 curve.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(hashToCurveDomainSeparator), message...))

	counterBytes := make([]byte, 4)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgToHash[:], counterBytes...))

		pkhash := append([]byte{0x02}, hash[:]...)
		point, err := secp256k1.ParsePubKey(pkhash)
		if err == nil {
			return point, nil
		}
	}
	return nil, errors.New("no valid point found")
}

// BlindMessage computes B_ = Y + rG, where Y = HashToCurve(secret).
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey,
	*secp256k1.PrivateKey,
	error,
) {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage computes C_ = kB_.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)
	rKPoint.ToAffine()

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify checks k * HashToCurve(secret) == C.
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}

	var Ypoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE computes e = SHA256(R1 || R2 || A || C_) over the hex encoded
// uncompressed serializations as defined in NUT-12.
func HashE(publicKeys []*secp256k1.PublicKey) [32]byte {
	var keysConcat []byte
	for _, key := range publicKeys {
		uncompressed := key.SerializeUncompressed()
		keysConcat = append(keysConcat, []byte(hex.EncodeToString(uncompressed))...)
	}
	return sha256.Sum256(keysConcat)
}

// GenerateDLEQ produces a proof that C_ was signed with the private key
// behind A, without revealing it.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	err error,
) {
	p, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := p.PubKey()

	var bpoint, r2point secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&p.Key, &bpoint, &r2point)
	r2point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2point.X, &r2point.Y)

	ehash := HashE([]*secp256k1.PublicKey{R1, R2, k.PubKey(), C_})
	e = secp256k1.PrivKeyFromBytes(ehash[:])

	// s = p + e*k
	var ek secp256k1.ModNScalar
	ek.Mul2(&e.Key, &k.Key)
	sKey := new(secp256k1.ModNScalar).Add2(&p.Key, &ek)
	s = secp256k1.NewPrivateKey(sKey)

	return e, s, nil
}

// VerifyDLEQ checks that R1 = sG - eA and R2 = sB_ - eC_ rebuild the
// challenge e.
func VerifyDLEQ(
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	A *secp256k1.PublicKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = sG - eA
	var sGPoint, eAPoint, r1Point, aPoint secp256k1.JacobianPoint
	s.PubKey().AsJacobian(&sGPoint)
	A.AsJacobian(&aPoint)
	secp256k1.ScalarMultNonConst(&eNeg, &aPoint, &eAPoint)
	eAPoint.ToAffine()
	secp256k1.AddNonConst(&sGPoint, &eAPoint, &r1Point)
	r1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1Point.X, &r1Point.Y)

	// R2 = sB_ - eC_
	var sBPoint, eCPoint, r2Point, bPoint, cPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	C_.AsJacobian(&cPoint)
	secp256k1.ScalarMultNonConst(&s.Key, &bPoint, &sBPoint)
	sBPoint.ToAffine()
	secp256k1.ScalarMultNonConst(&eNeg, &cPoint, &eCPoint)
	eCPoint.ToAffine()
	secp256k1.AddNonConst(&sBPoint, &eCPoint, &r2Point)
	r2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2Point.X, &r2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	var computed secp256k1.ModNScalar
	computed.SetByteSlice(hash[:])
	return e.Key.Equals(&computed)
}
