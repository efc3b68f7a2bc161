package escrow

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/native/token"
)

const derivationSeed = "escrow"

// programIdentity pins derived addresses to this program. Changing it would
// orphan every live escrow, so it is versioned.
var programIdentity = ethcrypto.Keccak256([]byte("escrowd/settlement/v1"))

// ErrNoValidBump is returned when no bump in the 0..255 search range yields an
// off-curve address. The probability is about 2^-256; treat it as a fatal
// configuration error.
var ErrNoValidBump = errors.New("escrow: no valid derivation bump")

func deriveCandidate(seeds SeedTuple, bump uint8) []byte {
	return ethcrypto.Keccak256(
		[]byte(derivationSeed),
		seeds.ProceedsAccount[:],
		seeds.Receiver[:],
		seeds.SaleAsset[:],
		seeds.PurchaseAsset[:],
		seeds.RentPayer[:],
		programIdentity,
		[]byte{bump},
	)
}

// DeriveAddress walks bump values from 255 down and returns the first address
// whose candidate hash is not a valid secp256k1 x-coordinate. Such an address
// can never correspond to a private key, so only program logic can authorize
// movements out of accounts it owns.
func DeriveAddress(seeds SeedTuple) ([20]byte, uint8, error) {
	for i := 255; i >= 0; i-- {
		bump := uint8(i)
		candidate := deriveCandidate(seeds, bump)
		if !liesOnCurve(candidate) {
			return truncate(candidate), bump, nil
		}
	}
	return [20]byte{}, 0, ErrNoValidBump
}

// AddressForBump recomputes the derived address for a known bump. It reports
// false when the bump does not produce a program-owned address, which callers
// must treat as a derivation mismatch.
func AddressForBump(seeds SeedTuple, bump uint8) ([20]byte, bool) {
	candidate := deriveCandidate(seeds, bump)
	if liesOnCurve(candidate) {
		return [20]byte{}, false
	}
	return truncate(candidate), true
}

// HoldingAddress returns the canonical asset account that stores the escrowed
// units: the standard derived token account for (saleAsset, owner = escrow).
func HoldingAddress(saleAsset, escrowAddress [20]byte) [20]byte {
	return token.DeriveAccountAddress(saleAsset, escrowAddress)
}

func truncate(candidate []byte) [20]byte {
	var addr [20]byte
	copy(addr[:], candidate[12:])
	return addr
}

// liesOnCurve reports whether the 32-byte candidate is a valid secp256k1
// x-coordinate, i.e. whether y^2 = x^3 + 7 has a root modulo the field prime.
func liesOnCurve(candidate []byte) bool {
	params := ethcrypto.S256().Params()
	x := new(big.Int).SetBytes(candidate)
	if x.Cmp(params.P) >= 0 {
		return false
	}
	y2 := new(big.Int).Exp(x, big.NewInt(3), params.P)
	y2.Add(y2, params.B)
	y2.Mod(y2, params.P)
	return new(big.Int).ModSqrt(y2, params.P) != nil
}
