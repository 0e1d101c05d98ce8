package frost

import (
	"crypto/sha512"
	"encoding/binary"
	"sort"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/interfaces"
)

const (
	rhoDomain = "aura/frost/rho/v1"
)

// Scheme implements interfaces.ThresholdScheme. It is stateless; all
// per-signer state travels through the opaque nonce blob returned by Commit.
type Scheme struct {
	rand interfaces.Randomness
}

// New creates a scheme drawing entropy from rand.
func New(rand interfaces.Randomness) *Scheme {
	return &Scheme{rand: rand}
}

func (s *Scheme) randomScalar() *edwards25519.Scalar {
	wide := s.rand.Bytes(64)
	sc, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		// SetUniformBytes only fails on wrong input length.
		panic("frost: bad uniform bytes length")
	}
	return sc
}

// indexScalar maps a 1-based participant index into the scalar field.
func indexScalar(index uint32) (*edwards25519.Scalar, error) {
	if index == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "participant index must be nonzero")
	}
	var b [32]byte
	binary.LittleEndian.PutUint32(b[:4], index)
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "invalid participant index", err)
	}
	return sc, nil
}

// Deal splits a fresh group key into n shares with threshold m. The group
// secret exists only inside this call; callers receive the group public key
// and the per-participant shares.
func (s *Scheme) Deal(m, n int) ([]byte, []interfaces.ThresholdShare, error) {
	if m < 1 || m > n {
		return nil, nil, interfaces.Ef(interfaces.KindInvalidInput, "invalid threshold %d of %d", m, n)
	}

	// Polynomial f of degree m-1 with f(0) = group secret.
	coeffs := make([]*edwards25519.Scalar, m)
	for i := range coeffs {
		coeffs[i] = s.randomScalar()
	}
	groupPub := (&edwards25519.Point{}).ScalarBaseMult(coeffs[0])

	shares := make([]interfaces.ThresholdShare, 0, n)
	for i := 1; i <= n; i++ {
		x, err := indexScalar(uint32(i))
		if err != nil {
			return nil, nil, err
		}
		// Horner evaluation of f(x).
		acc := edwards25519.NewScalar().Set(coeffs[m-1])
		for j := m - 2; j >= 0; j-- {
			acc.MultiplyAdd(acc, x, coeffs[j])
		}
		pubShare := (&edwards25519.Point{}).ScalarBaseMult(acc)
		shares = append(shares, interfaces.ThresholdShare{
			Index:       uint32(i),
			Secret:      acc.Bytes(),
			PublicShare: pubShare.Bytes(),
		})
	}

	return groupPub.Bytes(), shares, nil
}

// Commit samples fresh hiding and binding nonces for one signing round.
// The returned nonce state is the serialized nonce pair and must be kept
// secret and used at most once.
func (s *Scheme) Commit(share interfaces.ThresholdShare) (interfaces.SigningCommitment, []byte, error) {
	d := s.randomScalar()
	e := s.randomScalar()
	hiding := (&edwards25519.Point{}).ScalarBaseMult(d)
	binding := (&edwards25519.Point{}).ScalarBaseMult(e)

	state := make([]byte, 0, 64)
	state = append(state, d.Bytes()...)
	state = append(state, e.Bytes()...)

	return interfaces.SigningCommitment{
		Index:   share.Index,
		Hiding:  hiding.Bytes(),
		Binding: binding.Bytes(),
	}, state, nil
}

// bindingFactors derives the per-participant binding scalars from the full
// commitment list and the message. The list is canonically ordered by index
// first so every signer computes identical factors.
func bindingFactors(msg []byte, commitments []interfaces.SigningCommitment) (map[uint32]*edwards25519.Scalar, []interfaces.SigningCommitment, error) {
	sorted := make([]interfaces.SigningCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	encoded := make([]byte, 0, len(sorted)*68)
	for _, c := range sorted {
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], c.Index)
		encoded = append(encoded, idx[:]...)
		encoded = append(encoded, c.Hiding...)
		encoded = append(encoded, c.Binding...)
	}

	factors := make(map[uint32]*edwards25519.Scalar, len(sorted))
	for _, c := range sorted {
		h := sha512.New()
		h.Write([]byte(rhoDomain))
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], c.Index)
		h.Write(idx[:])
		h.Write(msg)
		h.Write(encoded)
		wide := h.Sum(nil)
		rho, err := edwards25519.NewScalar().SetUniformBytes(wide)
		if err != nil {
			return nil, nil, interfaces.Wrap(interfaces.KindInternal, "binding factor derivation", err)
		}
		factors[c.Index] = rho
	}
	return factors, sorted, nil
}

// groupCommitment computes R = sum(D_j + rho_j * E_j).
func groupCommitment(sorted []interfaces.SigningCommitment, factors map[uint32]*edwards25519.Scalar) (*edwards25519.Point, error) {
	r := edwards25519.NewIdentityPoint()
	for _, c := range sorted {
		hiding, err := (&edwards25519.Point{}).SetBytes(c.Hiding)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInvalidInput, "malformed hiding commitment", err)
		}
		binding, err := (&edwards25519.Point{}).SetBytes(c.Binding)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInvalidInput, "malformed binding commitment", err)
		}
		bound := (&edwards25519.Point{}).ScalarMult(factors[c.Index], binding)
		r.Add(r, (&edwards25519.Point{}).Add(hiding, bound))
	}
	return r, nil
}

// challenge computes the Ed25519-compatible challenge scalar
// SHA-512(R || A || msg) reduced mod l.
func challenge(r *edwards25519.Point, groupPub, msg []byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	h.Write(r.Bytes())
	h.Write(groupPub)
	h.Write(msg)
	wide := h.Sum(nil)
	c, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "challenge derivation", err)
	}
	return c, nil
}

// lagrangeAtZero computes the Lagrange coefficient for participant index
// over the signer set, evaluated at zero.
func lagrangeAtZero(index uint32, set []uint32) (*edwards25519.Scalar, error) {
	xi, err := indexScalar(index)
	if err != nil {
		return nil, err
	}
	num := edwards25519.NewScalar()
	if _, err := num.SetCanonicalBytes(scalarOne()); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "lagrange init", err)
	}
	den := edwards25519.NewScalar()
	if _, err := den.SetCanonicalBytes(scalarOne()); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "lagrange init", err)
	}
	for _, j := range set {
		if j == index {
			continue
		}
		xj, err := indexScalar(j)
		if err != nil {
			return nil, err
		}
		num.Multiply(num, xj)
		den.Multiply(den, edwards25519.NewScalar().Subtract(xj, xi))
	}
	// den is nonzero because indices in the set are distinct.
	den.Invert(den)
	return num.Multiply(num, den), nil
}

func scalarOne() []byte {
	var one [32]byte
	one[0] = 1
	return one[:]
}

// PartialSign computes this signer's contribution z_i = d_i + e_i*rho_i +
// lambda_i * s_i * c for the given message and commitment set.
func (s *Scheme) PartialSign(share interfaces.ThresholdShare, nonceState, msg []byte, commitments []interfaces.SigningCommitment, groupPub []byte) (interfaces.PartialSignature, error) {
	if len(nonceState) != 64 {
		return interfaces.PartialSignature{}, interfaces.E(interfaces.KindInvalidInput, "malformed nonce state")
	}
	d, err := edwards25519.NewScalar().SetCanonicalBytes(nonceState[:32])
	if err != nil {
		return interfaces.PartialSignature{}, interfaces.Wrap(interfaces.KindInvalidInput, "malformed hiding nonce", err)
	}
	e, err := edwards25519.NewScalar().SetCanonicalBytes(nonceState[32:])
	if err != nil {
		return interfaces.PartialSignature{}, interfaces.Wrap(interfaces.KindInvalidInput, "malformed binding nonce", err)
	}
	secret, err := edwards25519.NewScalar().SetCanonicalBytes(share.Secret)
	if err != nil {
		return interfaces.PartialSignature{}, interfaces.Wrap(interfaces.KindInvalidInput, "malformed secret share", err)
	}

	factors, sorted, err := bindingFactors(msg, commitments)
	if err != nil {
		return interfaces.PartialSignature{}, err
	}
	rho, ok := factors[share.Index]
	if !ok {
		return interfaces.PartialSignature{}, interfaces.Ef(interfaces.KindProtocolViolation, "signer %d not in commitment set", share.Index)
	}
	r, err := groupCommitment(sorted, factors)
	if err != nil {
		return interfaces.PartialSignature{}, err
	}
	c, err := challenge(r, groupPub, msg)
	if err != nil {
		return interfaces.PartialSignature{}, err
	}

	set := make([]uint32, 0, len(sorted))
	for _, cm := range sorted {
		set = append(set, cm.Index)
	}
	lambda, err := lagrangeAtZero(share.Index, set)
	if err != nil {
		return interfaces.PartialSignature{}, err
	}

	// z = d + e*rho + lambda*s*c
	z := edwards25519.NewScalar().Multiply(e, rho)
	z.Add(z, d)
	lsc := edwards25519.NewScalar().Multiply(lambda, secret)
	lsc.Multiply(lsc, c)
	z.Add(z, lsc)

	return interfaces.PartialSignature{Index: share.Index, Zi: z.Bytes()}, nil
}

// Aggregate combines partial signatures into a 64-byte signature (R || z).
// The result is checked against the group public key before it is returned:
// an undersized or dishonest signer set yields a signature that cannot
// verify, which surfaces as a protocol violation here.
func (s *Scheme) Aggregate(msg []byte, commitments []interfaces.SigningCommitment, partials []interfaces.PartialSignature, groupPub []byte) ([]byte, error) {
	if len(partials) == 0 {
		return nil, interfaces.E(interfaces.KindProtocolViolation, "no partial signatures")
	}
	factors, sorted, err := bindingFactors(msg, commitments)
	if err != nil {
		return nil, err
	}
	r, err := groupCommitment(sorted, factors)
	if err != nil {
		return nil, err
	}

	z := edwards25519.NewScalar()
	seen := make(map[uint32]bool, len(partials))
	for _, p := range partials {
		if seen[p.Index] {
			return nil, interfaces.Ef(interfaces.KindProtocolViolation, "duplicate partial from signer %d", p.Index)
		}
		seen[p.Index] = true
		zi, err := edwards25519.NewScalar().SetCanonicalBytes(p.Zi)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInvalidInput, "malformed partial signature", err)
		}
		z.Add(z, zi)
	}

	sig := make([]byte, 0, 64)
	sig = append(sig, r.Bytes()...)
	sig = append(sig, z.Bytes()...)

	if !s.VerifySignature(groupPub, msg, sig) {
		return nil, interfaces.E(interfaces.KindProtocolViolation, "aggregated signature does not verify: threshold not met or invalid partial")
	}
	return sig, nil
}

// VerifySignature checks an aggregated signature (R || z) under the group
// public key using the standard Schnorr equation z*B == R + c*A.
func (s *Scheme) VerifySignature(groupPub, msg, sig []byte) bool {
	if len(sig) != 64 || len(groupPub) != 32 {
		return false
	}
	r, err := (&edwards25519.Point{}).SetBytes(sig[:32])
	if err != nil {
		return false
	}
	z, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	pub, err := (&edwards25519.Point{}).SetBytes(groupPub)
	if err != nil {
		return false
	}
	c, err := challenge(r, groupPub, msg)
	if err != nil {
		return false
	}
	lhs := (&edwards25519.Point{}).ScalarBaseMult(z)
	rhs := (&edwards25519.Point{}).Add(r, (&edwards25519.Point{}).ScalarMult(c, pub))
	return lhs.Equal(rhs) == 1
}
