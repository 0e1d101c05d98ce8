package frost

import (
	"filippo.io/edwards25519"
	"github.com/hxrts/aura/interfaces"
)

// SubShares is one old holder's dealing toward a new share configuration.
// The holder's share is weighted by its Lagrange coefficient over the
// dealing set and re-split under a fresh polynomial of degree newM-1, so
// the summed sub-shares reconstruct the same group secret under the new
// threshold. The dealing set must contain at least the old threshold of
// distinct holders and must be identical for every dealer.
func (s *Scheme) SubShares(share interfaces.ThresholdShare, dealingSet []uint32, newM, newN int) ([]interfaces.ThresholdShare, error) {
	if newM < 1 || newM > newN {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "invalid threshold %d of %d", newM, newN)
	}
	inSet := false
	for _, idx := range dealingSet {
		if idx == share.Index {
			inSet = true
			break
		}
	}
	if !inSet {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "dealer %d not in dealing set", share.Index)
	}

	secret, err := edwards25519.NewScalar().SetCanonicalBytes(share.Secret)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "malformed secret share", err)
	}
	lambda, err := lagrangeAtZero(share.Index, dealingSet)
	if err != nil {
		return nil, err
	}

	// Polynomial g of degree newM-1 with g(0) = lambda * s.
	coeffs := make([]*edwards25519.Scalar, newM)
	coeffs[0] = edwards25519.NewScalar().Multiply(lambda, secret)
	for i := 1; i < newM; i++ {
		coeffs[i] = s.randomScalar()
	}

	subs := make([]interfaces.ThresholdShare, 0, newN)
	for j := 1; j <= newN; j++ {
		x, err := indexScalar(uint32(j))
		if err != nil {
			return nil, err
		}
		acc := edwards25519.NewScalar().Set(coeffs[newM-1])
		for k := newM - 2; k >= 0; k-- {
			acc.MultiplyAdd(acc, x, coeffs[k])
		}
		subs = append(subs, interfaces.ThresholdShare{
			Index:       uint32(j),
			Secret:      acc.Bytes(),
			PublicShare: (&edwards25519.Point{}).ScalarBaseMult(acc).Bytes(),
		})
	}
	return subs, nil
}

// CombineReceivedSubShares sums the sub-shares addressed to one new
// holder, one per dealer, into that holder's share.
func (s *Scheme) CombineReceivedSubShares(subs []interfaces.ThresholdShare) (interfaces.ThresholdShare, error) {
	if len(subs) == 0 {
		return interfaces.ThresholdShare{}, interfaces.E(interfaces.KindInvalidInput, "no sub-shares to combine")
	}
	idx := subs[0].Index
	sum := edwards25519.NewScalar()
	for _, sub := range subs {
		if sub.Index != idx {
			return interfaces.ThresholdShare{}, interfaces.Ef(interfaces.KindInvalidInput, "sub-share index %d does not match %d", sub.Index, idx)
		}
		sc, err := edwards25519.NewScalar().SetCanonicalBytes(sub.Secret)
		if err != nil {
			return interfaces.ThresholdShare{}, interfaces.Wrap(interfaces.KindInvalidInput, "malformed sub-share", err)
		}
		sum.Add(sum, sc)
	}
	return interfaces.ThresholdShare{
		Index:       idx,
		Secret:      sum.Bytes(),
		PublicShare: (&edwards25519.Point{}).ScalarBaseMult(sum).Bytes(),
	}, nil
}

// CombineSubShares sums the sub-shares addressed to each new index into
// the new holder shares. dealings holds one dealer's full sub-share list
// per element; every dealing must cover the same new index range.
func CombineSubShares(dealings [][]interfaces.ThresholdShare, newN int) ([]interfaces.ThresholdShare, error) {
	if len(dealings) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "no dealings to combine")
	}
	sums := make([]*edwards25519.Scalar, newN+1)
	for _, dealing := range dealings {
		if len(dealing) != newN {
			return nil, interfaces.Ef(interfaces.KindInvalidInput, "dealing covers %d indices, want %d", len(dealing), newN)
		}
		for _, sub := range dealing {
			if sub.Index == 0 || int(sub.Index) > newN {
				return nil, interfaces.Ef(interfaces.KindInvalidInput, "sub-share index %d out of range", sub.Index)
			}
			sc, err := edwards25519.NewScalar().SetCanonicalBytes(sub.Secret)
			if err != nil {
				return nil, interfaces.Wrap(interfaces.KindInvalidInput, "malformed sub-share", err)
			}
			if sums[sub.Index] == nil {
				sums[sub.Index] = edwards25519.NewScalar()
			}
			sums[sub.Index].Add(sums[sub.Index], sc)
		}
	}

	shares := make([]interfaces.ThresholdShare, 0, newN)
	for j := 1; j <= newN; j++ {
		if sums[j] == nil {
			return nil, interfaces.Ef(interfaces.KindInvalidInput, "no sub-shares for index %d", j)
		}
		shares = append(shares, interfaces.ThresholdShare{
			Index:       uint32(j),
			Secret:      sums[j].Bytes(),
			PublicShare: (&edwards25519.Point{}).ScalarBaseMult(sums[j]).Bytes(),
		})
	}
	return shares, nil
}
