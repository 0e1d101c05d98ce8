package ceremony

import (
	"github.com/cloudflare/circl/hpke"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Per-recipient share wrapping: X25519 HPKE with ChaCha20-Poly1305, the
// same AEAD family the crypto effect defaults to.
var (
	hpkeKEM   = hpke.KEM_X25519_HKDF_SHA256
	hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
)

// randReader adapts the entropy effect to io.Reader for HPKE setup.
type randReader struct {
	r interfaces.Randomness
}

func (r randReader) Read(p []byte) (int, error) {
	copy(p, r.r.Bytes(len(p)))
	return len(p), nil
}

// NewRecipientKey derives an HPKE keypair from the entropy effect. Seeded
// simulations produce the same keypair every run.
func NewRecipientKey(rnd interfaces.Randomness) (pub, priv []byte, err error) {
	scheme := hpkeKEM.Scheme()
	pk, sk := scheme.DeriveKeyPair(rnd.Bytes(scheme.SeedSize()))
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, interfaces.Wrap(interfaces.KindInternal, "marshal hpke public key", err)
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, interfaces.Wrap(interfaces.KindInternal, "marshal hpke private key", err)
	}
	return pub, priv, nil
}

type sealedBox struct {
	Enc []byte `cbor:"1,keyasint"`
	Ct  []byte `cbor:"2,keyasint"`
}

func hpkeSeal(rnd interfaces.Randomness, recipientPub, plaintext, info []byte) ([]byte, error) {
	pk, err := hpkeKEM.Scheme().UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "recipient public key", err)
	}
	sender, err := hpkeSuite.NewSender(pk, info)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "hpke sender", err)
	}
	enc, sealer, err := sender.Setup(randReader{rnd})
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "hpke setup", err)
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "hpke seal", err)
	}
	return journal.Marshal(&sealedBox{Enc: enc, Ct: ct})
}

func hpkeOpen(recipientPriv, sealed, info []byte) ([]byte, error) {
	sk, err := hpkeKEM.Scheme().UnmarshalBinaryPrivateKey(recipientPriv)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "recipient private key", err)
	}
	var box sealedBox
	if err := journal.Unmarshal(sealed, &box); err != nil {
		return nil, err
	}
	receiver, err := hpkeSuite.NewReceiver(sk, info)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "hpke receiver", err)
	}
	opener, err := receiver.Setup(box.Enc)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindAuthenticationFailed, "hpke open setup", err)
	}
	pt, err := opener.Open(box.Ct, nil)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindAuthenticationFailed, "hpke open", err)
	}
	return pt, nil
}
