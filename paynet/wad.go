package paynet

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// WadPrefix marks the serialized wad format version.
const WadPrefix = "paynetB"

var ErrInvalidWad = errors.New("invalid wad")

// Wad is a bundle of proofs plus the URL of the node they
// were issued by. It is what wallets pass around.
type Wad struct {
	NodeURL string            `cbor:"n"`
	Unit    string            `cbor:"u"`
	Memo    string            `cbor:"m,omitempty"`
	Proofs  []WadKeysetProofs `cbor:"p"`
}

// WadKeysetProofs groups the proofs of a wad by keyset id so the
// id bytes are carried once per group.
type WadKeysetProofs struct {
	KeysetId []byte     `cbor:"i"`
	Proofs   []WadProof `cbor:"p"`
}

type WadProof struct {
	Amount uint64 `cbor:"a"`
	Secret string `cbor:"s"`
	C      []byte `cbor:"c"`
}

// NewWad groups proofs by keyset id into a compact wad.
func NewWad(proofs Proofs, nodeURL string, unit Unit, memo string) (*Wad, error) {
	grouped := make(map[string][]WadProof)
	order := make([]string, 0)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, fmt.Errorf("invalid C: %v", err)
		}
		if _, ok := grouped[proof.KeysetId]; !ok {
			order = append(order, proof.KeysetId)
		}
		grouped[proof.KeysetId] = append(grouped[proof.KeysetId], WadProof{
			Amount: proof.Amount,
			Secret: proof.Secret,
			C:      C,
		})
	}

	wadProofs := make([]WadKeysetProofs, len(order))
	for i, keysetId := range order {
		idBytes, err := hex.DecodeString(keysetId)
		if err != nil {
			return nil, fmt.Errorf("invalid keyset id: %v", err)
		}
		wadProofs[i] = WadKeysetProofs{KeysetId: idBytes, Proofs: grouped[keysetId]}
	}

	return &Wad{NodeURL: nodeURL, Unit: unit.String(), Memo: memo, Proofs: wadProofs}, nil
}

// Amount returns the checked total value of the wad.
func (w *Wad) Amount() (uint64, error) {
	var total uint64
	for _, group := range w.Proofs {
		for _, proof := range group.Proofs {
			var overflow bool
			total, overflow = OverflowAddUint64(total, proof.Amount)
			if overflow {
				return 0, ErrAmountOverflow
			}
		}
	}
	return total, nil
}

// FlatProofs expands the wad back into the wire proof representation.
func (w *Wad) FlatProofs() Proofs {
	proofs := make(Proofs, 0)
	for _, group := range w.Proofs {
		keysetId := hex.EncodeToString(group.KeysetId)
		for _, proof := range group.Proofs {
			proofs = append(proofs, Proof{
				Amount:   proof.Amount,
				KeysetId: keysetId,
				Secret:   proof.Secret,
				C:        hex.EncodeToString(proof.C),
			})
		}
	}
	return proofs
}

// Serialize encodes the wad deterministically as prefixed
// base64 over CBOR.
func (w *Wad) Serialize() (string, error) {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return "", err
	}
	data, err := mode.Marshal(w)
	if err != nil {
		return "", err
	}
	return WadPrefix + base64.URLEncoding.EncodeToString(data), nil
}

// DecodeWad parses a serialized wad string.
func DecodeWad(wadstr string) (*Wad, error) {
	if !strings.HasPrefix(wadstr, WadPrefix) {
		return nil, ErrInvalidWad
	}
	encoded := wadstr[len(WadPrefix):]

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("error decoding wad: %v", err)
		}
	}

	var wad Wad
	if err := cbor.Unmarshal(data, &wad); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}
	return &wad, nil
}
