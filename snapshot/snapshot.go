package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"

	"github.com/pkg/errors"

	"lokiseq/domain/engine"
)

// Checkpoint captures the engine after the command with sequence State.Seq.
type Checkpoint struct {
	State engine.State
	// InputOffset is the first input record not reflected in State.
	InputOffset uint64
	// OutputOffset is the first output record written after State.Seq.
	OutputOffset uint64
	// Digest is the sha256 of the encoded State.
	Digest string
}

// Seq is the last command folded into the checkpoint.
func (c Checkpoint) Seq() uint64 { return c.State.Seq }

func Encode(c Checkpoint) ([]byte, error) {
	if c.Digest == "" {
		d, err := Digest(c.State)
		if err != nil {
			return nil, err
		}
		c.Digest = d
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode checkpoint")
	}
	return buf.Bytes(), nil
}

// Decode parses a checkpoint and checks its digest.
func Decode(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Checkpoint{}, errors.Wrap(err, "decode checkpoint")
	}
	d, err := Digest(c.State)
	if err != nil {
		return Checkpoint{}, err
	}
	if d != c.Digest {
		return Checkpoint{}, errors.Errorf("checkpoint %d: digest mismatch", c.State.Seq)
	}
	return c, nil
}

// Digest fingerprints a state. Equal states always share a digest since
// engine.State is ordered and decimals encode canonically.
func Digest(st engine.State) (string, error) {
	canon := canonical(st)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(canon); err != nil {
		return "", errors.Wrap(err, "encode state")
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// canonical rewrites every decimal in st as a string. Two decimals with
// the same value can differ in exponent, which would change their gob form.
func canonical(st engine.State) canonState {
	out := canonState{Seq: st.Seq, NextTrade: st.NextTrade}
	for _, m := range st.Markets {
		cm := canonMarket{ID: m.ID, Base: m.Base, Quote: m.Quote, BaseScale: m.BaseScale, QuoteScale: m.QuoteScale}
		for _, o := range m.Bids {
			cm.Bids = append(cm.Bids, canonOrder{
				ID: uint64(o.ID), Account: o.Account, Side: uint8(o.Side), Type: uint8(o.Type),
				Price: o.Price.String(), Quantity: o.Quantity.String(), Remaining: o.Remaining.String(),
				Locked: o.Locked.String(), Status: uint8(o.Status),
			})
		}
		for _, o := range m.Asks {
			cm.Asks = append(cm.Asks, canonOrder{
				ID: uint64(o.ID), Account: o.Account, Side: uint8(o.Side), Type: uint8(o.Type),
				Price: o.Price.String(), Quantity: o.Quantity.String(), Remaining: o.Remaining.String(),
				Locked: o.Locked.String(), Status: uint8(o.Status),
			})
		}
		out.Markets = append(out.Markets, cm)
	}
	for _, b := range st.Balances {
		out.Balances = append(out.Balances, [4]string{b.Account, b.Asset, b.Balance.Available.String(), b.Balance.Locked.String()})
	}
	for _, c := range st.Closed {
		out.Closed = append(out.Closed, canonClosed{ID: uint64(c.ID), Account: c.Account, Status: uint8(c.Status)})
	}
	return out
}

type canonState struct {
	Seq       uint64
	NextTrade uint64
	Markets   []canonMarket
	Balances  [][4]string
	Closed    []canonClosed
}

type canonMarket struct {
	ID, Base, Quote       string
	BaseScale, QuoteScale int32
	Bids, Asks            []canonOrder
}

type canonOrder struct {
	ID                                 uint64
	Account                            string
	Side, Type, Status                 uint8
	Price, Quantity, Remaining, Locked string
}

type canonClosed struct {
	ID      uint64
	Account string
	Status  uint8
}
