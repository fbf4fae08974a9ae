// Package market implements the market descriptor record: static
// parameters (lot sizes, mints, vault references, authority key) plus
// the accrued-fees counters.
package market

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/kshenoy-dev/critbook/pkg/dex/record"
)

// Size is the fixed byte length of a market record body.
const Size = 8 + 32 + 32 + 32 + 32 + 32 + 32 + 8 + 8 + 8 + 8 + 8 + 8 + 1 + 8 + 1 + 8 + 7

// Market is the decoded in-memory form of a market descriptor.
type Market struct {
	AccountFlags record.Flags

	OwnAddress   [4]uint64
	BaseVault    [4]uint64
	QuoteVault   [4]uint64
	BaseMint     [4]uint64
	QuoteMint    [4]uint64
	Authority    [4]uint64 // ed25519 public key gating SweepFees/DisableMarket

	BaseLotSize  uint64
	QuoteLotSize uint64

	BaseDepositsTotal  uint64
	QuoteDepositsTotal uint64

	QuoteFeesAccrued uint64

	VaultSignerNonce uint64

	FeeRateBps uint8 // reserved, currently always the fees-package schedule

	ReferrerRebatesAccrued uint64

	// PcDustThreshold is stored as InitializeMarket supplies it. SettleFunds
	// does not read it: it transfers the whole free quote balance, however
	// small.
	PcDustThreshold uint64

	Disabled bool
}

var ErrBadLength = errors.New("market: buffer has wrong length for a market record")

// DeriveVaultSigner computes the deterministic vault-signer identity for a
// market: sha256(ownAddress || nonce). The derived address proves a
// specific market instance controls its vaults without storing a private
// key anywhere.
func DeriveVaultSigner(ownAddress [4]uint64, nonce uint64) [32]byte {
	var buf [40]byte
	for i, w := range ownAddress {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	binary.LittleEndian.PutUint64(buf[32:], nonce)
	return sha256.Sum256(buf[:])
}

// InitParams collects the fields an InitializeMarket instruction supplies;
// every other Market field starts zeroed, matching a freshly allocated
// account.
type InitParams struct {
	OwnAddress       [4]uint64
	BaseVault        [4]uint64
	QuoteVault       [4]uint64
	BaseMint         [4]uint64
	QuoteMint        [4]uint64
	Authority        [4]uint64
	BaseLotSize      uint64
	QuoteLotSize     uint64
	FeeRateBps       uint8
	VaultSignerNonce uint64
	PcDustThreshold  uint64
}

// New lays out a fresh market record from InitParams: the account's
// deposit and fee counters all start at zero, and the Initialized|Market
// flags mark the record as live.
func New(p InitParams) *Market {
	m := &Market{
		OwnAddress:       p.OwnAddress,
		BaseVault:        p.BaseVault,
		QuoteVault:       p.QuoteVault,
		BaseMint:         p.BaseMint,
		QuoteMint:        p.QuoteMint,
		Authority:        p.Authority,
		BaseLotSize:      p.BaseLotSize,
		QuoteLotSize:     p.QuoteLotSize,
		FeeRateBps:       p.FeeRateBps,
		VaultSignerNonce: p.VaultSignerNonce,
		PcDustThreshold:  p.PcDustThreshold,
	}
	m.AccountFlags.Set(record.FlagInitialized)
	m.AccountFlags.Set(record.FlagMarket)
	return m
}

// Encode serializes m into a Size-byte buffer.
func (m *Market) Encode() []byte {
	buf := make([]byte, Size)
	w := record.NewWriter(buf)
	w.PutU64(uint64(m.AccountFlags))
	putWords(w, m.OwnAddress)
	putWords(w, m.BaseVault)
	putWords(w, m.QuoteVault)
	putWords(w, m.BaseMint)
	putWords(w, m.QuoteMint)
	putWords(w, m.Authority)
	w.PutU64(m.BaseLotSize)
	w.PutU64(m.QuoteLotSize)
	w.PutU64(m.BaseDepositsTotal)
	w.PutU64(m.QuoteDepositsTotal)
	w.PutU64(m.QuoteFeesAccrued)
	w.PutU64(m.VaultSignerNonce)
	w.PutU8(m.FeeRateBps)
	w.PutU64(m.ReferrerRebatesAccrued)
	disabled := uint8(0)
	if m.Disabled {
		disabled = 1
	}
	w.PutU8(disabled)
	w.PutU64(m.PcDustThreshold)
	w.Skip(7)
	return buf
}

// Decode parses a Size-byte buffer produced by Encode.
func Decode(buf []byte) (*Market, error) {
	if len(buf) != Size {
		return nil, ErrBadLength
	}
	r := record.NewReader(buf)
	m := &Market{}
	m.AccountFlags = record.Flags(r.U64())
	m.OwnAddress = getWords(r)
	m.BaseVault = getWords(r)
	m.QuoteVault = getWords(r)
	m.BaseMint = getWords(r)
	m.QuoteMint = getWords(r)
	m.Authority = getWords(r)
	m.BaseLotSize = r.U64()
	m.QuoteLotSize = r.U64()
	m.BaseDepositsTotal = r.U64()
	m.QuoteDepositsTotal = r.U64()
	m.QuoteFeesAccrued = r.U64()
	m.VaultSignerNonce = r.U64()
	m.FeeRateBps = r.U8()
	m.ReferrerRebatesAccrued = r.U64()
	m.Disabled = r.U8() != 0
	m.PcDustThreshold = r.U64()
	r.Skip(7)
	return m, nil
}

func putWords(w *record.Writer, words [4]uint64) {
	for _, v := range words {
		w.PutU64(v)
	}
}

func getWords(r *record.Reader) [4]uint64 {
	var out [4]uint64
	for i := range out {
		out[i] = r.U64()
	}
	return out
}
