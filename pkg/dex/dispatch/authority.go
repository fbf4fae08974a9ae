package dispatch

import (
	"golang.org/x/crypto/ed25519"

	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/record"
)

// AuthoritySig is a detached ed25519 signature over an instruction's wire
// bytes, standing in for the Solana transaction-signer check the original
// program gates SweepFees/DisableMarket behind: instead of a runtime
// verifying an account was a co-signer of the enclosing transaction,
// critbook's dispatcher verifies the caller attached a valid signature from
// the market's configured authority key.
type AuthoritySig struct {
	PublicKey [32]byte
	Signature [64]byte
	Message   []byte
}

// verifyAuthority checks that sig was produced by m.Authority over
// sig.Message, rejecting any mismatch (wrong key, wrong message, or a
// signature that doesn't verify) with a single closed error so a caller
// can't distinguish "wrong key" from "bad signature" and narrow a brute
// force search.
func verifyAuthority(authority [4]uint64, sig *AuthoritySig) error {
	if sig == nil {
		return dexerr.ErrUnauthorized
	}
	want := record.WordsToBytes(authority)
	if want != sig.PublicKey {
		return dexerr.ErrUnauthorized
	}
	if !ed25519.Verify(ed25519.PublicKey(sig.PublicKey[:]), sig.Message, sig.Signature[:]) {
		return dexerr.ErrUnauthorized
	}
	return nil
}

// handleDisableMarket halts new order matching on the market. Resting
// orders and already-settled balances are unaffected; only NewOrderV3
// consults Market.Disabled (through the matching engine). The legacy
// NewOrder handler, which only enqueues a request record, does not.
func (d *Dispatcher) handleDisableMarket(req Request) error {
	if err := verifyAuthority(d.Accounts.Market.Authority, req.Authority); err != nil {
		return err
	}
	d.Accounts.Market.Disabled = true
	return nil
}

// handleSweepFees withdraws the market's accrued protocol fees (net of
// whatever's earmarked for referrer rebates, which SettleFunds pays out or
// folds in on its own) to the authority's wallet.
func (d *Dispatcher) handleSweepFees(req Request) error {
	if err := verifyAuthority(d.Accounts.Market.Authority, req.Authority); err != nil {
		return err
	}
	if req.CreditQuoteWallet == nil {
		return dexerr.ErrInvalidInstruction
	}
	amount := d.Accounts.Market.QuoteFeesAccrued
	req.CreditQuoteWallet(amount)
	d.Accounts.Market.QuoteFeesAccrued = 0
	return nil
}
