package market

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dappnorth/nftmarketd/pkg/crypto"
)

// TxType discriminates the signed transaction envelope.
type TxType string

const (
	TxTypeMint    TxType = "mint"    // registry: create a token
	TxTypeApprove TxType = "approve" // registry: operator approval
	TxTypeDeposit TxType = "deposit" // bank: credit payment funds
	TxTypeList    TxType = "list"    // marketplace: makeItem
	TxTypeBuy     TxType = "buy"     // marketplace: purchaseItem
)

// SignedTx is the wire form of every state mutation. The signature covers
// the keccak digest of the type plus the canonical payload JSON, and the
// recovered address must equal the acting party inside the payload.
type SignedTx struct {
	Type      TxType          `json:"type"`
	Mint      *MintPayload    `json:"mint,omitempty"`
	Approve   *ApprovePayload `json:"approve,omitempty"`
	Deposit   *DepositPayload `json:"deposit,omitempty"`
	List      *ListPayload    `json:"list,omitempty"`
	Buy       *BuyPayload     `json:"buy,omitempty"`
	Signature string          `json:"signature"` // 0x-prefixed, 65 bytes
}

// MintPayload creates a token in an asset registry.
type MintPayload struct {
	Registry common.Address `json:"registry"`
	URI      string         `json:"uri"`
	Owner    common.Address `json:"owner"`
	Nonce    uint64         `json:"nonce"`
}

// ApprovePayload grants or revokes an operator over all of Owner's tokens.
type ApprovePayload struct {
	Registry common.Address `json:"registry"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
	Owner    common.Address `json:"owner"`
	Nonce    uint64         `json:"nonce"`
}

// DepositPayload credits payment funds to the signer's own account.
type DepositPayload struct {
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
	Nonce  uint64         `json:"nonce"`
}

// ListPayload offers an asset at a fixed price (makeItem).
type ListPayload struct {
	Registry common.Address `json:"registry"`
	TokenID  uint64         `json:"tokenId"`
	Price    int64          `json:"price"`
	Seller   common.Address `json:"seller"`
	Nonce    uint64         `json:"nonce"`
}

// BuyPayload purchases a listing with an attached payment (purchaseItem).
type BuyPayload struct {
	ItemID  uint64         `json:"itemId"`
	Payment int64          `json:"payment"`
	Buyer   common.Address `json:"buyer"`
	Nonce   uint64         `json:"nonce"`
}

// payload returns the typed payload matching the envelope's Type.
func (tx *SignedTx) payload() (any, error) {
	switch tx.Type {
	case TxTypeMint:
		if tx.Mint == nil {
			return nil, fmt.Errorf("mint tx missing payload")
		}
		return tx.Mint, nil
	case TxTypeApprove:
		if tx.Approve == nil {
			return nil, fmt.Errorf("approve tx missing payload")
		}
		return tx.Approve, nil
	case TxTypeDeposit:
		if tx.Deposit == nil {
			return nil, fmt.Errorf("deposit tx missing payload")
		}
		return tx.Deposit, nil
	case TxTypeList:
		if tx.List == nil {
			return nil, fmt.Errorf("list tx missing payload")
		}
		return tx.List, nil
	case TxTypeBuy:
		if tx.Buy == nil {
			return nil, fmt.Errorf("buy tx missing payload")
		}
		return tx.Buy, nil
	default:
		return nil, fmt.Errorf("unknown tx type %q", tx.Type)
	}
}

// SigningHash returns the 32-byte digest the signature must cover.
func (tx *SignedTx) SigningHash() ([]byte, error) {
	p, err := tx.payload()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return crypto.TxDigest(string(tx.Type), b), nil
}

// ActingParty returns the identity the transaction acts for; the
// recovered signer must match it.
func (tx *SignedTx) ActingParty() (common.Address, error) {
	switch tx.Type {
	case TxTypeMint:
		return tx.Mint.Owner, nil
	case TxTypeApprove:
		return tx.Approve.Owner, nil
	case TxTypeDeposit:
		return tx.Deposit.To, nil
	case TxTypeList:
		return tx.List.Seller, nil
	case TxTypeBuy:
		return tx.Buy.Buyer, nil
	default:
		return common.Address{}, fmt.Errorf("unknown tx type %q", tx.Type)
	}
}

// Nonce returns the payload's replay-protection nonce.
func (tx *SignedTx) Nonce() (uint64, error) {
	switch tx.Type {
	case TxTypeMint:
		return tx.Mint.Nonce, nil
	case TxTypeApprove:
		return tx.Approve.Nonce, nil
	case TxTypeDeposit:
		return tx.Deposit.Nonce, nil
	case TxTypeList:
		return tx.List.Nonce, nil
	case TxTypeBuy:
		return tx.Buy.Nonce, nil
	default:
		return 0, fmt.Errorf("unknown tx type %q", tx.Type)
	}
}

// SignatureBytes decodes the hex signature.
func (tx *SignedTx) SignatureBytes() ([]byte, error) {
	s := strings.TrimPrefix(tx.Signature, "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// Sign fills in the envelope's signature using the given signer.
func (tx *SignedTx) Sign(signer *crypto.Signer) error {
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return err
	}
	tx.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// VerifySigner recovers the signer and checks it against the acting party.
func (tx *SignedTx) VerifySigner() error {
	actor, err := tx.ActingParty()
	if err != nil {
		return err
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := tx.SignatureBytes()
	if err != nil {
		return err
	}
	recovered, err := crypto.RecoverAddress(hash, sig)
	if err != nil {
		return err
	}
	if recovered != actor {
		return fmt.Errorf("signature by %s, expected %s", recovered.Hex(), actor.Hex())
	}
	return nil
}

// DecodeTx parses raw transaction bytes into a signed envelope.
func DecodeTx(raw []byte) (*SignedTx, error) {
	var tx SignedTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return &tx, nil
}
