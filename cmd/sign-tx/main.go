// Command sign-tx generates a keypair and prints signed marketplace
// transactions ready to POST to /api/v1/tx. Useful for exercising a
// devnet node without a wallet frontend.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dappnorth/nftmarketd/pkg/app/market"
	"github.com/dappnorth/nftmarketd/pkg/crypto"
)

func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	registryAddr := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	custodyAddr := common.HexToAddress("0x000000000000000000000000000000000000000C")

	txs := []*market.SignedTx{
		{
			Type: market.TxTypeDeposit,
			Deposit: &market.DepositPayload{
				To:     signer.Address(),
				Amount: 1_000_000,
				Nonce:  1,
			},
		},
		{
			Type: market.TxTypeMint,
			Mint: &market.MintPayload{
				Registry: registryAddr,
				URI:      "ipfs://QmSampleMetadata",
				Owner:    signer.Address(),
				Nonce:    2,
			},
		},
		{
			Type: market.TxTypeApprove,
			Approve: &market.ApprovePayload{
				Registry: registryAddr,
				Operator: custodyAddr,
				Approved: true,
				Owner:    signer.Address(),
				Nonce:    3,
			},
		},
		{
			Type: market.TxTypeList,
			List: &market.ListPayload{
				Registry: registryAddr,
				TokenID:  1,
				Price:    100,
				Seller:   signer.Address(),
				Nonce:    4,
			},
		},
	}

	for _, tx := range txs {
		if err := tx.Sign(signer); err != nil {
			fmt.Printf("Error signing %s tx: %v\n", tx.Type, err)
			os.Exit(1)
		}
		body, err := json.MarshalIndent(tx, "", "  ")
		if err != nil {
			fmt.Printf("Error encoding %s tx: %v\n", tx.Type, err)
			os.Exit(1)
		}
		fmt.Printf("--- %s transaction ---\n%s\n\n", tx.Type, body)
	}

	fmt.Println("POST each body to http://localhost:8080/api/v1/tx in order.")
}
