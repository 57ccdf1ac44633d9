package assets

import (
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ReceiptAck is the fixed acknowledgment a Receiver returns to accept custody
// of an item. The value is the first four bytes of the keccak256 hash of the
// canonical hook signature.
var ReceiptAck = computeReceiptAck()

func computeReceiptAck() [4]byte {
	digest := ethcrypto.Keccak256([]byte("onAssetReceived(address,address,string,uint64)"))
	var ack [4]byte
	copy(ack[:], digest[:4])
	return ack
}

// Receiver is implemented by module accounts that take custody of items. The
// ledger invokes the hook during an inbound transfer and refuses to settle
// unless the receiver responds with ReceiptAck. Hooks are in-process
// implementations registered when the node is assembled; plain accounts
// without a hook accept transfers silently.
type Receiver interface {
	OnAssetReceived(operator, from [20]byte, collection string, itemID uint64) ([4]byte, error)
}

// Collection describes a registered non-fungible collection.
type Collection struct {
	Symbol  string
	Name    string
	Creator [20]byte
}

// NormalizeSymbol canonicalises a collection symbol to uppercase and rejects
// empty values.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("assets: collection symbol must not be empty")
	}
	return trimmed, nil
}
