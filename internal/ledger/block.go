package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisPrevHash is the well-known PreviousHash of the genesis block.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Payload types.
const (
	RecordTypeGenesis = "genesis"
	RecordTypeErasure = "erasure_certificate"
)

// GenesisMessage is the sentinel message carried by the genesis payload.
const GenesisMessage = "ERASH Ledger Genesis Block"

// Record is the erasure record wrapped by a block.
type Record struct {
	Type            string     `json:"type"`
	Message         string     `json:"message,omitempty"`
	CertificateID   string     `json:"certificate_id,omitempty"`
	CertificateHash string     `json:"certificate_hash,omitempty"`
	DeviceSerial    string     `json:"device_serial,omitempty"`
	DeviceModel     string     `json:"device_model,omitempty"`
	DeviceType      string     `json:"device_type,omitempty"`
	DevicePath      string     `json:"device_path,omitempty"`
	WipeID          string     `json:"wipe_id,omitempty"`
	WipeMethod      string     `json:"wipe_method,omitempty"`
	WipeMode        string     `json:"wipe_mode,omitempty"`
	WipeStatus      string     `json:"wipe_status,omitempty"`
	WipeStart       *time.Time `json:"wipe_start,omitempty"`
	WipeEnd         *time.Time `json:"wipe_end,omitempty"`
	Simulated       bool       `json:"simulated,omitempty"`
}

// Block is one link of the chain.
type Block struct {
	Index         int       `json:"index"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
	Payload       Record    `json:"payload"`
	PreviousHash  string    `json:"previous_hash"`
	BlockHash     string    `json:"block_hash"`
}

// IsErasure reports whether the block carries an erasure record.
func (b *Block) IsErasure() bool {
	return b.Payload.Type == RecordTypeErasure
}

// HashValid reports whether BlockHash matches the block's contents.
func (b *Block) HashValid() bool {
	return b.BlockHash == hashBlock(b)
}

// hashBlock computes the SHA-256 over a block's index, timestamp, transaction
// id, canonical payload JSON and previous hash. BlockHash itself is excluded.
func hashBlock(b *Block) string {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		// Record holds only strings, bools and times; Marshal cannot fail.
		panic(fmt.Sprintf("ledger: marshal payload: %v", err))
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		b.Index, b.Timestamp.UTC().Format(time.RFC3339Nano),
		b.TransactionID, payload, b.PreviousHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// blockTime returns the current time at the precision every store can
// round-trip exactly (PostgreSQL timestamptz keeps microseconds).
func blockTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newGenesis() *Block {
	g := &Block{
		Index:         0,
		Timestamp:     blockTime(),
		TransactionID: "GENESIS",
		Payload: Record{
			Type:    RecordTypeGenesis,
			Message: GenesisMessage,
		},
		PreviousHash: GenesisPrevHash,
	}
	g.BlockHash = hashBlock(g)
	return g
}

// transactionID derives a provenance id from the record and the block time.
func transactionID(r Record, at time.Time) string {
	sum := sha256.Sum256([]byte(r.DeviceSerial + "_" + r.WipeID + "_" + at.Format(time.RFC3339Nano)))
	return "TXN-" + strings.ToUpper(hex.EncodeToString(sum[:])[:16])
}

func cloneBlocks(in []*Block) []*Block {
	out := make([]*Block, len(in))
	for i, b := range in {
		cp := *b
		out[i] = &cp
	}
	return out
}
