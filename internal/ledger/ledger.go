package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no block matches a lookup.
	ErrNotFound = errors.New("ledger record not found")

	// ErrChainIntegrity is returned when the stored chain fails validation.
	// The ledger never repairs itself; repair requires a manual audit.
	ErrChainIntegrity = errors.New("ledger chain integrity check failed")
)

// IntegrityError describes the first block at which validation failed.
// It matches ErrChainIntegrity with errors.Is.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger chain invalid at block %d: %s", e.Index, e.Reason)
}

// Is implements errors.Is.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrChainIntegrity
}

// Store persists blocks. Implementations must make Append durable before
// returning and must never expose a partially written block.
type Store interface {
	// Blocks returns a snapshot of every stored block in index order.
	Blocks(ctx context.Context) ([]*Block, error)

	// Append durably stores b as the new tail.
	Append(ctx context.Context, b *Block) error

	// Kind names the backend ("memory", "file", "postgres").
	Kind() string

	Close() error
}

// Validation is the outcome of a full chain check.
type Validation struct {
	Valid             bool   `json:"valid"`
	FirstInvalidIndex *int   `json:"first_invalid_index,omitempty"`
	Reason            string `json:"reason,omitempty"`
	BlockCount        int    `json:"block_count"`
}

// ValidUpTo reports whether every block up to and including index checked out.
func (v *Validation) ValidUpTo(index int) bool {
	return v.Valid || (v.FirstInvalidIndex != nil && *v.FirstInvalidIndex > index)
}

// Err returns an *IntegrityError for an invalid result, nil otherwise.
func (v *Validation) Err() error {
	if v.Valid {
		return nil
	}
	idx := -1
	if v.FirstInvalidIndex != nil {
		idx = *v.FirstInvalidIndex
	}
	return &IntegrityError{Index: idx, Reason: v.Reason}
}

// ValidateBlocks checks hash recomputation, previous-hash linkage and index
// continuity for every block from genesis onward.
func ValidateBlocks(blocks []*Block) *Validation {
	v := &Validation{Valid: true, BlockCount: len(blocks)}
	fail := func(i int, reason string) *Validation {
		v.Valid = false
		v.FirstInvalidIndex = &i
		v.Reason = reason
		return v
	}

	if len(blocks) == 0 {
		return fail(0, "missing genesis block")
	}

	for i, curr := range blocks {
		if curr.Index != i {
			return fail(i, fmt.Sprintf("index discontinuity: stored %d at position %d", curr.Index, i))
		}
		if i == 0 {
			if curr.PreviousHash != GenesisPrevHash {
				return fail(0, "genesis previous hash is not the zero hash")
			}
			if curr.Payload.Type != RecordTypeGenesis {
				return fail(0, "genesis payload is not the genesis sentinel")
			}
		} else if curr.PreviousHash != blocks[i-1].BlockHash {
			return fail(i, "previous hash does not match predecessor")
		}
		if curr.BlockHash != hashBlock(curr) {
			return fail(i, "block hash does not match contents")
		}
	}
	return v
}

// Stats summarises the ledger.
type Stats struct {
	TotalBlocks    int       `json:"total_blocks"`
	ErasureRecords int       `json:"erasure_records"`
	LedgerType     string    `json:"ledger_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastBlockTime  time.Time `json:"last_block_time"`
	ChainValid     bool      `json:"chain_valid"`
}

// AppendHook is notified after every successful append.
type AppendHook func(b *Block)

// Ledger is the single-writer hash chain. Appends are serialised; reads take
// a snapshot from the store and validate it without holding the append lock.
type Ledger struct {
	store  Store
	logger *zap.Logger

	mu     sync.Mutex // serialises appends and guards tail/sealed
	tail   *Block
	sealed error // non-nil once the chain is known to be broken

	onAppend AppendHook
}

// Open loads the chain from store, creating the genesis block on an empty
// store, and validates it. A chain that fails validation is still returned
// so that it can be inspected and exported, but it is sealed against appends
// and the returned error wraps ErrChainIntegrity.
func Open(ctx context.Context, store Store, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: store, logger: logger}

	blocks, err := store.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	if len(blocks) == 0 {
		genesis := newGenesis()
		if err := store.Append(ctx, genesis); err != nil {
			return nil, fmt.Errorf("write genesis block: %w", err)
		}
		logger.Info("ledger initialised with genesis block",
			zap.String("store", store.Kind()),
			zap.String("hash", genesis.BlockHash),
		)
		blocks = []*Block{genesis}
	}

	l.tail = blocks[len(blocks)-1]

	if v := ValidateBlocks(blocks); !v.Valid {
		l.sealed = v.Err()
		logger.Error("ledger failed validation on load; appends disabled",
			zap.String("store", store.Kind()),
			zap.Error(l.sealed),
		)
		return l, l.sealed
	}

	logger.Info("ledger loaded",
		zap.String("store", store.Kind()),
		zap.Int("blocks", len(blocks)),
		zap.String("root", l.tail.BlockHash),
	)
	return l, nil
}

// SetAppendHook registers fn to be called after each successful append.
func (l *Ledger) SetAppendHook(fn AppendHook) {
	l.onAppend = fn
}

// Kind returns the backing store's kind.
func (l *Ledger) Kind() string { return l.store.Kind() }

// Append chains a new block carrying rec onto the tail.
func (l *Ledger) Append(ctx context.Context, rec Record) (*Block, error) {
	if rec.Type == "" {
		rec.Type = RecordTypeErasure
	}
	if rec.Type == RecordTypeGenesis {
		return nil, fmt.Errorf("append: genesis records cannot be appended")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed != nil {
		return nil, fmt.Errorf("append refused: %w", l.sealed)
	}

	now := blockTime()
	if !now.After(l.tail.Timestamp) {
		now = l.tail.Timestamp.Add(time.Microsecond)
	}

	b := &Block{
		Index:         l.tail.Index + 1,
		Timestamp:     now,
		TransactionID: transactionID(rec, now),
		Payload:       rec,
		PreviousHash:  l.tail.BlockHash,
	}
	b.BlockHash = hashBlock(b)

	if err := l.store.Append(ctx, b); err != nil {
		return nil, fmt.Errorf("persist block %d: %w", b.Index, err)
	}
	l.tail = b

	l.logger.Debug("ledger block appended",
		zap.Int("index", b.Index),
		zap.String("txn", b.TransactionID),
		zap.String("serial", rec.DeviceSerial),
	)
	if l.onAppend != nil {
		l.onAppend(b)
	}
	cp := *b
	return &cp, nil
}

// Seal disables appends after an out-of-band integrity failure.
func (l *Ledger) Seal(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed == nil {
		l.sealed = err
	}
}

// Sealed returns the error that sealed the ledger, or nil.
func (l *Ledger) Sealed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Root returns the hash of the chain tail.
func (l *Ledger) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail.BlockHash
}

// Export returns a complete, ordered snapshot of the chain including genesis.
func (l *Ledger) Export(ctx context.Context) ([]*Block, error) {
	blocks, err := l.store.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return blocks, nil
}

// Validate re-reads the stored chain and checks it end to end. A stored
// document that no longer decodes is an invalid result, not an error.
func (l *Ledger) Validate(ctx context.Context) (*Validation, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		if v, ok := undecodable(err); ok {
			return v, nil
		}
		return nil, err
	}
	return ValidateBlocks(blocks), nil
}

// undecodable turns a store decode failure into an invalid Validation.
func undecodable(err error) (*Validation, bool) {
	if !errors.Is(err, ErrChainIntegrity) {
		return nil, false
	}
	idx := 0
	var ie *IntegrityError
	if errors.As(err, &ie) && ie.Index >= 0 {
		idx = ie.Index
	}
	return &Validation{Valid: false, FirstInvalidIndex: &idx, Reason: err.Error()}, true
}

// Len returns the number of stored blocks, genesis included.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		return 0, err
	}
	return len(blocks), nil
}

// Get returns the block at index.
func (l *Ledger) Get(ctx context.Context, index int) (*Block, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(blocks) {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return blocks[index], nil
}

// FindBySerial returns every erasure block for serial, oldest first.
func (l *Ledger) FindBySerial(ctx context.Context, serial string) ([]*Block, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Block
	for _, b := range blocks {
		if b.IsErasure() && b.Payload.DeviceSerial == serial {
			out = append(out, b)
		}
	}
	return out, nil
}

// FindByCertificateDigest returns the most recent block recording digest.
func (l *Ledger) FindByCertificateDigest(ctx context.Context, digest string) (*Block, error) {
	return l.findLast(ctx, func(r *Record) bool { return r.CertificateHash == digest })
}

// FindByCertificateID returns the most recent block recording certificate id.
func (l *Ledger) FindByCertificateID(ctx context.Context, id string) (*Block, error) {
	return l.findLast(ctx, func(r *Record) bool { return r.CertificateID == id })
}

func (l *Ledger) findLast(ctx context.Context, match func(*Record) bool) (*Block, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].IsErasure() && match(&blocks[i].Payload) {
			return blocks[i], nil
		}
	}
	return nil, ErrNotFound
}

// Stats summarises the stored chain. ChainValid is computed from the
// store's current contents on every call.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	blocks, err := l.Export(ctx)
	if err != nil {
		if _, ok := undecodable(err); ok {
			return &Stats{LedgerType: l.store.Kind(), ChainValid: false}, nil
		}
		return nil, err
	}
	s := &Stats{
		TotalBlocks: len(blocks),
		LedgerType:  l.store.Kind(),
		ChainValid:  ValidateBlocks(blocks).Valid,
	}
	if len(blocks) > 0 {
		s.CreatedAt = blocks[0].Timestamp
		s.LastBlockTime = blocks[len(blocks)-1].Timestamp
	}
	for _, b := range blocks {
		if b.IsErasure() {
			s.ErasureRecords++
		}
	}
	return s, nil
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
