package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jmerrifield20/erash/internal/ledger"
)

var ctx = context.Background()

func erasure(serial, certID, digest string) ledger.Record {
	return ledger.Record{
		Type:            ledger.RecordTypeErasure,
		CertificateID:   certID,
		CertificateHash: digest,
		DeviceSerial:    serial,
		DeviceModel:     "Samsung SSD 970 EVO",
		DevicePath:      "/dev/sdb",
		WipeID:          "op-" + certID,
		WipeMethod:      "dod-3",
		WipeMode:        "simulated",
		WipeStatus:      "completed",
		Simulated:       true,
	}
}

func openMemory(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func openFile(t *testing.T, path string) (*ledger.Ledger, error) {
	t.Helper()
	return ledger.Open(ctx, ledger.NewFileStore(path), nil)
}

// writeBlocks rewrites a ledger file in the same one-block-per-line layout
// FileStore produces.
func writeBlocks(t *testing.T, path string, blocks []*ledger.Block) {
	t.Helper()
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		lines[i] = string(raw)
	}
	doc := "[\n" + strings.Join(lines, ",\n") + "\n]\n"
	if err := os.WriteFile(path, []byte(doc), 0o640); err != nil {
		t.Fatal(err)
	}
}

func readBlocks(t *testing.T, path string) []*ledger.Block {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := ledger.DecodeBlocks(data)
	if err != nil {
		t.Fatal(err)
	}
	return blocks
}

func TestOpen_createsGenesis(t *testing.T) {
	l := openMemory(t)

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 genesis block, got %d", n)
	}

	g, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if g.PreviousHash != ledger.GenesisPrevHash {
		t.Errorf("genesis previous hash: got %q", g.PreviousHash)
	}
	if g.Payload.Type != ledger.RecordTypeGenesis || g.Payload.Message != ledger.GenesisMessage {
		t.Errorf("unexpected genesis payload: %+v", g.Payload)
	}
	if l.Root() != g.BlockHash {
		t.Errorf("Root(): got %q, want genesis hash", l.Root())
	}
}

func TestOpen_genesisWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	l1, err := openFile(t, path)
	if err != nil {
		t.Fatal(err)
	}
	g1, _ := l1.Get(ctx, 0)

	l2, err := openFile(t, path)
	if err != nil {
		t.Fatal(err)
	}
	g2, _ := l2.Get(ctx, 0)
	n, _ := l2.Len(ctx)

	if n != 1 {
		t.Errorf("reopen added blocks: got %d", n)
	}
	if g1.BlockHash != g2.BlockHash {
		t.Errorf("genesis changed across reopen")
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := openMemory(t)

	b1, err := l.Append(ctx, erasure("SN-1", "c1", "d1"))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := l.Append(ctx, erasure("SN-2", "c2", "d2"))
	if err != nil {
		t.Fatal(err)
	}

	if b1.Index != 1 || b2.Index != 2 {
		t.Errorf("indexes: got %d, %d", b1.Index, b2.Index)
	}
	if b2.PreviousHash != b1.BlockHash {
		t.Errorf("chain broken: b2.PreviousHash=%q, want %q", b2.PreviousHash, b1.BlockHash)
	}
	if !b2.Timestamp.After(b1.Timestamp) {
		t.Errorf("timestamps not increasing: %v then %v", b1.Timestamp, b2.Timestamp)
	}
	if !strings.HasPrefix(b1.TransactionID, "TXN-") || len(b1.TransactionID) != 20 {
		t.Errorf("unexpected transaction id %q", b1.TransactionID)
	}
}

func TestAppend_validAfterEveryAppend(t *testing.T) {
	l := openMemory(t)
	for i := 0; i < 10; i++ {
		if _, err := l.Append(ctx, erasure("SN", "c", "d")); err != nil {
			t.Fatal(err)
		}
		v, err := l.Validate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !v.Valid {
			t.Fatalf("chain invalid after append %d: %+v", i, v)
		}
		if v.BlockCount != i+2 {
			t.Errorf("BlockCount: got %d, want %d", v.BlockCount, i+2)
		}
	}
}

func TestAppend_rejectsGenesisRecord(t *testing.T) {
	l := openMemory(t)
	if _, err := l.Append(ctx, ledger.Record{Type: ledger.RecordTypeGenesis}); err == nil {
		t.Error("expected error appending a genesis record")
	}
}

func TestAppend_concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := openFile(t, path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, erasure("SN", "c", "d")); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := l.Validate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.BlockCount != 21 {
		t.Errorf("after concurrent appends: %+v", v)
	}
}

func TestFileStore_layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.json")
	l, err := openFile(t, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, erasure("SN-1", "c1", "d1")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 || lines[0] != "[" || lines[3] != "]" {
		t.Fatalf("unexpected layout:\n%s", data)
	}
	if !strings.HasSuffix(lines[1], ",") {
		t.Errorf("genesis line should end with a separator: %q", lines[1])
	}
	var doc []json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Errorf("ledger file is not valid JSON: %v", err)
	}
}

func TestFileStore_reopenKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, _ := openFile(t, path)
	b, _ := l.Append(ctx, erasure("SN-1", "c1", "d1"))

	l2, err := openFile(t, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l2.Root() != b.BlockHash {
		t.Errorf("Root after reopen: got %q, want %q", l2.Root(), b.BlockHash)
	}
	b2, err := l2.Append(ctx, erasure("SN-2", "c2", "d2"))
	if err != nil {
		t.Fatal(err)
	}
	if b2.Index != 2 || b2.PreviousHash != b.BlockHash {
		t.Errorf("append after reopen did not extend the chain: %+v", b2)
	}
}

func TestValidate_detectsTampering(t *testing.T) {
	cases := []struct {
		name   string
		target int
		edit   func(b *ledger.Block)
	}{
		{"payload serial", 2, func(b *ledger.Block) { b.Payload.DeviceSerial = "FORGED" }},
		{"payload status", 1, func(b *ledger.Block) { b.Payload.WipeStatus = "failed" }},
		{"timestamp", 3, func(b *ledger.Block) { b.Timestamp = b.Timestamp.Add(1) }},
		{"previous hash", 2, func(b *ledger.Block) { b.PreviousHash = strings.Repeat("a", 64) }},
		{"block hash", 1, func(b *ledger.Block) { b.BlockHash = strings.Repeat("b", 64) }},
		{"genesis message", 0, func(b *ledger.Block) { b.Payload.Message = "rewritten" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ledger.json")
			l, _ := openFile(t, path)
			for i := 0; i < 3; i++ {
				if _, err := l.Append(ctx, erasure("SN", "c", "d")); err != nil {
					t.Fatal(err)
				}
			}

			blocks := readBlocks(t, path)
			tc.edit(blocks[tc.target])
			writeBlocks(t, path, blocks)

			v, err := l.Validate(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if v.Valid {
				t.Fatal("expected tampered chain to be invalid")
			}
			if v.FirstInvalidIndex == nil || *v.FirstInvalidIndex != tc.target {
				t.Errorf("FirstInvalidIndex: got %v, want %d", v.FirstInvalidIndex, tc.target)
			}
			if !v.ValidUpTo(tc.target - 1) {
				t.Errorf("blocks before %d should still count as valid", tc.target)
			}
		})
	}
}

func TestValidate_detectsDeletedBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, _ := openFile(t, path)
	for i := 0; i < 3; i++ {
		_, _ = l.Append(ctx, erasure("SN", "c", "d"))
	}

	blocks := readBlocks(t, path)
	blocks = append(blocks[:2], blocks[3:]...)
	writeBlocks(t, path, blocks)

	v, _ := l.Validate(ctx)
	if v.Valid || *v.FirstInvalidIndex != 2 {
		t.Errorf("expected failure at 2, got %+v", v)
	}
}

func TestOpen_tamperedFileSealsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, _ := openFile(t, path)
	_, _ = l.Append(ctx, erasure("SN", "c", "d"))

	blocks := readBlocks(t, path)
	blocks[1].Payload.CertificateHash = "forged"
	writeBlocks(t, path, blocks)

	l2, err := openFile(t, path)
	if !errors.Is(err, ledger.ErrChainIntegrity) {
		t.Fatalf("expected ErrChainIntegrity, got %v", err)
	}
	var ie *ledger.IntegrityError
	if !errors.As(err, &ie) || ie.Index != 1 {
		t.Errorf("expected IntegrityError at 1, got %v", err)
	}
	if l2 == nil {
		t.Fatal("sealed ledger should still be returned for inspection")
	}
	if _, err := l2.Append(ctx, erasure("SN", "c", "d")); !errors.Is(err, ledger.ErrChainIntegrity) {
		t.Errorf("append on sealed ledger: got %v", err)
	}
	stats, err := l2.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ChainValid {
		t.Error("Stats.ChainValid should be false")
	}
}

func TestOpen_malformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := openFile(t, path); !errors.Is(err, ledger.ErrChainIntegrity) {
		t.Errorf("expected ErrChainIntegrity, got %v", err)
	}
}

func TestValidate_fileRewrittenAsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := openFile(t, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, erasure("SN", "c", "d")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("[{\"index\":0,"), 0o640); err != nil {
		t.Fatal(err)
	}

	v, err := l.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate should report, not fail: %v", err)
	}
	if v.Valid || v.FirstInvalidIndex == nil || *v.FirstInvalidIndex != 0 {
		t.Errorf("expected invalid at 0, got %+v", v)
	}
	if !errors.Is(v.Err(), ledger.ErrChainIntegrity) {
		t.Errorf("Err() = %v", v.Err())
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats should report, not fail: %v", err)
	}
	if s.ChainValid || s.LedgerType != "file" {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestFind(t *testing.T) {
	l := openMemory(t)
	_, _ = l.Append(ctx, erasure("SN-A", "cert-1", "digest-1"))
	_, _ = l.Append(ctx, erasure("SN-B", "cert-2", "digest-2"))
	_, _ = l.Append(ctx, erasure("SN-A", "cert-3", "digest-1"))

	got, err := l.FindBySerial(ctx, "SN-A")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 3 {
		t.Errorf("FindBySerial: unexpected result %+v", got)
	}

	none, _ := l.FindBySerial(ctx, "SN-NONE")
	if len(none) != 0 {
		t.Errorf("expected no records, got %d", len(none))
	}

	b, err := l.FindByCertificateDigest(ctx, "digest-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Index != 3 {
		t.Errorf("FindByCertificateDigest should return the latest block, got %d", b.Index)
	}

	b, err = l.FindByCertificateID(ctx, "cert-2")
	if err != nil || b.Index != 2 {
		t.Errorf("FindByCertificateID: got %v, %v", b, err)
	}

	if _, err := l.FindByCertificateID(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.Get(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Get out of range: expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	l := openMemory(t)
	b, _ := l.Append(ctx, erasure("SN", "c", "d"))

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalBlocks != 2 || s.ErasureRecords != 1 {
		t.Errorf("counts: %+v", s)
	}
	if s.LedgerType != "memory" || !s.ChainValid {
		t.Errorf("unexpected stats: %+v", s)
	}
	if !s.LastBlockTime.Equal(b.Timestamp) {
		t.Errorf("LastBlockTime: got %v, want %v", s.LastBlockTime, b.Timestamp)
	}
}

func TestExport_roundTripsThroughValidate(t *testing.T) {
	l := openMemory(t)
	_, _ = l.Append(ctx, erasure("SN", "c", "d"))

	blocks, err := l.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := ledger.DecodeBlocks(bytes.TrimSpace(raw))
	if err != nil {
		t.Fatal(err)
	}
	if v := ledger.ValidateBlocks(decoded); !v.Valid {
		t.Errorf("exported chain failed offline validation: %+v", v)
	}
}

func TestAppendHook(t *testing.T) {
	l := openMemory(t)
	var seen []int
	l.SetAppendHook(func(b *ledger.Block) { seen = append(seen, b.Index) })

	_, _ = l.Append(ctx, erasure("SN", "c", "d"))
	_, _ = l.Append(ctx, erasure("SN", "c", "d"))

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("hook saw %v", seen)
	}
}
