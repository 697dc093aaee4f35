package handler_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/attest"
	"github.com/jmerrifield20/erash/internal/certificate"
	"github.com/jmerrifield20/erash/internal/handler"
	"github.com/jmerrifield20/erash/internal/ledger"
	"github.com/jmerrifield20/erash/internal/verify"
	"github.com/jmerrifield20/erash/internal/wipe"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

// blockingRunner stands in for nwipe: it runs until cancelled.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, job wipe.Job, emit func(string)) error {
	emit("Executing: nwipe " + job.Target)
	<-ctx.Done()
	return ctx.Err()
}

// ── Helpers ──────────────────────────────────────────────────────────────

type testServer struct {
	router *gin.Engine
	orch   *wipe.Orchestrator
	ledger *ledger.Ledger
	binder *certificate.Binder
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	orch := wipe.NewOrchestrator(
		wipe.NewStaticInventory(wipe.DemoDevices()),
		wipe.NewSimulatedRunner(4*time.Millisecond),
		blockingRunner{},
		wipe.Config{},
		logger,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore(), logger)
	if err != nil {
		t.Fatal(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer := attest.NewSigner(key, "https://erash.example.test")

	archive, err := certificate.NewArchive(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	binder := certificate.NewBinder(orch, "https://erash.example.test", logger)
	binder.SetRecorder(l)
	binder.SetSigner(signer)
	binder.SetArchive(archive)

	verifier := verify.NewService(l, logger)
	verifier.SetSigner(signer)
	verifyHandler := handler.NewVerifyHandler(verifier, logger)
	verifyHandler.SetSigner(signer)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewWipeHandler(orch, logger).Register(v1)
	handler.NewCertificateHandler(binder, logger).Register(v1)
	verifyHandler.Register(v1)
	handler.NewLedgerHandler(l, logger).Register(v1)

	return &testServer{router: r, orch: orch, ledger: l, binder: binder}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v: %s", method, path, err, w.Body.String())
		}
	}
	return w.Code, resp
}

// startCompleted starts a simulated zero wipe of target and waits for it to
// complete.
func (s *testServer) startCompleted(t *testing.T, target string) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/v1/wipe/start", gin.H{
		"device_path": target,
		"method":      "zero",
	})
	if code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %v", code, resp)
	}
	id := resp["wipe_id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.orch.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Status == wipe.StatusCompleted {
			return id
		}
		if snap.Status == wipe.StatusFailed {
			t.Fatalf("wipe failed: %s", snap.FailureReason)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wipe %s did not complete", id)
	return ""
}

func errorOf(resp map[string]any) string {
	s, _ := resp["error"].(string)
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
