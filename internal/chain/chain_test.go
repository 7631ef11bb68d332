package chain_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"anchorline/internal/chain"
	"anchorline/internal/config"
	"anchorline/internal/domain"
)

func TestPlaceholderIsDeterministic(t *testing.T) {
	pub := chain.PlaceholderPublisher{}
	a := domain.Action{ID: "action-1"}
	first, err := pub.Publish(context.Background(), a, config.ChainConfig{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := pub.Publish(context.Background(), a, config.ChainConfig{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first != second {
		t.Fatalf("hashes differ: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 66 {
		t.Fatalf("unexpected hash format %q", first)
	}
	other, _ := pub.Publish(context.Background(), domain.Action{ID: "action-2"}, config.ChainConfig{})
	if other == first {
		t.Fatalf("distinct actions must not collide")
	}
}

func TestPlaceholderKeepsExistingHash(t *testing.T) {
	pub := chain.PlaceholderPublisher{}
	existing := "0xfeed"
	a := domain.Action{ID: "action-1", TxHash: &existing}
	got, err := pub.Publish(context.Background(), a, config.ChainConfig{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != existing {
		t.Fatalf("got %s, want existing hash", got)
	}
}

// fakeNode answers Ethereum JSON-RPC for publisher tests.
type fakeNode struct {
	sendErr       string
	receiptStatus string // "" means never found
	broadcasts    int
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_sendRawTransaction":
			n.broadcasts++
			if n.sendErr != "" {
				resp["error"] = map[string]any{"code": -32000, "message": n.sendErr}
			} else {
				resp["result"] = "0x" + strings.Repeat("ab", 32)
			}
		case "eth_getTransactionReceipt":
			if n.receiptStatus == "" {
				resp["result"] = nil
			} else {
				resp["result"] = map[string]string{"status": n.receiptStatus, "blockNumber": "0x10"}
			}
		case "eth_call":
			resp["result"] = "0x" + strings.Repeat("0", 63) + "a"
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}
}

type staticSigner struct{ rawTx string }

func (s staticSigner) SignPublish(context.Context, domain.Action, config.ChainConfig) (string, error) {
	return s.rawTx, nil
}

func newLivePublisher(t *testing.T, node *fakeNode, confirm time.Duration) (*chain.RPCPublisher, config.ChainConfig) {
	t.Helper()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)
	client := chain.NewRPCClient(5*time.Second, 100)
	pub := chain.NewRPCPublisher(client, staticSigner{rawTx: "0xsigned"}, confirm, zerolog.Nop())
	ch := config.ChainConfig{ChainID: 84532, RPCURL: srv.URL, ContractAddress: "0x1", PublisherAddress: "0x2"}
	return pub, ch
}

func TestLivePublishConfirms(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1"}
	pub, ch := newLivePublisher(t, node, 5*time.Second)
	hash, err := pub.Publish(context.Background(), domain.Action{ID: "a1"}, ch)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if hash == "" {
		t.Fatalf("empty hash")
	}
	if node.broadcasts != 1 {
		t.Fatalf("broadcasts=%d", node.broadcasts)
	}
}

func TestLivePublishBroadcastErrorIsTransient(t *testing.T) {
	node := &fakeNode{sendErr: "nonce too low"}
	pub, ch := newLivePublisher(t, node, 5*time.Second)
	_, err := pub.Publish(context.Background(), domain.Action{ID: "a1"}, ch)
	var pe *chain.PublishError
	if !errors.As(err, &pe) || pe.Kind != chain.KindBroadcast {
		t.Fatalf("expected broadcast error, got %v", err)
	}
	if !chain.IsTransient(err) {
		t.Fatalf("broadcast failure should be transient")
	}
}

func TestLivePublishRevertIsPermanent(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x0"}
	pub, ch := newLivePublisher(t, node, 5*time.Second)
	_, err := pub.Publish(context.Background(), domain.Action{ID: "a1"}, ch)
	var pe *chain.PublishError
	if !errors.As(err, &pe) || pe.Kind != chain.KindRevert {
		t.Fatalf("expected revert, got %v", err)
	}
	if chain.IsTransient(err) {
		t.Fatalf("revert must be permanent")
	}
}

func TestLivePublishConfirmTimeout(t *testing.T) {
	node := &fakeNode{} // receipt never appears
	pub, ch := newLivePublisher(t, node, 50*time.Millisecond)
	_, err := pub.Publish(context.Background(), domain.Action{ID: "a1"}, ch)
	var pe *chain.PublishError
	if !errors.As(err, &pe) || pe.Kind != chain.KindConfirmTimeout {
		t.Fatalf("expected confirm timeout, got %v", err)
	}
	if !chain.IsTransient(err) {
		t.Fatalf("confirm timeout should be transient")
	}
}

func TestLivePublishRecheckDoesNotResubmit(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1"}
	pub, ch := newLivePublisher(t, node, 5*time.Second)
	prior := "0x" + strings.Repeat("cd", 32)
	hash, err := pub.Publish(context.Background(), domain.Action{ID: "a1", TxHash: &prior}, ch)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if hash != prior {
		t.Fatalf("got %s, want prior hash", hash)
	}
	if node.broadcasts != 0 {
		t.Fatalf("retry with a known hash must not rebroadcast, got %d", node.broadcasts)
	}
}

func TestLivePublishNoChainConfigured(t *testing.T) {
	client := chain.NewRPCClient(time.Second, 100)
	pub := chain.NewRPCPublisher(client, staticSigner{rawTx: "0xsigned"}, time.Second, zerolog.Nop())
	_, err := pub.Publish(context.Background(), domain.Action{ID: "a1"}, config.ChainConfig{ChainID: 7})
	var pe *chain.PublishError
	if !errors.As(err, &pe) || pe.Kind != chain.KindChainNotConfigured {
		t.Fatalf("expected chain_not_configured, got %v", err)
	}
	if chain.IsTransient(err) {
		t.Fatalf("missing chain config is not retryable")
	}
}

func TestRPCClientConcurrentCalls(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64]bool{}
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		if seen[req.ID] {
			t.Errorf("duplicate request id %d", req.ID)
		}
		seen[req.ID] = true
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x1"})
	}))
	defer node.Close()

	// one client shared by the worker and reconciliation goroutines
	client := chain.NewRPCClient(time.Second, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				var out string
				if err := client.Call(context.Background(), node.URL, "eth_chainId", []any{}, &out); err != nil {
					t.Errorf("call: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 200 {
		t.Fatalf("got %d distinct request ids, want 200", len(seen))
	}
}

func TestAddressCallData(t *testing.T) {
	got := chain.AddressCallData("0x70a08231", "0xAbC0000000000000000000000000000000000123")
	want := "0x70a08231" + strings.Repeat("0", 24) + "abc0000000000000000000000000000000000123"
	if got != want {
		t.Fatalf("got %s", got)
	}
}
