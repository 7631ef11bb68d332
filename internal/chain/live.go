package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"anchorline/internal/config"
	"anchorline/internal/domain"
)

// Signer produces a signed raw transaction for an action. Key management is
// outside this system; the default implementation defers to an external
// signing service.
type Signer interface {
	SignPublish(ctx context.Context, a domain.Action, chain config.ChainConfig) (rawTx string, err error)
}

// HTTPSigner posts the action to a signing service and expects
// {"raw_tx":"0x..."} back.
type HTTPSigner struct {
	URL        string
	HTTPClient *http.Client
}

func (s *HTTPSigner) SignPublish(ctx context.Context, a domain.Action, ch config.ChainConfig) (string, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	payload := map[string]any{
		"action_id":        a.ID,
		"action_type":      a.ActionType,
		"chain_id":         ch.ChainID,
		"contract_address": ch.ContractAddress,
		"attestation_id":   a.AttestationID,
		"payload_json":     a.PayloadJSON,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("signer status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	var decoded struct {
		RawTx string `json:"raw_tx"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode signer response: %w", err)
	}
	if decoded.RawTx == "" {
		return "", fmt.Errorf("signer returned empty raw_tx")
	}
	return decoded.RawTx, nil
}

// RPCPublisher broadcasts signed transactions and waits for one confirmation
// within a bounded window.
type RPCPublisher struct {
	Client         *RPCClient
	Signer         Signer
	ConfirmTimeout time.Duration
	Log            zerolog.Logger
}

func NewRPCPublisher(client *RPCClient, signer Signer, confirmTimeout time.Duration, log zerolog.Logger) *RPCPublisher {
	return &RPCPublisher{Client: client, Signer: signer, ConfirmTimeout: confirmTimeout, Log: log}
}

// Publish signs, broadcasts, and confirms one action. If the action already
// carries a tx hash from a prior attempt, the hash is re-checked instead of
// resubmitting, so a retry never double-publishes.
func (p *RPCPublisher) Publish(ctx context.Context, a domain.Action, ch config.ChainConfig) (string, error) {
	if ch.RPCURL == "" {
		return "", newPublishError(KindChainNotConfigured, fmt.Errorf("chain %d has no rpc_url", ch.ChainID))
	}
	if a.TxHash != nil && *a.TxHash != "" {
		return p.confirm(ctx, ch, *a.TxHash)
	}
	if p.Signer == nil {
		return "", newPublishError(KindSigning, fmt.Errorf("no signer configured"))
	}
	rawTx, err := p.Signer.SignPublish(ctx, a, ch)
	if err != nil {
		return "", newPublishError(KindSigning, err)
	}
	txHash, err := p.Client.SendRawTransaction(ctx, ch.RPCURL, rawTx)
	if err != nil {
		return "", newPublishError(KindBroadcast, err)
	}
	p.Log.Debug().Str("action_id", a.ID).Str("tx_hash", txHash).Int64("chain_id", ch.ChainID).Msg("transaction broadcast")
	return p.confirm(ctx, ch, txHash)
}

func (p *RPCPublisher) confirm(ctx context.Context, ch config.ChainConfig, txHash string) (string, error) {
	timeout := p.ConfirmTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reverted, err := p.Client.WaitForReceipt(confirmCtx, ch.RPCURL, txHash, 0)
	if err != nil {
		if confirmCtx.Err() != nil {
			return "", newPublishError(KindConfirmTimeout, fmt.Errorf("no confirmation for %s within %s", txHash, timeout))
		}
		return "", newPublishError(KindRPC, err)
	}
	if reverted {
		return "", newPublishError(KindRevert, fmt.Errorf("transaction %s reverted", txHash))
	}
	return txHash, nil
}
