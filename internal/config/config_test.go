package config

import (
	"strings"
	"testing"
)

func validChain() ChainConfig {
	return ChainConfig{
		ChainID:          84532,
		Name:             "base-sepolia",
		RPCURL:           "https://sepolia.base.org",
		ContractAddress:  "0x1111111111111111111111111111111111111111",
		PublisherAddress: "0x2222222222222222222222222222222222222222",
	}
}

func TestValidateAcceptsWellFormedChain(t *testing.T) {
	cfg := Default()
	cfg.Chains = []ChainConfig{validChain()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsMalformedAddresses(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ChainConfig)
		wantMsg string
	}{
		{"empty contract", func(ch *ChainConfig) { ch.ContractAddress = "" }, "contract_address"},
		{"missing 0x prefix", func(ch *ChainConfig) { ch.PublisherAddress = "2222222222222222222222222222222222222222ab" }, "publisher_address"},
		{"too short", func(ch *ChainConfig) { ch.PublisherAddress = "0x1234" }, "publisher_address"},
		{"too long", func(ch *ChainConfig) { ch.PublisherAddress = "0x" + strings.Repeat("2", 80) }, "publisher_address"},
		{"non-hex characters", func(ch *ChainConfig) { ch.ContractAddress = "0xzzzz111111111111111111111111111111111111" }, "contract_address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			ch := validChain()
			tc.mutate(&ch)
			cfg.Chains = []ChainConfig{ch}
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %s", err, tc.wantMsg)
			}
		})
	}
}

func TestValidateRejectsDuplicateChainIDs(t *testing.T) {
	cfg := Default()
	cfg.Chains = []ChainConfig{validChain(), validChain()}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate chain_id") {
		t.Fatalf("got %v", err)
	}
}
