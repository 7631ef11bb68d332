package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"anchorline/internal/config"
	"anchorline/internal/db"
	"anchorline/internal/domain"
	"anchorline/internal/engine"
	"anchorline/internal/migrate"
	"anchorline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Chains = []config.ChainConfig{{
		ChainID:          84532,
		Name:             "base-sepolia",
		RPCURL:           "http://127.0.0.1:0",
		ContractAddress:  "0x1111111111111111111111111111111111111111",
		PublisherAddress: "0x2222222222222222222222222222222222222222",
		ExplorerBaseURL:  "https://sepolia.basescan.org",
	}}
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return &testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env *testEnv) enableAutopilot(t *testing.T) {
	t.Helper()
	_, err := env.Engine.UpdatePolicy(env.Ctx, domain.Policy{
		AutopilotEnabled:            true,
		OnchainPlaceholder:          true,
		WorkerIntervalSeconds:       30,
		RequireApprovalHighRisk:     true,
		RequireApprovalCriticalRisk: true,
	}, "tester")
	if err != nil {
		t.Fatalf("enable autopilot: %v", err)
	}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func TestSubmitDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)

	low, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if low.PolicyDecision != domain.DecisionAutoApprove || low.Status != domain.StatusApproved {
		t.Fatalf("low risk got %s/%s", low.PolicyDecision, low.Status)
	}

	high, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "escalation_flag", RiskLevel: "high", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}
	if high.PolicyDecision != domain.DecisionRequireApproval || high.Status != domain.StatusAwaitingApproval {
		t.Fatalf("high risk got %s/%s", high.PolicyDecision, high.Status)
	}

	critical, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "escalation_flag", RiskLevel: "critical", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit critical: %v", err)
	}
	if critical.Status != domain.StatusAwaitingApproval {
		t.Fatalf("critical risk got %s", critical.Status)
	}
}

func TestSubmitDeniedWhenAutopilotOff(t *testing.T) {
	env := newTestEnv(t)
	// default policy: autopilot disabled

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	var pv engine.PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	// the denial is still on record
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get denied action: %v", err)
	}
	if got.PolicyDecision != domain.DecisionDeny || got.Status != domain.StatusRejected {
		t.Fatalf("denied action got %s/%s", got.PolicyDecision, got.Status)
	}

	// a human bypasses the autopilot switch
	human, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", HumanInitiated: true, ActorID: "counselor-1",
	})
	if err != nil {
		t.Fatalf("human submit: %v", err)
	}
	if human.Status != domain.StatusApproved {
		t.Fatalf("human-initiated got %s", human.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)
	chainID := int64(84532)
	unknownChain := int64(1)

	cases := []struct {
		name string
		opts engine.SubmitOptions
	}{
		{"unknown type", engine.SubmitOptions{ActionType: "launch_rocket", RiskLevel: "low"}},
		{"unknown risk", engine.SubmitOptions{ActionType: "checkin_reminder", RiskLevel: "extreme"}},
		{"attestation without id", engine.SubmitOptions{ActionType: "publish_attestation", RiskLevel: "low", ChainID: &chainID}},
		{"attestation without chain", engine.SubmitOptions{ActionType: "publish_attestation", RiskLevel: "low", AttestationID: "att-1"}},
		{"unconfigured chain", engine.SubmitOptions{ActionType: "publish_attestation", RiskLevel: "low", AttestationID: "att-1", ChainID: &unknownChain}},
	}
	for _, tc := range cases {
		_, err := env.Engine.SubmitAction(env.Ctx, tc.opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestApproveReject(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "escalation_flag", RiskLevel: "high", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	approved, err := env.Engine.Approve(env.Ctx, a.ID, "looks right", "counselor-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("got %s", approved.Status)
	}
	if approved.ApprovalNotes == nil || *approved.ApprovalNotes != "looks right" {
		t.Fatalf("approval note not stored")
	}
	// already approved, cannot reject
	if _, err := env.Engine.Reject(env.Ctx, a.ID, "too late", "counselor-1"); err == nil {
		t.Fatalf("expected transition error")
	}

	b, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "escalation_flag", RiskLevel: "high", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// rejection needs a note
	_, err = env.Engine.Reject(env.Ctx, b.ID, "", "counselor-1")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	rejected, err := env.Engine.Reject(env.Ctx, b.ID, "not appropriate", "counselor-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("got %s", rejected.Status)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusRunning || claimed.RetryCount != 0 {
		t.Fatalf("got %s retry=%d", claimed.Status, claimed.RetryCount)
	}
	if _, err := env.Engine.ClaimAction(env.Ctx, a.ID); !errors.Is(err, repo.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	// awaiting_approval is not claimable either
	pending, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "escalation_flag", RiskLevel: "high", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ClaimAction(env.Ctx, pending.ID); !errors.Is(err, repo.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
}

func TestConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ConfirmAction(env.Ctx, claimed, ""); err == nil {
		t.Fatalf("expected error confirming without tx hash")
	}
	env.advance(3 * time.Second)
	confirmed, err := env.Engine.ConfirmAction(env.Ctx, claimed, "0xabc")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("got %s", confirmed.Status)
	}
	if confirmed.TxHash == nil || *confirmed.TxHash != "0xabc" {
		t.Fatalf("tx hash not recorded")
	}
	if confirmed.ExecutedAt == nil {
		t.Fatalf("executed_at not set")
	}
}

func TestTransientRetriesUntilDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)
	maxAttempts := env.Engine.Config.Retry.MaxAttempts

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for attempt := 1; ; attempt++ {
		claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
		if err != nil {
			t.Fatalf("attempt %d claim: %v", attempt, err)
		}
		if claimed.RetryCount != attempt-1 {
			t.Fatalf("attempt %d retry_count=%d", attempt, claimed.RetryCount)
		}
		failed, err := env.Engine.FailAction(env.Ctx, claimed, "rpc timeout", true)
		if err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
		if attempt < maxAttempts {
			if failed.Status != domain.StatusFailed || failed.NextAttemptAt == nil {
				t.Fatalf("attempt %d got %s next=%v", attempt, failed.Status, failed.NextAttemptAt)
			}
			env.advance(time.Duration(env.Engine.Config.Retry.BackoffCapSeconds+1) * time.Second)
			continue
		}
		if failed.Status != domain.StatusDeadLetter {
			t.Fatalf("attempt %d got %s, want dead_letter", attempt, failed.Status)
		}
		break
	}
	// dead_letter is terminal
	if _, err := env.Engine.ClaimAction(env.Ctx, a.ID); !errors.Is(err, repo.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)
	base := time.Duration(env.Engine.Config.Retry.BackoffBaseSeconds) * time.Second

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := env.Engine.FailAction(env.Ctx, claimed, "rpc timeout", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	want := env.Clock.Add(base).Format(time.RFC3339)
	if failed.NextAttemptAt == nil || *failed.NextAttemptAt != want {
		t.Fatalf("first backoff %v, want %s", failed.NextAttemptAt, want)
	}
	// not claimable before the window elapses
	if _, err := env.Engine.ClaimAction(env.Ctx, a.ID); !errors.Is(err, repo.ErrClaimConflict) {
		t.Fatalf("expected claim conflict inside backoff window, got %v", err)
	}
	env.advance(base)
	claimed, err = env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	failed, err = env.Engine.FailAction(env.Ctx, claimed, "rpc timeout", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	want = env.Clock.Add(2 * base).Format(time.RFC3339)
	if failed.NextAttemptAt == nil || *failed.NextAttemptAt != want {
		t.Fatalf("second backoff %v, want %s", failed.NextAttemptAt, want)
	}
}

func TestPermanentFailureParks(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType: "checkin_reminder", RiskLevel: "low", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := env.Engine.FailAction(env.Ctx, claimed, "transaction reverted", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.NextAttemptAt != nil {
		t.Fatalf("got %s next=%v", failed.Status, failed.NextAttemptAt)
	}
	// no retry window: the worker never picks it up again
	env.advance(24 * time.Hour)
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	ids, err := env.Engine.Repo.ClaimableActionIDs(env.Ctx, now, env.Engine.Config.Retry.MaxAttempts, 10)
	if err != nil {
		t.Fatalf("claimable: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("permanent failure should not be claimable, got %v", ids)
	}
}

func TestAttestationRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutopilot(t)
	chainID := int64(84532)

	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitOptions{
		ActionType:    "publish_attestation",
		RiskLevel:     "low",
		ChainID:       &chainID,
		AttestationID: "att-1",
		CounselorID:   "counselor-1",
		ActorID:       "agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := env.Engine.Repo.GetRecordByAttestation(env.Ctx, "att-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != domain.RecordPending {
		t.Fatalf("record got %s", rec.Status)
	}

	claimed, err := env.Engine.ClaimAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ConfirmAction(env.Ctx, claimed, "0xdeadbeef"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, err = env.Engine.Repo.GetRecordByAttestation(env.Ctx, "att-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != domain.RecordConfirmed {
		t.Fatalf("record got %s", rec.Status)
	}
	if rec.TxHash == nil || *rec.TxHash != "0xdeadbeef" {
		t.Fatalf("record tx hash not settled")
	}
	if rec.ProcessedAt == nil {
		t.Fatalf("record processed_at not set")
	}

	stats, err := env.Engine.Repo.GetContractStats(env.Ctx, chainID, env.Engine.Config.Chains[0].ContractAddress)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PublishAttempts != 1 || stats.PublishSuccesses != 1 {
		t.Fatalf("stats attempts=%d successes=%d", stats.PublishAttempts, stats.PublishSuccesses)
	}
}

func TestPolicyVersionBumps(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Repo.GetPolicy(env.Ctx)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	updated, err := env.Engine.UpdatePolicy(env.Ctx, domain.Policy{
		AutopilotEnabled:            true,
		OnchainPlaceholder:          false,
		WorkerIntervalSeconds:       10,
		RequireApprovalHighRisk:     true,
		RequireApprovalCriticalRisk: true,
	}, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != before.Version+1 {
		t.Fatalf("version %d, want %d", updated.Version, before.Version+1)
	}
	// request structs carry a zero version; the bump comes from the row
	again, err := env.Engine.UpdatePolicy(env.Ctx, domain.Policy{
		AutopilotEnabled:      true,
		WorkerIntervalSeconds: 15,
	}, "tester")
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if again.Version != before.Version+2 {
		t.Fatalf("version %d, want %d", again.Version, before.Version+2)
	}
	if _, err := env.Engine.UpdatePolicy(env.Ctx, domain.Policy{WorkerIntervalSeconds: 0}, "tester"); err == nil {
		t.Fatalf("expected validation error for zero interval")
	}
}
