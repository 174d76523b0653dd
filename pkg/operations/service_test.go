package operations_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/archive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger/simledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/operations"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
	"github.com/ShantanuVr/registry-adapter-api/pkg/retry"
	"github.com/ShantanuVr/registry-adapter-api/pkg/store"
)

const (
	classA = "0123456789abcdef0123456789abcdef"
	classB = "fedcba9876543210fedcba9876543210"
	holder = "0x00000000000000000000000000000000000000bb"
)

type harness struct {
	store   *store.MemoryStore
	ledger  *simledger.Ledger
	service *operations.Service
}

func newHarness(t *testing.T, deps func(*operations.Deps)) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	sim := simledger.New()
	exec := ledger.NewExecutor(sim, ledger.DefaultConfig(), ledger.WithClock(retry.NewFakeClock(time.Unix(0, 0))))
	d := operations.Deps{
		Guard:    idempotency.NewGuard(st),
		Receipts: receipts.NewManager(st),
		Resolver: derive.NewResolver(st),
		Executor: exec,
	}
	if deps != nil {
		deps(&d)
	}
	svc := operations.NewService(d, operations.WithReplayWait(5*time.Second, 2*time.Millisecond))
	return &harness{store: st, ledger: sim, service: svc}
}

func retireMeta(key string) operations.Meta {
	return operations.Meta{Org: "acme", IdempotencyKey: key, Method: "POST", Path: "/v1/retirements"}
}

func retireReq(classID, qty string) operations.RetireRequest {
	return operations.RetireRequest{ClassID: classID, Quantity: qty, Holder: holder, Beneficiary: "City of Oslo", Reason: "2024 offset"}
}

func TestRetire_ConcurrentSameKeyProducesOneReceipt(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(1000))

	const callers = 16
	var (
		wg   sync.WaitGroup
		ids  = make([]string, callers)
		errs = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.service.RetireCredits(context.Background(), retireReq(classA, "100"), retireMeta("retire-k1"))
			errs[i] = err
			if r != nil {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.ledger.TxCount())
	assert.Equal(t, 1, h.store.ReceiptCount())

	bal, err := h.ledger.BalanceOf(context.Background(), classA, holder)
	require.NoError(t, err)
	assert.Equal(t, "900", bal.String())

	r, err := h.service.GetReceipt(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, receipts.KindRetire, r.Kind)
	assert.Equal(t, receipts.StatusMined, r.Status)
	assert.NotEmpty(t, r.TxHash)
	assert.NotEmpty(t, r.ContentHash)
}

func TestRetire_KeyReuseWithDifferentBodyConflicts(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(1000))
	h.ledger.Credit(classB, holder, big.NewInt(1000))

	first, err := h.service.RetireCredits(context.Background(), retireReq(classA, "100"), retireMeta("k2"))
	require.NoError(t, err)

	_, err = h.service.RetireCredits(context.Background(), retireReq(classB, "100"), retireMeta("k2"))
	assert.Equal(t, apperr.CodeIdempotencyConflict, apperr.CodeOf(err))
	assert.Equal(t, 1, h.ledger.TxCount())
	assert.Equal(t, 1, h.store.ReceiptCount(), "the conflicting request creates no receipt")

	pending, err := h.store.GetReceiptByIdempotencyKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, pending.ID)
}

func TestRetire_SequentialReplayReturnsSameReceipt(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(1000))

	first, err := h.service.RetireCredits(context.Background(), retireReq(classA, "5"), retireMeta("k3"))
	require.NoError(t, err)
	again, err := h.service.RetireCredits(context.Background(), retireReq(classA, "5"), retireMeta("k3"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.TxHash, again.TxHash)
	assert.Equal(t, 1, h.ledger.TxCount())
}

func TestRetire_WithoutKeyIsNotDeduplicated(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(1000))

	a, err := h.service.RetireCredits(context.Background(), retireReq(classA, "5"), retireMeta(""))
	require.NoError(t, err)
	b, err := h.service.RetireCredits(context.Background(), retireReq(classA, "5"), retireMeta(""))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, h.ledger.TxCount())
}

func TestRetire_InsufficientBalanceCreatesNoReceipt(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(10))

	_, err := h.service.RetireCredits(context.Background(), retireReq(classA, "11"), retireMeta("k4"))
	assert.Equal(t, apperr.CodeInsufficientBalance, apperr.CodeOf(err))
	assert.Equal(t, 0, h.ledger.TxCount())

	_, err = h.store.GetReceiptByIdempotencyKey(context.Background(), "k4")
	assert.ErrorIs(t, err, receipts.ErrNotFound)

	// The key was released, so a corrected request may reuse it.
	h.ledger.Credit(classA, holder, big.NewInt(10))
	r, err := h.service.RetireCredits(context.Background(), retireReq(classA, "11"), retireMeta("k4"))
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusMined, r.Status)
}

func TestRetire_Validation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]operations.RetireRequest{
		"bad class":     retireReq("XYZ", "1"),
		"zero quantity": retireReq(classA, "0"),
		"signed":        retireReq(classA, "-4"),
		"decimal":       retireReq(classA, "1.5"),
		"bad holder":    {ClassID: classA, Quantity: "1", Holder: "bob"},
		"too large":     retireReq(classA, new(big.Int).Lsh(big.NewInt(1), 256).String()),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.service.RetireCredits(context.Background(), req, retireMeta("validation"))
			assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
		})
	}
	assert.Equal(t, 0, h.ledger.TxCount())
}

func TestRetire_LedgerUnavailableIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(100))
	down := errors.New("connection refused")
	h.ledger.InjectFaults(down, down, down)

	_, err := h.service.RetireCredits(context.Background(), retireReq(classA, "1"), retireMeta("k5"))
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeLedgerUnavailable, ae.Code)
	require.NotEmpty(t, ae.ReceiptID)

	r, err := h.service.GetReceipt(context.Background(), ae.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusFailed, r.Status)
	assert.Equal(t, apperr.CodeLedgerUnavailable, r.FailureCode)

	// Replays report the recorded failure, not a new attempt.
	_, err = h.service.RetireCredits(context.Background(), retireReq(classA, "1"), retireMeta("k5"))
	replayed := apperr.From(err)
	assert.Equal(t, apperr.CodeLedgerUnavailable, replayed.Code)
	assert.Equal(t, ae.ReceiptID, replayed.ReceiptID)
	assert.Equal(t, 0, h.ledger.TxCount())
}

func TestRetire_CancelledCallerStillFinalizes(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Credit(classA, holder, big.NewInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := h.service.RetireCredits(ctx, retireReq(classA, "1"), retireMeta("k6"))
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusMined, r.Status)
}

func TestIssue_DerivesClassAndMints(t *testing.T) {
	h := newHarness(t, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	req := operations.IssueRequest{
		ProjectID: "PRJ001", WindowStart: start, WindowEnd: end,
		Quantity: "2500", Recipient: "0x00000000000000000000000000000000000000CC", IssuanceRef: "ISS-2024-H1",
	}
	meta := operations.Meta{Org: "acme", IdempotencyKey: "iss-1", Method: "POST", Path: "/v1/issuances"}

	r, err := h.service.FinalizeIssuance(context.Background(), req, meta)
	require.NoError(t, err)

	want, err := derive.ClassID("PRJ001", derive.Window{Start: start, End: end}, 0)
	require.NoError(t, err)
	assert.Equal(t, want, r.ClassID)
	assert.Equal(t, receipts.KindIssue, r.Kind)
	assert.Equal(t, "2500", r.Quantity)
	assert.JSONEq(t, `{
		"class_id": "`+want+`",
		"issuance_ref": "ISS-2024-H1",
		"project_id": "PRJ001",
		"quantity": "2500",
		"recipient": "0x00000000000000000000000000000000000000cc",
		"window_end": "2024-07-01T00:00:00.000Z",
		"window_start": "2024-01-01T00:00:00.000Z"
	}`, string(r.Params))

	bal, err := h.ledger.BalanceOf(context.Background(), want, "0x00000000000000000000000000000000000000cc")
	require.NoError(t, err)
	assert.Equal(t, "2500", bal.String())

	resolved, err := h.service.ResolveClassID(context.Background(), "PRJ001", start, end)
	require.NoError(t, err)
	assert.Equal(t, want, resolved)
}

func TestIssue_InvalidWindowCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := operations.IssueRequest{
		ProjectID: "PRJ001", WindowStart: start, WindowEnd: start,
		Quantity: "1", Recipient: holder, IssuanceRef: "x",
	}
	_, err := h.service.FinalizeIssuance(context.Background(), req, operations.Meta{Org: "acme", IdempotencyKey: "iss-2"})
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))

	_, err = h.store.GetIdempotency(context.Background(), "iss-2")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestAnchor_ArchivesManifestAndCommitsRoot(t *testing.T) {
	arch, err := archive.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, func(d *operations.Deps) { d.Archive = arch })

	hashes := []string{
		"0x1111111111111111111111111111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222222222222222222222222222",
	}
	meta := operations.Meta{Org: "acme", IdempotencyKey: "anc-1", Method: "POST", Path: "/v1/anchors"}
	r, err := h.service.AnchorEvidence(context.Background(), operations.AnchorRequest{Topic: "mrv/2024", EvidenceHashes: hashes}, meta)
	require.NoError(t, err)
	assert.Equal(t, receipts.KindAnchor, r.Kind)

	parsed, err := derive.ParseEvidenceHashes(hashes)
	require.NoError(t, err)
	root := derive.AggregateEvidence(parsed)
	anchor, ok := h.ledger.AnchorOf(root)
	require.True(t, ok)
	assert.Equal(t, "mrv/2024", anchor.Topic)
	assert.Equal(t, 2, anchor.Count)

	var params struct {
		EvidenceRef  string `json:"evidence_ref"`
		EvidenceRoot string `json:"evidence_root"`
	}
	require.NoError(t, json.Unmarshal(r.Params, &params))
	assert.Equal(t, root.Hex(), params.EvidenceRoot)
	manifest, err := arch.Get(context.Background(), params.EvidenceRef)
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "2222222222222222222222222222222222222222222222222222222222222222")
}

func TestAnchor_DuplicateRootFailsAndReplaysFailure(t *testing.T) {
	h := newHarness(t, nil)
	req := operations.AnchorRequest{Topic: "t", EvidenceHashes: []string{
		"0x3333333333333333333333333333333333333333333333333333333333333333",
	}}
	meta := func(key string) operations.Meta {
		return operations.Meta{Org: "acme", IdempotencyKey: key, Method: "POST", Path: "/v1/anchors"}
	}
	_, err := h.service.AnchorEvidence(context.Background(), req, meta("anc-a"))
	require.NoError(t, err)

	_, err = h.service.AnchorEvidence(context.Background(), req, meta("anc-b"))
	first := apperr.From(err)
	require.Equal(t, apperr.CodeTxReverted, first.Code)
	require.NotEmpty(t, first.ReceiptID)

	_, err = h.service.AnchorEvidence(context.Background(), req, meta("anc-b"))
	again := apperr.From(err)
	assert.Equal(t, apperr.CodeTxReverted, again.Code)
	assert.Equal(t, first.ReceiptID, again.ReceiptID)

	r, err := h.service.GetReceipt(context.Background(), first.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusFailed, r.Status)
	assert.NotEmpty(t, r.TxHash)
}

// unencodable refuses every call before signing.
type unencodable struct{ *simledger.Ledger }

func (unencodable) Prepare(context.Context, ledger.Call) (*ledger.PreparedTx, error) {
	return nil, apperr.New(apperr.CodeInternal, "ledger call could not be encoded")
}

func TestAnchor_UnencodableCallIsInternal(t *testing.T) {
	sim := simledger.New()
	h := newHarness(t, func(d *operations.Deps) {
		d.Executor = ledger.NewExecutor(unencodable{sim}, ledger.DefaultConfig(),
			ledger.WithClock(retry.NewFakeClock(time.Unix(0, 0))))
	})
	req := operations.AnchorRequest{Topic: "t", EvidenceHashes: []string{"0x" + strings.Repeat("4", 64)}}

	_, err := h.service.AnchorEvidence(context.Background(), req,
		operations.Meta{Org: "acme", IdempotencyKey: "anc-enc", Method: "POST", Path: "/v1/anchors"})
	ae := apperr.From(err)
	require.Equal(t, apperr.CodeInternal, ae.Code)
	require.NotEmpty(t, ae.ReceiptID)

	r, err := h.service.GetReceipt(context.Background(), ae.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusFailed, r.Status)
	assert.Equal(t, apperr.CodeInternal, r.FailureCode)
	assert.Empty(t, r.TxHash)
	assert.Equal(t, 0, sim.TxCount())
}

func TestAnchor_Validation(t *testing.T) {
	h := newHarness(t, nil)
	for name, req := range map[string]operations.AnchorRequest{
		"no topic":  {EvidenceHashes: []string{"0x" + strings.Repeat("a", 64)}},
		"no hashes": {Topic: "t"},
		"short":     {Topic: "t", EvidenceHashes: []string{"0xabc"}},
	} {
		_, err := h.service.AnchorEvidence(context.Background(), req, operations.Meta{Org: "acme"})
		assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err), name)
	}
}

func TestGetReceipt_PendingAndUnknown(t *testing.T) {
	h := newHarness(t, nil)
	mgr := receipts.NewManager(h.store)
	pending, err := mgr.Create(context.Background(), receipts.Draft{Kind: receipts.KindAnchor, Org: "acme", Params: []byte(`{}`)})
	require.NoError(t, err)

	got, err := h.service.GetReceipt(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusPending, got.Status)

	_, err = h.service.GetReceipt(context.Background(), "nope")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestReplay_InProgressTimesOut(t *testing.T) {
	st := store.NewMemoryStore()
	guard := idempotency.NewGuard(st)
	mgr := receipts.NewManager(st)
	svc := operations.NewService(operations.Deps{
		Guard:    guard,
		Receipts: mgr,
		Resolver: derive.NewResolver(st),
		Executor: ledger.NewExecutor(simledger.New(), ledger.DefaultConfig()),
	}, operations.WithReplayWait(20*time.Millisecond, 5*time.Millisecond))

	// An original request that has been admitted and has a PENDING receipt.
	req := retireReq(classA, "1")
	meta := retireMeta("k-slow")
	hash, err := canonicalize.CanonicalHash(req)
	require.NoError(t, err)
	_, err = guard.Admit(context.Background(), idempotency.Request{Key: meta.IdempotencyKey, Method: meta.Method, Path: meta.Path, BodyHash: hash, Org: meta.Org})
	require.NoError(t, err)
	pending, err := mgr.Create(context.Background(), receipts.Draft{Kind: receipts.KindRetire, Org: "acme", IdempotencyKey: meta.IdempotencyKey, Params: []byte(`{}`)})
	require.NoError(t, err)

	_, err = svc.RetireCredits(context.Background(), req, meta)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeIdempotencyInProgress, ae.Code)
	assert.Equal(t, pending.ID, ae.ReceiptID)
}
