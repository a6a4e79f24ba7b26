package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/attest"
	"Richee/internal/host"
	"Richee/internal/storage"
	"Richee/internal/types"
)

var (
	alice    = types.Address{0xa1}
	bob      = types.Address{0xb0}
	eve      = types.Address{0xe5}
	stranger = types.Address{0x55}
	oracleID = types.Address{0x0c}
)

// plainOracle compares plaintext values registered per handle.
type plainOracle struct {
	values    map[types.Handle]uint64
	onCompare func(ctx context.Context)
	override  *Comparison
	calls     int
	bound     []types.Hash
}

func newPlainOracle() *plainOracle {
	return &plainOracle{values: make(map[types.Handle]uint64)}
}

// encrypt returns a fresh handle standing for value.
func (o *plainOracle) encrypt(value uint64) types.Handle {
	h := types.Handle{0x10, byte(len(o.values) + 1)}
	o.values[h] = value

	return h
}

func (o *plainOracle) Bind(ctx context.Context, cfg Config) error {
	id, err := cfg.ID()
	if err != nil {
		return err
	}

	o.bound = append(o.bound, id)

	return nil
}

func (o *plainOracle) CompareMax(ctx context.Context, req CompareRequest) (Comparison, error) {
	o.calls++

	if o.onCompare != nil {
		o.onCompare(ctx)
	}

	if o.override != nil {
		return *o.override, nil
	}

	return plainCompare(o.values, req), nil
}

// plainCompare computes the arg-max with lowest-index ties.
func plainCompare(values map[types.Handle]uint64, req CompareRequest) Comparison {
	winner := 0

	for i, h := range req.Handles {
		if values[h] > values[req.Handles[winner]] {
			winner = i
		}
	}

	switch req.Disclosure {
	case DiscloseIdentity:
		return Comparison{Winner: types.Handle{0xee, byte(winner)}}
	case DisclosePublicIdentity:
		return Comparison{WinnerAddress: req.Participants[winner]}
	case DisclosePublicFlags:
		flags := make([]bool, len(req.Handles))
		flags[winner] = true

		return Comparison{Revealed: flags}
	default:
		flags := make([]types.Handle, len(req.Handles))
		for i := range flags {
			flags[i] = types.Handle{0xf0, byte(i)}
		}

		return Comparison{Flags: flags}
	}
}

// newTestHost creates a host over a temporary pebble store.
func newTestHost(t *testing.T) *host.Host {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	h, err := host.New(db)
	if err != nil {
		db.Close()
		t.Fatalf("failed to create host: %v", err)
	}

	t.Cleanup(func() {
		h.Close()
		db.Close()
	})

	return h
}

func testConfig(d Disclosure) Config {
	return Config{
		Participants: []types.Address{alice, bob, eve},
		Disclosure:   d,
	}
}

func deploy(t *testing.T, h *host.Host, o Oracle, cfg Config) *Ledger {
	t.Helper()

	l, err := Deploy(context.Background(), h, o, Origin{Caller: stranger}, cfg)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	return l
}

// submitAll submits values in registration order.
func submitAll(t *testing.T, l *Ledger, o *plainOracle, values ...uint64) {
	t.Helper()

	for i, v := range values {
		p := l.Participants()[i]

		if _, err := l.Submit(context.Background(), Origin{Caller: p}, o.encrypt(v)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

func countOf(t *testing.T, l *Ledger) int {
	t.Helper()

	n, err := l.SubmissionCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	return n
}

func topics(t *testing.T, h *host.Host, l *Ledger, topic string) []host.Event {
	t.Helper()

	all, err := h.Events(l.ID(), 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	var out []host.Event

	for _, ev := range all {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}

	return out
}

func TestConfigValidate(t *testing.T) {
	key, _ := attest.Generate()

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"one participant", Config{Participants: []types.Address{alice}}, ErrTooFewParticipants},
		{"duplicate", Config{Participants: []types.Address{alice, bob, alice}}, ErrDuplicateParticipant},
		{"zero", Config{Participants: []types.Address{alice, {}}}, ErrZeroParticipant},
		{"disclosure", Config{Participants: []types.Address{alice, bob}, Disclosure: "loud"}, ErrInvalidConfig},
		{"policy", Config{Participants: []types.Address{alice, bob}, Policy: "owner"}, ErrInvalidConfig},
		{"async no oracle", Config{Participants: []types.Address{alice, bob}, Mode: ModeAsync}, ErrInvalidConfig},
		{"async bad key", Config{Participants: []types.Address{alice, bob}, Mode: ModeAsync, Oracle: oracleID, OracleKey: []byte{1}}, ErrInvalidConfig},
		{"async ok", Config{Participants: []types.Address{alice, bob}, Mode: ModeAsync, Oracle: oracleID, OracleKey: key.PublicKey()}, nil},
		{"defaults ok", Config{Participants: []types.Address{alice, bob}}, nil},
	}

	for _, tc := range cases {
		err := tc.cfg.WithDefaults().Validate()

		if tc.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}

		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestDeployAndOpen(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()

	l := deploy(t, h, o, testConfig(""))

	if l.Config().Disclosure != DiscloseFlags || l.Config().Policy != PolicyOpen || l.Config().Mode != ModeSync {
		t.Errorf("defaults not applied: %+v", l.Config())
	}

	if _, err := Deploy(context.Background(), h, o, Origin{Caller: stranger}, testConfig("")); !errors.Is(err, ErrLedgerExists) {
		t.Errorf("second deploy: got %v, want ErrLedgerExists", err)
	}

	reopened, err := Open(h, o, l.ID())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if reopened.ID() != l.ID() || len(reopened.Participants()) != 3 {
		t.Errorf("reopened ledger differs: %+v", reopened.Config())
	}

	if _, err := Open(h, o, types.Hash{0x99}); !errors.Is(err, ErrUnknownLedger) {
		t.Errorf("open unknown: got %v, want ErrUnknownLedger", err)
	}
}

func TestSaltSeparatesLedgers(t *testing.T) {
	a := testConfig("")
	b := testConfig("")
	b.Salt = 1

	ida, _ := a.ID()
	idb, _ := b.ID()

	if ida == idb {
		t.Error("salt should change the ledger id")
	}
}

func TestSubmitNonParticipant(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))

	_, err := l.Submit(context.Background(), Origin{Caller: stranger}, o.encrypt(5))
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("got %v, want ErrInvalidParticipant", err)
	}

	if n := countOf(t, l); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))
	ctx := context.Background()

	if _, err := l.Submit(ctx, Origin{Caller: alice}, o.encrypt(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	first, _, _ := l.Submission(alice)

	_, err := l.Submit(ctx, Origin{Caller: alice}, o.encrypt(2))
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("got %v, want ErrDuplicateSubmission", err)
	}

	if n := countOf(t, l); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if again, _, _ := l.Submission(alice); again != first {
		t.Error("duplicate submission replaced the recorded handle")
	}

	if ok, _ := l.HasSubmitted(alice); !ok {
		t.Error("alice should have submitted")
	}

	if ok, _ := l.HasSubmitted(bob); ok {
		t.Error("bob should not have submitted")
	}

	if all, _ := l.AllSubmitted(); all {
		t.Error("not everyone submitted")
	}
}

func TestSubmitEmptyHandle(t *testing.T) {
	h := newTestHost(t)
	l := deploy(t, h, newPlainOracle(), testConfig(""))

	_, err := l.Submit(context.Background(), Origin{Caller: bob}, types.Handle{})
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("got %v, want ErrInvalidHandle", err)
	}
}

func TestSubmissionEvent(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))

	submitAll(t, l, o, 10, 20)

	evs := topics(t, h, l, TopicSubmissionRecorded)
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}

	v, err := DecodeEvent(evs[1].Topic, evs[1].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec := v.(*SubmissionRecorded)
	if rec.Participant != bob || rec.Count != 2 {
		t.Errorf("unexpected event: %+v", rec)
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))

	submitAll(t, l, o, 100, 200)

	_, err := l.Finalize(context.Background(), Origin{Caller: stranger})
	if !errors.Is(err, ErrIncompleteSubmissions) {
		t.Fatalf("got %v, want ErrIncompleteSubmissions", err)
	}

	if o.calls != 0 {
		t.Error("oracle should not be called before completeness")
	}

	if ok, _ := l.IsFinalized(); ok {
		t.Error("ledger should not be finalized")
	}
}

func TestFinalizeScenario(t *testing.T) {
	for _, d := range []Disclosure{DiscloseIdentity, DiscloseFlags, DisclosePublicFlags, DisclosePublicIdentity} {
		t.Run(string(d), func(t *testing.T) {
			h := newTestHost(t)
			o := newPlainOracle()
			l := deploy(t, h, o, testConfig(d))

			submitAll(t, l, o, 100, 200, 150)

			if all, _ := l.AllSubmitted(); !all {
				t.Fatal("everyone should have submitted")
			}

			// Open policy: any principal may finalize.
			if _, err := l.Finalize(context.Background(), Origin{Caller: stranger}); err != nil {
				t.Fatalf("finalize: %v", err)
			}

			comp, ok, err := l.Result()
			if err != nil || !ok {
				t.Fatalf("result: %v %v", ok, err)
			}

			switch d {
			case DiscloseIdentity:
				if comp.Winner != (types.Handle{0xee, 1}) {
					t.Errorf("winner handle = %s", comp.Winner)
				}

				if len(topics(t, h, l, TopicWinnerComputed)) != 1 {
					t.Error("expected one WinnerComputed event")
				}
			case DiscloseFlags:
				if len(comp.Flags) != 3 {
					t.Errorf("flags = %d, want 3", len(comp.Flags))
				}

				if len(topics(t, h, l, TopicResultComputed)) != 1 {
					t.Error("expected one ResultComputed event")
				}
			case DisclosePublicFlags:
				want := []bool{false, true, false}
				for i := range want {
					if comp.Revealed[i] != want[i] {
						t.Errorf("flags = %v, want %v", comp.Revealed, want)
						break
					}
				}
			case DisclosePublicIdentity:
				if comp.WinnerAddress != bob {
					t.Errorf("winner = %s, want bob", comp.WinnerAddress)
				}

				if len(topics(t, h, l, TopicWinnerRevealed)) != 1 {
					t.Error("expected one WinnerRevealed event")
				}
			}
		})
	}
}

func TestTieBreakLowestIndex(t *testing.T) {
	for run := 0; run < 3; run++ {
		h := newTestHost(t)
		o := newPlainOracle()
		l := deploy(t, h, o, testConfig(DisclosePublicIdentity))

		submitAll(t, l, o, 50, 300, 300)

		if _, err := l.Finalize(context.Background(), Origin{Caller: alice}); err != nil {
			t.Fatalf("finalize: %v", err)
		}

		comp, _, _ := l.Result()
		if comp.WinnerIndex(l.Config()) != 1 {
			t.Fatalf("run %d: winner index = %d, want 1", run, comp.WinnerIndex(l.Config()))
		}
	}
}

func TestFinalizeTwice(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DisclosePublicFlags))
	ctx := context.Background()

	submitAll(t, l, o, 3, 2, 1)

	if _, err := l.Finalize(ctx, Origin{Caller: alice}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	before, _, _ := l.Result()

	// A different answer must never replace the committed one.
	o.override = &Comparison{Revealed: []bool{false, false, true}}

	if _, err := l.Finalize(ctx, Origin{Caller: bob}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("got %v, want ErrAlreadyProcessed", err)
	}

	after, _, _ := l.Result()
	if after.WinnerIndex(l.Config()) != before.WinnerIndex(l.Config()) {
		t.Error("result changed after second finalize")
	}

	if len(topics(t, h, l, TopicResultComputed)) != 1 {
		t.Error("expected exactly one result event")
	}
}

func TestSubmitAfterFinalize(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	cfg := testConfig("")
	l := deploy(t, h, o, cfg)

	submitAll(t, l, o, 1, 2, 3)

	if _, err := l.Finalize(context.Background(), Origin{Caller: eve}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err := l.Submit(context.Background(), Origin{Caller: alice}, o.encrypt(9))
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("got %v, want ErrAlreadyProcessed", err)
	}
}

func TestParticipantsPolicy(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()

	cfg := testConfig("")
	cfg.Policy = PolicyParticipants
	l := deploy(t, h, o, cfg)

	submitAll(t, l, o, 1, 2, 3)

	if _, err := l.Finalize(context.Background(), Origin{Caller: stranger}); !errors.Is(err, ErrUnauthorizedFinalizer) {
		t.Fatalf("got %v, want ErrUnauthorizedFinalizer", err)
	}

	if _, err := l.Finalize(context.Background(), Origin{Caller: eve}); err != nil {
		t.Fatalf("participant finalize: %v", err)
	}
}

func TestInvalidDecryptionResultIsRetryable(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DisclosePublicIdentity))
	ctx := context.Background()

	submitAll(t, l, o, 100, 200, 150)

	o.override = &Comparison{WinnerAddress: stranger}

	if _, err := l.Finalize(ctx, Origin{Caller: alice}); !errors.Is(err, ErrInvalidDecryptionResult) {
		t.Fatalf("got %v, want ErrInvalidDecryptionResult", err)
	}

	if ok, _ := l.IsFinalized(); ok {
		t.Fatal("invalid result must not finalize")
	}

	if _, ok, _ := l.Result(); ok {
		t.Fatal("invalid result must not be stored")
	}

	o.override = nil

	if _, err := l.Finalize(ctx, Origin{Caller: alice}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	comp, _, _ := l.Result()
	if comp.WinnerAddress != bob {
		t.Errorf("winner = %s, want bob", comp.WinnerAddress)
	}
}

func TestMalformedResults(t *testing.T) {
	cfg := testConfig(DiscloseFlags).WithDefaults()

	bad := map[string]struct {
		d    Disclosure
		comp Comparison
	}{
		"identity empty":     {DiscloseIdentity, Comparison{}},
		"flags short":        {DiscloseFlags, Comparison{Flags: []types.Handle{{1}, {2}}}},
		"flags duplicate":    {DiscloseFlags, Comparison{Flags: []types.Handle{{1}, {1}, {2}}}},
		"public two winners": {DisclosePublicFlags, Comparison{Revealed: []bool{true, true, false}}},
		"public no winner":   {DisclosePublicFlags, Comparison{Revealed: []bool{false, false, false}}},
		"mixed fields":       {DiscloseIdentity, Comparison{Winner: types.Handle{1}, Revealed: []bool{true}}},
	}

	for name, tc := range bad {
		cfg.Disclosure = tc.d

		if err := tc.comp.validate(cfg); !errors.Is(err, ErrInvalidDecryptionResult) {
			t.Errorf("%s: got %v, want ErrInvalidDecryptionResult", name, err)
		}
	}
}

func TestReentrantFinalizeFromOracle(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DiscloseFlags))

	submitAll(t, l, o, 100, 200, 150)

	var inner error

	o.onCompare = func(ctx context.Context) {
		_, inner = l.Finalize(ctx, Origin{Caller: bob})
	}

	if _, err := l.Finalize(context.Background(), Origin{Caller: alice}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("inner finalize: got %v, want ErrReentrantCall", inner)
	}

	if o.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", o.calls)
	}

	if len(topics(t, h, l, TopicResultComputed)) != 1 {
		t.Error("expected exactly one result event")
	}
}

func TestReentrantFinalizeFromEvent(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DiscloseIdentity))

	submitAll(t, l, o, 100, 200, 150)

	var inner []error

	h.OnEmit(func(ctx context.Context, ev host.Event) {
		if ev.Topic == TopicWinnerComputed {
			_, err := l.Finalize(ctx, Origin{Caller: eve})
			inner = append(inner, err)
		}
	})

	if _, err := l.Finalize(context.Background(), Origin{Caller: alice}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if len(inner) != 1 || !errors.Is(inner[0], ErrReentrantCall) {
		t.Fatalf("inner finalize: got %v, want one ErrReentrantCall", inner)
	}

	if len(topics(t, h, l, TopicWinnerComputed)) != 1 {
		t.Error("expected exactly one result event")
	}
}

func TestReplayedSubmission(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))

	origin := Origin{Caller: alice, TxHash: types.Hash{0x42}}

	if _, err := l.Submit(context.Background(), origin, o.encrypt(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := l.Submit(context.Background(), origin, o.encrypt(1))
	if !errors.Is(err, host.ErrReplayedTransaction) {
		t.Fatalf("got %v, want ErrReplayedTransaction", err)
	}

	if CodeOf(err) != CodeReplayedTransaction {
		t.Errorf("code = %s, want %s", CodeOf(err), CodeReplayedTransaction)
	}
}

// asyncFixture deploys an async ledger with every participant submitted.
type asyncFixture struct {
	h   *host.Host
	l   *Ledger
	o   *plainOracle
	key *attest.KeyPair
}

func newAsyncFixture(t *testing.T, d Disclosure) *asyncFixture {
	t.Helper()

	key, err := attest.Generate()
	if err != nil {
		t.Fatalf("bls key: %v", err)
	}

	h := newTestHost(t)
	o := newPlainOracle()

	cfg := testConfig(d)
	cfg.Mode = ModeAsync
	cfg.Oracle = oracleID
	cfg.OracleKey = key.PublicKey()

	l := deploy(t, h, nil, cfg)
	submitAll(t, l, o, 100, 200, 150)

	return &asyncFixture{h: h, l: l, o: o, key: key}
}

// request finalizes and returns the pending correlation id and request.
func (f *asyncFixture) request(t *testing.T) (types.Hash, CompareRequest) {
	t.Helper()

	return f.requestAs(t, stranger)
}

func (f *asyncFixture) requestAs(t *testing.T, caller types.Address) (types.Hash, CompareRequest) {
	t.Helper()

	r, err := f.l.Finalize(context.Background(), Origin{Caller: caller})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for _, ev := range r.Events {
		if ev.Topic != TopicComparisonRequested {
			continue
		}

		v, err := DecodeEvent(ev.Topic, ev.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		req := v.(*ComparisonRequested)

		return req.Correlation, req.Request
	}

	t.Fatal("no ComparisonRequested event")

	return types.Hash{}, CompareRequest{}
}

// answer encodes and signs the comparison for corr.
func (f *asyncFixture) answer(t *testing.T, corr types.Hash, comp Comparison) ([]byte, []byte) {
	t.Helper()

	data, err := cbor.Marshal(comp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	return data, f.key.SignFulfillment(f.l.ID(), corr, data)
}

func TestAsyncFulfill(t *testing.T) {
	f := newAsyncFixture(t, DisclosePublicFlags)
	ctx := context.Background()

	corr, req := f.request(t)

	if ok, _ := f.l.IsFinalized(); ok {
		t.Fatal("request must not finalize")
	}

	if pending, ok, _ := f.l.Pending(); !ok || pending != corr {
		t.Fatalf("pending = %s %v, want %s", pending, ok, corr)
	}

	data, sig := f.answer(t, corr, plainCompare(f.o.values, req))

	if _, err := f.l.Fulfill(ctx, Origin{Caller: stranger}, corr, data, sig); !errors.Is(err, ErrUnauthorizedOracle) {
		t.Fatalf("stranger fulfill: got %v, want ErrUnauthorizedOracle", err)
	}

	if _, err := f.l.Fulfill(ctx, Origin{Caller: oracleID}, corr, data, sig); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	comp, _, _ := f.l.Result()
	if comp.WinnerIndex(f.l.Config()) != 1 {
		t.Errorf("winner index = %d, want 1", comp.WinnerIndex(f.l.Config()))
	}

	if _, ok, _ := f.l.Pending(); ok {
		t.Error("pending request should be cleared")
	}

	if _, err := f.l.Fulfill(ctx, Origin{Caller: oracleID}, corr, data, sig); !errors.Is(err, ErrStaleCallback) {
		t.Errorf("duplicate fulfill: got %v, want ErrStaleCallback", err)
	}

	if _, err := f.l.Finalize(ctx, Origin{Caller: alice}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("finalize after fulfill: got %v, want ErrAlreadyProcessed", err)
	}
}

func TestAsyncRejectsBadCallbacks(t *testing.T) {
	f := newAsyncFixture(t, DiscloseFlags)
	ctx := context.Background()
	oracle := Origin{Caller: oracleID}

	corr, req := f.request(t)
	good := plainCompare(f.o.values, req)

	data, sig := f.answer(t, types.Hash{0x01}, good)
	if _, err := f.l.Fulfill(ctx, oracle, types.Hash{0x01}, data, sig); !errors.Is(err, ErrUnknownCorrelation) {
		t.Errorf("unknown correlation: got %v, want ErrUnknownCorrelation", err)
	}

	data, _ = f.answer(t, corr, good)
	other, _ := attest.Generate()
	forged := other.SignFulfillment(f.l.ID(), corr, data)

	if _, err := f.l.Fulfill(ctx, oracle, corr, data, forged); !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("forged attestation: got %v, want ErrInvalidAttestation", err)
	}

	bad, badSig := f.answer(t, corr, Comparison{Flags: good.Flags[:2]})
	if _, err := f.l.Fulfill(ctx, oracle, corr, bad, badSig); !errors.Is(err, ErrInvalidDecryptionResult) {
		t.Errorf("malformed result: got %v, want ErrInvalidDecryptionResult", err)
	}

	// The request survives every rejected callback.
	if pending, ok, _ := f.l.Pending(); !ok || pending != corr {
		t.Fatal("request should still be pending")
	}

	data, sig = f.answer(t, corr, good)
	if _, err := f.l.Fulfill(ctx, oracle, corr, data, sig); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
}

func TestAsyncSupersededRequestIsStale(t *testing.T) {
	f := newAsyncFixture(t, DiscloseIdentity)
	ctx := context.Background()
	oracle := Origin{Caller: oracleID}

	first, req := f.request(t)
	second, _ := f.requestAs(t, alice)

	if first == second {
		t.Fatal("correlation ids must be unique")
	}

	data, sig := f.answer(t, first, plainCompare(f.o.values, req))
	if _, err := f.l.Fulfill(ctx, oracle, first, data, sig); !errors.Is(err, ErrStaleCallback) {
		t.Fatalf("superseded callback: got %v, want ErrStaleCallback", err)
	}

	data, sig = f.answer(t, second, plainCompare(f.o.values, req))
	if _, err := f.l.Fulfill(ctx, oracle, second, data, sig); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if len(topics(t, f.h, f.l, TopicWinnerComputed)) != 1 {
		t.Error("expected exactly one result event")
	}
}

func TestAsyncOutsiderCannotSupersede(t *testing.T) {
	f := newAsyncFixture(t, DisclosePublicIdentity)
	ctx := context.Background()

	corr, req := f.request(t)

	for range 3 {
		if _, err := f.l.Finalize(ctx, Origin{Caller: stranger}); !errors.Is(err, ErrRequestPending) {
			t.Fatalf("outsider finalize: got %v, want ErrRequestPending", err)
		}
	}

	if pending, ok, _ := f.l.Pending(); !ok || pending != corr {
		t.Fatalf("pending = %s %v, want %s", pending, ok, corr)
	}

	// the oracle principal may reissue a lost request
	again, _ := f.requestAs(t, oracleID)
	if again == corr {
		t.Fatal("reissued request must get a new correlation id")
	}

	data, sig := f.answer(t, again, plainCompare(f.o.values, req))
	if _, err := f.l.Fulfill(ctx, Origin{Caller: oracleID}, again, data, sig); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if comp, ok, _ := f.l.Result(); !ok || comp.WinnerAddress != bob {
		t.Errorf("winner = %s %v, want bob", comp.WinnerAddress, ok)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DisclosePublicIdentity))
	ctx := context.Background()

	const rounds = 8

	handles := make(map[types.Address][]types.Handle)
	for i, p := range l.Participants() {
		for range rounds {
			handles[p] = append(handles[p], o.encrypt(uint64(100*(i+1))))
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		finalized int
		unexpect  []error
	)

	for _, p := range l.Participants() {
		for _, hd := range handles[p] {
			wg.Go(func() {
				_, err := l.Submit(ctx, Origin{Caller: p}, hd)

				mu.Lock()
				defer mu.Unlock()

				switch {
				case err == nil:
					accepted++
				case errors.Is(err, ErrDuplicateSubmission), errors.Is(err, ErrAlreadyProcessed):
				default:
					unexpect = append(unexpect, err)
				}
			})
		}
	}

	for range rounds {
		wg.Go(func() {
			_, err := l.Finalize(ctx, Origin{Caller: stranger})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				finalized++
			case errors.Is(err, ErrIncompleteSubmissions), errors.Is(err, ErrAlreadyProcessed):
			default:
				unexpect = append(unexpect, err)
			}
		})
	}

	wg.Wait()

	if len(unexpect) > 0 {
		t.Fatalf("unexpected errors: %v", unexpect)
	}

	if accepted != 3 || countOf(t, l) != 3 {
		t.Fatalf("accepted %d, count %d, want 3", accepted, countOf(t, l))
	}

	if finalized > 1 {
		t.Fatalf("finalized %d times", finalized)
	}

	if finalized == 0 {
		if _, err := l.Finalize(ctx, Origin{Caller: stranger}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	if n := len(topics(t, h, l, TopicWinnerRevealed)); n != 1 {
		t.Errorf("result events = %d, want 1", n)
	}

	if comp, _, _ := l.Result(); comp.WinnerAddress != eve {
		t.Errorf("winner = %s, want eve", comp.WinnerAddress)
	}
}

func TestDeployBindsOracle(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(DiscloseFlags))

	if len(o.bound) != 1 || o.bound[0] != l.ID() {
		t.Fatalf("bound = %v, want [%s]", o.bound, l.ID())
	}

	if err := l.Bind(context.Background()); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	if len(o.bound) != 2 {
		t.Errorf("rebind did not reach the oracle")
	}
}

func TestAsyncReentrantFinalizeDuringCallback(t *testing.T) {
	f := newAsyncFixture(t, DiscloseFlags)
	ctx := context.Background()

	corr, req := f.request(t)

	var inner []error

	f.h.OnEmit(func(ctx context.Context, ev host.Event) {
		if ev.Topic == TopicResultComputed {
			_, err := f.l.Finalize(ctx, Origin{Caller: alice})
			inner = append(inner, err)
		}
	})

	data, sig := f.answer(t, corr, plainCompare(f.o.values, req))
	if _, err := f.l.Fulfill(ctx, Origin{Caller: oracleID}, corr, data, sig); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if len(inner) != 1 || !errors.Is(inner[0], ErrReentrantCall) {
		t.Fatalf("inner finalize: got %v, want one ErrReentrantCall", inner)
	}

	if len(topics(t, f.h, f.l, TopicResultComputed)) != 1 {
		t.Error("expected exactly one result event")
	}
}

func TestFulfillSyncLedger(t *testing.T) {
	h := newTestHost(t)
	l := deploy(t, h, newPlainOracle(), testConfig(""))

	_, err := l.Fulfill(context.Background(), Origin{Caller: oracleID}, types.Hash{1}, nil, nil)
	if !errors.Is(err, ErrNotAsync) {
		t.Fatalf("got %v, want ErrNotAsync", err)
	}
}

func TestStatus(t *testing.T) {
	h := newTestHost(t)
	o := newPlainOracle()
	l := deploy(t, h, o, testConfig(""))

	submitAll(t, l, o, 7, 8)

	st, err := l.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if st.Submitted != 2 || st.AllSubmitted || st.Finalized || st.Participants != 3 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{ErrDuplicateSubmission, CodeDuplicateSubmission},
		{fmt.Errorf("wrapped:\n%w", ErrReentrantCall), CodeReentrantCall},
		{errors.New("boom"), CodeUnknown},
	}

	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}

	if CodeInvalidParticipant.HTTPStatus() != http.StatusForbidden || CodeAlreadyProcessed.HTTPStatus() != http.StatusConflict {
		t.Error("unexpected HTTP status mapping")
	}

	if CodeRequestPending.HTTPStatus() != http.StatusConflict {
		t.Error("a pending request should map to 409")
	}
}
