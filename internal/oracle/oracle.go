package oracle

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"

	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/storage"
	"Richee/internal/types"
)

var (
	// ErrUnknownHandle is returned for handles the oracle never issued.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrScopeMismatch is returned when a handle is bound to another scope.
	ErrScopeMismatch = errors.New("handle bound to another scope")

	// ErrNotOwner is returned when a handle is not owned by the expected principal.
	ErrNotOwner = errors.New("handle not owned by participant")

	// ErrNotAuthorized is returned when a principal may not view a handle.
	ErrNotAuthorized = errors.New("principal not authorized for handle")

	// ErrWrongKind is returned when a handle holds another kind of value.
	ErrWrongKind = errors.New("handle holds another kind of value")

	// ErrBadRequest is returned for malformed comparison requests.
	ErrBadRequest = errors.New("malformed comparison request")

	// ErrUnboundScope is returned when no ledger configuration was bound to
	// the requested scope.
	ErrUnboundScope = errors.New("scope not bound to a ledger")

	// ErrBindingMismatch is returned when a request names other participants
	// or another disclosure mode than its scope's binding.
	ErrBindingMismatch = errors.New("request does not match scope binding")

	// ErrScopeSealed is returned when a scope already compared other handles.
	ErrScopeSealed = errors.New("scope already compared other handles")
)

var (
	prefixHandle  = []byte("h:") // h:<handle> -> cbor(record)
	prefixBinding = []byte("s:") // s:<scope> -> cbor(binding)
)

// Kind tells what a handle's plaintext is.
type Kind uint8

const (
	KindValue   Kind = 1 // KindValue is an 8-byte big-endian amount
	KindBool    Kind = 2 // KindBool is a single byte, 0 or 1
	KindAddress Kind = 3 // KindAddress is a 20-byte principal address
)

// record is the oracle-side state of a handle.
type record struct {
	Kind       Kind            `cbor:"1,keyasint"`
	Owner      types.Address   `cbor:"2,keyasint"`
	Scope      types.Hash      `cbor:"3,keyasint"`
	Ciphertext Ciphertext      `cbor:"4,keyasint"`
	ACL        []types.Address `cbor:"5,keyasint"`
	Public     bool            `cbor:"6,keyasint,omitempty"`
}

// binding fixes what a scope may be compared for. Handles is set by the
// first successful comparison.
type binding struct {
	Participants []types.Address   `cbor:"1,keyasint"`
	Disclosure   ledger.Disclosure `cbor:"2,keyasint"`
	Handles      []types.Handle    `cbor:"3,keyasint,omitempty"`
}

// check validates req against the binding.
func (b *binding) check(req ledger.CompareRequest) error {
	if req.Disclosure != b.Disclosure || !slices.Equal(req.Participants, b.Participants) {
		return ErrBindingMismatch
	}

	if b.Handles != nil && !slices.Equal(req.Handles, b.Handles) {
		return ErrScopeSealed
	}

	return nil
}

// allowed reports whether p may view the record.
func (r *record) allowed(p types.Address) bool {
	if r.Public {
		return true
	}

	if !r.Owner.IsZero() && r.Owner == p {
		return true
	}

	for _, a := range r.ACL {
		if a == p {
			return true
		}
	}

	return false
}

// Oracle is a confidential computation service. Values are ElGamal-encrypted
// under the oracle key and only leave it re-encrypted for authorized viewers.
type Oracle struct {
	secret kyber.Scalar
	public kyber.Point
	db     *storage.Storage
	mu     sync.RWMutex // mu guards record read-modify-write
	bindMu sync.Mutex   // bindMu serializes binding checks and sealing
	log    *slog.Logger
}

// New creates an oracle whose ElGamal key is derived from priv and whose
// handle records persist in db.
func New(priv ed25519.PrivateKey, db *storage.Storage) *Oracle {
	secret := keyFromED25519("richee/oracle/elgamal", priv)

	return &Oracle{
		secret: secret,
		public: suite.Point().Mul(secret, nil),
		db:     db,
		log:    logger.With("component", "oracle"),
	}
}

// PublicKey returns the oracle's encoded ElGamal public key.
func (o *Oracle) PublicKey() []byte {
	return marshalPoint(o.public)
}

// Encrypt encrypts value for owner, bound to scope, and returns its handle.
func (o *Oracle) Encrypt(ctx context.Context, value uint64, owner types.Address, scope types.Hash) (types.Handle, error) {
	if owner.IsZero() {
		return types.Handle{}, fmt.Errorf("%w: zero owner", ErrNotAuthorized)
	}

	var data [8]byte
	binary.BigEndian.PutUint64(data[:], value)

	return o.store(KindValue, data[:], owner, scope, nil)
}

// Bind registers cfg under its ledger id. Binding the same configuration
// again is a no-op.
func (o *Oracle) Bind(ctx context.Context, cfg ledger.Config) error {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return err
	}

	scope, err := cfg.ID()
	if err != nil {
		return err
	}

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	b, err := o.loadBinding(scope)
	if err != nil && !errors.Is(err, ErrUnboundScope) {
		return err
	}

	if b != nil {
		return nil
	}

	b = &binding{
		Participants: slices.Clone(cfg.Participants),
		Disclosure:   cfg.Disclosure,
	}

	if err := o.saveBinding(scope, b); err != nil {
		return err
	}

	o.log.Info("scope bound", "scope", scope, "participants", len(b.Participants), "disclosure", b.Disclosure)

	return nil
}

// CompareMax computes the arg-max of the submitted values. The scope must be
// bound with the request's participants and disclosure; once a comparison
// succeeds the scope only compares those same handles again. Each handle
// must be bound to req.Scope and owned by the participant at the same index.
// Ties go to the lowest index. Flag i is readable by participant i only; the
// winner handle is readable by anyone.
func (o *Oracle) CompareMax(ctx context.Context, req ledger.CompareRequest) (ledger.Comparison, error) {
	k := len(req.Participants)
	if k == 0 || len(req.Handles) != k {
		return ledger.Comparison{}, fmt.Errorf("%w: %d handles for %d participants", ErrBadRequest, len(req.Handles), k)
	}

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	b, err := o.loadBinding(req.Scope)
	if err != nil {
		return ledger.Comparison{}, err
	}

	if err := b.check(req); err != nil {
		return ledger.Comparison{}, err
	}

	winner := -1
	var best uint64

	for i, h := range req.Handles {
		v, err := o.value(h, req.Participants[i], req.Scope)
		if err != nil {
			return ledger.Comparison{}, fmt.Errorf("handle %d:\n%w", i, err)
		}

		if winner < 0 || v > best {
			winner, best = i, v
		}
	}

	comp, err := o.disclose(req, winner)
	if err != nil {
		return ledger.Comparison{}, err
	}

	if b.Handles == nil {
		b.Handles = slices.Clone(req.Handles)

		if err := o.saveBinding(req.Scope, b); err != nil {
			return ledger.Comparison{}, err
		}
	}

	return comp, nil
}

// disclose builds the result for the requested disclosure mode.
func (o *Oracle) disclose(req ledger.CompareRequest, winner int) (ledger.Comparison, error) {
	switch req.Disclosure {
	case ledger.DiscloseIdentity:
		addr := req.Participants[winner]

		h, err := o.storePublic(KindAddress, addr[:], req.Scope)
		if err != nil {
			return ledger.Comparison{}, err
		}

		return ledger.Comparison{Winner: h}, nil

	case ledger.DiscloseFlags:
		flags := make([]types.Handle, len(req.Participants))

		for i, p := range req.Participants {
			b := []byte{0}
			if i == winner {
				b[0] = 1
			}

			h, err := o.store(KindBool, b, types.Address{}, req.Scope, []types.Address{p})
			if err != nil {
				return ledger.Comparison{}, err
			}

			flags[i] = h
		}

		return ledger.Comparison{Flags: flags}, nil

	case ledger.DisclosePublicFlags:
		revealed := make([]bool, len(req.Participants))
		revealed[winner] = true

		return ledger.Comparison{Revealed: revealed}, nil

	case ledger.DisclosePublicIdentity:
		return ledger.Comparison{WinnerAddress: req.Participants[winner]}, nil
	}

	return ledger.Comparison{}, fmt.Errorf("%w: disclosure %q", ErrBadRequest, req.Disclosure)
}

// Reencrypt re-encrypts a handle's plaintext under recipientKey for requester.
func (o *Oracle) Reencrypt(ctx context.Context, handle types.Handle, requester types.Address, recipientKey []byte) (Sealed, error) {
	pub, err := unmarshalPoint(recipientKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("recipient key:\n%w", err)
	}

	o.mu.RLock()
	rec, err := o.load(handle)
	o.mu.RUnlock()

	if err != nil {
		return Sealed{}, err
	}

	if !rec.allowed(requester) {
		return Sealed{}, ErrNotAuthorized
	}

	m, err := openPoint(o.secret, rec.Ciphertext)
	if err != nil {
		return Sealed{}, err
	}

	ct, err := sealPoint(pub, m)
	if err != nil {
		return Sealed{}, err
	}

	o.log.Debug("handle reencrypted", "handle", handle.String()[:16], "requester", requester)

	return Sealed{Kind: rec.Kind, Ciphertext: ct}, nil
}

// Allow adds principal to a handle's ACL. Only a principal that may already
// view the handle can extend it.
func (o *Oracle) Allow(ctx context.Context, handle types.Handle, granter, principal types.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.load(handle)
	if err != nil {
		return err
	}

	if !rec.allowed(granter) {
		return ErrNotAuthorized
	}

	if rec.allowed(principal) {
		return nil
	}

	rec.ACL = append(rec.ACL, principal)

	return o.save(handle, rec)
}

// Decrypt returns the plaintext of a handle. It bypasses ACLs and is meant
// for the oracle's own operators and tests.
func (o *Oracle) Decrypt(handle types.Handle) (Kind, []byte, error) {
	o.mu.RLock()
	rec, err := o.load(handle)
	o.mu.RUnlock()

	if err != nil {
		return 0, nil, err
	}

	data, err := open(o.secret, rec.Ciphertext)
	if err != nil {
		return 0, nil, err
	}

	return rec.Kind, data, nil
}

// value decrypts a submitted amount after checking its binding.
func (o *Oracle) value(h types.Handle, owner types.Address, scope types.Hash) (uint64, error) {
	o.mu.RLock()
	rec, err := o.load(h)
	o.mu.RUnlock()

	if err != nil {
		return 0, err
	}

	if rec.Scope != scope {
		return 0, ErrScopeMismatch
	}

	if rec.Owner != owner {
		return 0, ErrNotOwner
	}

	if rec.Kind != KindValue {
		return 0, ErrWrongKind
	}

	data, err := open(o.secret, rec.Ciphertext)
	if err != nil {
		return 0, err
	}

	if len(data) != 8 {
		return 0, fmt.Errorf("%w: %d byte value", ErrWrongKind, len(data))
	}

	return binary.BigEndian.Uint64(data), nil
}

// store encrypts data and persists a new handle record.
func (o *Oracle) store(kind Kind, data []byte, owner types.Address, scope types.Hash, acl []types.Address) (types.Handle, error) {
	ct, err := seal(o.public, data)
	if err != nil {
		return types.Handle{}, err
	}

	return o.put(&record{
		Kind:       kind,
		Owner:      owner,
		Scope:      scope,
		Ciphertext: ct,
		ACL:        append([]types.Address(nil), acl...),
	})
}

// storePublic persists a handle any principal may re-encrypt.
func (o *Oracle) storePublic(kind Kind, data []byte, scope types.Hash) (types.Handle, error) {
	ct, err := seal(o.public, data)
	if err != nil {
		return types.Handle{}, err
	}

	return o.put(&record{Kind: kind, Scope: scope, Ciphertext: ct, Public: true})
}

func (o *Oracle) put(rec *record) (types.Handle, error) {
	h := handleOf(rec)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.save(h, rec); err != nil {
		return types.Handle{}, err
	}

	return h, nil
}

// handleOf binds a handle to its ciphertext, owner and scope:
// blake3(K || C || owner || scope).
func handleOf(rec *record) types.Handle {
	h := blake3.New()
	h.Write(rec.Ciphertext.K)
	h.Write(rec.Ciphertext.C)
	h.Write(rec.Owner[:])
	h.Write(rec.Scope[:])

	var out types.Handle
	h.Sum(out[:0])

	return out
}

// load reads a handle record. Caller must hold mu.
func (o *Oracle) load(h types.Handle) (*record, error) {
	data, err := o.db.Get(handleKey(h))
	if err != nil {
		return nil, fmt.Errorf("read handle:\n%w", err)
	}

	if data == nil {
		return nil, ErrUnknownHandle
	}

	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode handle:\n%w", err)
	}

	return &rec, nil
}

// save writes a handle record. Caller must hold mu.
func (o *Oracle) save(h types.Handle, rec *record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode handle:\n%w", err)
	}

	if err := o.db.Set(handleKey(h), data); err != nil {
		return fmt.Errorf("write handle:\n%w", err)
	}

	return nil
}

// loadBinding reads a scope binding. Caller must hold bindMu.
func (o *Oracle) loadBinding(scope types.Hash) (*binding, error) {
	data, err := o.db.Get(bindingKey(scope))
	if err != nil {
		return nil, fmt.Errorf("read binding:\n%w", err)
	}

	if data == nil {
		return nil, ErrUnboundScope
	}

	var b binding
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode binding:\n%w", err)
	}

	return &b, nil
}

// saveBinding writes a scope binding. Caller must hold bindMu.
func (o *Oracle) saveBinding(scope types.Hash, b *binding) error {
	data, err := cbor.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode binding:\n%w", err)
	}

	if err := o.db.Set(bindingKey(scope), data); err != nil {
		return fmt.Errorf("write binding:\n%w", err)
	}

	return nil
}

func bindingKey(scope types.Hash) []byte {
	return append(append([]byte{}, prefixBinding...), scope[:]...)
}

func handleKey(h types.Handle) []byte {
	return append(append([]byte{}, prefixHandle...), h[:]...)
}
