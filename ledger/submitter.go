package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrSettlementRejected signals the ledger executed the transaction and
	// reported failure; the wrapped message carries the VM status.
	ErrSettlementRejected = errors.New("ledger: settlement rejected")
	// ErrSettlementTimeout signals the confirmation poll budget ran out. The
	// transaction may still land; callers must reconcile by hash, never
	// re-submit blindly.
	ErrSettlementTimeout = errors.New("ledger: settlement confirmation timeout")
)

// envelopeLifetime bounds how long an unconfirmed envelope stays valid.
const envelopeLifetime = 10 * time.Minute

// NodeAPI is the slice of Client the submitter depends on.
type NodeAPI interface {
	SequenceNumber(ctx context.Context, address string) (uint64, error)
	EncodeSubmission(ctx context.Context, env Envelope) (string, error)
	Submit(ctx context.Context, env SignedEnvelope) (string, error)
	TransactionByHash(ctx context.Context, hash string) (TxStatus, error)
}

// Submitter signs and submits entry-function transactions for a single
// service account; confirmation is awaited separately so the hash can be
// persisted before any polling starts.
//
// Only one concurrent submission per account is safe: the sequence number
// fetched in step one goes stale the moment another submission from the same
// account is accepted. The mutex serializes envelope construction and
// posting; polling needs no lock.
type Submitter struct {
	node         NodeAPI
	signer       *Signer
	contract     string
	maxGasAmount uint64
	gasUnitPrice uint64
	pollAttempts int
	pollDelay    time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// SubmitterOptions tunes gas bounds and the confirmation poll budget.
type SubmitterOptions struct {
	MaxGasAmount uint64
	GasUnitPrice uint64
	PollAttempts int
	PollDelay    time.Duration
}

func NewSubmitter(node NodeAPI, signer *Signer, contractAddress string, opts SubmitterOptions) *Submitter {
	if opts.MaxGasAmount == 0 {
		opts.MaxGasAmount = 200000
	}
	if opts.GasUnitPrice == 0 {
		opts.GasUnitPrice = 100
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 30
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = time.Second
	}
	return &Submitter{
		node:         node,
		signer:       signer,
		contract:     contractAddress,
		maxGasAmount: opts.MaxGasAmount,
		gasUnitPrice: opts.GasUnitPrice,
		pollAttempts: opts.PollAttempts,
		pollDelay:    opts.PollDelay,
		now:          time.Now,
	}
}

// WithClock replaces the expiration clock, for tests.
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// Address returns the submitting account's address.
func (s *Submitter) Address() string {
	return s.signer.Address()
}

// EntryFunction builds a fully-qualified function reference on the contract.
func (s *Submitter) EntryFunction(module, name string) string {
	return s.contract + "::" + module + "::" + name
}

// Submit runs the submission protocol for one entry-function call: fetch
// sequence number, build and encode the envelope, sign it, post it. It
// returns the transaction hash as soon as the node accepts the envelope;
// callers must persist the hash before waiting on AwaitConfirmation so a
// crash or timeout mid-poll can be reconciled by hash instead of re-sent.
func (s *Submitter) Submit(ctx context.Context, function string, args []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.node.SequenceNumber(ctx, s.signer.Address())
	if err != nil {
		return "", fmt.Errorf("ledger: fetch sequence number: %w", err)
	}

	env := Envelope{
		Sender:                  s.signer.Address(),
		SequenceNumber:          strconv.FormatUint(seq, 10),
		MaxGasAmount:            strconv.FormatUint(s.maxGasAmount, 10),
		GasUnitPrice:            strconv.FormatUint(s.gasUnitPrice, 10),
		ExpirationTimestampSecs: strconv.FormatInt(s.now().Add(envelopeLifetime).Unix(), 10),
		Payload: EntryFunctionPayload{
			Type:          "entry_function_payload",
			Function:      function,
			TypeArguments: []string{},
			Arguments:     args,
		},
	}

	signingPayload, err := s.node.EncodeSubmission(ctx, env)
	if err != nil {
		return "", fmt.Errorf("ledger: encode submission: %w", err)
	}
	signature, err := s.signer.SignHex(signingPayload)
	if err != nil {
		return "", err
	}

	signed := SignedEnvelope{
		Envelope: env,
		Signature: EnvelopeSignature{
			Type:      "ed25519_signature",
			PublicKey: s.signer.PublicKeyHex(),
			Signature: signature,
		},
	}

	hash, err := s.node.Submit(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("ledger: submit: %w", err)
	}

	log.WithFields(log.Fields{
		"function": function,
		"hash":     hash,
		"sequence": seq,
	}).Info("submitted settlement transaction")

	return hash, nil
}

// AwaitConfirmation polls the by_hash endpoint up to the attempt budget. The
// delay timer respects ctx so callers can impose their own deadline; a
// cancelled wait surfaces as ErrSettlementTimeout, not as "it didn't happen".
func (s *Submitter) AwaitConfirmation(ctx context.Context, hash string) error {
	timer := time.NewTimer(s.pollDelay)
	defer timer.Stop()

	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		status, err := s.node.TransactionByHash(ctx, hash)
		switch {
		case err != nil:
			log.WithFields(log.Fields{"hash": hash, "attempt": attempt}).
				WithError(err).Warn("confirmation poll failed")
		case !status.Pending && status.Success:
			return nil
		case !status.Pending:
			return fmt.Errorf("%w: %s", ErrSettlementRejected, status.VMStatus)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.pollDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSettlementTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: no verdict after %d attempts", ErrSettlementTimeout, s.pollAttempts)
}

// ConfirmByHash re-queries a previously submitted transaction once. It
// returns true when the ledger reports success, false while still pending,
// and ErrSettlementRejected when the ledger reports failure. Reconciliation
// sweeps use this instead of re-submitting.
func (s *Submitter) ConfirmByHash(ctx context.Context, hash string) (bool, error) {
	status, err := s.node.TransactionByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	if status.Pending {
		return false, nil
	}
	if !status.Success {
		return false, fmt.Errorf("%w: %s", ErrSettlementRejected, status.VMStatus)
	}
	return true, nil
}
