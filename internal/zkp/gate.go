package zkp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Gate errors
var (
	ErrNoVerifyingKey    = errors.New("no verifying key for transaction kind")
	ErrUnsupportedKey    = errors.New("verifying key is not a BN254 Groth16 key")
	ErrMalformedProof    = errors.New("malformed proof encoding")
	ErrPublicInputLength = errors.New("public input vector has wrong length")
)

// GateConfig configures proof verification
type GateConfig struct {
	// CacheSize bounds the positive-result cache; 0 disables it
	CacheSize int

	// BatchThreshold is the smallest proof count verified as one batch
	BatchThreshold int

	// Parallelism bounds concurrent independent verifications
	Parallelism int

	Logger *zap.Logger
}

// DefaultGateConfig returns default configuration
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		CacheSize:      4096,
		BatchThreshold: 3,
		Parallelism:    4,
	}
}

// PreparedKey is a verifying key with everything the pairing checks need
// precomputed. It is immutable once built and safe to share.
type PreparedKey struct {
	Kind  types.TxKind
	Shape Shape

	vk       *groth16bn254.VerifyingKey
	negBeta  bn254.G2Affine
	negGamma bn254.G2Affine
	negDelta bn254.G2Affine

	// batchable is false when the key carries commitment extensions the
	// random-linear-combination check does not cover
	batchable bool
}

// Prepare builds a PreparedKey from a Groth16 verifying key
func Prepare(kind types.TxKind, shape Shape, vk groth16.VerifyingKey) (*PreparedKey, error) {
	typed, ok := vk.(*groth16bn254.VerifyingKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, vk)
	}
	if len(typed.G1.K) < shape.NumPublic()+1 {
		return nil, fmt.Errorf("%w: key has %d inputs, %s shape has %d",
			ErrPublicInputLength, len(typed.G1.K)-1, kind, shape.NumPublic())
	}
	if err := typed.Precompute(); err != nil {
		return nil, err
	}
	pk := &PreparedKey{
		Kind:      kind,
		Shape:     shape,
		vk:        typed,
		batchable: len(typed.CommitmentKeys) == 0 && len(typed.G1.K) == shape.NumPublic()+1,
	}
	pk.negBeta.Neg(&typed.G2.Beta)
	pk.negGamma.Neg(&typed.G2.Gamma)
	pk.negDelta.Neg(&typed.G2.Delta)
	return pk, nil
}

// Gate verifies spend proofs against per-kind prepared keys
type Gate struct {
	cfg    *GateConfig
	keys   map[types.TxKind]*PreparedKey
	cache  *lru.Cache
	logger *zap.Logger

	verified    atomic.Uint64
	cacheHits   atomic.Uint64
	batchChecks atomic.Uint64
}

// NewGate prepares every key once; the map may omit kinds that carry no proof
func NewGate(cfg *GateConfig, keys map[types.TxKind]groth16.VerifyingKey, shapes map[types.TxKind]Shape) (*Gate, error) {
	if cfg == nil {
		cfg = DefaultGateConfig()
	}
	if cfg.BatchThreshold < 2 {
		cfg.BatchThreshold = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		cfg:    cfg,
		keys:   make(map[types.TxKind]*PreparedKey, len(keys)),
		logger: logger,
	}
	for kind, vk := range keys {
		shape, ok := shapes[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownShape, kind)
		}
		pk, err := Prepare(kind, shape, vk)
		if err != nil {
			return nil, err
		}
		g.keys[kind] = pk
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		g.cache = cache
	}
	return g, nil
}

// NewGateFromManager builds a gate over every key the manager holds
func NewGateFromManager(cfg *GateConfig, cm *CircuitManager) (*Gate, error) {
	return NewGate(cfg, cm.VerifyingKeys(), cm.Shapes())
}

// Key returns the prepared key for kind
func (g *Gate) Key(kind types.TxKind) (*PreparedKey, error) {
	pk, ok := g.keys[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoVerifyingKey, kind)
	}
	return pk, nil
}

// Stats returns verification counters
func (g *Gate) Stats() (verified, cacheHits, batches uint64) {
	return g.verified.Load(), g.cacheHits.Load(), g.batchChecks.Load()
}

// VerifyTransaction checks tx's proof against the key for its kind
func (g *Gate) VerifyTransaction(ctx context.Context, tx *types.Transaction) error {
	pk, err := g.Key(tx.Kind)
	if err != nil {
		return common.Wrap(common.KindProofInvalid, err, "")
	}
	inputs, err := PublicInputs(pk.Shape, tx)
	if err != nil {
		return common.Wrap(common.KindProofInvalid, err, "public inputs")
	}
	return g.Verify(ctx, tx.Kind, inputs, tx.Proof)
}

// Verify checks one proof. Every failure, including undecodable input, is
// reported as a ProofInvalid rejection.
func (g *Gate) Verify(ctx context.Context, kind types.TxKind, inputs fr.Vector, proof []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pk, err := g.Key(kind)
	if err != nil {
		return common.Wrap(common.KindProofInvalid, err, "")
	}

	key := g.cacheKey(kind, inputs, proof)
	if g.cache != nil {
		if _, ok := g.cache.Get(key); ok {
			g.cacheHits.Add(1)
			return nil
		}
	}

	if err := VerifyPrepared(pk, inputs, proof); err != nil {
		g.logger.Debug("proof rejected", zap.Stringer("kind", kind), zap.Error(err))
		return common.Wrap(common.KindProofInvalid, err, "")
	}
	g.verified.Add(1)
	if g.cache != nil {
		g.cache.Add(key, struct{}{})
	}
	return nil
}

// VerifyPrepared runs the standard Groth16 check of one proof
func VerifyPrepared(pk *PreparedKey, inputs fr.Vector, proofBytes []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verifier panic: %v", r)
		}
	}()

	if len(inputs) != pk.Shape.NumPublic() {
		return fmt.Errorf("%w: got %d, want %d", ErrPublicInputLength, len(inputs), pk.Shape.NumPublic())
	}
	proof, err := DecodeProof(proofBytes)
	if err != nil {
		return err
	}
	return groth16bn254.Verify(proof, pk.vk, inputs)
}

// DecodeProof parses a serialized BN254 Groth16 proof. Points are checked
// for curve and subgroup membership while decoding.
func DecodeProof(data []byte) (*groth16bn254.Proof, error) {
	if len(data) == 0 {
		return nil, ErrMalformedProof
	}
	var proof groth16bn254.Proof
	n, err := proof.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if n != int64(len(data)) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedProof, int64(len(data))-n)
	}
	return &proof, nil
}

// BatchItem is one proof with its public inputs
type BatchItem struct {
	Inputs fr.Vector
	Proof  []byte
}

// VerifyBatch checks proofs that share kind's verifying key and returns one
// result per item. At or above the batch threshold the proofs are checked
// together with one multi-pairing; if that combined check fails each proof
// is re-checked alone so the failing ones can be named. Below the threshold
// proofs are verified independently in parallel.
func (g *Gate) VerifyBatch(ctx context.Context, kind types.TxKind, items []BatchItem) []error {
	results := make([]error, len(items))
	if len(items) == 0 {
		return results
	}
	pk, err := g.Key(kind)
	if err != nil {
		for i := range results {
			results[i] = common.Wrap(common.KindProofInvalid, err, "")
		}
		return results
	}

	if len(items) >= g.cfg.BatchThreshold && pk.batchable {
		g.batchChecks.Add(1)
		ok, err := verifyBatchPrepared(pk, items)
		if ok {
			g.verified.Add(uint64(len(items)))
			if g.cache != nil {
				for _, it := range items {
					g.cache.Add(g.cacheKey(kind, it.Inputs, it.Proof), struct{}{})
				}
			}
			return results
		}
		g.logger.Debug("batch check failed, verifying individually",
			zap.Stringer("kind", kind), zap.Int("proofs", len(items)), zap.Error(err))
	}

	return g.verifyEach(ctx, kind, items)
}

func (g *Gate) verifyEach(ctx context.Context, kind types.TxKind, items []BatchItem) []error {
	results := make([]error, len(items))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Parallelism)
	for i := range items {
		i := i
		eg.Go(func() error {
			results[i] = g.Verify(egCtx, kind, items[i].Inputs, items[i].Proof)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// verifyBatchPrepared checks
//
//	prod e(r_i*A_i, B_i) * e(sum r_i*alpha, -beta) * e(sum r_i*L_i, -gamma) * e(sum r_i*C_i, -delta) == 1
//
// for random r_i, which holds for all proofs except with negligible
// probability only if every individual equation holds.
func verifyBatchPrepared(pk *PreparedKey, items []BatchItem) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("batch verifier panic: %v", r)
		}
	}()

	n := len(items)
	nbPublic := pk.Shape.NumPublic()
	K := pk.vk.G1.K

	rs := make([]fr.Element, n)
	var rSum fr.Element
	for i := range rs {
		if _, err := rs[i].SetRandom(); err != nil {
			return false, err
		}
		rSum.Add(&rSum, &rs[i])
	}

	P := make([]bn254.G1Affine, 0, n+3)
	Q := make([]bn254.G2Affine, 0, n+3)
	krs := make([]bn254.G1Affine, n)

	// scalars for sum_i r_i*L_i = rSum*K0 + sum_j (sum_i r_i*x_ij)*K_{j+1}
	lScalars := make([]fr.Element, nbPublic+1)
	lScalars[0] = rSum

	for i, it := range items {
		if len(it.Inputs) != nbPublic {
			return false, fmt.Errorf("%w: item %d", ErrPublicInputLength, i)
		}
		proof, err := DecodeProof(it.Proof)
		if err != nil {
			return false, fmt.Errorf("item %d: %w", i, err)
		}
		if len(proof.Commitments) != 0 {
			return false, fmt.Errorf("item %d carries commitments", i)
		}
		if !proof.Ar.IsInSubGroup() || !proof.Krs.IsInSubGroup() || !proof.Bs.IsInSubGroup() {
			return false, fmt.Errorf("item %d: point not in subgroup", i)
		}

		var rA bn254.G1Affine
		rA.ScalarMultiplication(&proof.Ar, rs[i].BigInt(new(big.Int)))
		P = append(P, rA)
		Q = append(Q, proof.Bs)
		krs[i] = proof.Krs

		var t fr.Element
		for j, x := range it.Inputs {
			t.Mul(&rs[i], &x)
			lScalars[j+1].Add(&lScalars[j+1], &t)
		}
	}

	var alphaSum, lSum, cSum bn254.G1Affine
	alphaSum.ScalarMultiplication(&pk.vk.G1.Alpha, rSum.BigInt(new(big.Int)))
	if _, err := lSum.MultiExp(K, lScalars, ecc.MultiExpConfig{}); err != nil {
		return false, err
	}
	if _, err := cSum.MultiExp(krs, rs, ecc.MultiExpConfig{}); err != nil {
		return false, err
	}

	P = append(P, alphaSum, lSum, cSum)
	Q = append(Q, pk.negBeta, pk.negGamma, pk.negDelta)

	return bn254.PairingCheck(P, Q)
}

func (g *Gate) cacheKey(kind types.TxKind, inputs fr.Vector, proof []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(kind)})
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(inputs)))
	h.Write(lenBuf[:])
	for i := range inputs {
		b := inputs[i].Bytes()
		h.Write(b[:])
	}
	h.Write(proof)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
