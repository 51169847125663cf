package zkp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/ccoin/shieldpool/pkg/types"
)

// CircuitManager compiles the spend circuits, runs Groth16 setup and
// produces proofs. Verification lives in Gate.
type CircuitManager struct {
	mu sync.RWMutex

	shapes        map[types.TxKind]Shape
	circuits      map[types.TxKind]constraint.ConstraintSystem
	provingKeys   map[types.TxKind]groth16.ProvingKey
	verifyingKeys map[types.TxKind]groth16.VerifyingKey
}

// NewCircuitManager creates a manager for the given per-kind shapes
func NewCircuitManager(shapes map[types.TxKind]Shape) *CircuitManager {
	cp := make(map[types.TxKind]Shape, len(shapes))
	for k, s := range shapes {
		cp[k] = s
	}
	return &CircuitManager{
		shapes:        cp,
		circuits:      make(map[types.TxKind]constraint.ConstraintSystem),
		provingKeys:   make(map[types.TxKind]groth16.ProvingKey),
		verifyingKeys: make(map[types.TxKind]groth16.VerifyingKey),
	}
}

// Shape returns the circuit shape of kind
func (cm *CircuitManager) Shape(kind types.TxKind) (Shape, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.shapes[kind]
	if !ok {
		return Shape{}, fmt.Errorf("%w: %s", ErrUnknownShape, kind)
	}
	return s, nil
}

// Shapes returns a copy of all configured shapes
func (cm *CircuitManager) Shapes() map[types.TxKind]Shape {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[types.TxKind]Shape, len(cm.shapes))
	for k, s := range cm.shapes {
		out[k] = s
	}
	return out
}

// Compile compiles the circuit for kind into R1CS
func (cm *CircuitManager) Compile(kind types.TxKind) (constraint.ConstraintSystem, error) {
	s, err := cm.Shape(kind)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewSpendCircuit(s))
	if err != nil {
		return nil, fmt.Errorf("compile %s circuit: %w", kind, err)
	}

	cm.mu.Lock()
	cm.circuits[kind] = ccs
	cm.mu.Unlock()
	return ccs, nil
}

// Setup compiles the circuit for kind and generates its key pair
func (cm *CircuitManager) Setup(kind types.TxKind) error {
	ccs, err := cm.Compile(kind)
	if err != nil {
		return err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return fmt.Errorf("setup %s circuit: %w", kind, err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.provingKeys[kind] = pk
	cm.verifyingKeys[kind] = vk
	return nil
}

// SetupAll runs Setup for every configured kind
func (cm *CircuitManager) SetupAll() error {
	for kind := range cm.Shapes() {
		if err := cm.Setup(kind); err != nil {
			return err
		}
	}
	return nil
}

// Prove generates a serialized proof for the spend described by w
func (cm *CircuitManager) Prove(ctx context.Context, kind types.TxKind, w *SpendWitness) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := cm.Shape(kind)
	if err != nil {
		return nil, err
	}
	assignment, err := w.Assignment(s)
	if err != nil {
		return nil, err
	}

	cm.mu.RLock()
	ccs, okC := cm.circuits[kind]
	pk, okP := cm.provingKeys[kind]
	cm.mu.RUnlock()
	if !okC || !okP {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotCompiled, kind)
	}

	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}
	proof, err := groth16.Prove(ccs, pk, full)
	if err != nil {
		return nil, fmt.Errorf("prove %s: %w", kind, err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyingKey returns the verifying key for kind
func (cm *CircuitManager) VerifyingKey(kind types.TxKind) (groth16.VerifyingKey, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	vk, ok := cm.verifyingKeys[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotCompiled, kind)
	}
	return vk, nil
}

// VerifyingKeys returns every verifying key produced or loaded so far
func (cm *CircuitManager) VerifyingKeys() map[types.TxKind]groth16.VerifyingKey {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[types.TxKind]groth16.VerifyingKey, len(cm.verifyingKeys))
	for k, vk := range cm.verifyingKeys {
		out[k] = vk
	}
	return out
}

func keyFile(dir string, kind types.TxKind, suffix string) string {
	return filepath.Join(dir, kind.String()+"."+suffix)
}

// ExportKeys writes the constraint system, proving key and verifying key of
// every set-up kind into dir.
func (cm *CircuitManager) ExportKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for kind, vk := range cm.verifyingKeys {
		if err := writeTo(keyFile(dir, kind, "vk"), vk); err != nil {
			return err
		}
		if pk, ok := cm.provingKeys[kind]; ok {
			if err := writeTo(keyFile(dir, kind, "pk"), pk); err != nil {
				return err
			}
		}
		if ccs, ok := cm.circuits[kind]; ok {
			if err := writeTo(keyFile(dir, kind, "r1cs"), ccs); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadKeys reads keys written by ExportKeys. Verifying keys are required
// for every configured kind; proving material is loaded when present.
func (cm *CircuitManager) LoadKeys(dir string) error {
	for kind := range cm.Shapes() {
		vk := groth16.NewVerifyingKey(ecc.BN254)
		if err := readFrom(keyFile(dir, kind, "vk"), vk); err != nil {
			return fmt.Errorf("load %s verifying key: %w", kind, err)
		}

		cm.mu.Lock()
		cm.verifyingKeys[kind] = vk
		cm.mu.Unlock()

		pkPath := keyFile(dir, kind, "pk")
		if _, err := os.Stat(pkPath); err != nil {
			continue
		}
		pk := groth16.NewProvingKey(ecc.BN254)
		if err := readFrom(pkPath, pk); err != nil {
			return fmt.Errorf("load %s proving key: %w", kind, err)
		}
		ccs := groth16.NewCS(ecc.BN254)
		if err := readFrom(keyFile(dir, kind, "r1cs"), ccs); err != nil {
			return fmt.Errorf("load %s constraint system: %w", kind, err)
		}

		cm.mu.Lock()
		cm.provingKeys[kind] = pk
		cm.circuits[kind] = ccs
		cm.mu.Unlock()
	}
	return nil
}

func writeTo(path string, v io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := v.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readFrom(path string, v io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := v.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
