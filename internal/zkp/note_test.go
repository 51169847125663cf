package zkp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/pkg/types"
)

func TestNoteCommitmentBindsEveryField(t *testing.T) {
	h := hashing.MustNew(hashing.MiMC)
	key, err := NewSpendingKey()
	require.NoError(t, err)

	n, err := NewNote(500, 1, key.Owner(h), 10, 1700000000)
	require.NoError(t, err)
	base := n.Commitment(h)
	assert.Equal(t, base, n.Commitment(h))

	mutations := map[string]func(*Note){
		"value":        func(m *Note) { m.Value++ },
		"asset":        func(m *Note) { m.Asset++ },
		"owner":        func(m *Note) { m.Owner[31] ^= 1 },
		"randomness":   func(m *Note) { m.Randomness[31] ^= 1 },
		"denomination": func(m *Note) { m.Denomination++ },
		"timestamp":    func(m *Note) { m.Timestamp++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := *n
			mutate(&m)
			assert.NotEqual(t, base, m.Commitment(h))
		})
	}
}

func TestNullifierDeterministicPerKey(t *testing.T) {
	h := hashing.MustNew(hashing.MiMC)
	k1, err := NewSpendingKey()
	require.NoError(t, err)
	k2, err := NewSpendingKey()
	require.NoError(t, err)

	n, err := NewNote(7, 0, k1.Owner(h), 0, 0)
	require.NoError(t, err)

	nf := n.Nullifier(h, k1)
	assert.Equal(t, nf, n.Nullifier(h, k1))
	assert.Equal(t, nf, DeriveNullifier(h, n.Commitment(h), k1))
	assert.NotEqual(t, nf, n.Nullifier(h, k2))
	assert.NotEqual(t, nf, n.Commitment(h))
}

func TestNoteValidateRejectsNonCanonical(t *testing.T) {
	h := hashing.MustNew(hashing.MiMC)
	n := &Note{Value: 1}
	require.NoError(t, n.Validate(h))

	var over types.Hash
	for i := range over {
		over[i] = 0xff
	}
	n.Owner = over
	assert.ErrorIs(t, n.Validate(h), ErrNotCanonical)

	// sha256 accepts any 32 bytes
	assert.NoError(t, n.Validate(hashing.MustNew(hashing.SHA256)))
}

func TestNoteBinaryEncoding(t *testing.T) {
	n, err := NewNote(42, 3, types.Hash{1, 2, 3}, 5, 99)
	require.NoError(t, err)

	data, err := n.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, noteEncodingSize)

	var got Note
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *n, got)

	assert.ErrorIs(t, got.UnmarshalBinary(data[1:]), ErrNoteEncoding)
}

func TestNoteEncryptionRoundTrip(t *testing.T) {
	recipient, err := NewEncryptionKey()
	require.NoError(t, err)
	other, err := NewEncryptionKey()
	require.NoError(t, err)

	n, err := NewNote(1000, 2, types.Hash{9}, 0, 1)
	require.NoError(t, err)

	ct, err := EncryptNote(recipient.Public(), n)
	require.NoError(t, err)

	got, err := DecryptNote(recipient, ct)
	require.NoError(t, err)
	assert.Equal(t, *n, *got)

	_, err = DecryptNote(other, ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 1
	_, err = DecryptNote(recipient, tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = DecryptNote(recipient, ct[:10])
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestEncryptionKeyEncoding(t *testing.T) {
	k, err := NewEncryptionKey()
	require.NoError(t, err)

	restored, err := EncryptionKeyFromBytes(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k.Public().Bytes(), restored.Public().Bytes())

	pub, err := PublicKeyFromBytes(k.Public().Bytes())
	require.NoError(t, err)
	assert.True(t, pub.Point.Equal(&k.Public().Point))

	_, err = EncryptionKeyFromBytes([]byte{1, 2})
	assert.Error(t, err)
}

// Test Pedersen commitment creation
func TestPedersenCommitment(t *testing.T) {
	c, r, err := CommitValue(1000)
	require.NoError(t, err)

	assert.True(t, c.Verify(big.NewInt(1000), r))
	assert.False(t, c.Verify(big.NewInt(1001), r))

	parsed, err := PedersenFromBytes(c.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.Point.Equal(&c.Point))

	_, err = NewPedersenCommitment(big.NewInt(-1), r)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

// Test homomorphic property
func TestPedersenHomomorphic(t *testing.T) {
	c1, r1, err := CommitValue(100)
	require.NoError(t, err)
	c2, r2, err := CommitValue(200)
	require.NoError(t, err)

	sum := c1.Add(c2)
	assert.True(t, sum.Verify(big.NewInt(300), new(big.Int).Add(r1, r2)))

	diff := sum.Sub(c2)
	assert.True(t, diff.Point.Equal(&c1.Point))
}

func TestValueConservation(t *testing.T) {
	in1, rIn1, _ := CommitValue(700)
	in2, rIn2, _ := CommitValue(300)
	out1, rOut1, _ := CommitValue(600)
	out2, rOut2, _ := CommitValue(390)

	excess := BalanceExcess([]*big.Int{rIn1, rIn2}, []*big.Int{rOut1, rOut2})
	ins := []*PedersenCommitment{in1, in2}
	outs := []*PedersenCommitment{out1, out2}

	assert.True(t, VerifyValueConservation(ins, outs, 10, excess))
	assert.False(t, VerifyValueConservation(ins, outs, 11, excess))
	assert.False(t, VerifyValueConservation(ins, outs, 10, types.Hash{1}))

	bp := &types.BalanceProof{
		Inputs:  [][]byte{in1.Bytes(), in2.Bytes()},
		Outputs: [][]byte{out1.Bytes(), out2.Bytes()},
		Excess:  excess,
	}
	assert.True(t, VerifyBalanceProof(bp, 10))
	assert.False(t, VerifyBalanceProof(bp, 9))
	assert.False(t, VerifyBalanceProof(nil, 10))

	bp.Inputs[0] = []byte{0xde, 0xad}
	assert.False(t, VerifyBalanceProof(bp, 10))
}
