package nifti

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"seegplan/internal/models"
)

func testVolume() *models.Volume {
	aff := models.ScaledAffine(0.75, 0.75, 1.5)
	aff.Set(0, 3, -80)
	aff.Set(1, 3, -100)
	aff.Set(2, 3, 30)
	v := models.NewVolume(models.NewGrid(5, 4, 3, aff))
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.25
	}
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			want := testVolume()
			path := filepath.Join(dir, name)
			require.NoError(t, Write(path, want, Float32))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, want.Shape(), got.Shape())
			assert.True(t, mat.EqualApprox(want.Affine, got.Affine, 1e-6))
			require.Len(t, got.Data, len(want.Data))
			for i := range want.Data {
				assert.InDelta(t, want.Data[i], got.Data[i], 1e-6)
			}
		})
	}
}

func TestMaskRoundTrip(t *testing.T) {
	m := models.NewMask(models.NewGrid(6, 6, 6, models.IdentityAffine(1)))
	m.Set(models.Coord{I: 1, J: 2, K: 3}, true)
	m.Set(models.Coord{I: 5, J: 5, K: 5}, true)

	path := filepath.Join(t.TempDir(), "mask.nii.gz")
	require.NoError(t, WriteMask(path, m))

	got, err := ReadMask(path)
	require.NoError(t, err)
	assert.Equal(t, m.Data, got.Data)
}

func TestDecodeBigEndianInt16WithScaling(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Dim:       [8]int16{3, 2, 2, 1, 1, 1, 1, 1},
		Datatype:  int16(Int16),
		Bitpix:    16,
		Pixdim:    [8]float32{1, 2, 2, 2},
		VoxOffset: dataOffset,
		SclSlope:  0.5,
		SclInter:  1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	for _, x := range []int16{0, 2, -4, 10} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, x))
	}

	v, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, -1, 6}, v.Data)
	assert.Equal(t, [3]float64{2, 2, 2}, v.Spacing())
}

func TestDecodeQform(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Dim:       [8]int16{3, 1, 1, 1, 1, 1, 1, 1},
		Datatype:  int16(Uint8),
		Bitpix:    8,
		Pixdim:    [8]float32{-1, 1, 2, 3},
		VoxOffset: dataOffset,
		QformCode: 1,
		QoffsetX:  10,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	buf.Write([]byte{0, 0, 0, 0, 1})

	v, err := Decode(&buf)
	require.NoError(t, err)
	// identity rotation, qfac -1 flips k
	assert.InDelta(t, 1, v.Affine.At(0, 0), 1e-9)
	assert.InDelta(t, 2, v.Affine.At(1, 1), 1e-9)
	assert.InDelta(t, -3, v.Affine.At(2, 2), 1e-9)
	assert.InDelta(t, 10, v.Affine.At(0, 3), 1e-9)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader(make([]byte, 400)))
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = Decode(bytes.NewReader([]byte{1}))
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestDecodeUnsupportedDatatype(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Dim:       [8]int16{3, 1, 1, 1},
		Datatype:  128, // RGB24
		VoxOffset: dataOffset,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	_, err := Decode(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedDatatype)
}
