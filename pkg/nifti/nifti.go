// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz), the format masks and distance maps are exchanged in.
//
// Only the first 3D volume of a file is used. The voxel-to-world affine is
// taken from the sform when present, then the qform, then pixdim.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"seegplan/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352
)

var (
	// ErrBadHeader is returned for files that are not NIfTI-1.
	ErrBadHeader = errors.New("not a NIfTI-1 file")

	// ErrUnsupportedDatatype is returned for voxel types this package
	// cannot decode.
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// Datatype is a NIfTI-1 voxel type code.
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

func (d Datatype) bytes() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// header is the on-disk NIfTI-1 header, field for field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Read loads the volume stored at path. Gzip compression is detected from
// the content, not the file name.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return v, nil
}

// ReadMask loads a volume and thresholds it into a mask.
func ReadMask(path string) (*models.Mask, error) {
	v, err := Read(path)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(v), nil
}

// Decode parses a NIfTI-1 stream, optionally gzip-compressed.
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrBadHeader, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, ErrBadHeader
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("%w: magic %q (only single-file n+1 is supported)", ErrBadHeader, h.Magic[:])
	}
	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrBadHeader, h.Dim[0])
	}

	dt := Datatype(h.Datatype)
	size := dt.bytes()
	if size == 0 {
		return nil, fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, h.Datatype)
	}

	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%w: shape %dx%dx%d", ErrBadHeader, nx, ny, nz)
	}

	// skip extensions up to the data
	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, src, skip); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
	}

	vol := models.NewVolume(models.NewGrid(nx, ny, nz, h.affine()))
	buf := make([]byte, len(vol.Data)*size)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("short voxel data: %w", err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		slope, inter = 1, 0
	}
	for i := range vol.Data {
		b := buf[i*size : (i+1)*size]
		var x float64
		switch dt {
		case Uint8:
			x = float64(b[0])
		case Int8:
			x = float64(int8(b[0]))
		case Int16:
			x = float64(int16(order.Uint16(b)))
		case Uint16:
			x = float64(order.Uint16(b))
		case Int32:
			x = float64(int32(order.Uint32(b)))
		case Uint32:
			x = float64(order.Uint32(b))
		case Float32:
			x = float64(math.Float32frombits(order.Uint32(b)))
		case Float64:
			x = math.Float64frombits(order.Uint64(b))
		}
		vol.Data[i] = x*slope + inter
	}

	return vol, nil
}

// affine picks the voxel-to-world transform the header declares.
func (h *header) affine() *mat.Dense {
	if h.SformCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	}

	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])
	if h.QformCode <= 0 {
		return models.ScaledAffine(dx, dy, dz)
	}

	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// rounding left the quaternion slightly non-unit; treat as 180 degrees
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dz *= qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

// Write stores v at path as dtype, gzip-compressed when path ends in ".gz".
func Write(path string, v *models.Volume, dtype Datatype) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	bw := bufio.NewWriter(w)

	err = Encode(bw, v, dtype)
	if err == nil {
		err = bw.Flush()
	}
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WriteMask stores m as a uint8 0/1 volume.
func WriteMask(path string, m *models.Mask) error {
	return Write(path, m.ToVolume(), Uint8)
}

// Encode writes an uncompressed little-endian NIfTI-1 stream. The affine
// is stored as the sform.
func Encode(w io.Writer, v *models.Volume, dtype Datatype) error {
	size := dtype.bytes()
	if size == 0 || dtype == Int8 || dtype == Uint32 {
		return fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, dtype)
	}

	sp := v.Spacing()
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Dim:       [8]int16{3, int16(v.Nx), int16(v.Ny), int16(v.Nz), 1, 1, 1, 1},
		Datatype:  int16(dtype),
		Bitpix:    int16(size * 8),
		Pixdim:    [8]float32{1, float32(sp[0]), float32(sp[1]), float32(sp[2]), 1, 1, 1, 1},
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(v.Affine.At(0, c))
		h.SrowY[c] = float32(v.Affine.At(1, c))
		h.SrowZ[c] = float32(v.Affine.At(2, c))
	}
	copy(h.Descrip[:], "seegplan")

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v.Data {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	if len(v.Data) > 0 {
		h.CalMin, h.CalMax = float32(lo), float32(hi)
	}

	order := binary.LittleEndian
	if err := binary.Write(w, order, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, size)
	for _, x := range v.Data {
		switch dtype {
		case Uint8:
			buf[0] = uint8(clamp(math.Round(x), 0, math.MaxUint8))
		case Int16:
			order.PutUint16(buf, uint16(int16(clamp(math.Round(x), math.MinInt16, math.MaxInt16))))
		case Uint16:
			order.PutUint16(buf, uint16(clamp(math.Round(x), 0, math.MaxUint16)))
		case Int32:
			order.PutUint32(buf, uint32(int32(clamp(math.Round(x), math.MinInt32, math.MaxInt32))))
		case Float32:
			order.PutUint32(buf, math.Float32bits(float32(x)))
		case Float64:
			order.PutUint64(buf, math.Float64bits(x))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
