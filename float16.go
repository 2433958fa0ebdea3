package detect

import "github.com/x448/float16"

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// Float16ToFloat32 converts a buffer of IEEE 754 half precision bit patterns,
// as returned by fp16 exported models, to float32
func Float16ToFloat32(buf []uint16) []float32 {

	out := make([]float32, len(buf))

	for i, v := range buf {
		out[i] = f16LookupTable[v]
	}

	return out
}

// DequantizeUint8 converts asymmetric uint8 quantized values back to float32
// using the tensor's scale and zero point
func DequantizeUint8(buf []uint8, scale float32, zeroPoint int) []float32 {

	out := make([]float32, len(buf))

	for i, v := range buf {
		out[i] = (float32(v) - float32(zeroPoint)) * scale
	}

	return out
}

// DequantizeInt8 converts int8 quantized values back to float32 using the
// tensor's scale and zero point
func DequantizeInt8(buf []int8, scale float32, zeroPoint int) []float32 {

	out := make([]float32, len(buf))

	for i, v := range buf {
		out[i] = (float32(v) - float32(zeroPoint)) * scale
	}

	return out
}
