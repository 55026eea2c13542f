package protocol

import (
	"testing"
)

func TestVLQEncodeDecodeInt(t *testing.T) {
	testCases := []int32{
		0,
		1,
		-1,
		127,
		-127,
		128,
		-128,
		255,
		-255,
		1000,
		-1000,
		65535,
		-65535,
		1000000,
		-1000000,
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQInt(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}

		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}

		if len(data) != 0 {
			t.Errorf("VLQ decode didn't consume all bytes for value %d: %d bytes remaining", expected, len(data))
		}
	}
}

func TestVLQEncodeDecodeUint(t *testing.T) {
	testCases := []uint32{
		0,
		1,
		127,
		128,
		255,
		1000,
		65535,
		1000000,
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQUint(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQUint(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}

		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}
	}
}

func TestVLQBytes(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 50), // Moderate array (within 64-byte message limit)
	}

	for i, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQBytes(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQBytes(&data)
		if err != nil {
			t.Errorf("Test case %d: Failed to decode bytes: %v", i, err)
			continue
		}

		if len(decoded) != len(expected) {
			t.Errorf("Test case %d: Length mismatch: expected %d, got %d", i, len(expected), len(decoded))
			continue
		}

		for j := range expected {
			if decoded[j] != expected[j] {
				t.Errorf("Test case %d: Byte mismatch at index %d: expected %d, got %d", i, j, expected[j], decoded[j])
			}
		}
	}
}

func TestVLQBool(t *testing.T) {
	for _, expected := range []bool{false, true} {
		output := NewScratchOutput()
		EncodeVLQBool(output, expected)
		data := output.Result()

		decoded, err := DecodeVLQBool(&data)
		if err != nil {
			t.Errorf("Failed to decode flag %v: %v", expected, err)
			continue
		}
		if decoded != expected {
			t.Errorf("Flag mismatch: expected %v, got %v", expected, decoded)
		}
	}
}

func TestVLQSampleRange(t *testing.T) {
	// Readings travel as x256 values of a signed 24-bit conversion.
	testCases := []int32{
		0x7FFFFF << 8,
		-0x800000 << 8,
		-256,
		0x123456 << 8,
	}

	for _, expected := range testCases {
		encoded := EncodeVLQ(expected)
		if len(encoded) > 5 {
			t.Errorf("Encoding of %d used %d bytes", expected, len(encoded))
		}

		decoded, n, err := DecodeVLQ(encoded)
		if err != nil {
			t.Errorf("Failed to decode %d: %v", expected, err)
			continue
		}
		if n != len(encoded) {
			t.Errorf("DecodeVLQ consumed %d of %d bytes", n, len(encoded))
		}
		if decoded != expected {
			t.Errorf("Sample mismatch: expected %d, got %d", expected, decoded)
		}
	}
}

func TestVLQSmallValuesUseOneByte(t *testing.T) {
	for _, v := range []int32{-32, -1, 0, 1, 95} {
		if n := len(EncodeVLQ(v)); n != 1 {
			t.Errorf("Value %d encoded in %d bytes, expected 1", v, n)
		}
	}
	if n := len(EncodeVLQ(96)); n != 2 {
		t.Errorf("Value 96 encoded in %d bytes, expected 2", n)
	}
}

func TestVLQKnownEncodings(t *testing.T) {
	for _, tc := range []struct {
		v    int32
		want []byte
	}{
		{96, []byte{0x80, 0x60}},
		{-33, []byte{0xFF, 0x5F}},
		{1000, []byte{0x87, 0x68}},
		{-1, []byte{0x7F}},
	} {
		got := EncodeVLQ(tc.v)
		if string(got) != string(tc.want) {
			t.Errorf("EncodeVLQ(%d) = % x, want % x", tc.v, got, tc.want)
		}
	}
}

func TestVLQDecodeErrors(t *testing.T) {
	data := []byte{0x80} // continuation with nothing after it
	if _, err := DecodeVLQInt(&data); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}
	if len(data) != 1 {
		t.Errorf("Failed decode consumed input")
	}

	data = []byte{0x81, 0x81, 0x81, 0x81, 0x81, 0x01}
	if _, err := DecodeVLQInt(&data); err != ErrInvalidVLQ {
		t.Errorf("Expected ErrInvalidVLQ for six groups, got %v", err)
	}
}
