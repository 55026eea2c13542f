package core

// Decimal formatting without strconv or fmt, which pull too much into the
// firmware image.

// appendUint appends n in decimal.
func appendUint(out []byte, n uint32) []byte {
	var digits [10]byte
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return append(out, digits[i:]...)
}

// appendInt appends n in decimal with a leading minus when negative.
func appendInt(out []byte, n int32) []byte {
	if n < 0 {
		// uint32 negation handles math.MinInt32
		return appendUint(append(out, '-'), -uint32(n))
	}
	return appendUint(out, uint32(n))
}

func utoa(n uint32) string {
	return string(appendUint(nil, n))
}

func itoa(n int) string {
	return string(appendInt(nil, int32(n)))
}
