package testutil

// DeviceID returns a 16-byte device id filled with the given byte, so two
// test devices are distinguishable in version chains.
func DeviceID(b byte) []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = b
	}
	return id
}

// Key returns a test key of the given size filled with the given byte.
func Key(size int, b byte) []byte {
	k := make([]byte, size)
	for i := range k {
		k[i] = b
	}
	return k
}
