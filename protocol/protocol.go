// Package protocol implements the Klipper-style message block protocol used
// between the load-cell firmware and the host tools.
package protocol

// Version is the protocol version named in the identify dictionary.
const Version = "0.2.0"

// Buffer sizes
const (
	MessageMax = 512 // scratch output size, several blocks per flush
)

// Message block layout
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	MessageSeqMask = 0x0F
)

// NextSequence returns the sequence byte that follows seq.
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
