package constant

const (
	// DirectionEncode places the obfuscated stream on the client side of
	// the relay: clients speak frames, the upstream server speaks raw bytes.
	DirectionEncode = "encode"

	// DirectionDecode places the obfuscated stream on the upstream side.
	// This is the default because it is the stricter mode: a relay that was
	// meant to encode will fail loudly instead of passing bytes through.
	DirectionDecode = "decode"
)
