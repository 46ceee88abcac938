package constant

const (
	// MaxDataLength is the read granularity on the plaintext side. It is a
	// buffer size, not a message boundary.
	MaxDataLength = 8192

	// MaxEncodedDataLength is the worst case size of one frame on the
	// obfuscated side: the base64 expansion of MaxDataLength plus the
	// trailing delimiter. A frame longer than this can never decode into a
	// MaxDataLength payload and is rejected before decoding.
	MaxEncodedDataLength = (MaxDataLength+2)/3*4 + 1

	// ObfsKey is the default keystream byte. Both relay directions apply
	// the same key, so two relays facing each other need no negotiation.
	ObfsKey = 42

	// ObfsDelimiter terminates every frame. It never occurs inside the
	// base64 alphabet, which is what makes it a safe resync point.
	ObfsDelimiter = '\n'
)
