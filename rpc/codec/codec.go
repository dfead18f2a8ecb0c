// Package codec defines the injected payload codec contract. The server core
// moves opaque byte payloads; converting them to and from domain messages is
// the business of the codec supplied by the surrounding application, keeping
// the bootstrap independent of any particular wire format.
package codec

// ICodec converts between domain values and the byte payloads carried by the
// transport layer. Implementations must be safe for concurrent use.
type ICodec interface {
	// Encode serializes a value into a byte array
	Encode(v any) ([]byte, error)
	// Decode deserializes a byte array into the given value
	Decode(data []byte, v any) error
	// Name returns the codec name (e.g. "json")
	Name() string
}

// rawCodec passes byte slices through unchanged. It is the codec of last
// resort for handlers that already speak bytes (smoke tests, echo services).
type rawCodec struct{}

// NewRawCodec creates a pass-through codec for []byte payloads
func NewRawCodec() ICodec {
	return rawCodec{}
}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrNotBytes
	}
	return b, nil
}

func (rawCodec) Decode(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return ErrNotBytes
	}
	*p = data
	return nil
}
