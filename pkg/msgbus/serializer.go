package msgbus

// Serializer encodes/decodes a message's content bytes for a higher-level
// payload type. SerializerID (in the header) names which one was used; id 0
// means "raw bytes, no codec". The bus itself never inspects content past
// this boundary.
type Serializer interface {
	ID() uint64
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// RawSerializer is the identity codec used when SerializerID == 0: content
// is already a []byte and is passed through unchanged.
type RawSerializer struct{}

func (RawSerializer) ID() uint64 { return 0 }

func (RawSerializer) Encode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errNotRawBytes
}

func (RawSerializer) Decode(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return errNotRawBytes
	}
	*p = data
	return nil
}

var errNotRawBytes = rawSerializerError("msgbus: RawSerializer requires []byte")

type rawSerializerError string

func (e rawSerializerError) Error() string { return string(e) }
