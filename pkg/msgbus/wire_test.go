package msgbus

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	id := MessageID{Class: "app", Method: "ping"}
	h := Header{
		SourceID:      10,
		TargetID:      20,
		SerializerID:  7,
		SequenceNo:    42,
		HopCount:      3,
		AgeQuarterSec: 5,
		Priority:      PriorityHigh,
		CryptoFlags:   CryptoSignedHeader,
	}
	content := []byte("hello world")

	buf, err := EncodeMessage(nil, Message{ID: id, Header: h, Content: content})
	require.NoError(t, err)

	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, h, got.Header)
	assert.Equal(t, content, got.Content)
}

func TestDecodeHeaderShortFrame(t *testing.T) {
	_, _, _, err := DecodeHeader([]byte{3, 'a', 'b'})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestHeaderRoundTripProperty(t *testing.T) {
	props := gopter.NewProperties(nil)

	genIdent := gen.RegexMatch(`[a-zA-Z]{1,10}`)

	props.Property("encode/decode header round trips", prop.ForAll(
		func(class, method string, source, target uint64, seq uint32, hop, age int8, prio, crypto uint8) bool {
			id := MessageID{Class: class, Method: method}
			h := Header{
				SourceID:      EndpointID(source),
				TargetID:      EndpointID(target),
				SequenceNo:    SequenceNo(seq),
				HopCount:      hop,
				AgeQuarterSec: age,
				Priority:      Priority(prio % 5),
				CryptoFlags:   CryptoFlags(crypto),
			}
			buf, err := EncodeHeader(nil, id, h)
			if err != nil {
				return false
			}
			gotID, gotH, _, err := DecodeHeader(buf)
			return err == nil && gotID == id && gotH == h
		},
		genIdent, genIdent,
		gen.UInt64(), gen.UInt64(),
		gen.UInt32(),
		gen.Int8(), gen.Int8(),
		gen.UInt8(), gen.UInt8(),
	))

	props.TestingRun(t)
}
