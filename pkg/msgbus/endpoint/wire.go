package endpoint

import "github.com/eagine-msgbus/go-msgbus/pkg/msgbus"

// encodeMessageID gives subscribTo/unsubFrom payloads the same
// length-prefixed-ASCII shape the router expects (mirrors
// router.encodeMessageID, duplicated here since it is unexported).
func encodeMessageID(id msgbus.MessageID) []byte {
	buf := make([]byte, 0, 2+len(id.Class)+len(id.Method))
	buf = append(buf, byte(len(id.Class)))
	buf = append(buf, id.Class...)
	buf = append(buf, byte(len(id.Method)))
	buf = append(buf, id.Method...)
	return buf
}

// encodeInstanceAnnounce packs an endpoint id and its process instance id
// into the 16-byte payload stillAlive/announce messages carry, letting the
// router detect a restarted peer and drop its stale subscriptions.
func encodeInstanceAnnounce(id msgbus.EndpointID, instance msgbus.ProcessInstanceID) []byte {
	buf := make([]byte, 16)
	putUint64(buf[0:8], uint64(id))
	putUint64(buf[8:16], uint64(instance))
	return buf
}

func putUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}
