package protocol

import (
	"encoding/binary"

	"github.com/ratcache/ratmemcached/internal/rerr"
)

// The wire protocol's per-key "flags" opaque client tag (spec.md §4.7) has
// no home in the cache's Entry data model (spec.md §3 only models payload
// bytes), and the original implementation silently drops it (always
// returning flags=0 on get — see original_source/src/bin/rat_memcached.rs's
// Get handler). Rather than carry that gap forward, flags travel inside the
// stored payload as a small protocol-owned envelope: a 4-byte big-endian
// flags header prefixing the user's bytes. The cache tiers never interpret
// this; to them it's just part of the opaque payload.
const envelopeHeaderSize = 4

func encodeEnvelope(flags uint32, payload []byte) []byte {
	out := make([]byte, envelopeHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, flags)
	copy(out[envelopeHeaderSize:], payload)
	return out
}

func decodeEnvelope(raw []byte) (flags uint32, payload []byte, err error) {
	if len(raw) < envelopeHeaderSize {
		return 0, nil, rerr.Serialization("stored value shorter than the protocol envelope header", nil)
	}
	flags = binary.BigEndian.Uint32(raw)
	payload = raw[envelopeHeaderSize:]
	return flags, payload, nil
}
