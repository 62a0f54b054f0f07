package codec

import "sort"

// EncodingSet is the set of transfer encodings a peer has declared it accepts.
// Plain JSON is implicit and never needs to be listed.
type EncodingSet map[string]struct{}

// NewEncodingSet builds a set from accept_encoding names. Unknown names are kept so that
// they are echoed back faithfully, but Negotiate ignores them.
func NewEncodingSet(names ...string) EncodingSet {
	s := make(EncodingSet, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// DefaultAccept lists every encoding this module can decode, in preference order.
func DefaultAccept() []string {
	return []string{EncodingMsgpack, EncodingCBOR, EncodingGzip}
}

func (s EncodingSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted encoding names.
func (s EncodingSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Compact reports whether the set contains a compact binary encoding.
func (s EncodingSet) Compact() bool {
	return s.Has(EncodingMsgpack) || s.Has(EncodingCBOR)
}

// Negotiate picks the richest representation the remote accepts:
// msgpack, then CBOR, then plain JSON.
func Negotiate(remote EncodingSet) CodecType {
	switch {
	case remote.Has(EncodingMsgpack):
		return CodecTypeMsgpack
	case remote.Has(EncodingCBOR):
		return CodecTypeCBOR
	default:
		return CodecTypeJSON
	}
}
