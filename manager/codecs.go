package manager

import (
	"fmt"
)

// CodecConfig registers a custom value codec. Values whose dynamic Go type name (as
// printed by %T) equals Type are passed through Encoder before they are advertised;
// received values tagged with Name are passed through Decoder.
type CodecConfig struct {
	Name    string
	Type    string
	Encoder func(v any) (any, error)
	Decoder func(v any) (any, error)
}

// Keys of an encoded custom value on the wire.
const (
	keyCodecType  = "_ctype"
	keyCodecValue = "_cvalue"
)

// RegisterCodec adds a custom codec. A codec already registered under the same name, or
// for the same non-empty type, is replaced.
func (m *Manager) RegisterCodec(cfg CodecConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("codec name is required")
	}
	if cfg.Encoder == nil && cfg.Decoder == nil {
		return fmt.Errorf("codec %q needs an encoder or a decoder", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, existing := range m.codecs {
		if name == cfg.Name || (cfg.Type != "" && existing.Type == cfg.Type) {
			m.logger.Info().Str("codec", name).Msg("removing duplicated codec")
			delete(m.codecs, name)
		}
	}
	m.codecs[cfg.Name] = cfg
	return nil
}

// Codecs returns a snapshot of the registered codecs.
func (m *Manager) Codecs() map[string]CodecConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCodecs(m.codecs)
}

func copyCodecs(in map[string]CodecConfig) map[string]CodecConfig {
	out := make(map[string]CodecConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// encodeValue applies the first codec registered for the value's type.
func encodeValue(codecs map[string]CodecConfig, v any) (any, error) {
	typ := fmt.Sprintf("%T", v)
	for name, c := range codecs {
		if c.Encoder == nil || c.Type != typ {
			continue
		}
		enc, err := c.Encoder(v)
		if err != nil {
			return nil, fmt.Errorf("codec %q: %w", name, err)
		}
		return map[string]any{keyCodecType: name, keyCodecValue: enc}, nil
	}
	return v, nil
}

// decodeValue reverses encodeValue. Tagged values without a matching decoder are returned
// unchanged.
func decodeValue(codecs map[string]CodecConfig, v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	name, ok := m[keyCodecType].(string)
	if !ok {
		return v, nil
	}
	c, ok := codecs[name]
	if !ok || c.Decoder == nil {
		return v, nil
	}
	dec, err := c.Decoder(m[keyCodecValue])
	if err != nil {
		return nil, fmt.Errorf("codec %q: %w", name, err)
	}
	return dec, nil
}
