package driver

import (
	"time"
)

// Tagged-map encoding for the typed values (references, geo points, times)
// that serialization formats without native counterparts would flatten.
// The bolt and dynamo drivers run document trees through EncodeTree before
// persisting and DecodeTree after reading.

const (
	tagRef  = "$ref"
	tagGeo  = "$geo"
	tagTime = "$time"
)

// EncodeTree converts typed values in a document tree to tagged maps.
func EncodeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = EncodeTree(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = EncodeTree(e)
		}
		return out
	case *Ref:
		return map[string]any{tagRef: t.Path()}
	case GeoPoint:
		return map[string]any{tagGeo: map[string]any{"lat": t.Latitude, "lng": t.Longitude}}
	case time.Time:
		return map[string]any{tagTime: t.UTC().Format(time.RFC3339Nano)}
	default:
		return v
	}
}

// DecodeTree restores typed values from their tagged-map encoding.
func DecodeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if decoded, ok := decodeTagged(t); ok {
				return decoded
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DecodeTree(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DecodeTree(e)
		}
		return out
	default:
		return v
	}
}

func decodeTagged(m map[string]any) (any, bool) {
	if p, ok := m[tagRef].(string); ok {
		if r, err := RefFromPath(p); err == nil {
			return r, true
		}
	}
	if g, ok := m[tagGeo].(map[string]any); ok {
		lat, latOK := toFloat(g["lat"])
		lng, lngOK := toFloat(g["lng"])
		if latOK && lngOK {
			return GeoPoint{Latitude: lat, Longitude: lng}, true
		}
	}
	if s, ok := m[tagTime].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
	}
	return nil, false
}
