package fcm

import (
	"encoding/json"
	"strconv"

	"github.com/frknbasaran/pushd/push"
)

// template holds the compiled default payload of one message. It is built
// once per batch; per-push personalization is applied as a delta on top of
// the shared base instead of recompiling the whole message for every token.
type template struct {
	msg  *push.Message
	base map[string]string
}

func newTemplate(m *push.Message) *template {
	t := &template{msg: m}
	t.base = payloadFor(m, m.Content(""))
	return t
}

// compile returns the payload for one push. Pushes without personalization
// and with default locale share the base map, so the common case allocates
// nothing.
func (t *template) compile(p *push.Push) map[string]string {
	loc := p.Locale()
	plain := loc == "default" && p.Pers.Title == "" && p.Pers.Message == "" && len(p.Pers.Data) == 0
	if plain {
		return t.base
	}

	data := payloadFor(t.msg, t.msg.Content(loc))
	if p.Pers.Title != "" {
		data["c.t"] = p.Pers.Title
	}
	if p.Pers.Message != "" {
		data["message"] = p.Pers.Message
	}
	for k, v := range p.Pers.Data {
		data[k] = flatten(v)
	}
	return data
}

// payloadFor maps message content onto the FCM data payload. All values are
// strings: the HTTP v1 API rejects non-string data values, and the legacy
// API coerces them anyway.
func payloadFor(m *push.Message, c push.Content) map[string]string {
	data := make(map[string]string, 8+len(c.Data))
	data["c.i"] = m.ID.Hex()
	if c.Title != "" {
		data["c.t"] = c.Title
	}
	if c.Message != "" {
		data["message"] = c.Message
	}
	if c.Sound != "" {
		data["sound"] = c.Sound
	}
	if c.Badge != nil {
		data["badge"] = strconv.Itoa(*c.Badge)
	}
	if c.URL != "" {
		data["c.l"] = c.URL
	}
	if c.Media != "" {
		data["c.m"] = c.Media
	}
	if c.Message == "" && c.Sound == "" {
		// Data-only messages must not surface a visible notification.
		data["c.s"] = "true"
	}
	for k, v := range c.Data {
		data[k] = flatten(v)
	}
	return data
}

func flatten(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// payloadBytes approximates the wire weight of a compiled payload. Error
// accounting divides batch bytes evenly across affected pushes, so only the
// relative size matters.
func payloadBytes(data map[string]string) int {
	b, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(b)
}
