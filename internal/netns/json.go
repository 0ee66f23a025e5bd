package netns

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExtractJSON возвращает первый корректный JSON-объект в выводе команды.
// Мусор до и после объекта (баннеры, прогресс curl) игнорируется.
func ExtractJSON(out string) (json.RawMessage, bool) {
	for i := 0; i < len(out); i++ {
		j := strings.IndexByte(out[i:], '{')
		if j < 0 {
			return nil, false
		}
		i += j
		dec := json.NewDecoder(strings.NewReader(out[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && bytes.HasPrefix(raw, []byte("{")) {
			return raw, true
		}
	}
	return nil, false
}
