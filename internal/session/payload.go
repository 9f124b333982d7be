package session

import "github.com/tidwall/gjson"

// payloadPathKeys are the scalar fields tool payloads commonly carry a
// file path in.
var payloadPathKeys = []string{"file_path", "filePath", "path", "notebook_path"}

// payloadListKeys are the array fields that carry several paths.
var payloadListKeys = []string{"paths", "files", "file_paths"}

// FilePathsFromPayload extracts the file paths mentioned in a raw tool
// payload, so a host can hand the payload straight to Track without
// knowing each tool's shape. Unknown or invalid payloads yield nil.
func FilePathsFromPayload(payload []byte) []string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, key := range payloadPathKeys {
		add(gjson.GetBytes(payload, key).String())
	}
	for _, key := range payloadListKeys {
		for _, v := range gjson.GetBytes(payload, key).Array() {
			add(v.String())
		}
	}
	for _, v := range gjson.GetBytes(payload, "edits.#.path").Array() {
		add(v.String())
	}
	return out
}
