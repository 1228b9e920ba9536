package router

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// dedupeToolUse removes tool_use blocks whose id already appeared earlier in
// the conversation. Some clients replay history with the same call twice;
// upstream providers reject the duplicate ids.
func dedupeToolUse(body []byte) []byte {
	seen := make(map[string]bool)
	var paths []string

	gjson.GetBytes(body, "messages").ForEach(func(mi, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(bi, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			id := block.Get("id").String()
			if id == "" {
				return true
			}
			if seen[id] {
				paths = append(paths, fmt.Sprintf("messages.%d.content.%d", mi.Int(), bi.Int()))
				return true
			}
			seen[id] = true
			return true
		})
		return true
	})

	if len(paths) == 0 {
		return body
	}
	log.Debugf("dropping %d duplicate tool_use blocks", len(paths))
	// Delete back to front so earlier indices stay valid.
	for i := len(paths) - 1; i >= 0; i-- {
		body, _ = sjson.DeleteBytes(body, paths[i])
	}
	return body
}
