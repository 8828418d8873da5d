package gateway

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema validates REST-appended event bodies. The websocket path stays
// permissive (malformed frames are dropped), but REST callers get a 400 with
// the reason.
const eventSchema = `{
  "type": "object",
  "required": ["uuid", "type"],
  "properties": {
    "uuid": {"type": "string", "minLength": 36, "maxLength": 36},
    "type": {"type": "string", "minLength": 1},
    "subtype": {"type": "string"},
    "parent_tool_use_id": {"type": "string"},
    "session_id": {"type": "string"},
    "replay": {"type": "boolean"},
    "message": {"type": "object"}
  }
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("event.json")
}
