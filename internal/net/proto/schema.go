package proto

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// BuildEnvelopeSchema reflects the wire envelope and the channel payload
// shapes into one JSON schema document for client codegen and contract
// review. The snapshot/patch bodies are reflected by the schema tool, which
// can see the session package; this covers the framing layer.
func BuildEnvelopeSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	root := reflector.ReflectFromType(reflect.TypeOf(Envelope{}))
	if root == nil {
		return nil, fmt.Errorf("failed to reflect envelope schema")
	}
	root.Version = jsonschema.Version
	root.Title = "Gloomvault Sync Envelope"
	root.Description = "Single frame shape carried on every sync channel."

	payloads := map[string]any{
		ChannelTeamInput:     TeamInputPayload{},
		ChannelRoomCompleted: RoomCompletedPayload{},
		ChannelLockUpdate:    LockRequest{},
		ChannelLockResult:    LockResult{},
		ChannelSyncRequest:   SyncRequestPayload{},
		ChannelHeartbeat:     HeartbeatPayload{},
	}
	if root.Definitions == nil {
		root.Definitions = jsonschema.Definitions{}
	}
	for channel, payload := range payloads {
		schema := reflector.ReflectFromType(reflect.TypeOf(payload))
		if schema == nil {
			return nil, fmt.Errorf("failed to reflect payload schema for %q", channel)
		}
		schema.Version = ""
		root.Definitions[channel] = schema
	}
	return root, nil
}
