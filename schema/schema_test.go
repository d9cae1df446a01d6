package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinRoom() *Schema {
	return MustNew(Config{
		Type:    "JOIN_ROOM",
		Payload: Object(Props{"roomId": String()}, "roomId"),
	})
}

func TestSafeParseAcceptsValidEnvelope(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type":    "JOIN_ROOM",
		"meta":    map[string]any{"timestamp": float64(1700000000000)},
		"payload": map[string]any{"roomId": "lobby"},
	})

	require.True(t, res.OK, "issues: %v", res.Issues)
	payload := res.Value["payload"].(map[string]any)
	assert.Equal(t, "lobby", payload["roomId"])
}

func TestSafeParseRejectsWrongTypeLiteral(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type":    "LEAVE_ROOM",
		"meta":    map[string]any{},
		"payload": map[string]any{"roomId": "lobby"},
	})

	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Issues)
}

func TestSafeParseRejectsUnknownEnvelopeKey(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type":    "JOIN_ROOM",
		"meta":    map[string]any{},
		"payload": map[string]any{"roomId": "lobby"},
		"extra":   true,
	})

	assert.False(t, res.OK)
}

func TestSafeParseRejectsUnknownPayloadKey(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type":    "JOIN_ROOM",
		"meta":    map[string]any{},
		"payload": map[string]any{"roomId": "lobby", "admin": true},
	})

	require.False(t, res.OK)
	require.NotEmpty(t, res.Issues)
	assert.Contains(t, res.Issues[0].Path, "/payload")
}

func TestSafeParseRejectsUnknownMetaKey(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type":    "JOIN_ROOM",
		"meta":    map[string]any{"smuggled": "value"},
		"payload": map[string]any{"roomId": "lobby"},
	})

	assert.False(t, res.OK)
}

func TestSafeParseAllowsDeclaredMetaExtension(t *testing.T) {
	s := MustNew(Config{
		Type:    "JOIN_ROOM",
		Payload: Object(Props{"roomId": String()}, "roomId"),
		Meta:    map[string]Doc{"traceId": String()},
	})

	res := s.SafeParse(map[string]any{
		"type":    "JOIN_ROOM",
		"meta":    map[string]any{"traceId": "abc", "correlationId": "r-1"},
		"payload": map[string]any{"roomId": "lobby"},
	})

	require.True(t, res.OK, "issues: %v", res.Issues)
}

func TestSafeParseRequiresDeclaredPayload(t *testing.T) {
	s := joinRoom()

	res := s.SafeParse(map[string]any{
		"type": "JOIN_ROOM",
		"meta": map[string]any{},
	})

	assert.False(t, res.OK)
}

func TestSafeParseRejectsPayloadOnPayloadlessSchema(t *testing.T) {
	s := MustNew(Config{Type: "PING"})

	res := s.SafeParse(map[string]any{
		"type":    "PING",
		"meta":    map[string]any{},
		"payload": map[string]any{"x": 1},
	})

	assert.False(t, res.OK)

	res = s.SafeParse(map[string]any{
		"type": "PING",
		"meta": map[string]any{},
	})
	assert.True(t, res.OK)
}

func TestSafeParseNormalizesTypedValues(t *testing.T) {
	type payload struct {
		RoomID string `json:"roomId"`
	}
	type frame struct {
		Type    string         `json:"type"`
		Meta    map[string]any `json:"meta"`
		Payload payload        `json:"payload"`
	}

	s := joinRoom()
	res := s.SafeParse(frame{Type: "JOIN_ROOM", Meta: map[string]any{}, Payload: payload{RoomID: "lobby"}})

	require.True(t, res.OK, "issues: %v", res.Issues)
}

func TestValidatePayload(t *testing.T) {
	s := joinRoom()

	assert.True(t, s.ValidatePayload(map[string]any{"roomId": "lobby"}).OK)
	assert.False(t, s.ValidatePayload(map[string]any{}).OK)

	bare := MustNew(Config{Type: "PING"})
	assert.True(t, bare.ValidatePayload(nil).OK)
	assert.False(t, bare.ValidatePayload(map[string]any{"x": 1}).OK)
}

func TestPayloadFragmentKeepsExplicitAdditionalProperties(t *testing.T) {
	s := MustNew(Config{
		Type: "PATCH",
		Payload: Doc{
			"type":                 "object",
			"properties":           Doc{"id": String()},
			"required":             []any{"id"},
			"additionalProperties": true,
		},
	})

	res := s.SafeParse(map[string]any{
		"type":    "PATCH",
		"meta":    map[string]any{},
		"payload": map[string]any{"id": "a", "anything": 1},
	})
	assert.True(t, res.OK, "issues: %v", res.Issues)
}

func TestResponseDescriptorCompiles(t *testing.T) {
	s := MustNew(Config{
		Type:    "PING",
		Payload: Object(Props{"text": String()}, "text"),
		Response: &Config{
			Type:    "PONG",
			Payload: Object(Props{"reply": String()}, "reply"),
		},
	})

	require.NotNil(t, s.Response())
	assert.Equal(t, "PONG", s.Response().Type())
	assert.Nil(t, s.Response().Response())
}

func TestNewCompilesAllResources(t *testing.T) {
	s, err := New(Config{
		Type:    "ORDER_CREATED",
		Payload: Object(Props{"orderId": String()}, "orderId"),
		Meta:    map[string]Doc{"traceId": String()},
		Response: &Config{
			Type:    "ORDER_ACK",
			Payload: Object(Props{"orderId": String()}, "orderId"),
		},
	})
	require.NoError(t, err)

	res := s.SafeParse(map[string]any{
		"type":    "ORDER_CREATED",
		"meta":    map[string]any{"traceId": "t-1"},
		"payload": map[string]any{"orderId": "o-1"},
	})
	require.True(t, res.OK, "issues: %v", res.Issues)
	require.True(t, s.Response().ValidatePayload(map[string]any{"orderId": "o-1"}).OK)
}

func TestNewRejectsEmptyType(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestIssuesCarryInstancePath(t *testing.T) {
	s := MustNew(Config{
		Type:    "NOTE",
		Payload: Object(Props{"count": Integer()}, "count"),
	})

	res := s.SafeParse(map[string]any{
		"type":    "NOTE",
		"meta":    map[string]any{},
		"payload": map[string]any{"count": "three"},
	})

	require.False(t, res.OK)
	found := false
	for _, issue := range res.Issues {
		if issue.Path == "/payload/count" {
			found = true
		}
	}
	assert.True(t, found, "issues: %v", res.Issues)
}

func TestFragmentBuilders(t *testing.T) {
	doc := Object(Props{
		"tags":  Array(String()),
		"count": Number(),
		"on":    Boolean(),
	}, "count")

	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, false, doc["additionalProperties"])
	assert.Equal(t, []any{"count"}, doc["required"])
}
