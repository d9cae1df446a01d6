package main

import (
	"github.com/adred-codev/wsrouter/schema"
	"github.com/adred-codev/wsrouter/wsrouter"
)

// Wire schemas for the chatroom protocol.
var (
	pingSchema = schema.MustNew(schema.Config{
		Type: "PING",
		Response: &schema.Config{
			Type:    "PONG",
			Payload: schema.Object(schema.Props{"serverTime": schema.Number()}, "serverTime"),
		},
	})

	joinRoomSchema = schema.MustNew(schema.Config{
		Type:    "JOIN_ROOM",
		Payload: schema.Object(schema.Props{"roomId": schema.String()}, "roomId"),
		Response: &schema.Config{
			Type: "ROOM_JOINED",
			Payload: schema.Object(schema.Props{
				"roomId":  schema.String(),
				"members": schema.Integer(),
			}, "roomId", "members"),
		},
	})

	leaveRoomSchema = schema.MustNew(schema.Config{
		Type:    "LEAVE_ROOM",
		Payload: schema.Object(schema.Props{"roomId": schema.String()}, "roomId"),
	})

	sendMessageSchema = schema.MustNew(schema.Config{
		Type: "SEND_MESSAGE",
		Payload: schema.Object(schema.Props{
			"roomId": schema.String(),
			"text":   schema.String(),
		}, "roomId", "text"),
	})

	userJoinedSchema = schema.MustNew(schema.Config{
		Type: "USER_JOINED",
		Payload: schema.Object(schema.Props{
			"roomId": schema.String(),
			"userId": schema.String(),
		}, "roomId", "userId"),
	})

	userLeftSchema = schema.MustNew(schema.Config{
		Type: "USER_LEFT",
		Payload: schema.Object(schema.Props{
			"roomId": schema.String(),
			"userId": schema.String(),
		}, "roomId", "userId"),
	})

	messagePostedSchema = schema.MustNew(schema.Config{
		Type: "MESSAGE_POSTED",
		Payload: schema.Object(schema.Props{
			"roomId": schema.String(),
			"userId": schema.String(),
			"text":   schema.String(),
		}, "roomId", "userId", "text"),
	})
)

func roomTopic(roomID string) string { return "room:" + roomID }

// registerHandlers wires the chatroom protocol onto the router.
func registerHandlers(r *wsrouter.Router) {
	r.RPC(pingSchema, func(ctx *wsrouter.RPCContext) error {
		return ctx.Reply(map[string]any{"serverTime": ctx.Meta().ReceivedAt()}, nil)
	})

	r.RPC(joinRoomSchema, func(ctx *wsrouter.RPCContext) error {
		var req struct {
			RoomID string `json:"roomId"`
		}
		if err := ctx.BindPayload(&req); err != nil {
			return wsrouter.E(wsrouter.CodeInvalidArgument, "bad payload").WithCause(err)
		}

		topic := roomTopic(req.RoomID)
		if _, err := ctx.Topics().Subscribe(ctx.Ctx(), topic, nil); err != nil {
			return err
		}

		if _, err := ctx.Publish(topic, userJoinedSchema, map[string]any{
			"roomId": req.RoomID,
			"userId": ctx.ClientID(),
		}, nil); err != nil {
			return err
		}

		// Settle before counting so the reply reflects this join. Member
		// counts are local-instance only under federated backends.
		if err := ctx.Topics().Settle(ctx.Ctx(), topic); err != nil {
			return err
		}
		return ctx.Reply(map[string]any{
			"roomId":  req.RoomID,
			"members": len(r.Driver().LocalSubscribers(topic)),
		}, nil)
	})

	r.On(leaveRoomSchema, func(ctx *wsrouter.Context) error {
		var req struct {
			RoomID string `json:"roomId"`
		}
		if err := ctx.BindPayload(&req); err != nil {
			return wsrouter.E(wsrouter.CodeInvalidArgument, "bad payload").WithCause(err)
		}

		topic := roomTopic(req.RoomID)
		if _, err := ctx.Topics().Unsubscribe(ctx.Ctx(), topic, nil); err != nil {
			return err
		}
		_, err := ctx.Publish(topic, userLeftSchema, map[string]any{
			"roomId": req.RoomID,
			"userId": ctx.ClientID(),
		}, nil)
		return err
	})

	r.On(sendMessageSchema, func(ctx *wsrouter.Context) error {
		var req struct {
			RoomID string `json:"roomId"`
			Text   string `json:"text"`
		}
		if err := ctx.BindPayload(&req); err != nil {
			return wsrouter.E(wsrouter.CodeInvalidArgument, "bad payload").WithCause(err)
		}

		topic := roomTopic(req.RoomID)
		if !ctx.Topics().Has(topic) {
			return wsrouter.E(wsrouter.CodeFailedPrecondition, "join the room before posting").
				WithContext(map[string]any{"roomId": req.RoomID})
		}

		_, err := ctx.Publish(topic, messagePostedSchema, map[string]any{
			"roomId": req.RoomID,
			"userId": ctx.ClientID(),
			"text":   req.Text,
		}, nil)
		return err
	})
}
