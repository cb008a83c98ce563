// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

func TestConvertPostedEvent(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)

	post := &model.Post{Id: "post1", ChannelId: "ch1", UserId: "alice", Message: "hello **world**", RootId: "root1", CreateAt: 1700000000000}
	evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{
		"post":        postJSON(t, post),
		"sender_name": "@alice",
	}))
	if evt == nil {
		t.Fatal("expected event")
	}
	if evt.Side != network.SideRemote || evt.ID != "post1" || evt.ConversationID != "ch1" || evt.Sender != "alice" {
		t.Errorf("unexpected event metadata: %+v", evt)
	}
	if evt.Content.Kind != network.ContentText || evt.Content.Body != "hello **world**" || evt.Content.ReplyTo != "root1" {
		t.Errorf("unexpected content: %+v", evt.Content)
	}
	if evt.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", evt.Timestamp)
	}
}

func TestConvertPostedEventEchoPrevention(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	c.puppets["@bob:example.com"] = &PuppetClient{MXID: "@bob:example.com", UserID: "bob-puppet", Client: model.NewAPIv4Client(f.Server.URL)}
	c.cfg.BotPrefix = "bot-"

	tests := []struct {
		name       string
		post       *model.Post
		senderName string
	}{
		{"own post", &model.Post{Id: "p1", UserId: "my-user-id", Message: "hi"}, "bridge"},
		{"puppet post", &model.Post{Id: "p2", UserId: "bob-puppet", Message: "hi"}, "bob"},
		{"bridge bot username", &model.Post{Id: "p3", UserId: "u3", Message: "hi"}, "@mattermost-bridge"},
		{"ghost username", &model.Post{Id: "p4", UserId: "u4", Message: "hi"}, "mattermost_carol"},
		{"configured bot prefix", &model.Post{Id: "p5", UserId: "u5", Message: "hi"}, "bot-relay"},
		{"system message", &model.Post{Id: "p6", UserId: "u6", Type: model.PostTypeJoinChannel}, "dave"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.post.ChannelId = "ch1"
			evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{
				"post":        postJSON(t, tt.post),
				"sender_name": tt.senderName,
			}))
			if evt != nil {
				t.Errorf("expected post to be skipped, got %+v", evt)
			}
		})
	}
}

func TestConvertPostedEventMalformed(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	if evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": "{not json"})); evt != nil {
		t.Errorf("expected nil for malformed post, got %+v", evt)
	}
	if evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{})); evt != nil {
		t.Errorf("expected nil for missing post, got %+v", evt)
	}
}

func TestConvertEmotePost(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	post := &model.Post{Id: "p1", ChannelId: "ch1", UserId: "alice", Message: "waves", Type: model.PostTypeMe}
	evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": postJSON(t, post)}))
	if evt == nil || evt.Content.Kind != network.ContentEmote {
		t.Fatalf("expected emote, got %+v", evt)
	}
}

func TestConvertPostWithFiles(t *testing.T) {
	f := newFakeMM(t)
	f.Files["file1"] = &model.FileInfo{Id: "file1", Name: "cat.png", MimeType: "image/png", Size: 1234}
	f.Files["file2"] = &model.FileInfo{Id: "file2", Name: "notes.txt", MimeType: "text/plain", Size: 10}
	c := newTestClient(t, f)

	post := &model.Post{Id: "p1", ChannelId: "ch1", UserId: "alice", FileIds: model.StringArray{"file1", "file2"}}
	evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": postJSON(t, post)}))
	if evt == nil {
		t.Fatal("expected event")
	}
	media := evt.Content.Media
	if evt.Content.Kind != network.ContentMedia || media == nil {
		t.Fatalf("expected media content, got %+v", evt.Content)
	}
	if media.Kind != network.MediaImage || media.RemoteID != "file1" || media.Name != "cat.png" || media.Size != 1234 {
		t.Errorf("unexpected media: %+v", media)
	}
	if media.URL != f.Server.URL+"/api/v4/files/file1" {
		t.Errorf("media URL = %q", media.URL)
	}
	if evt.Content.Body != "[File: notes.txt]" {
		t.Errorf("body = %q, want the second file as fallback", evt.Content.Body)
	}
}

func TestConvertEncryptedPost(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	payload := &network.EncryptedPayload{SessionID: "ch1", Generation: 2, Index: 5, SenderUser: "alice", SenderDevice: "DEV", Ciphertext: []byte{1, 2, 3}}
	raw, _ := json.Marshal(payload)
	post := &model.Post{Id: "p1", ChannelId: "ch1", UserId: "alice", Message: encryptedPlaceholder}
	post.AddProp(propEncrypted, string(raw))

	evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": postJSON(t, post)}))
	if evt == nil || evt.Content.Encrypted == nil {
		t.Fatalf("expected encrypted event, got %+v", evt)
	}
	got := evt.Content.Encrypted
	if got.Generation != 2 || got.Index != 5 || got.SenderDevice != "DEV" || string(got.Ciphertext) != "\x01\x02\x03" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if evt.Content.Body != "" {
		t.Errorf("placeholder body leaked: %q", evt.Content.Body)
	}
}

func TestConvertToDevicePost(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	for _, recipient := range []string{"my-user-id", "someone-else"} {
		msg := &network.ToDeviceMessage{SenderUser: "alice", SenderDevice: "A", RecipientUser: recipient, RecipientDevice: "B", Payload: []byte("x")}
		raw, _ := json.Marshal(msg)
		post := &model.Post{Id: "p-" + recipient, ChannelId: "dm", UserId: "alice", Type: PostTypeToDevice}
		post.AddProp(propToDevice, string(raw))
		evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventPosted, "dm", map[string]any{"post": postJSON(t, post)}))
		if recipient != "my-user-id" {
			if evt != nil {
				t.Errorf("device message for %s should be skipped", recipient)
			}
			continue
		}
		if evt == nil || evt.Content.Kind != network.ContentToDevice || evt.Content.ToDevice == nil {
			t.Fatalf("expected to-device event, got %+v", evt)
		}
		if evt.Content.ToDevice.SenderDevice != "A" || string(evt.Content.ToDevice.Payload) != "x" {
			t.Errorf("unexpected device message: %+v", evt.Content.ToDevice)
		}
	}
}

func TestConvertEditAndDelete(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	post := &model.Post{Id: "p1", ChannelId: "ch1", UserId: "alice", Message: "fixed", EditAt: 1700000005000}

	edit := c.convertEvent(newWebSocketEvent(model.WebsocketEventPostEdited, "ch1", map[string]any{"post": postJSON(t, post)}))
	if edit == nil {
		t.Fatal("expected edit event")
	}
	if edit.ID != "p1:edit:1700000005000" || edit.Content.Kind != network.ContentEdit || edit.Content.TargetID != "p1" || edit.Content.Body != "fixed" {
		t.Errorf("unexpected edit: %+v", edit)
	}

	post.DeleteAt = 1700000009000
	del := c.convertEvent(newWebSocketEvent(model.WebsocketEventPostDeleted, "ch1", map[string]any{"post": postJSON(t, post)}))
	if del == nil {
		t.Fatal("expected delete event")
	}
	if del.ID != "p1:delete" || del.Content.Kind != network.ContentRedaction || del.Content.TargetID != "p1" {
		t.Errorf("unexpected delete: %+v", del)
	}
}

func TestConvertReactions(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	reaction := &model.Reaction{UserId: "alice", PostId: "p1", EmojiName: "thumbsup", CreateAt: 1700000000001}

	added := c.convertEvent(newWebSocketEvent(model.WebsocketEventReactionAdded, "ch1", map[string]any{"reaction": reactionJSON(t, reaction)}))
	if added == nil {
		t.Fatal("expected reaction event")
	}
	if added.ID != "reaction:alice:p1:thumbsup:1700000000001" || added.ConversationID != "ch1" {
		t.Errorf("unexpected reaction event: %+v", added)
	}
	if added.Content.Kind != network.ContentReaction || added.Content.TargetID != "p1" || added.Content.Emoji != "thumbsup" {
		t.Errorf("unexpected reaction content: %+v", added.Content)
	}

	removed := c.convertEvent(newWebSocketEvent(model.WebsocketEventReactionRemoved, "ch1", map[string]any{"reaction": reactionJSON(t, reaction)}))
	if removed == nil {
		t.Fatal("expected reaction remove event")
	}
	if removed.Content.Kind != network.ContentReactionRemove || removed.Content.TargetID != added.ID {
		t.Errorf("removal should target the reaction event, got %+v", removed.Content)
	}
	if removed.ID == added.ID {
		t.Error("removal must have its own id")
	}

	reaction.UserId = "my-user-id"
	if evt := c.convertEvent(newWebSocketEvent(model.WebsocketEventReactionAdded, "ch1", map[string]any{"reaction": reactionJSON(t, reaction)})); evt != nil {
		t.Errorf("own reaction should be skipped, got %+v", evt)
	}
}

func TestConvertMembership(t *testing.T) {
	f := newFakeMM(t)
	c := newTestClient(t, f)
	joined := c.convertEvent(newWebSocketEvent(model.WebsocketEventUserAdded, "ch1", map[string]any{"user_id": "alice"}))
	if joined == nil || joined.Content.Kind != network.ContentMembership || joined.Content.Membership != network.MembershipJoin || joined.Content.Member != "alice" {
		t.Fatalf("unexpected join: %+v", joined)
	}
	left := c.convertEvent(newWebSocketEvent(model.WebsocketEventUserRemoved, "ch1", map[string]any{"user_id": "alice"}))
	if left == nil || left.Content.Membership != network.MembershipLeave {
		t.Fatalf("unexpected leave: %+v", left)
	}
	if own := c.convertEvent(newWebSocketEvent(model.WebsocketEventUserAdded, "ch1", map[string]any{"user_id": "my-user-id"})); own != nil {
		t.Errorf("own membership should be skipped, got %+v", own)
	}
}

func TestReactionIDRoundTrip(t *testing.T) {
	orig := &model.Reaction{UserId: "u1", PostId: "p1", EmojiName: "+1", CreateAt: 42}
	parsed, ok := ParseReactionID(ReactionID(orig))
	if !ok {
		t.Fatal("failed to parse reaction id")
	}
	if *parsed != *orig {
		t.Errorf("got %+v, want %+v", parsed, orig)
	}
	for _, bad := range []string{"p1", "reaction:", "reaction:u1:p1:+1", "reaction:u1:p1:+1:abc"} {
		if _, ok := ParseReactionID(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestPostIDOf(t *testing.T) {
	tests := map[string]string{
		"p1":                            "p1",
		"p1:edit:123":                   "p1",
		"p1:delete":                     "p1",
		"reaction:u1:p2:smile:5":        "p2",
		"reaction:u1:p3:smile:5:remove": "p3",
	}
	for in, want := range tests {
		if got := postIDOf(in); got != want {
			t.Errorf("postIDOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRelayedPostType(t *testing.T) {
	tests := map[string]bool{
		model.PostTypeDefault:      true,
		model.PostTypeMe:           true,
		PostTypeToDevice:           true,
		model.PostTypeJoinChannel:  false,
		model.PostTypeLeaveChannel: false,
		model.PostTypeHeaderChange: false,
	}
	for postType, want := range tests {
		if got := relayedPostType(postType); got != want {
			t.Errorf("relayedPostType(%q) = %v, want %v", postType, got, want)
		}
	}
}
