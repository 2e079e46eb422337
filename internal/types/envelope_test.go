package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReceive(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		wantKind Kind
		wantErr  bool
	}{
		{
			name:     "data message",
			params:   `{"account":"+15550001","envelope":{"sourceNumber":"+15550002","sourceDevice":1,"timestamp":1000,"dataMessage":{"timestamp":1000,"message":"hi"}}}`,
			wantKind: KindData,
		},
		{
			name:     "nested under result",
			params:   `{"result":{"envelope":{"source":"+15550002","timestamp":1000,"receiptMessage":{"when":1200,"isRead":true,"timestamps":[900]}}}}`,
			wantKind: KindReceipt,
		},
		{
			name:     "sync",
			params:   `{"envelope":{"sourceUuid":"5b2f5d8e-3a43-4b0b-9d6c-5e1f0e5f2a11","timestamp":1000,"syncMessage":{"type":"CONTACTS_SYNC"}}}`,
			wantKind: KindSync,
		},
		{
			name:     "typing",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"typingMessage":{"action":"STARTED","timestamp":1000}}}`,
			wantKind: KindTyping,
		},
		{
			name:     "story",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"storyMessage":{"allowsReplies":true,"textAttachment":{"text":"x"}}}}`,
			wantKind: KindStory,
		},
		{
			name:     "call",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"callMessage":{"offerMessage":{"id":1}}}}`,
			wantKind: KindCall,
		},
		{
			name:     "payment is unknown",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"paymentMessage":{}}}`,
			wantKind: KindUnknown,
		},
		{
			name:     "null nested timestamps",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"dataMessage":{"timestamp":null,"message":"re","quote":{"id":null,"author":"+15550003"}}}}`,
			wantKind: KindData,
		},
		{
			name:     "receipt with null when",
			params:   `{"envelope":{"sourceNumber":"+15550002","timestamp":1000,"receiptMessage":{"when":null,"isDelivery":true,"timestamps":[900]}}}`,
			wantKind: KindReceipt,
		},
		{name: "no envelope", params: `{"account":"+15550001"}`, wantErr: true},
		{name: "not an object", params: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, env, err := DecodeReceive(json.RawMessage(tt.params))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, env.Kind())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		wantErr bool
	}{
		{name: "ok", env: `{"sourceNumber":"+1555","timestamp":5,"dataMessage":{"timestamp":5}}`},
		{name: "no source", env: `{"timestamp":5,"dataMessage":{"timestamp":5}}`, wantErr: true},
		{name: "no timestamp", env: `{"sourceNumber":"+1555","dataMessage":{"timestamp":5}}`, wantErr: true},
		{name: "empty receipt", env: `{"sourceNumber":"+1555","timestamp":5,"receiptMessage":{"when":6,"isRead":true,"timestamps":[]}}`, wantErr: true},
		{name: "reaction without target", env: `{"sourceNumber":"+1555","timestamp":5,"dataMessage":{"timestamp":5,"reaction":{"emoji":"x"}}}`, wantErr: true},
		{name: "reaction with null target time", env: `{"sourceNumber":"+1555","timestamp":5,"dataMessage":{"timestamp":5,"reaction":{"emoji":"x","targetAuthor":"+1556","targetSentTimestamp":null}}}`, wantErr: true},
		{name: "bad typing action", env: `{"sourceNumber":"+1555","timestamp":5,"typingMessage":{"action":"PAUSED","timestamp":5}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(tt.env), &env))
			err := env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSenderLegacySource(t *testing.T) {
	env := Envelope{Source: "+15550002"}
	assert.Equal(t, Address{Number: "+15550002"}, env.Sender())

	env = Envelope{Source: "5b2f5d8e-3a43-4b0b-9d6c-5e1f0e5f2a11", SourceName: "Bo"}
	assert.Equal(t, Address{UUID: "5b2f5d8e-3a43-4b0b-9d6c-5e1f0e5f2a11", Name: "Bo"}, env.Sender())

	env = Envelope{Source: "+1", SourceNumber: "+15550003", SourceUUID: "u"}
	assert.Equal(t, "+15550003", env.Sender().ID())
}

func TestGroupUpdate(t *testing.T) {
	d := DataMessage{GroupInfo: &GroupInfo{GroupID: "g", Type: "UPDATE"}}
	assert.True(t, d.IsGroupUpdate())
	d.GroupInfo.Type = "DELIVER"
	assert.False(t, d.IsGroupUpdate())
}

func TestSyncIsEmpty(t *testing.T) {
	var s SyncMessage
	require.NoError(t, json.Unmarshal([]byte(`{}`), &s))
	assert.True(t, s.IsEmpty())

	require.NoError(t, json.Unmarshal([]byte(`{"blockedNumbers":[],"blockedGroupIds":[]}`), &s))
	assert.False(t, s.IsEmpty())
}

func TestAddressClassification(t *testing.T) {
	assert.True(t, LooksLikeNumber("+4915112345"))
	assert.False(t, LooksLikeNumber("4915112345"))
	assert.True(t, LooksLikeUUID("5b2f5d8e-3a43-4b0b-9d6c-5e1f0e5f2a11"))
	assert.False(t, LooksLikeUUID("+4915112345"))
}

func TestDecodeReceiveProtocolError(t *testing.T) {
	_, _, err := DecodeReceive(json.RawMessage(`{"account":"+1","error":{"code":-32000,"message":"decryption failed"}}`))
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.False(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, "RPC error -32000: decryption failed", err.Error())
}
