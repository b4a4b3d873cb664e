package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

func testMessage() *Message {
	a := cluster.NewMember("a", "127.0.0.1", 9001)
	b := cluster.NewMember("b", "127.0.0.1", 9002)

	msg := NewMessage("sessions", KindBackup, a)
	msg.Key = []byte("k")
	msg.Value = bytes.Repeat([]byte("v"), 512)
	msg.Primary = a
	msg.Nodes = []cluster.Member{b}

	return msg
}

func TestFrameCodecRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fc   *FrameCodec
		flag byte
	}{
		{name: "plain", fc: NewFrameCodec(), flag: framePlain},
		{name: "snappy", fc: NewFrameCodec(WithCompression(64)), flag: frameSnappy},
		{name: "below threshold", fc: NewFrameCodec(WithCompression(1 << 20)), flag: framePlain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := testMessage()

			frame, err := tt.fc.Encode(in)
			assert.NoError(t, err)
			assert.Equal(t, tt.flag, frame[0])

			out, err := tt.fc.Decode(frame)
			assert.NoError(t, err)
			assert.Equal(t, in.Kind, out.Kind)
			assert.Equal(t, in.Context, out.Context)
			assert.Equal(t, in.Value, out.Value)
			assert.Equal(t, in.Primary, out.Primary)
			assert.Equal(t, in.Nodes, out.Nodes)
			assert.Equal(t, in.Sender, out.Sender)
		})
	}
}

func TestFrameCodecRejectsGarbage(t *testing.T) {
	t.Parallel()

	fc := NewFrameCodec()

	_, err := fc.Decode(nil)
	assert.True(t, errors.Is(err, sentinel.ErrDecode))

	_, err = fc.Decode([]byte{0x7f, 0x01})
	assert.True(t, errors.Is(err, sentinel.ErrDecode))

	_, err = fc.Decode([]byte{frameSnappy, 0xff, 0xff, 0xff})
	assert.True(t, errors.Is(err, sentinel.ErrDecode))
}

func TestStateReplyKeepsCorrelation(t *testing.T) {
	t.Parallel()

	a := cluster.NewMember("a", "127.0.0.1", 9001)
	b := cluster.NewMember("b", "127.0.0.1", 9002)

	req := NewStateRequest("sessions", KindStateCopy, a)
	assert.True(t, req.ID != "")
	assert.True(t, req.Kind.IsStateKind())

	resp := req.Reply(b, []EntryState{{Key: []byte("k")}})
	assert.Equal(t, req.ID, resp.ID)
	assert.True(t, resp.Response)
	assert.Equal(t, KindStateCopy, resp.Kind)
	assert.Equal(t, "NOTIFY_MAPMEMBER", KindNotifyMapMember.String())
}
