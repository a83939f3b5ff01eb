package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/tracker"
)

// fakeConn records published messages.
type fakeConn struct {
	msgs []*nats.Msg
	err  error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func notification() tracker.Notification {
	pub := int64(7)
	return tracker.Notification{
		UnitOfWork:     "uow-1",
		PublishEventID: &pub,
		Events: []model.ChangeEvent{{
			EntityType:   `App\Model\Page`,
			BaseType:     `App\Model\Page`,
			EntityID:     1,
			Kind:         model.EventUpdated,
			Stage:        model.StageLive,
			IdentityHash: model.IdentityHash(`App\Model\Page`, 1),
		}},
	}
}

func TestNATSPublisher_PublishesOneMessage(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", nil)
	assert.Equal(t, DefaultSubject, p.Subject())

	require.NoError(t, p.Notify(context.Background(), notification()))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, DefaultSubject, msg.Subject)
	assert.Equal(t, "uow-1", msg.Header.Get(HeaderUnitOfWork))
	assert.Equal(t, "1", msg.Header.Get(HeaderCount))

	var got tracker.Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, notification(), got)
}

func TestNATSPublisher_PayloadShape(t *testing.T) {
	msg, err := Message("changes", notification())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &raw))
	assert.Equal(t, "uow-1", raw["unitOfWork"])
	assert.EqualValues(t, 7, raw["publishEventId"])

	events := raw["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "UPDATED", ev["eventKind"])
	assert.Equal(t, "Live", ev["stage"])
	assert.NotContains(t, ev, "sizeBytes")
}

func TestNATSPublisher_PublishError(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{err: nats.ErrConnectionClosed}, "changes", nil)

	err := p.Notify(context.Background(), notification())
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestDispatcher_CallsEveryNotifier(t *testing.T) {
	var calls []string
	first := tracker.NotifierFunc(func(context.Context, tracker.Notification) error {
		calls = append(calls, "first")
		return errors.New("webhook down")
	})
	second := tracker.NotifierFunc(func(context.Context, tracker.Notification) error {
		calls = append(calls, "second")
		return nil
	})

	d := NewDispatcher(first, nil, second)
	assert.Equal(t, 2, d.Len())

	err := d.Notify(context.Background(), notification())
	assert.EqualError(t, err, "webhook down")
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestDispatcher_Empty(t *testing.T) {
	assert.NoError(t, NewDispatcher().Notify(context.Background(), notification()))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := LogNotifier{Logger: logging.NewWithWriter("info", logging.FormatJSON, &buf)}

	require.NoError(t, l.Notify(context.Background(), notification()))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "content changed", entry["msg"])
	assert.Equal(t, "uow-1", entry["unit_of_work"])
	assert.EqualValues(t, 1, entry["count"])
	assert.EqualValues(t, 7, entry["publish_event"])
}

func TestConnectNATS_Unreachable(t *testing.T) {
	_, err := ConnectNATS(NATSOptions{URL: "nats://127.0.0.1:1", MaxReconnects: 0}, nil)
	assert.Error(t, err)
}
