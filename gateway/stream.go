package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/opd-ai/chatengine"
)

// Subscribe opens the gateway's websocket event stream. Reconnection is
// deliberately not handled here: a dropped socket ends the stream and
// the engine's owner decides when to resubscribe.
func (c *Client) Subscribe(ctx context.Context) (chatengine.EventStream, error) {
	conn, _, err := websocket.Dial(ctx, c.eventsURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{c.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: dial event stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"url":      c.eventsURL(),
	}).Info("Event stream connected")

	return &stream{conn: conn}, nil
}

func (c *Client) eventsURL() string {
	url := c.baseURL + "/events"
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// stream adapts a websocket connection to chatengine.EventStream.
type stream struct {
	conn *websocket.Conn
}

// Next reads one frame and decodes it. A frame that fails to parse or
// decode is downgraded to an UnknownEvent so a single bad frame cannot
// kill the stream; a normal close surfaces as io.EOF. The frame is read
// raw and unmarshalled here rather than through wsjson, which closes
// the connection on a unmarshal failure.
func (s *stream) Next(ctx context.Context) (chatengine.Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gateway: read event frame: %w", err)
	}

	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Next",
			"error":    err,
		}).Warn("Unparseable event frame ignored")
		return chatengine.UnknownEvent{}, nil
	}

	event, err := decodeEvent(frame.Type, frame.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Next",
			"kind":     frame.Type,
			"error":    err,
		}).Warn("Malformed event payload ignored")
		return chatengine.UnknownEvent{Kind: frame.Type}, nil
	}
	return event, nil
}

// Close shuts the stream down cleanly.
func (s *stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client closed")
}
