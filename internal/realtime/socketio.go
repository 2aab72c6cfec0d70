package realtime

import (
	socketio "github.com/googollee/go-socket.io"

	"github.com/vigiasec/ingest/internal/logging"
)

// NewSocketBridge builds the socket.io server the dashboard's older build
// still speaks. Mount it at /socket.io/ and hand it to the hub Options; the
// caller owns Serve and Close.
func NewSocketBridge() *socketio.Server {
	server := socketio.NewServer(nil)
	log := logging.WithComponent("socketio")

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		log.Debug().Str("sid", s.ID()).Msg("legacy client connected")
		return nil
	})
	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Debug().Str("sid", s.ID()).Str("reason", reason).Msg("legacy client disconnected")
	})
	server.OnError("/", func(s socketio.Conn, err error) {
		log.Warn().Err(err).Msg("legacy client error")
	})
	return server
}
